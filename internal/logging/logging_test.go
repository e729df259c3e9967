package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func zapLevel(t *testing.T, s string) zapcore.Level {
	t.Helper()
	l, err := zapcore.ParseLevel(s)
	require.NoError(t, err)
	return l
}

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "json info", cfg: Config{Level: "info", Format: "json"}},
		{name: "console debug", cfg: Config{Level: "debug", Format: "console"}},
		{name: "bad format", cfg: Config{Level: "info", Format: "xml"}, wantErr: true},
		{name: "bad level", cfg: Config{Level: "verbose", Format: "json"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Debug("logger works")

	_, err = New(Config{Level: "nope"})
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapLevel(t, "info")))
	assert.False(t, logger.Core().Enabled(zapLevel(t, "debug")))
}
