// Package config provides configuration loading for shopsyncd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Each subsystem owns its config struct and defaults; this
// package only assembles the tree and drives loading.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/shopsyncd/internal/assistant"
	"github.com/fyrsmithlabs/shopsyncd/internal/catalog"
	"github.com/fyrsmithlabs/shopsyncd/internal/embeddings"
	"github.com/fyrsmithlabs/shopsyncd/internal/events"
	"github.com/fyrsmithlabs/shopsyncd/internal/lifecycle"
	"github.com/fyrsmithlabs/shopsyncd/internal/logging"
	"github.com/fyrsmithlabs/shopsyncd/internal/ops"
	"github.com/fyrsmithlabs/shopsyncd/internal/scheduler"
	"github.com/fyrsmithlabs/shopsyncd/internal/store"
	"github.com/fyrsmithlabs/shopsyncd/internal/telemetry"
	"github.com/fyrsmithlabs/shopsyncd/internal/vectorstore"
)

// Config holds the complete shopsyncd configuration.
type Config struct {
	Server      ServerConfig         `koanf:"server"`
	Logging     logging.Config       `koanf:"logging"`
	Store       store.Config         `koanf:"store"`
	Catalog     catalog.ClientConfig `koanf:"catalog"`
	Embeddings  embeddings.Config    `koanf:"embeddings"`
	VectorStore vectorstore.Config   `koanf:"vectorstore"`
	Events      events.Config        `koanf:"events"`
	Lifecycle   lifecycle.Config     `koanf:"lifecycle"`
	Executor    ExecutorConfig       `koanf:"executor"`
	Scheduler   scheduler.Config     `koanf:"scheduler"`
	Assistant   assistant.Config     `koanf:"assistant"`
	Telemetry   telemetry.Config     `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ExecutorConfig mirrors the executor's tunables in the config tree.
type ExecutorConfig struct {
	MaxRetries         int           `koanf:"max_retries"`
	InitialBackoff     time.Duration `koanf:"initial_backoff"`
	MaxBackoff         time.Duration `koanf:"max_backoff"`
	BackoffMultiplier  float64       `koanf:"backoff_multiplier"`
	LockAcquireTimeout time.Duration `koanf:"lock_acquire_timeout"`
}

// Ops converts to the executor's own config type. Zero fields fall back
// to the executor's defaults.
func (c ExecutorConfig) Ops() ops.ExecutorConfig {
	return ops.ExecutorConfig{
		Retry: ops.RetryConfig{
			MaxRetries:        c.MaxRetries,
			InitialBackoff:    c.InitialBackoff,
			MaxBackoff:        c.MaxBackoff,
			BackoffMultiplier: c.BackoffMultiplier,
		},
		LockAcquireTimeout: c.LockAcquireTimeout,
	}
}

// ApplyDefaults sets default values for missing configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 9090
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	c.Logging.ApplyDefaults()
	c.Store.ApplyDefaults()
	c.Catalog.ApplyDefaults()
	c.Embeddings.ApplyDefaults()
	c.Events.ApplyDefaults()
	c.Lifecycle.ApplyDefaults()
	c.Scheduler.ApplyDefaults()
	c.Assistant.ApplyDefaults()
	c.Telemetry.ApplyDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Embeddings.Validate(); err != nil {
		return err
	}
	return nil
}
