// Package events publishes operation progress over NATS so that UIs
// and other consumers can follow long-running syncs without polling.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shopsyncd/internal/ops"
)

// ErrNotConnected indicates the publisher has no NATS connection.
var ErrNotConnected = errors.New("not connected to nats")

// SubjectPrefix is the root of all progress subjects. The full
// subject is "<prefix>.<tenant_id>".
const SubjectPrefix = "shopsyncd.ops.progress"

// Config holds configuration for the events publisher.
type Config struct {
	// URL is the NATS server URL. Empty disables publishing.
	URL string `koanf:"url"`

	// Name is the connection name reported to the server.
	// Default: "shopsyncd".
	Name string `koanf:"name"`

	// ReconnectWait is the delay between reconnect attempts.
	// Default: 2s.
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	// MaxReconnects bounds reconnect attempts. Default: -1 (unlimited).
	MaxReconnects int `koanf:"max_reconnects"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "shopsyncd"
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
}

// Publisher publishes operation progress events. It implements
// ops.Publisher. A nil *Publisher is safe to use and drops events,
// which keeps the executor decoupled from messaging config.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewPublisher connects to NATS and returns a publisher. If cfg.URL is
// empty it returns (nil, nil): publishing disabled.
func NewPublisher(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	logger.Info("events publisher connected", zap.String("url", cfg.URL))
	return &Publisher{conn: conn, logger: logger}, nil
}

// PublishProgress publishes a progress event for a tenant. Publish
// failures are logged, never propagated: progress events are advisory
// and must not fail the operation that emits them.
func (p *Publisher) PublishProgress(_ context.Context, ev ops.ProgressEvent) {
	if p == nil || p.conn == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshaling progress event", zap.Error(err))
		return
	}
	subject := SubjectPrefix + "." + ev.TenantID
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn("publishing progress event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}
