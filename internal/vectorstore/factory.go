package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures the vector store implementation.
type Config struct {
	// Provider selects the implementation: "chromem" (default, embedded)
	// or "qdrant" (external server).
	Provider string `koanf:"provider"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// NewStore creates a Store based on the configured provider.
//
// The chromem provider is the default: embedded, persistent, no external
// service. The qdrant provider targets a running Qdrant server over gRPC.
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(cfg.Chromem, logger)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: chromem, qdrant)",
			ErrInvalidConfig, cfg.Provider)
	}
}
