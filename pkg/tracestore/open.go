package tracestore

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config selects and configures a store implementation.
type Config struct {
	Driver   string // memory, sqlite, postgres
	Path     string
	DSN      string
	Embedder Embedder
	// EmbedTimeout bounds each embedding call; 0 means DefaultEmbedTimeout.
	EmbedTimeout time.Duration
	Logger       zerolog.Logger
}

// Open builds the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(WithTimeout(cfg.Embedder, cfg.EmbedTimeout)), nil
	case "sqlite":
		return NewSQLiteStore(SQLiteConfig{
			Path:         cfg.Path,
			Embedder:     cfg.Embedder,
			EmbedTimeout: cfg.EmbedTimeout,
			Logger:       cfg.Logger,
		})
	case "postgres":
		return NewPostgresStore(ctx, PostgresConfig{DSN: cfg.DSN, Logger: cfg.Logger})
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// NewEmbedder builds the embedder named by provider. "none" and "" return
// a nil Embedder.
func NewEmbedder(provider, model string, dimension int, apiKey, baseURL string) (Embedder, error) {
	switch provider {
	case "", "none":
		return nil, nil
	case "hashing":
		return NewHashingEmbedder(dimension), nil
	case "openai":
		return NewOpenAIEmbedder(apiKey, baseURL, model, dimension)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", provider)
	}
}
