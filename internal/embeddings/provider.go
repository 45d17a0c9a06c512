// Package embeddings provides embedding generation via multiple providers.
//
// The service layer depends only on the Provider interface; concrete
// backends (local ONNX inference, OpenAI-compatible APIs, Ollama) are
// selected by NewProvider from a configuration string.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
)

// Sentinel errors for embedding operations.
var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid embedding configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates fixed-width vectors for text.
//
// ModelID identifies the exact backend+model version; it is persisted next
// to every vector it produces so consumers can audit provenance.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts, one per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery generates an embedding for a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// ModelID returns the model identifier recorded as embedding provenance.
	ModelID() string
	// Dimension returns the fixed vector width for this model.
	Dimension() int
	// MaxTokens returns the model's input token budget.
	MaxTokens() int
	// Close releases resources held by the provider.
	Close() error
}

// Config holds configuration for creating an embedding provider.
type Config struct {
	// Provider selects the backend: "local" (default), "openai", "ollama".
	Provider string `koanf:"provider"`
	// Model is the embedding model name.
	Model string `koanf:"model"`
	// APIKey authenticates remote providers.
	APIKey string `koanf:"api_key"`
	// BaseURL overrides the remote API endpoint.
	BaseURL string `koanf:"base_url"`
	// CacheDir caches downloaded model files for the local provider.
	CacheDir string `koanf:"cache_dir"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "local"
	}
	if c.Model == "" {
		switch c.Provider {
		case "openai":
			c.Model = "text-embedding-3-small"
		case "ollama":
			c.Model = "nomic-embed-text"
		default:
			c.Model = "BAAI/bge-small-en-v1.5"
		}
	}
}

// NewProvider creates an embedding provider based on the configuration.
// Callers never branch on the provider identity afterward; the returned
// interface is the whole contract.
func NewProvider(cfg Config) (Provider, error) {
	cfg.ApplyDefaults()

	switch cfg.Provider {
	case "local":
		return NewLocalProvider(LocalConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: local, openai, ollama)", ErrInvalidConfig, cfg.Provider)
	}
}

// modelInfo is a shortcut into the shared model registry.
func modelInfo(model string) artifact.ModelInfo {
	return artifact.ModelInfoFor(model)
}
