// Package config provides configuration loading for truthd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/truthd/internal/embeddings"
	"github.com/fyrsmithlabs/truthd/internal/kind"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

// Secret wraps strings that must be redacted in logs and serialization.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) GoString() string { return "Secret([REDACTED])" }

// Value returns the underlying secret for use at the point of need.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"[REDACTED]"`), nil
}

func (s Secret) MarshalText() ([]byte, error) {
	if s == "" {
		return []byte(""), nil
	}
	return []byte("[REDACTED]"), nil
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the backend: "local" (default), "openai", "ollama".
	Provider string `koanf:"provider"`
	// Model is the embedding model name.
	Model string `koanf:"model"`
	// APIKey authenticates remote providers.
	APIKey Secret `koanf:"api_key"`
	// BaseURL overrides the remote API endpoint.
	BaseURL string `koanf:"base_url"`
	// CacheDir caches downloaded model files for the local provider.
	CacheDir string `koanf:"cache_dir"`
}

// ToProvider converts to the embeddings package config.
func (c EmbeddingsConfig) ToProvider() embeddings.Config {
	return embeddings.Config{
		Provider: c.Provider,
		Model:    c.Model,
		APIKey:   c.APIKey.Value(),
		BaseURL:  c.BaseURL,
		CacheDir: c.CacheDir,
	}
}

// StoreConfig configures the store backend.
type StoreConfig struct {
	// Backend names the adapter: "sqlitevec" (default) or "qdrant".
	Backend string `koanf:"backend"`
	// Path is the database file for the embedded backend.
	Path string `koanf:"path"`
	// SnapshotDir holds snapshot files for the embedded backend.
	SnapshotDir string `koanf:"snapshot_dir"`
	// Host and Port locate the Qdrant gRPC endpoint.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// APIKey authenticates against Qdrant Cloud.
	APIKey Secret `koanf:"api_key"`
	// Collection is the Qdrant collection name.
	Collection string `koanf:"collection"`
	// UseTLS enables TLS for the Qdrant connection.
	UseTLS bool `koanf:"use_tls"`
}

// ToStore converts to the store package config. Dimensions come from the
// active embedding model, not configuration.
func (c StoreConfig) ToStore(dimensions int) store.Config {
	return store.Config{
		Backend:     c.Backend,
		Path:        c.Path,
		SnapshotDir: c.SnapshotDir,
		Host:        c.Host,
		Port:        c.Port,
		APIKey:      c.APIKey.Value(),
		Collection:  c.Collection,
		UseTLS:      c.UseTLS,
		Dimensions:  dimensions,
	}
}

// ServerConfig configures the REST server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// KindsConfig restricts artifact kinds. Empty means any valid slug is
// accepted.
type KindsConfig struct {
	// Template seeds the registry from a built-in template ("intent" or
	// "agentic").
	Template string `koanf:"template"`
	// Definitions adds project-specific kinds on top of the template.
	Definitions []kind.Definition `koanf:"definitions"`
}

// Registry builds the kind registry from the template and custom
// definitions. Returns nil when no restriction is configured.
func (c KindsConfig) Registry() (*kind.Registry, error) {
	if c.Template == "" && len(c.Definitions) == 0 {
		return nil, nil
	}

	r := &kind.Registry{}
	if c.Template != "" {
		t := kind.TemplateByName(c.Template)
		if t == nil {
			return nil, fmt.Errorf("unknown kinds template: %q", c.Template)
		}
		for _, d := range t.Kinds {
			r.Add(d.Slug, d.Description)
		}
	}
	for _, d := range c.Definitions {
		if err := kind.Validate(d.Slug); err != nil {
			return nil, fmt.Errorf("invalid kind definition: %w", err)
		}
		r.Add(d.Slug, d.Description)
	}
	return r, nil
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// Config is the root truthd configuration.
type Config struct {
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Store      StoreConfig      `koanf:"store"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Kinds      KindsConfig      `koanf:"kinds"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "local"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlitevec"
	}
	if c.Store.Path == "" {
		c.Store.Path = "truthd.db"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8970
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Embeddings.Provider {
	case "local", "openai", "ollama":
	default:
		return fmt.Errorf("invalid embeddings provider: %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "openai" && !c.Embeddings.APIKey.IsSet() {
		return fmt.Errorf("embeddings api_key required for openai provider")
	}

	switch c.Store.Backend {
	case "sqlitevec", "qdrant":
	default:
		return fmt.Errorf("invalid store backend: %q", c.Store.Backend)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if _, err := c.Kinds.Registry(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	return nil
}
