package store

import (
	"fmt"
	"sync"
)

// Config selects and configures a store backend.
type Config struct {
	// Backend names the adapter: "sqlitevec" (default) or "qdrant".
	Backend string `koanf:"backend"`

	// Path is the database file for the embedded backend.
	// Defaults to ./truthd.db.
	Path string `koanf:"path"`

	// SnapshotDir holds snapshot files for the embedded backend.
	// Defaults to <Path directory>/snapshots.
	SnapshotDir string `koanf:"snapshot_dir"`

	// Host and Port locate the Qdrant gRPC endpoint.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// APIKey authenticates against Qdrant Cloud.
	APIKey string `koanf:"api_key"`

	// Collection is the Qdrant collection name. Defaults to "artifacts".
	Collection string `koanf:"collection"`

	// UseTLS enables TLS for the Qdrant connection.
	UseTLS bool `koanf:"use_tls"`

	// Dimensions is the fixed vector width, taken from the active
	// embedding model rather than configuration.
	Dimensions int `koanf:"-"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = "sqlitevec"
	}
	if c.Path == "" {
		c.Path = "truthd.db"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "artifacts"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: vector dimensions must be positive", ErrInvalidConfig)
	}
	return nil
}

// Factory opens a store from configuration.
type Factory func(cfg Config) (Store, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a named store backend. Backend packages call
// this from init(). Goroutine-safe.
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Open creates a store for the configured backend.
func Open(cfg Config) (Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factoriesMu.RLock()
	factory, ok := factories[cfg.Backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unsupported backend %q (supported: sqlitevec, qdrant)", ErrInvalidConfig, cfg.Backend)
	}

	return factory(cfg)
}
