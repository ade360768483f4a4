// Package config provides the configuration of a geodoc deployment: how to reach the
// store, how to size the connection pool, how to log, and which tables to provision.
//
// The configuration is organized into logical sections:
//   - Store: Driver selection and connection options
//   - Pool: Connection pool bounds and timings
//   - Logging: Logger level and encoding
//   - Tables: Table schemas provisioned by `geodoc init`
//
// Example usage:
//
//	cfg := config.NewDefault()
//	cfg.Store.Host = "db.internal"
//	cfg.Pool.MaxConnections = 20
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"time"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/logger"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

const (
	// DriverMongo selects the MongoDB driver.
	DriverMongo = "mongo"
	// DriverEmbedded selects the in-process embedded store.
	DriverEmbedded = "embedded"

	// DefaultMongoPort is the port mongod listens on out of the box.
	DefaultMongoPort = 27017
)

const (
	minPort = 1
	maxPort = 65535
)

// Config is the root configuration.
type Config struct {
	// Store selects and addresses the backing document store
	Store StoreConfig `yaml:"store" json:"store"`

	// Pool sizes the connection pool
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Logging configures the global logger
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Tables lists the schemas to provision
	Tables []TableConfig `yaml:"tables" json:"tables"`
}

// StoreConfig contains the store driver and its connection options.
type StoreConfig struct {
	// Driver is "mongo" or "embedded"
	Driver string `yaml:"driver" json:"driver"`
	// Path is the embedded store file; empty keeps data in memory
	Path string `yaml:"path" json:"path"`

	store.Options `yaml:",inline" json:",inline"`
}

// PoolConfig contains the connection pool settings.
type PoolConfig struct {
	// MaxConnections bounds the number of tracked connections
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	// MinFreeConnections is the idle floor the maintenance loop grows to
	MinFreeConnections int `yaml:"min_free_connections" json:"min_free_connections"`
	// MaxFreeConnections is the idle ceiling the maintenance loop shrinks to
	MaxFreeConnections int `yaml:"max_free_connections" json:"max_free_connections"`
	// AcquireTimeout is the default wait for a free connection
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// MaintenanceInterval is the period of the grow/shrink/heal cycle
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" json:"maintenance_interval"`
	// DrainInterval is how often shutdown wakes up to reclaim returned connections
	DrainInterval time.Duration `yaml:"drain_interval" json:"drain_interval"`
	// ShutdownTimeout bounds the graceful drain
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TableConfig declares a table schema.
type TableConfig struct {
	Name           string        `yaml:"name" json:"name"`
	PrimaryKey     string        `yaml:"primary_key" json:"primary_key"`
	PrimaryKeyType string        `yaml:"primary_key_type" json:"primary_key_type"`
	Indices        []IndexConfig `yaml:"indices" json:"indices"`
}

// IndexConfig declares a secondary index.
type IndexConfig struct {
	Fields []string `yaml:"fields" json:"fields"`
	Geo    bool     `yaml:"geo" json:"geo"`
}

// NewDefault creates a Config with the default connection target and pool sizing. The
// target is an unauthenticated mongod on the local host.
func NewDefault() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverMongo,
			Options: store.Options{
				Host:           "127.0.0.1",
				Port:           DefaultMongoPort,
				Username:       "",
				Password:       "",
				Database:       "test",
				ConnectTimeout: 10 * time.Second,
			},
		},
		Pool: DefaultPoolConfig(),
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// DefaultPoolConfig returns the default pool sizing.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:      10,
		MinFreeConnections:  1,
		MaxFreeConnections:  5,
		AcquireTimeout:      60 * time.Second,
		MaintenanceInterval: time.Second,
		DrainInterval:       100 * time.Millisecond,
		ShutdownTimeout:     30 * time.Second,
	}
}

// Validate validates the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMongo:
		if c.Store.Host == "" {
			return configError("store.host is required")
		}
		if err := ValidatePort(c.Store.Port); err != nil {
			return err
		}
		if c.Store.Database == "" {
			return configError("store.database is required")
		}
	case DriverEmbedded:
	default:
		return configError("unknown store driver").WithDetail("driver", c.Store.Driver)
	}

	if err := c.Pool.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return configError("duplicate table").WithDetail("table", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Validate checks the pool bounds: 0 <= minFree <= maxFree <= max and max > 0.
func (p *PoolConfig) Validate() error {
	if p.MaxConnections <= 0 {
		return configError("pool.max_connections must be positive")
	}
	if p.MinFreeConnections < 0 {
		return configError("pool.min_free_connections cannot be negative")
	}
	if p.MinFreeConnections > p.MaxFreeConnections {
		return configError("pool.min_free_connections must not exceed pool.max_free_connections").
			WithDetail("min_free", p.MinFreeConnections).
			WithDetail("max_free", p.MaxFreeConnections)
	}
	if p.MaxFreeConnections > p.MaxConnections {
		return configError("pool.max_free_connections must not exceed pool.max_connections").
			WithDetail("max_free", p.MaxFreeConnections).
			WithDetail("max", p.MaxConnections)
	}
	if p.AcquireTimeout < 0 || p.MaintenanceInterval < 0 || p.DrainInterval < 0 || p.ShutdownTimeout < 0 {
		return configError("pool timings cannot be negative")
	}
	return nil
}

// WithDefaults returns a copy with zero timings replaced by the defaults.
func (p PoolConfig) WithDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if p.AcquireTimeout == 0 {
		p.AcquireTimeout = def.AcquireTimeout
	}
	if p.MaintenanceInterval == 0 {
		p.MaintenanceInterval = def.MaintenanceInterval
	}
	if p.DrainInterval == 0 {
		p.DrainInterval = def.DrainInterval
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = def.ShutdownTimeout
	}
	return p
}

// Validate checks that the table has a name and a primary key.
func (t *TableConfig) Validate() error {
	if t.Name == "" {
		return configError("table name is required")
	}
	if t.PrimaryKey == "" {
		return configError("table primary_key is required").WithDetail("table", t.Name)
	}
	for _, idx := range t.Indices {
		if len(idx.Fields) == 0 {
			return configError("index needs at least one field").WithDetail("table", t.Name)
		}
	}
	return nil
}

// ValidatePort checks that port is within 1..65535.
func ValidatePort(port int) error {
	if port < minPort || port > maxPort {
		return configError("port is out of range 1..65535").WithDetail("port", port)
	}
	return nil
}

func configError(msg string) *errors.Error {
	return errors.New(errors.ErrorTypeConfig, msg)
}
