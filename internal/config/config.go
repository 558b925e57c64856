// Package config loads and validates ByteHot's runtime configuration: where
// to watch, how to store events, how hot-swaps are throttled, and how the
// optional distributed lock and introspection surface are wired up.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// StoreBackend selects the event store implementation.
type StoreBackend string

const (
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendSQLite   StoreBackend = "sqlite"
	StoreBackendPostgres StoreBackend = "postgres"
)

// Config is ByteHot's full runtime configuration (spec §6 "Configuration keys").
type Config struct {
	Watch     WatchConfig     `mapstructure:"watch" validate:"required"`
	Swap      SwapConfig      `mapstructure:"swap"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Store     StoreConfig     `mapstructure:"store" validate:"required"`
	Flow      FlowConfig      `mapstructure:"flow"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Lock      LockConfig      `mapstructure:"lock"`
	Log       LogConfig       `mapstructure:"log"`
	Introspect IntrospectConfig `mapstructure:"introspect"`
}

// WatchConfig controls the file-watch session (spec §4.2).
type WatchConfig struct {
	Root          string   `mapstructure:"root" validate:"required"`
	IncludeGlobs  []string `mapstructure:"include_globs"`
	ExcludeGlobs  []string `mapstructure:"exclude_globs"`
	DebounceMS    int      `mapstructure:"debounce_ms" validate:"min=0"`
}

// SwapConfig controls the hot-swap coordinator (spec §4.4, §5).
type SwapConfig struct {
	RedefinitionTimeoutMS   int `mapstructure:"redefinition_timeout_ms" validate:"min=1"`
	ReconciliationTimeoutMS int `mapstructure:"reconciliation_timeout_ms" validate:"min=1"`
	MaxAttemptsPerSecond    int `mapstructure:"max_attempts_per_second" validate:"min=1"`
}

// WorkersConfig controls the bounded pool driving validation/redefinition/reconciliation.
type WorkersConfig struct {
	PoolSize int `mapstructure:"pool_size" validate:"min=1"`
}

// StoreConfig selects and configures the event store backend (spec §4.1).
type StoreConfig struct {
	Backend          StoreBackend `mapstructure:"backend" validate:"required,oneof=memory sqlite postgres"`
	Path             string       `mapstructure:"path"`
	DSN              string       `mapstructure:"dsn"`
	RetentionEvents  int          `mapstructure:"retention_events" validate:"min=0"`
}

// FlowConfig controls the flow detector (spec §4.8).
type FlowConfig struct {
	MinConfidenceDefault float64 `mapstructure:"min_confidence_default" validate:"min=0,max=1"`
}

// SnapshotConfig sizes the event window an error snapshot captures (spec §4.7).
type SnapshotConfig struct {
	MaxCapturedEvents int `mapstructure:"max_captured_events" validate:"min=0"`
}

// LockConfig controls the optional cross-process distributed lock.
type LockConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	TTL            time.Duration `mapstructure:"ttl"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// IntrospectConfig controls the optional read-only HTTP/WS surface.
type IntrospectConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

var validate = validator.New()

// setDefaults mirrors the teacher's setDefaults: one viper.SetDefault call
// per key, so every key in the enumerated configuration surface resolves to
// something sane even with an empty config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("watch.root", ".")
	v.SetDefault("watch.include_globs", []string{"**/*.class"})
	v.SetDefault("watch.exclude_globs", []string{})
	v.SetDefault("watch.debounce_ms", 300)

	v.SetDefault("swap.redefinition_timeout_ms", 5000)
	v.SetDefault("swap.reconciliation_timeout_ms", 10000)
	v.SetDefault("swap.max_attempts_per_second", 10)

	v.SetDefault("workers.pool_size", 4)

	v.SetDefault("store.backend", string(StoreBackendMemory))
	v.SetDefault("store.path", "bytehot-events.db")
	v.SetDefault("store.retention_events", 0)

	v.SetDefault("flow.min_confidence_default", 0.6)

	v.SetDefault("snapshot.max_captured_events", 100)

	v.SetDefault("lock.enabled", false)
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.acquire_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("introspect.enabled", false)
	v.SetDefault("introspect.addr", ":8085")
}

// Load reads configuration from the given file path (if non-empty) plus
// BYTEHOT_-prefixed environment variables, applies defaults, and validates
// the result.
//
// Unlike the teacher's forgiving viper.Unmarshal, unknown keys are a hard
// error here (spec §6): a mistyped config key must fail loudly rather than
// silently falling back to a default.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BYTEHOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	errorUnused := func(c *mapstructure.DecoderConfig) { c.ErrorUnused = true }

	if err := v.Unmarshal(&cfg, decodeHook, errorUnused); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct-tag constraints plus the cross-field rules the
// tags can't express (store.path required for sqlite, store.dsn required
// for postgres).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Store.Backend {
	case StoreBackendSQLite:
		if c.Store.Path == "" {
			return &ErrInvalidConfig{Field: "store.path", Reason: "required when store.backend is sqlite"}
		}
	case StoreBackendPostgres:
		if c.Store.DSN == "" {
			return &ErrInvalidConfig{Field: "store.dsn", Reason: "required when store.backend is postgres"}
		}
	}

	if c.Lock.Enabled && c.Lock.RedisAddr == "" {
		return &ErrInvalidConfig{Field: "lock.redis_addr", Reason: "required when lock.enabled is true"}
	}

	return nil
}

// IsDurable reports whether the configured store backend survives a restart.
func (c *Config) IsDurable() bool {
	return c.Store.Backend != StoreBackendMemory
}
