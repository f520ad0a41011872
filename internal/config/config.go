// Package config provides Viper-based configuration loading for the combat server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// ShutdownTimeout bounds graceful shutdown of the HTTP listener.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StorageConfig selects the combat store backend.
type StorageConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`
	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// SyncConfig holds the HTTP API and event stream listener settings.
type SyncConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// PublishTimeout bounds a single sync event publish.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	// SubscriberBuffer is the number of events queued per subscriber before it is dropped.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// WriteWait is the time allowed to write one websocket frame.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is the time allowed between pongs before a subscriber is considered gone.
	PongWait time.Duration `mapstructure:"pong_wait"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s SyncConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AliasConfig overrides the attribute keys consulted when importing characters.
// Empty lists keep the built-in aliases.
type AliasConfig struct {
	HP []string `mapstructure:"hp"`
	AC []string `mapstructure:"ac"`
}

// CharactersConfig locates the character collaborator's data.
type CharactersConfig struct {
	// Dir holds one YAML file per character. Empty disables character import.
	Dir     string      `mapstructure:"dir"`
	Aliases AliasConfig `mapstructure:"aliases"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector URL. Empty disables export.
	Endpoint string `mapstructure:"endpoint"`
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `mapstructure:"service_name"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Characters CharactersConfig `mapstructure:"characters"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// Validate checks all configuration invariants.
// Database settings are only checked when the postgres driver is selected.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStorage(c.Storage); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Storage.Driver == DriverPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateSync(c.Sync); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Tracing.Endpoint != "" && c.Tracing.ServiceName == "" {
		errs = append(errs, "tracing.service_name must not be empty when tracing.endpoint is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0, got %s", s.ShutdownTimeout)
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch s.Driver {
	case DriverPostgres:
		return nil
	case DriverSQLite:
		if s.SQLitePath == "" {
			return errors.New("storage.sqlite_path must not be empty for the sqlite driver")
		}
		return nil
	default:
		return fmt.Errorf("storage.driver must be one of [postgres, sqlite], got %q", s.Driver)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSync(s SyncConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("sync.port must be 1-65535, got %d", s.Port))
	}
	if s.PublishTimeout <= 0 {
		errs = append(errs, "sync.publish_timeout must be > 0")
	}
	if s.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Sprintf("sync.subscriber_buffer must be >= 1, got %d", s.SubscriberBuffer))
	}
	if s.WriteWait <= 0 {
		errs = append(errs, "sync.write_wait must be > 0")
	}
	if s.PongWait <= 0 {
		errs = append(errs, "sync.pong_wait must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and SKIRMISH_ environment overrides.
//
// Postcondition: Returns a non-nil Viper ready for Unmarshal.
func NewViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with SKIRMISH_ prefix
	v.SetEnvPrefix("SKIRMISH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "skirmish")
	v.SetDefault("database.password", "skirmish")
	v.SetDefault("database.name", "skirmish")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("storage.sqlite_path", "skirmish.db")

	v.SetDefault("sync.host", "0.0.0.0")
	v.SetDefault("sync.port", 8080)
	v.SetDefault("sync.publish_timeout", "2s")
	v.SetDefault("sync.subscriber_buffer", 64)
	v.SetDefault("sync.write_wait", "10s")
	v.SetDefault("sync.pong_wait", "60s")

	v.SetDefault("characters.dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "skirmish")
}
