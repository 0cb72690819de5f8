package config

import (
	"github.com/vietddude/herald/internal/dispatch"
	redisclient "github.com/vietddude/herald/internal/infra/redis"
	"github.com/vietddude/herald/internal/infra/storage/postgres"
	"github.com/vietddude/herald/internal/sweep"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig          `yaml:"server"`
	Logging     LoggingConfig         `yaml:"logging"`
	Database    postgres.Config       `yaml:"database"`
	Redis       redisclient.Config    `yaml:"redis"`
	Delivery    dispatch.Config       `yaml:"delivery"`
	RetrySweep  sweep.RetryConfig     `yaml:"retry_sweep"`
	Digest      sweep.DigestConfig    `yaml:"digest"`
	Retention   sweep.RetentionConfig `yaml:"retention"`
	Routing     RoutingConfig         `yaml:"routing"`
	Preferences PreferencesConfig     `yaml:"preferences"`
}

// ServerConfig holds ops HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RoutingConfig maps notification categories to candidate channels. It is
// data, not code: new categories and channels need only a config change.
type RoutingConfig struct {
	Rules   map[string][]string `yaml:"rules"`
	Default []string            `yaml:"default"`
}

// PreferencesConfig is the static preference set used in standalone mode,
// when no external preference service is wired in.
type PreferencesConfig struct {
	Channels  []string `yaml:"channels"`
	Frequency string   `yaml:"frequency"`
}
