package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/mucan54/remoteql/internal/db"
)

// Config is the full server configuration.
type Config struct {
	Addr  string `mapstructure:"addr"`
	Mode  string `mapstructure:"mode"` // "server" or "client"
	Debug bool   `mapstructure:"debug"`

	Database db.Config `mapstructure:"database"`

	// Namespaces are tried as prefixes when resolving short entity and
	// service names.
	Namespaces []string `mapstructure:"namespaces"`

	Entities []EntityConfig `mapstructure:"entities"`

	Security SecurityConfig `mapstructure:"security"`

	Batch BatchConfig `mapstructure:"batch"`

	Auth AuthConfig `mapstructure:"auth"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	Encryption EncryptionConfig `mapstructure:"encryption"`

	Replay ReplayConfig `mapstructure:"replay"`
}

// EntityConfig declares one queryable entity for the registry.
type EntityConfig struct {
	Name      string           `mapstructure:"name"`
	Qualified string           `mapstructure:"qualified"`
	Type      string           `mapstructure:"type"`
	Queryable bool             `mapstructure:"queryable"`
	Relations []RelationConfig `mapstructure:"relations"`
}

type RelationConfig struct {
	Name       string `mapstructure:"name"`
	Entity     string `mapstructure:"entity"`
	LocalKey   string `mapstructure:"local_key"`
	ForeignKey string `mapstructure:"foreign_key"`
	Many       bool   `mapstructure:"many"`
}

type SecurityConfig struct {
	Strategy        string   `mapstructure:"strategy"` // whitelist, blacklist, marker
	Whitelist       []string `mapstructure:"whitelist"`
	Blacklist       []string `mapstructure:"blacklist"`
	ChainMethods    []string `mapstructure:"chain_methods"`
	TerminalMethods []string `mapstructure:"terminal_methods"`
	Services        []string `mapstructure:"services"`
}

type BatchConfig struct {
	MaxSteps int `mapstructure:"max_steps"`
}

// AuthConfig declares the static token table and whether authentication is
// mandatory. DefaultOrganization scopes anonymous callers when auth is
// optional; without it anonymous queries match no rows.
type AuthConfig struct {
	Required            bool          `mapstructure:"required"`
	Tokens              []TokenConfig `mapstructure:"tokens"`
	DefaultOrganization string        `mapstructure:"default_organization"`
}

type TokenConfig struct {
	Token          string `mapstructure:"token"`
	CallerID       string `mapstructure:"caller_id"`
	OrganizationID string `mapstructure:"organization_id"`
}

type RateLimitConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	PerMinute int  `mapstructure:"per_minute"`
	Burst     int  `mapstructure:"burst"`
}

type EncryptionConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MasterKey     string `mapstructure:"master_key"` // base64 or hex, 32 bytes decoded
	PerCallerKeys bool   `mapstructure:"per_caller_keys"`
}

type ReplayConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	WindowSeconds int  `mapstructure:"window_seconds"`
	SkewSeconds   int  `mapstructure:"skew_seconds"`
	MaxNonces     int  `mapstructure:"max_nonces"`
}

func (r ReplayConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

func (r ReplayConfig) Skew() time.Duration {
	return time.Duration(r.SkewSeconds) * time.Second
}

// Load reads config.yaml from the given path, with environment overrides
// mapped through the REMOTEQL prefix (e.g. REMOTEQL_ADDR).
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("REMOTEQL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Use defaults + env.
		log.Println("No config.yaml found, using defaults and env vars")
	} else {
		log.Println("Loaded config.yaml")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := db.DefaultConfig()
	v.SetDefault("addr", ":8080")
	v.SetDefault("mode", "server")
	v.SetDefault("debug", false)
	v.SetDefault("database.host", defaults.Host)
	v.SetDefault("database.port", defaults.Port)
	v.SetDefault("database.user", defaults.User)
	v.SetDefault("database.password", defaults.Password)
	v.SetDefault("database.dbname", defaults.DBName)
	v.SetDefault("database.sslmode", defaults.SSLMode)
	v.SetDefault("security.strategy", "whitelist")
	v.SetDefault("batch.max_steps", 25)
	v.SetDefault("rate_limit.per_minute", 60)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("replay.window_seconds", 300)
	v.SetDefault("replay.skew_seconds", 30)
	v.SetDefault("replay.max_nonces", 100000)
}
