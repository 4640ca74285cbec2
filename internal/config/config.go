// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Progression ProgressionConfig `mapstructure:"progression"`
	Rewards     RewardsConfig     `mapstructure:"rewards"`
	Rank        RankConfig        `mapstructure:"rank"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// StorageConfig bounds persistence calls and retry behavior at the storage
// boundary. Conflict retries re-run the read-modify-commit cycle; the backoff
// settings apply only to transient storage failures.
type StorageConfig struct {
	Driver              string        `mapstructure:"driver"` // postgres or memory
	CommitTimeout       time.Duration `mapstructure:"commit_timeout"`
	ConflictRetries     int           `mapstructure:"conflict_retries"`
	RetryInitialBackoff time.Duration `mapstructure:"retry_initial_backoff"`
	RetryMaxAttempts    int           `mapstructure:"retry_max_attempts"`
}

// ProgressionConfig holds XP award and level curve configuration.
type ProgressionConfig struct {
	BaseXP        int64         `mapstructure:"base_xp"`
	XPMultiplier  float64       `mapstructure:"xp_multiplier"`
	MaxXPPerEvent int64         `mapstructure:"max_xp_per_event"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	ClockSkew     time.Duration `mapstructure:"clock_skew"`
	BaseThreshold float64       `mapstructure:"base_threshold"`
	Exponent      float64       `mapstructure:"exponent"`
}

// RewardsConfig holds reward dispatch configuration. RoleRewards maps roleID
// to the one-time coin grant for holding that role; RoleDefaultAmount applies
// to roles without an explicit rule (0 disables grants for unlisted roles).
type RewardsConfig struct {
	LevelBonusBase      int64            `mapstructure:"level_bonus_base"`
	RoleRewards         map[string]int64 `mapstructure:"role_rewards"`
	RoleDefaultAmount   int64            `mapstructure:"role_default_amount"`
	Workers             int              `mapstructure:"workers"`
	QueueSize           int              `mapstructure:"queue_size"`
	RetryInitialBackoff time.Duration    `mapstructure:"retry_initial_backoff"`
	RetryMaxAttempts    int              `mapstructure:"retry_max_attempts"`
}

// RankConfig holds leaderboard ordering configuration.
type RankConfig struct {
	Order string `mapstructure:"order"` // balance or level
}

// PipelineConfig holds inbound activity pipeline configuration.
type PipelineConfig struct {
	Shards       int `mapstructure:"shards"`
	QueueSize    int `mapstructure:"queue_size"`
	NoticeBuffer int `mapstructure:"notice_buffer"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Enable environment variable override
	// Environment variables use underscore separator and uppercase
	// e.g., DATABASE_HOST, PROGRESSION_COOLDOWN, REWARDS_WORKERS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - env vars can provide all config)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - we can use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "rewards")
	v.SetDefault("database.name", "rewards")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Storage boundary defaults
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.commit_timeout", "5s")
	v.SetDefault("storage.conflict_retries", 5)
	v.SetDefault("storage.retry_initial_backoff", "100ms")
	v.SetDefault("storage.retry_max_attempts", 4)

	// Progression defaults
	v.SetDefault("progression.base_xp", 15)
	v.SetDefault("progression.xp_multiplier", 0.1)
	v.SetDefault("progression.max_xp_per_event", 25)
	v.SetDefault("progression.cooldown", "60s")
	v.SetDefault("progression.clock_skew", "5s")
	v.SetDefault("progression.base_threshold", 100.0)
	v.SetDefault("progression.exponent", 1.5)

	// Reward defaults
	v.SetDefault("rewards.level_bonus_base", 50)
	v.SetDefault("rewards.role_default_amount", 0)
	v.SetDefault("rewards.workers", 2)
	v.SetDefault("rewards.queue_size", 256)
	v.SetDefault("rewards.retry_initial_backoff", "200ms")
	v.SetDefault("rewards.retry_max_attempts", 5)

	// Rank defaults
	v.SetDefault("rank.order", "balance")

	// Pipeline defaults
	v.SetDefault("pipeline.shards", 4)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.notice_buffer", 64)
}
