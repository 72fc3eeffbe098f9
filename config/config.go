// Package config loads engine settings from a YAML file, a .env file
// and LEAVE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/warp/leave-engine/logging"
)

type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	Database     DatabaseConfig    `mapstructure:"database"`
	Locks        LocksConfig       `mapstructure:"locks"`
	Transactions TransactionConfig `mapstructure:"transactions"`
	Scheduler    SchedulerConfig   `mapstructure:"scheduler"`
	Logger       LoggerConfig      `mapstructure:"logger"`
	PoliciesFile string            `mapstructure:"policies_file"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | memory
	Path   string `mapstructure:"path"`
}

type LocksConfig struct {
	Backend     string        `mapstructure:"backend"` // memory | sqlite | postgres
	TTL         time.Duration `mapstructure:"ttl"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
}

type TransactionConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	InteractiveRetries int           `mapstructure:"interactive_retries"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	BatchConcurrency   int           `mapstructure:"batch_concurrency"`
}

type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	ArchiveAfter       time.Duration `mapstructure:"archive_after"`
	CarryoverLeaveType string        `mapstructure:"carryover_leave_type"` // year-end runs for this type only
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

func (l LoggerConfig) Logging() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format, OutputPath: l.OutputPath}
}

// Load reads configPath (optional) and the environment. envFile, when
// non-empty and present, is loaded into the process environment first.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := gotenv.Load(envFile); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/leave.db")

	v.SetDefault("locks.backend", "sqlite")
	v.SetDefault("locks.ttl", 30*time.Second)

	v.SetDefault("transactions.max_retries", 3)
	v.SetDefault("transactions.interactive_retries", 0)
	v.SetDefault("transactions.base_delay", 20*time.Millisecond)
	v.SetDefault("transactions.max_delay", time.Second)
	v.SetDefault("transactions.batch_concurrency", 4)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("scheduler.archive_after", 2*365*24*time.Hour)
	v.SetDefault("scheduler.carryover_leave_type", "annual")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_path", "stdout")

	v.SetDefault("policies_file", "policies.yaml")
}

// bindEnvVars binds keys whose variable names do not follow the prefix
// rule, such as the shared Postgres DSN.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("locks.postgres_dsn", "LEAVE_LOCKS_POSTGRES_DSN", "DATABASE_URL")
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	switch c.Locks.Backend {
	case "memory":
	case "sqlite":
		if c.Database.Driver != "sqlite" {
			return errors.New("locks.backend sqlite needs database.driver sqlite")
		}
	case "postgres":
		if c.Locks.PostgresDSN == "" {
			return errors.New("locks.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("locks.backend %q is not supported", c.Locks.Backend)
	}
	if c.Locks.TTL <= 0 {
		return errors.New("locks.ttl must be positive")
	}

	if c.Transactions.MaxRetries < 0 || c.Transactions.InteractiveRetries < 0 {
		return errors.New("transactions retries must not be negative")
	}
	if c.Transactions.BatchConcurrency < 1 {
		return errors.New("transactions.batch_concurrency must be at least 1")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	return nil
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
