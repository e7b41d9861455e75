// Package config loads service configuration from YAML, a .env file and
// APPROVALS_* environment overrides, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Engine   EngineConfig   `yaml:"engine"`
	NATS     NATSConfig     `yaml:"nats"`
	Lark     LarkConfig     `yaml:"lark"`
	Identity IdentityConfig `yaml:"identity"`
	Catalog  CatalogConfig  `yaml:"catalog"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"sslmode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
}

// DSN renders a postgres connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// StorageConfig selects the persistence backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

type EngineConfig struct {
	InstanceNoPrefix    string `yaml:"instance_no_prefix"`
	DefaultPolicy       string `yaml:"default_policy"`
	MaxRetries          int    `yaml:"max_retries"`
	AuditDeniedAttempts bool   `yaml:"audit_denied_attempts"`
	TaskDueHours        int    `yaml:"task_due_hours"`
	TimeZone            string `yaml:"time_zone"`
	AdminRole           string `yaml:"admin_role"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LarkConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AppID         string `yaml:"app_id"`
	AppSecret     string `yaml:"app_secret"`
	ReceiveIDType string `yaml:"receive_id_type"`
}

type IdentityConfig struct {
	GRPCAddr      string `yaml:"grpc_addr"`
	DirectoryFile string `yaml:"directory_file"`
}

type CatalogConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-plt-approvals",
			Version:     "dev",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8086,
			GRPCPort:        9086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "approvals",
			SSLMode:     "disable",
			MaxConns:    20,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		Storage: StorageConfig{Driver: "postgres"},
		Engine: EngineConfig{
			InstanceNoPrefix: "AP",
			DefaultPolicy:    "ALL",
			MaxRetries:       3,
			TaskDueHours:     48,
			TimeZone:         "Local",
			AdminRole:        "APPROVAL_ADMIN",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "approvals",
		},
		Lark: LarkConfig{ReceiveIDType: "user_id"},
	}
}

// Load reads the YAML file at path (optional), then .env, then environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("APPROVALS_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	}

	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unsupported storage driver %q", c.Storage.Driver)
	}
	switch c.Engine.DefaultPolicy {
	case "ALL", "ANY":
	default:
		return fmt.Errorf("config: engine.default_policy must be ALL or ANY, got %q", c.Engine.DefaultPolicy)
	}
	if c.Engine.InstanceNoPrefix == "" {
		return fmt.Errorf("config: engine.instance_no_prefix is required")
	}
	if _, err := time.LoadLocation(c.Engine.TimeZone); err != nil {
		return fmt.Errorf("config: engine.time_zone: %w", err)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("config: engine.max_retries cannot be negative")
	}
	if c.Lark.Enabled && (c.Lark.AppID == "" || c.Lark.AppSecret == "") {
		return fmt.Errorf("config: lark.app_id and lark.app_secret are required when lark is enabled")
	}
	return nil
}

func applyEnvOverrides(c *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	setBool := func(key string, dst *bool) error {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}

	setString("APPROVALS_ENVIRONMENT", &c.Service.Environment)
	setString("LOG_LEVEL", &c.Service.LogLevel)
	setString("APPROVALS_DB_HOST", &c.Database.Host)
	setString("APPROVALS_DB_USER", &c.Database.User)
	setString("APPROVALS_DB_PASSWORD", &c.Database.Password)
	setString("APPROVALS_DB_NAME", &c.Database.Database)
	setString("APPROVALS_DB_SSLMODE", &c.Database.SSLMode)
	setString("APPROVALS_STORAGE_DRIVER", &c.Storage.Driver)
	setString("APPROVALS_INSTANCE_NO_PREFIX", &c.Engine.InstanceNoPrefix)
	setString("APPROVALS_ADMIN_ROLE", &c.Engine.AdminRole)
	setString("APPROVALS_NATS_URL", &c.NATS.URL)
	setString("APPROVALS_LARK_APP_ID", &c.Lark.AppID)
	setString("APPROVALS_LARK_APP_SECRET", &c.Lark.AppSecret)
	setString("IDENTITY_GRPC_URL", &c.Identity.GRPCAddr)
	setString("APPROVALS_CATALOG_PATH", &c.Catalog.Path)

	for key, dst := range map[string]*int{
		"APPROVALS_DB_PORT":     &c.Database.Port,
		"APPROVALS_HTTP_PORT":   &c.Server.Port,
		"GRPC_PORT":             &c.Server.GRPCPort,
		"APPROVALS_MAX_RETRIES": &c.Engine.MaxRetries,
	} {
		if err := setInt(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*bool{
		"APPROVALS_NATS_ENABLED":          &c.NATS.Enabled,
		"APPROVALS_LARK_ENABLED":          &c.Lark.Enabled,
		"APPROVALS_AUDIT_DENIED_ATTEMPTS": &c.Engine.AuditDeniedAttempts,
		"APPROVALS_CATALOG_WATCH":         &c.Catalog.Watch,
	} {
		if err := setBool(key, dst); err != nil {
			return err
		}
	}
	return nil
}
