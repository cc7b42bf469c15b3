// Package config loads server configuration from an optional YAML file,
// an optional .env file and the process environment, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPPort     = "8080"
	defaultGRPCPort     = "9090"
	defaultDriver       = "sqlite"
	defaultDSN          = "chatops.db"
	defaultScriptsDir   = "./scripts"
	defaultMaxRuntime   = 300 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	defaultWorkers      = 4
	defaultServiceName  = "chatops"
)

type Config struct {
	HTTPPort     string         `yaml:"http_port"`
	GRPCPort     string         `yaml:"grpc_port"`
	Database     DatabaseConfig `yaml:"database"`
	Scripts      ScriptsConfig  `yaml:"scripts"`
	CORSOrigins  []string       `yaml:"cors_origins"`
	Log          LogConfig      `yaml:"log"`
	Consul       ConsulConfig   `yaml:"consul"`
	SeedDefaults *bool          `yaml:"seed_defaults"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ScriptsConfig struct {
	Dir          string        `yaml:"dir"`
	MaxRuntime   time.Duration `yaml:"max_runtime"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type ConsulConfig struct {
	Address     string `yaml:"address"`
	ServiceName string `yaml:"service_name"`
}

// Load reads .env (if present), then the YAML file named by CHATOPS_CONFIG
// (if set), then applies environment overrides and defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if path := os.Getenv("CHATOPS_CONFIG"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses a YAML configuration file without applying environment
// overrides or defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = getEnv("GRPC_PORT", c.GRPCPort)
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DATABASE_URL", c.Database.DSN)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)
	c.Scripts.Dir = getEnv("SCRIPTS_DIR", c.Scripts.Dir)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Consul.Address = getEnv("CONSUL_HTTP_ADDR", c.Consul.Address)

	if v := os.Getenv("MAX_SCRIPT_RUNTIME"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_SCRIPT_RUNTIME must be a number of seconds, got %q", v)
		}
		c.Scripts.MaxRuntime = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL must be a duration such as 500ms, got %q", v)
		}
		c.Scripts.PollInterval = d
	}
	if v := os.Getenv("SCRIPT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCRIPT_WORKERS must be an integer, got %q", v)
		}
		c.Scripts.Workers = n
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTPPort == "" {
		c.HTTPPort = defaultHTTPPort
	}
	if c.GRPCPort == "" {
		c.GRPCPort = defaultGRPCPort
	}
	if c.Database.Driver == "" {
		c.Database.Driver = defaultDriver
	}
	if c.Database.DSN == "" {
		c.Database.DSN = defaultDSN
	}
	if c.Scripts.Dir == "" {
		c.Scripts.Dir = defaultScriptsDir
	}
	if c.Scripts.MaxRuntime == 0 {
		c.Scripts.MaxRuntime = defaultMaxRuntime
	}
	if c.Scripts.PollInterval == 0 {
		c.Scripts.PollInterval = defaultPollInterval
	}
	if c.Scripts.Workers == 0 {
		c.Scripts.Workers = defaultWorkers
	}
	if c.CORSOrigins == nil {
		c.CORSOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Consul.ServiceName == "" {
		c.Consul.ServiceName = defaultServiceName
	}
	if c.SeedDefaults == nil {
		seed := true
		c.SeedDefaults = &seed
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Scripts.MaxRuntime <= 0 {
		return fmt.Errorf("max script runtime must be positive, got %s", c.Scripts.MaxRuntime)
	}
	if c.Scripts.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Scripts.PollInterval)
	}
	if c.Scripts.Workers <= 0 {
		return fmt.Errorf("script workers must be positive, got %d", c.Scripts.Workers)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
