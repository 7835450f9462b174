package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config of the server binary. Values come from the YAML file named by
// CHATSYNC_CONFIG, if any, and are then overridden by environment variables.
type Config struct {
	DBFile            string        `yaml:"db_file"`
	AdminAddr         string        `yaml:"admin_addr"`
	APIAddr           string        `yaml:"api_addr"`
	BaseURL           string        `yaml:"base_url"`
	TokenExpiry       time.Duration `yaml:"token_expiry"`
	LogLevel          string        `yaml:"log_level"`
	LoginRateLimit    int           `yaml:"login_rate_limit"`
	NATSURL           string        `yaml:"nats_url"`
	NATSSubjectPrefix string        `yaml:"nats_subject_prefix"`
}

func defaults() Config {
	return Config{
		DBFile:            "chatsync.db",
		AdminAddr:         "localhost:8081",
		APIAddr:           ":8080",
		BaseURL:           "http://localhost:8080",
		TokenExpiry:       24 * time.Hour,
		LogLevel:          "info",
		LoginRateLimit:    10,
		NATSSubjectPrefix: "chatsync",
	}
}

// Load builds the configuration. In cliMode only the settings needed to
// reach a running server are validated.
func Load(cliMode bool) (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CHATSYNC_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.DBFile = getEnv("CHATSYNC_DB", c.DBFile)
	c.AdminAddr = getEnv("ADMIN_ADDR", c.AdminAddr)
	c.APIAddr = getEnv("API_ADDR", c.APIAddr)
	c.BaseURL = getEnv("BASE_URL", c.BaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATSSubjectPrefix)

	if v, ok := os.LookupEnv("TOKEN_EXPIRY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TOKEN_EXPIRY: %w", err)
		}
		c.TokenExpiry = d
	}
	if v, ok := os.LookupEnv("LOGIN_RATE_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOGIN_RATE_LIMIT: %w", err)
		}
		c.LoginRateLimit = n
	}
	return nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AdminAddr == "" {
		return fmt.Errorf("ADMIN_ADDR is required")
	}
	if cliMode {
		return nil
	}

	if c.DBFile == "" {
		return fmt.Errorf("CHATSYNC_DB is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.LoginRateLimit <= 0 {
		return fmt.Errorf("LOGIN_RATE_LIMIT must be greater than 0")
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
