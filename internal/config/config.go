package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	APIBaseURL     string        `mapstructure:"API_BASE_URL"`
	PushURL        string        `mapstructure:"PUSH_URL"`
	PushEnabled    bool          `mapstructure:"PUSH_ENABLED"`
	AccessToken    string        `mapstructure:"ACCESS_TOKEN"`
	ReconnectDelay time.Duration `mapstructure:"RECONNECT_DELAY"`
	PollInterval   time.Duration `mapstructure:"POLL_INTERVAL"`
	HTTPTimeout    time.Duration `mapstructure:"HTTP_TIMEOUT"`
	HorizonDays    int           `mapstructure:"HORIZON_DAYS"`
	ClinicTimezone string        `mapstructure:"CLINIC_TIMEZONE"`
	RelayPort      string        `mapstructure:"RELAY_PORT"`
	SandboxPort    string        `mapstructure:"SANDBOX_PORT"`
	KafkaBrokers   []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaGroup     string        `mapstructure:"KAFKA_GROUP"`
	PublishSecret  string        `mapstructure:"RELAY_PUBLISH_SECRET"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "API_BASE_URL", "PUSH_URL", "PUSH_ENABLED", "ACCESS_TOKEN",
	"RECONNECT_DELAY", "POLL_INTERVAL", "HTTP_TIMEOUT", "HORIZON_DAYS", "CLINIC_TIMEZONE",
	"RELAY_PORT", "SANDBOX_PORT", "KAFKA_BROKERS", "KAFKA_GROUP", "RELAY_PUBLISH_SECRET",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_BASE_URL", "http://localhost:8080")
	v.SetDefault("PUSH_URL", "ws://localhost:8080/ws")
	v.SetDefault("PUSH_ENABLED", true)
	v.SetDefault("RECONNECT_DELAY", "5s")
	v.SetDefault("POLL_INTERVAL", "15s")
	v.SetDefault("HTTP_TIMEOUT", "0s")
	v.SetDefault("HORIZON_DAYS", 56)
	v.SetDefault("CLINIC_TIMEZONE", "Local")
	v.SetDefault("RELAY_PORT", "8090")
	v.SetDefault("SANDBOX_PORT", "8080")
	v.SetDefault("KAFKA_GROUP", "clinicdesk-relay")
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves CLINIC_TIMEZONE. "Local" and "" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" || c.ClinicTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// QueueStoreEnabled reports whether queue snapshots go to Postgres.
func (c *Config) QueueStoreEnabled() bool {
	return c.DatabaseURL != ""
}

// Validate rejects settings the desk cannot run with.
func (c *Config) Validate() error {
	if err := checkURL("API_BASE_URL", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}
	if c.PushEnabled {
		if err := checkURL("PUSH_URL", c.PushURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive, got %s", c.ReconnectDelay)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("HTTP_TIMEOUT must not be negative, got %s", c.HTTPTimeout)
	}
	if c.HorizonDays < 1 || c.HorizonDays > 365 {
		return fmt.Errorf("HORIZON_DAYS must be between 1 and 365, got %d", c.HorizonDays)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL, got %q", key, strings.Join(schemes, "/"), raw)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
