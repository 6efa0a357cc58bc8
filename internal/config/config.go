package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "STATEHUB"

type Config struct {
	DB struct {
		// DSN is optional; without it no session history is kept.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	API struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"api"`

	Handshake struct {
		TimeoutMS int           `mapstructure:"timeout_ms"`
		Timeout   time.Duration `mapstructure:"-"`
	} `mapstructure:"handshake"`

	Build struct {
		Version string `mapstructure:"version"`
	} `mapstructure:"build"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Transport struct {
		MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
		SendBuffer      int   `mapstructure:"send_buffer"`
	} `mapstructure:"transport"`

	Integrations struct {
		WebhookURL     string        `mapstructure:"webhook_url"`
		TimeoutSeconds int           `mapstructure:"timeout_seconds"`
		Timeout        time.Duration `mapstructure:"-"`
	} `mapstructure:"integrations"`

	Sweeper struct {
		IntervalSeconds int           `mapstructure:"interval_seconds"`
		Interval        time.Duration `mapstructure:"-"`
	} `mapstructure:"sweeper"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

// Load reads path (if set) over the defaults, then STATEHUB_* environment
// variables over both.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("handshake.timeout_ms", 5000)
	v.SetDefault("build.version", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("transport.max_message_bytes", 1<<20)
	v.SetDefault("transport.send_buffer", 256)
	v.SetDefault("integrations.webhook_url", "")
	v.SetDefault("integrations.timeout_seconds", 10)
	v.SetDefault("sweeper.interval_seconds", 60)
	v.SetDefault("metrics.enabled", true)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"db.dsn", "api.listen", "build.version", "log.level", "integrations.webhook_url"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Handshake.Timeout = time.Duration(c.Handshake.TimeoutMS) * time.Millisecond
	c.Integrations.Timeout = time.Duration(c.Integrations.TimeoutSeconds) * time.Second
	c.Sweeper.Interval = time.Duration(c.Sweeper.IntervalSeconds) * time.Second

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if c.Handshake.TimeoutMS <= 0 {
		return fmt.Errorf("handshake.timeout_ms must be positive, got %d", c.Handshake.TimeoutMS)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Sweeper.IntervalSeconds <= 0 {
		return fmt.Errorf("sweeper.interval_seconds must be positive")
	}
	return nil
}
