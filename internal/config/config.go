package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Bus      BusConfig      `mapstructure:"bus"`
	Session  SessionConfig  `mapstructure:"session"`
	Queue    QueueConfig    `mapstructure:"queue"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig selects level and encoder of the process logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the durable store. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig is optional; an empty URL disables the pair cache, the
// cross-node relay and queued sends.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type ChatConfig struct {
	MaxContentLength int `mapstructure:"max_content_length"`
	HistoryPageLimit int `mapstructure:"history_page_limit"`
}

type BusConfig struct {
	QueueSize    int    `mapstructure:"queue_size"`
	RelayChannel string `mapstructure:"relay_channel"`
}

type SessionConfig struct {
	BackfillPage     int           `mapstructure:"backfill_page"`
	BackfillAttempts int           `mapstructure:"backfill_attempts"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	SuspendTTL       time.Duration `mapstructure:"suspend_ttl"`
	ResyncInterval   time.Duration `mapstructure:"resync_interval"`
}

type QueueConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	Queues      string `mapstructure:"queues"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Load reads defaults, an optional YAML file (CONFIG_PATH, else ./config.yaml)
// and environment overrides prefixed with CHATTY_.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("chatty")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Variables used by earlier deployments keep working.
	_ = v.BindEnv("database.url", "CHATTY_DATABASE_URL", "DB_URL")
	_ = v.BindEnv("redis.url", "CHATTY_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("queue.concurrency", "CHATTY_QUEUE_CONCURRENCY", "ASYNQ_CONCURRENCY")
	_ = v.BindEnv("queue.queues", "CHATTY_QUEUE_QUEUES", "ASYNQ_QUEUES")
	_ = v.BindEnv("server.addr", "CHATTY_SERVER_ADDR", "PORT")

	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 16)
	v.SetDefault("redis.url", "")
	v.SetDefault("chat.max_content_length", 4000)
	v.SetDefault("chat.history_page_limit", 50)
	v.SetDefault("bus.queue_size", 256)
	v.SetDefault("bus.relay_channel", "chatty:messages")
	v.SetDefault("session.backfill_page", 100)
	v.SetDefault("session.backfill_attempts", 5)
	v.SetDefault("session.retry_interval", 200*time.Millisecond)
	v.SetDefault("session.suspend_ttl", 2*time.Minute)
	v.SetDefault("session.resync_interval", 30*time.Second)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.queues", "default=1,chat=1")
}

func (c *Config) normalize() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("config: database.url (or DB_URL) is required")
	}

	// A bare port such as "8080" is accepted like the PORT convention.
	if addr := strings.TrimSpace(c.Server.Addr); addr != "" && !strings.Contains(addr, ":") {
		c.Server.Addr = ":" + addr
	}
	if c.Chat.HistoryPageLimit <= 0 {
		c.Chat.HistoryPageLimit = 50
	}
	if c.Chat.HistoryPageLimit > 200 {
		c.Chat.HistoryPageLimit = 200
	}
	return nil
}
