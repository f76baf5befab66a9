package models

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	BrokerAMQP  = "amqp"
	BrokerKafka = "kafka"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	ServerAddr     string        `yaml:"server_addr"     env:"SERVER_ADDR"`
	DatabaseDriver string        `yaml:"database_driver" env:"DATABASE_DRIVER"`
	DatabaseURL    string        `yaml:"database_url"    env:"DATABASE_URL"`
	RedisURL       string        `yaml:"redis_url"       env:"REDIS_URL"`
	StatusTTL      time.Duration `yaml:"status_ttl"      env:"STATUS_TTL"`
	StoragePath    string        `yaml:"storage_path"    env:"STORAGE_PATH"`
	UploadDir      string        `yaml:"upload_dir"      env:"UPLOAD_DIR"`
	ThumbnailDir   string        `yaml:"thumbnail_dir"   env:"THUMBNAIL_DIR"`
	Workers        int           `yaml:"workers"         env:"WORKERS"`
	LogLevel       string        `yaml:"log_level"       env:"LOG_LEVEL"`
	Broker         BrokerConfig  `yaml:"broker"`
}

type BrokerConfig struct {
	Kind              string   `yaml:"kind"               env:"BROKER_KIND"`
	URL               string   `yaml:"url"                env:"RABBITMQ_URL"`
	Brokers           []string `yaml:"brokers"            env:"KAFKA_BROKERS" env-separator:","`
	Queue             string   `yaml:"queue"              env:"BROKER_QUEUE"`
	Prefetch          int      `yaml:"prefetch"           env:"BROKER_PREFETCH"`
	GroupID           string   `yaml:"group_id"           env:"KAFKA_GROUP_ID"`
	ReplicationFactor int      `yaml:"replication_factor" env:"KAFKA_REPLICATION_FACTOR"`
}

// LoadConfig reads the YAML file at path (optional when missing), overlays environment
// variables (a local .env file is loaded first when present), applies defaults and validates.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.DatabaseDriver == "" {
		c.DatabaseDriver = DriverPostgres
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	if c.StoragePath == "" {
		c.StoragePath = "."
	}
	if c.UploadDir == "" {
		c.UploadDir = "uploads"
	}
	if c.ThumbnailDir == "" {
		c.ThumbnailDir = "uploads"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = BrokerAMQP
	}
	if c.Broker.Queue == "" {
		c.Broker.Queue = "images"
	}
	if c.Broker.Prefetch <= 0 {
		c.Broker.Prefetch = 1
	}
	if c.Broker.GroupID == "" {
		c.Broker.GroupID = "thumbnail-workers"
	}
	if c.Broker.ReplicationFactor <= 0 {
		c.Broker.ReplicationFactor = 1
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DatabaseDriver != DriverPostgres && c.DatabaseDriver != DriverSQLite {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.DatabaseDriver)
	}

	switch c.Broker.Kind {
	case BrokerAMQP:
		if c.Broker.URL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when BROKER_KIND is amqp")
		}
		if !strings.HasPrefix(c.Broker.URL, "amqp://") && !strings.HasPrefix(c.Broker.URL, "amqps://") {
			return fmt.Errorf("RABBITMQ_URL must start with amqp:// or amqps://, got %q", c.Broker.URL)
		}
	case BrokerKafka:
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when BROKER_KIND is kafka")
		}
	default:
		return fmt.Errorf("BROKER_KIND must be one of amqp, kafka; got %q", c.Broker.Kind)
	}

	if c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.RedisURL)
	}
	return nil
}
