package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "TASKNOTIFY"

type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Broker   BrokerConfig   `mapstructure:"broker" validate:"required"`
	Engine   EngineConfig   `mapstructure:"engine" validate:"required"`
	Gateway  GatewayConfig  `mapstructure:"gateway" validate:"required"`
}

type ServerConfig struct {
	GatewayAddr       string        `mapstructure:"gateway_addr" validate:"required"`
	NotificationsAddr string        `mapstructure:"notifications_addr" validate:"required"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// RedisConfig is optional. An empty Addr selects the in-memory broker and
// disables the unread-count cache and the rate limiter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite sqlite3 pgx"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type AuthConfig struct {
	// JWTPublicKey is the PEM encoded RSA public key of the token issuer.
	JWTPublicKey     string `mapstructure:"jwt_public_key"`
	JWTPublicKeyFile string `mapstructure:"jwt_public_key_file"`
}

type BrokerConfig struct {
	InstanceID     string        `mapstructure:"instance_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout" validate:"gt=0"`
	Consumers      int           `mapstructure:"consumers" validate:"gte=1"`
	ClaimIdle      time.Duration `mapstructure:"claim_idle" validate:"gt=0"`
	MaxDeliveries  int64         `mapstructure:"max_deliveries" validate:"gte=1"`
	StreamMaxLen   int64         `mapstructure:"stream_max_len" validate:"gte=100"`
}

type EngineConfig struct {
	Workers   int `mapstructure:"workers" validate:"gte=1"`
	QueueSize int `mapstructure:"queue_size" validate:"gte=1"`
}

type GatewayConfig struct {
	ReplayPageSize int           `mapstructure:"replay_page_size" validate:"gte=1,lte=100"`
	SendBuffer     int           `mapstructure:"send_buffer" validate:"gte=1"`
	RateLimit      int           `mapstructure:"rate_limit" validate:"gte=1"`
	RateWindow     time.Duration `mapstructure:"rate_window" validate:"gt=0"`
	UnreadCacheTTL time.Duration `mapstructure:"unread_cache_ttl" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.gateway_addr", ":8080")
	v.SetDefault("server.notifications_addr", ":8081")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "logs/app.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "notifications.db")

	v.SetDefault("auth.jwt_public_key", "")
	v.SetDefault("auth.jwt_public_key_file", "")

	v.SetDefault("broker.instance_id", "")
	v.SetDefault("broker.request_timeout", 10*time.Second)
	v.SetDefault("broker.health_timeout", 5*time.Second)
	v.SetDefault("broker.consumers", 4)
	v.SetDefault("broker.claim_idle", 30*time.Second)
	v.SetDefault("broker.max_deliveries", 5)
	v.SetDefault("broker.stream_max_len", 10000)

	v.SetDefault("engine.workers", 5)
	v.SetDefault("engine.queue_size", 100)

	v.SetDefault("gateway.replay_page_size", 50)
	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.rate_limit", 100)
	v.SetDefault("gateway.rate_window", time.Hour)
	v.SetDefault("gateway.unread_cache_ttl", 30*time.Second)
}

// Load reads the optional YAML file at path, applies TASKNOTIFY_* environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PublicKeyPEM returns the configured issuer key, reading the key file when
// no inline key is set.
func (a AuthConfig) PublicKeyPEM() ([]byte, error) {
	if a.JWTPublicKey != "" {
		return []byte(a.JWTPublicKey), nil
	}
	if a.JWTPublicKeyFile == "" {
		return nil, errors.New("auth: no jwt public key configured")
	}
	data, err := os.ReadFile(a.JWTPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading jwt public key: %w", err)
	}
	return data, nil
}
