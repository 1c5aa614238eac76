// Package config loads process configuration from an optional YAML file and
// ESTIMO_ environment variables.
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

const (
	EnvPrefix     = "ESTIMO"
	ConfigPathEnv = "ESTIMO_CONFIG"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Postgres   PostgresConfig   `mapstructure:"postgres" validate:"required"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka" validate:"required"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
}

type ServerConfig struct {
	GRPCPort int    `mapstructure:"grpc_port" validate:"required,gt=0,lt=65536"`
	HTTPPort int    `mapstructure:"http_port" validate:"required,gt=0,lt=65536,nefield=GRPCPort"`
	LogMode  string `mapstructure:"log_mode" validate:"required,oneof=development production"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
}

type RedisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Addr    string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers" validate:"required,min=1,dive,required"`
	GroupID     string   `mapstructure:"group_id" validate:"required"`
	Topic       string   `mapstructure:"topic" validate:"required"`
	DeleteTopic string   `mapstructure:"delete_topic" validate:"required,nefield=Topic"`
}

// ClassifierConfig points at the tag classifier artifacts. An empty
// ArtifactsDir disables tag prediction.
type ClassifierConfig struct {
	ArtifactsDir string `mapstructure:"artifacts_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.log_mode", "production")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 25)
	v.SetDefault("postgres.max_idle_conns", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "estimo")
	v.SetDefault("kafka.topic", "estimo.tasks")
	v.SetDefault("kafka.delete_topic", "estimo.tasks.deleted")

	v.SetDefault("classifier.artifacts_dir", "")
}

// Load reads configuration from path (or ESTIMO_CONFIG when path is empty),
// overlays ESTIMO_ environment variables and validates the result.
// Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Comma-separated broker lists arrive as a single element from env.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, formatValidationError(err)
	}

	return &cfg, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
