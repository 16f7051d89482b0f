// Package config loads service configuration from config/config.yaml, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. LEAFCHECK_SERVER_PORT.
const EnvPrefix = "LEAFCHECK"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Model     ModelConfig     `mapstructure:"model"`
	Gate      GateConfig      `mapstructure:"gate"`
	Inference InferenceConfig `mapstructure:"inference"`
	Response  ResponseConfig  `mapstructure:"response"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ModelConfig struct {
	// Backend is "onnx" for in-process inference or "grpc" for a serving sidecar.
	Backend        string `mapstructure:"backend"`
	Path           string `mapstructure:"path"`
	RuntimeLibrary string `mapstructure:"runtime_library"`
	InputName      string `mapstructure:"input_name"`
	OutputName     string `mapstructure:"output_name"`
	LabelsPath     string `mapstructure:"labels_path"`
	ImageSize      int    `mapstructure:"image_size"`
	Version        string `mapstructure:"version"`
	GRPCAddr       string `mapstructure:"grpc_addr"`
	// Serialize forwards one request at a time, for sidecars that cannot serve concurrent calls.
	Serialize bool `mapstructure:"serialize"`
}

type GateConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Threshold float64 `mapstructure:"threshold"`
}

type InferenceConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
}

type ResponseConfig struct {
	// Schema selects the JSON shape of /predict: disease, gated or index.
	Schema string `mapstructure:"schema"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

const (
	BackendONNX = "onnx"
	BackendGRPC = "grpc"

	SchemaDisease = "disease"
	SchemaGated   = "gated"
	SchemaIndex   = "index"
)

// Load reads .env (if present), then config/config.yaml (if present), then environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return Parse(v)
}

// Parse applies defaults and environment overrides to v and decodes it.
func Parse(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Model.Backend {
	case BackendONNX:
		if c.Model.Path == "" {
			return errors.New("model.path is required for the onnx backend")
		}
	case BackendGRPC:
		if c.Model.GRPCAddr == "" {
			return errors.New("model.grpc_addr is required for the grpc backend")
		}
	default:
		return fmt.Errorf("unknown model.backend %q", c.Model.Backend)
	}
	switch c.Response.Schema {
	case SchemaDisease, SchemaGated, SchemaIndex:
	default:
		return fmt.Errorf("unknown response.schema %q", c.Response.Schema)
	}
	if c.Model.ImageSize <= 0 {
		return fmt.Errorf("model.image_size must be positive, got %d", c.Model.ImageSize)
	}
	if c.Gate.Threshold < 0 || c.Gate.Threshold >= 1 {
		return fmt.Errorf("gate.threshold must be in [0,1), got %v", c.Gate.Threshold)
	}
	if c.Inference.Timeout <= 0 {
		return errors.New("inference.timeout must be positive")
	}
	if c.Inference.MaxConcurrent <= 0 {
		return errors.New("inference.max_concurrent must be positive")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("model.backend", BackendONNX)
	v.SetDefault("model.path", "models/model.onnx")
	v.SetDefault("model.runtime_library", "")
	v.SetDefault("model.input_name", "input")
	v.SetDefault("model.output_name", "output")
	v.SetDefault("model.labels_path", "")
	v.SetDefault("model.image_size", 224)
	v.SetDefault("model.version", "v1")
	v.SetDefault("model.grpc_addr", "localhost:50051")
	v.SetDefault("model.serialize", false)

	v.SetDefault("gate.enabled", true)
	v.SetDefault("gate.threshold", 0.08)

	v.SetDefault("inference.timeout", 10*time.Second)
	v.SetDefault("inference.max_concurrent", 4)

	v.SetDefault("response.schema", SchemaGated)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=leafcheck port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.result_ttl", 5*time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "leaf-predictions")
}
