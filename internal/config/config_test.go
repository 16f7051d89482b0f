package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, BackendONNX, cfg.Model.Backend)
	assert.Equal(t, 224, cfg.Model.ImageSize)
	assert.True(t, cfg.Gate.Enabled)
	assert.InDelta(t, 0.08, cfg.Gate.Threshold, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.Inference.Timeout)
	assert.Equal(t, SchemaGated, cfg.Response.Schema)
	assert.False(t, cfg.Model.Serialize)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestParseEnvironmentOverrides(t *testing.T) {
	t.Setenv("LEAFCHECK_SERVER_PORT", "9090")
	t.Setenv("LEAFCHECK_RESPONSE_SCHEMA", "disease")
	t.Setenv("LEAFCHECK_GATE_ENABLED", "false")
	t.Setenv("LEAFCHECK_INFERENCE_TIMEOUT", "250ms")
	t.Setenv("LEAFCHECK_MODEL_SERIALIZE", "true")

	cfg, err := Parse(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, SchemaDisease, cfg.Response.Schema)
	assert.False(t, cfg.Gate.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Inference.Timeout)
	assert.True(t, cfg.Model.Serialize)
}

func TestParseKeepsZeroGateThreshold(t *testing.T) {
	t.Setenv("LEAFCHECK_GATE_THRESHOLD", "0")

	cfg, err := Parse(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 0.0, cfg.Gate.Threshold)
}

func TestParseYAML(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
model:
  backend: grpc
  grpc_addr: sidecar:50051
  image_size: 128
gate:
  threshold: 0.2
`)))

	cfg, err := Parse(v)
	require.NoError(t, err)
	assert.Equal(t, BackendGRPC, cfg.Model.Backend)
	assert.Equal(t, "sidecar:50051", cfg.Model.GRPCAddr)
	assert.Equal(t, 128, cfg.Model.ImageSize)
	assert.InDelta(t, 0.2, cfg.Gate.Threshold, 1e-9)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Model.Backend = "tflite" }},
		{name: "unknown schema", mutate: func(c *Config) { c.Response.Schema = "v4" }},
		{name: "zero image size", mutate: func(c *Config) { c.Model.ImageSize = 0 }},
		{name: "negative threshold", mutate: func(c *Config) { c.Gate.Threshold = -0.1 }},
		{name: "threshold of one", mutate: func(c *Config) { c.Gate.Threshold = 1 }},
		{name: "zero timeout", mutate: func(c *Config) { c.Inference.Timeout = 0 }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Inference.MaxConcurrent = 0 }},
		{name: "kafka without topic", mutate: func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Topic = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(viper.New())
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
