package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Broker.Host)
	assert.Equal(t, 1883, cfg.Broker.Port)
	assert.Equal(t, "brisa-iot-web", cfg.Broker.ClientID)
	assert.Equal(t, []string{"brisa-iot/sensors/#"}, cfg.Broker.SubTopics)
	assert.Equal(t, "brisa-iot/control", cfg.Broker.ControlTopic)
	assert.Equal(t, 5*time.Second, cfg.Broker.RetryDelay)
	assert.Equal(t, "influx", cfg.Store.Backend)
	assert.Equal(t, "none", cfg.Pipeline.LiveEmptySet)
	assert.Equal(t, 5*time.Second, cfg.HTTP.QueryTimeout)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Zero(t, cfg.Pipeline.AggregateInterval)
	assert.Equal(t, "brisa-iot/aggregated", cfg.Pipeline.AggregateTopic)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brisa.yaml")
	yml := `
broker:
  host: broker.local
  port: 8883
  retry_delay: 2s
store:
  backend: memory
pipeline:
  live_empty_set: all
  persist_workers: 8
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("BROKER_ADDRESS", "override.local")
	t.Setenv("SUB_TOPICS", "a/#, b/+/c ,")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "override.local", cfg.Broker.Host)
	assert.Equal(t, 8883, cfg.Broker.Port)
	assert.Equal(t, 2*time.Second, cfg.Broker.RetryDelay)
	assert.Equal(t, []string{"a/#", "b/+/c"}, cfg.Broker.SubTopics)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "all", cfg.Pipeline.LiveEmptySet)
	assert.Equal(t, 8, cfg.Pipeline.PersistWorkers)
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown backend":    {"STORE_BACKEND": "firestore"},
		"timescale no dsn":   {"STORE_BACKEND": "timescale"},
		"bad empty set mode": {"LIVE_EMPTY_SET": "some"},
		"bad qos":            {"BROKER_QOS": "3"},
		"bad location":       {"DAY_LOCATION": "Mars/Olympus"},
		"aggregate loop":     {"AGGREGATE_INTERVAL": "1m", "AGGREGATE_TOPIC": "brisa-iot/sensors/agg"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadFile("")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
