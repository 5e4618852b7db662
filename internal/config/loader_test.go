package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kapestr/internal/constants"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed-service.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, []string{constants.DefaultRelayURL}, cfg.Relay.URLs)
	assert.True(t, cfg.Relay.VerifySignatures)
	assert.Equal(t, constants.DefaultInitialLimit, cfg.Pipeline.InitialLimit)
	assert.Equal(t, constants.DefaultOutboundCapacity, cfg.Pipeline.OutboundCapacity)
	assert.Equal(t, constants.DefaultMaxReceiveErrors, cfg.Pipeline.MaxReceiveErrors)
	assert.Equal(t, constants.DefaultResolveTimeout, cfg.Resolver.Timeout)
	assert.Equal(t, constants.FallbackRawIdentifier, cfg.Resolver.Fallback)
	assert.True(t, cfg.Deduplication.Enabled)
	assert.Equal(t, constants.DedupBackendMemory, cfg.Deduplication.Backend)
	assert.Equal(t, constants.SinkTypeLog, cfg.Sink.Type)
	assert.Equal(t, constants.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
relay:
  urls:
    - wss://relay.one
    - wss://relay.two
pipeline:
  initial_limit: 50
  max_receive_errors: 0
resolver:
  timeout: 3s
  workers: 2
  fallback: drop
deduplication:
  enabled: false
sink:
  type: kafka
  kafka:
    brokers: ["localhost:9092"]
    topic: feed
filtering:
  expressions:
    - 'content.contains("nostr")'
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, cfg.Relay.URLs)
	assert.Equal(t, 50, cfg.Pipeline.InitialLimit)
	assert.Equal(t, 0, cfg.Pipeline.MaxReceiveErrors, "explicit zero means unlimited")
	assert.Equal(t, 3*time.Second, cfg.Resolver.Timeout)
	assert.Equal(t, 2, cfg.Resolver.Workers)
	assert.Equal(t, constants.FallbackDrop, cfg.Resolver.Fallback)
	assert.False(t, cfg.Deduplication.Enabled)
	assert.Equal(t, constants.SinkTypeKafka, cfg.Sink.Type)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Sink.Kafka.Brokers)
	assert.Equal(t, "feed", cfg.Sink.Kafka.Topic)
	assert.Len(t, cfg.Filtering.Expressions, 1)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_URLS", "wss://env.one, wss://env.two")
	t.Setenv("RESOLVER_WORKERS", "4")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://env.one", "wss://env.two"}, cfg.Relay.URLs)
	assert.Equal(t, 4, cfg.Resolver.Workers)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, `
relay:
  urls: ["https://not-a-relay"]
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.urls[0]")
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a ,, b "))
}
