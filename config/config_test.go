package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_NATS_URL", "nats://broker:4222")

	path := filepath.Join(t.TempDir(), "agrimesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "2.1.0"
platform:
  org: krishio
  id: agrimesh-test
  region: maharashtra
nats:
  url: ${TEST_NATS_URL}
  request_timeout: 15s
context_store:
  farmer_ttl: 30m
  fpo_ttl: 12h
  snapshot_ttl: 1h
agents:
  market-intelligence:
    enabled: true
    max_retries: 5
gateway:
  enabled: true
  port: 8081
metrics:
  enabled: true
  port: 9091
  path: /metrics
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "2.1.0", cfg.Version)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 15*time.Second, cfg.NATS.RequestTimeout.Std())
	assert.Equal(t, 30*time.Minute, cfg.ContextStore.FarmerTTL.Std())
	assert.Equal(t, 100, cfg.ContextStore.MaxRecent, "defaults survive partial files")

	mia, ok := cfg.Agent("market-intelligence")
	require.True(t, ok)
	assert.True(t, mia.Enabled)
	assert.Equal(t, 5, mia.MaxRetries)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agrimesh.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"version": "1.0.0",
		"platform": {"org": "krishio", "id": "p1"},
		"nats": {"url": "nats://localhost:4222"}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "p1", cfg.Platform.ID)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"version":"1.0.0","platfrom":{}}`), ".json")
	assert.Error(t, err)

	_, err = Parse([]byte("version: \"1.0.0\"\nplatfrom: {}\n"), ".yaml")
	assert.Error(t, err)
}

func TestParseRejectsUnknownFormat(t *testing.T) {
	_, err := Parse([]byte("version = 1"), ".toml")
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestEnvDefaultExpansion(t *testing.T) {
	os.Unsetenv("AGRIMESH_MISSING_VAR")
	got := expandEnvVars("url: ${AGRIMESH_MISSING_VAR:-nats://fallback:4222}")
	assert.Equal(t, "url: nats://fallback:4222", got)

	got = expandEnvVars("url: ${AGRIMESH_MISSING_VAR}")
	assert.Equal(t, "url: ", got)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Version = ""
	cfg.NATS.URL = "http://wrong:4222"
	cfg.ContextStore.FarmerTTL = 0
	cfg.Agents = AgentConfigs{"weather-wizard": {Enabled: true}}
	cfg.Gateway.Port = 0
	cfg.Metrics.Path = "metrics"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "version is required")
	assert.ErrorContains(t, err, "nats:// or tls://")
	assert.ErrorContains(t, err, "farmer_ttl")
	assert.ErrorContains(t, err, "unknown agent type")
	assert.ErrorContains(t, err, "gateway.port")
	assert.ErrorContains(t, err, "must start with /")
}

func TestValidatePortCollision(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Port = cfg.Gateway.Port
	assert.ErrorContains(t, cfg.Validate(), "cannot share port")
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = AgentConfigs{"logistics": {Enabled: true, Settings: map[string]any{"fleet": 4}}}

	clone := cfg.Clone()
	clone.Agents["logistics"] = AgentConfig{Enabled: false}
	clone.NATS.URL = "nats://other:4222"

	assert.True(t, cfg.Agents["logistics"].Enabled)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)
	require.NoError(t, sc.Get().Validate(), "nil seeds defaults")

	bad := DefaultConfig()
	bad.NATS.URL = ""
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))

	good := DefaultConfig()
	good.Platform.ID = "updated"
	require.NoError(t, sc.Update(good))
	assert.Equal(t, "updated", sc.Get().Platform.ID)
}
