package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.CheckInterval)
	assert.Equal(t, 5, cfg.Monitor.ModelsPerGateway)
	assert.Equal(t, 5, cfg.Availability.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Availability.RecoveryTimeout)
	assert.Equal(t, 3, cfg.Availability.SuccessThreshold)
	assert.Equal(t, 10000, cfg.Cache.MaxEntries)
	assert.Equal(t, 30*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 100, cfg.Pool.MaxConnections)
	assert.Equal(t, 20, cfg.Pool.MaxIdle)
}

func TestLoadFromFile_GatewaysAndFallbacks(t *testing.T) {
	path := writeConfig(t, `
monitor:
  check_interval: 30s
  models_per_gateway: 3
gateways:
  - name: openrouter
    api_key: sk-test
  - name: groq
    api_key: gsk-test
    models: [llama-3-8b]
fallbacks:
  gpt-4: [gpt-4-turbo, gpt-3.5-turbo]
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Monitor.CheckInterval)
	assert.Equal(t, 3, cfg.Monitor.ModelsPerGateway)
	require.Len(t, cfg.Gateways, 2)
	assert.Equal(t, "openrouter", cfg.Gateways[0].Name)
	assert.Equal(t, []string{"llama-3-8b"}, cfg.Gateways[1].Models)
	assert.Equal(t, []string{"gpt-4-turbo", "gpt-3.5-turbo"}, cfg.Fallbacks["gpt-4"])
}

func TestLoadFromFile_RejectsDuplicateGateway(t *testing.T) {
	path := writeConfig(t, `
gateways:
  - name: groq
  - name: groq
`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate gateway")
}

func TestLoadFromFile_RejectsSelfFallback(t *testing.T) {
	path := writeConfig(t, `
fallbacks:
  gpt-4: [gpt-4]
`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback")
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestManager_GetAndReload(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8081\n")

	m, err := NewManager(path, nil)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 8081, m.Get().Server.Port)

	// A bad rewrite must not clobber the current config.
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o600))
	m.Reload()
	assert.Equal(t, 8081, m.Get().Server.Port)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8082\n"), 0o600))
	m.Reload()
	assert.Equal(t, 8082, m.Get().Server.Port)
}

func TestManager_OnChange(t *testing.T) {
	path := writeConfig(t, "fallbacks:\n  gpt-4: [gpt-4-turbo]\n")

	m, err := NewManager(path, nil)
	require.NoError(t, err)
	defer m.Close()

	var got *Config
	m.OnChange(func(c *Config) { got = c })

	require.NoError(t, os.WriteFile(path,
		[]byte("fallbacks:\n  gpt-4: [claude-3-opus]\n"), 0o600))
	m.Reload()

	require.NotNil(t, got, "subscriber fires on successful reload")
	assert.Equal(t, []string{"claude-3-opus"}, got.Fallbacks["gpt-4"])

	// A failed reload must not notify subscribers.
	got = nil
	require.NoError(t, os.WriteFile(path, []byte("fallbacks: [broken"), 0o600))
	m.Reload()
	assert.Nil(t, got)
}
