package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, Initialize())

	tests := []struct {
		key      string
		expected any
		getter   func(string) any
	}{
		{KeyAPIServerEnabled, true, func(k string) any { return GetBool(k) }},
		{KeyListenAddr, ":8080", func(k string) any { return GetString(k) }},
		{KeyStoreBackend, "memory", func(k string) any { return GetString(k) }},
		{KeyBridgeBackend, "direct", func(k string) any { return GetString(k) }},
		{KeyCacheTTLMs, 300000, func(k string) any { return GetInt(k) }},
		{KeyHTTPTimeoutMs, 5000, func(k string) any { return GetInt(k) }},
		{KeyRetentionDaysDefault, 0, func(k string) any { return GetInt(k) }},
		{KeySweepInterval, 5 * time.Minute, func(k string) any { return GetDuration(k) }},
		{KeyAgreementWindow, 24 * time.Hour, func(k string) any { return GetDuration(k) }},
		{KeyRetentionMode, "field_redaction", func(k string) any { return GetString(k) }},
		{KeyAuditCutoffDays, 2555, func(k string) any { return GetInt(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.getter(tt.key))
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	t.Chdir(t.TempDir())
	tests := []struct {
		envVar   string
		key      string
		value    string
		expected any
		getter   func(string) any
	}{
		{"LABELD_STORE_BACKEND", KeyStoreBackend, "sqlite", "sqlite", func(k string) any { return GetString(k) }},
		{"LABELD_LISTEN_ADDR", KeyListenAddr, ":9090", ":9090", func(k string) any { return GetString(k) }},
		{"LABELD_SAMPLE_BRIDGE_BACKEND", KeyBridgeBackend, "cached", "cached", func(k string) any { return GetString(k) }},
		{"LABELD_CACHE_TTL_MS", KeyCacheTTLMs, "60000", 60000, func(k string) any { return GetInt(k) }},
		{"LABELD_API_SERVER_ENABLED", KeyAPIServerEnabled, "false", false, func(k string) any { return GetBool(k) }},
		{"LABELD_WORKERS_SWEEP_INTERVAL", KeySweepInterval, "90s", 90 * time.Second, func(k string) any { return GetDuration(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)
			require.NoError(t, Initialize())
			assert.Equal(t, tt.expected, tt.getter(tt.key))
		})
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labeld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_addr: \":7000\"\nstore:\n  backend: sqlite\n  dsn: /tmp/labeld.db\n"), 0o644))
	t.Chdir(dir)

	require.NoError(t, Initialize())
	assert.Equal(t, ":7000", GetString(KeyListenAddr))
	assert.Equal(t, "sqlite", GetString(KeyStoreBackend))
	assert.Equal(t, "/tmp/labeld.db", GetString(KeyStoreDSN))
	// Untouched keys keep their defaults.
	assert.Equal(t, "direct", GetString(KeyBridgeBackend))
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LABELD_STORE_BACKEND", "postgres")
	err := Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend")

	t.Setenv("LABELD_STORE_BACKEND", "memory")
	t.Setenv("LABELD_SAMPLE_BRIDGE_BACKEND", "grpc")
	err = Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_bridge_backend")
}

func TestDerivedValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LABELD_CACHE_TTL_MS", "1500")
	t.Setenv("LABELD_HTTP_TIMEOUT_MS", "2500")
	t.Setenv("LABELD_PSEUDONYM_SECRET", "0123456789abcdef0123456789abcdef")
	require.NoError(t, Initialize())

	assert.Equal(t, 1500*time.Millisecond, CacheTTL())
	assert.Equal(t, 2500*time.Millisecond, HTTPTimeout())
	assert.Len(t, PseudonymSecret(), 32)
}
