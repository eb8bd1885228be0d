// Package config is the viper-backed service configuration. Keys come from
// labeld.yaml, overridden by LABELD_-prefixed environment variables
// (dots and hyphens map to underscores, e.g. LABELD_STORE_BACKEND).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Config keys
const (
	KeyAPIServerEnabled = "api_server.enabled"
	KeyListenAddr       = "listen_addr"
	KeyAPIToken         = "api_token"

	KeyStoreBackend = "store.backend"
	KeyStoreDSN     = "store.dsn"

	KeyBridgeBackend        = "sample_bridge_backend"
	KeyBridgePrimaryBackend = "sample_bridge_primary_backend"
	KeyCacheTTLMs           = "cache_ttl_ms"
	KeyHTTPBaseURL          = "http_base_url"
	KeyHTTPAPIToken         = "http_api_token"
	KeyHTTPTimeoutMs        = "http_timeout_ms"

	KeyPseudonymSecret      = "pseudonym_secret"
	KeyRetentionDaysDefault = "retention_days_default"

	KeySweepInterval     = "workers.sweep_interval"
	KeyAgreementWindow   = "workers.agreement_window"
	KeyRetentionMode     = "workers.retention_mode"
	KeyAuditCutoffDays   = "workers.audit_cutoff_days"
	KeySweepRequeueDelay = "workers.sweep_requeue_delay"
)

// Initialize sets up the viper configuration singleton. Call once at
// application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Explicit file beats the search path.
	if path := os.Getenv("LABELD_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		configFileSet := false
		// Walk up from CWD so commands work from subdirectories.
		if cwd, err := os.Getwd(); err == nil {
			for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
				path := filepath.Join(dir, "labeld.yaml")
				if _, err := os.Stat(path); err == nil {
					v.SetConfigFile(path)
					configFileSet = true
					break
				}
			}
		}
		if !configFileSet {
			if configDir, err := os.UserConfigDir(); err == nil {
				path := filepath.Join(configDir, "labeld", "labeld.yaml")
				if _, err := os.Stat(path); err == nil {
					v.SetConfigFile(path)
				}
			}
		}
	}

	// Environment variables take precedence over the config file.
	v.SetEnvPrefix("LABELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyAPIServerEnabled, true)
	v.SetDefault(KeyListenAddr, ":8080")
	v.SetDefault(KeyAPIToken, "")

	v.SetDefault(KeyStoreBackend, "memory")
	v.SetDefault(KeyStoreDSN, "")

	v.SetDefault(KeyBridgeBackend, "direct")
	v.SetDefault(KeyBridgePrimaryBackend, "direct")
	v.SetDefault(KeyCacheTTLMs, 300000)
	v.SetDefault(KeyHTTPBaseURL, "")
	v.SetDefault(KeyHTTPAPIToken, "")
	v.SetDefault(KeyHTTPTimeoutMs, 5000)

	v.SetDefault(KeyPseudonymSecret, "")
	v.SetDefault(KeyRetentionDaysDefault, 0) // 0 = indefinite

	v.SetDefault(KeySweepInterval, "5m")
	v.SetDefault(KeyAgreementWindow, "24h")
	v.SetDefault(KeyRetentionMode, "field_redaction")
	v.SetDefault(KeyAuditCutoffDays, 2555)
	v.SetDefault(KeySweepRequeueDelay, "0s")

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return Validate()
}

// Validate rejects enumerated values outside their allowed sets.
func Validate() error {
	switch backend := GetString(KeyStoreBackend); backend {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("invalid %s: %q (want memory, sqlite, or mysql)", KeyStoreBackend, backend)
	}
	for _, key := range []string{KeyBridgeBackend, KeyBridgePrimaryBackend} {
		switch backend := GetString(key); backend {
		case "direct", "http", "cached":
		default:
			return fmt.Errorf("invalid %s: %q (want direct, http, or cached)", key, backend)
		}
	}
	return nil
}

// GetString returns the string value for the key.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns the boolean value for the key.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns the integer value for the key.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns the duration value for the key.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a value at runtime. Used by CLI flag binding and tests.
func Set(key string, value any) {
	if v == nil {
		_ = Initialize()
	}
	v.Set(key, value)
}

// CacheTTL returns the sample cache TTL as a duration.
func CacheTTL() time.Duration {
	return time.Duration(GetInt(KeyCacheTTLMs)) * time.Millisecond
}

// HTTPTimeout returns the forge HTTP client timeout as a duration.
func HTTPTimeout() time.Duration {
	return time.Duration(GetInt(KeyHTTPTimeoutMs)) * time.Millisecond
}

// PseudonymSecret returns the pseudonym HMAC secret bytes.
func PseudonymSecret() []byte {
	s := GetString(KeyPseudonymSecret)
	if s == "" {
		return nil
	}
	return []byte(s)
}
