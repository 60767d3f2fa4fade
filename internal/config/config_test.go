package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokenbridge/internal/common/errors"
)

var allVars = []string{
	"CREDENTIAL_URL", "KEYSET_URL", "CLIENT_ID", "CLIENT_SECRET", "CALLER", "AUDIENCE", "SCOPE",
	"CACHE_URL", "ENCRYPTION_KEY", "CHECK_INTERVAL", "STALENESS_MIN", "STALENESS_MAX",
	"KEYSET_TTL", "KEYSET_REFRESH_INTERVAL", "HTTP_TIMEOUT", "FETCH_ATTEMPTS",
	"DEDICATED_THREAD", "LOG_LEVEL", "ENV_FILE",
}

// clearTestEnvVars blanks every variable Load reads for the duration of t.
func clearTestEnvVars(t *testing.T) {
	for _, v := range allVars {
		t.Setenv(envPrefix+v, "")
	}
}

var hexKey = strings.Repeat("ab", 32)

func validConfig() Config {
	c := Default()
	c.CredentialURL = "https://idp.example.com/oauth/token"
	c.ClientID = "client"
	c.ClientSecret = "secret"
	c.Caller = "billing"
	c.Audience = "ledger"
	c.EncryptionKey = make([]byte, 32)
	return c
}

func TestLoad_Defaults(t *testing.T) {
	clearTestEnvVars(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if config.CacheURL != InMemoryCache {
		t.Errorf("Load() CacheURL = %v, want %v", config.CacheURL, InMemoryCache)
	}
	if config.CheckInterval != 10*time.Second {
		t.Errorf("Load() CheckInterval = %v, want %v", config.CheckInterval, 10*time.Second)
	}
	if config.StalenessMin != 0.6 || config.StalenessMax != 0.9 {
		t.Errorf("Load() window = [%v, %v], want [0.6, 0.9]", config.StalenessMin, config.StalenessMax)
	}
	if config.KeySetTTL != time.Hour {
		t.Errorf("Load() KeySetTTL = %v, want %v", config.KeySetTTL, time.Hour)
	}
	if config.FetchAttempts != 3 {
		t.Errorf("Load() FetchAttempts = %v, want 3", config.FetchAttempts)
	}
	if config.LogLevel != "info" {
		t.Errorf("Load() LogLevel = %v, want info", config.LogLevel)
	}
	if config.EncryptionKey != nil {
		t.Errorf("Load() EncryptionKey should be unset")
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearTestEnvVars(t)
	t.Setenv("TOKENBRIDGE_CREDENTIAL_URL", "https://idp.example.com/oauth/token")
	t.Setenv("TOKENBRIDGE_KEYSET_URL", "https://idp.example.com/.well-known/jwks.json")
	t.Setenv("TOKENBRIDGE_CLIENT_ID", "client")
	t.Setenv("TOKENBRIDGE_CLIENT_SECRET", "secret")
	t.Setenv("TOKENBRIDGE_CALLER", "billing")
	t.Setenv("TOKENBRIDGE_AUDIENCE", "ledger")
	t.Setenv("TOKENBRIDGE_CACHE_URL", "redis://localhost:6379/0")
	t.Setenv("TOKENBRIDGE_ENCRYPTION_KEY", hexKey)
	t.Setenv("TOKENBRIDGE_CHECK_INTERVAL", "2s")
	t.Setenv("TOKENBRIDGE_STALENESS_MIN", "0.3")
	t.Setenv("TOKENBRIDGE_STALENESS_MAX", "0.5")
	t.Setenv("TOKENBRIDGE_KEYSET_TTL", "1d")
	t.Setenv("TOKENBRIDGE_DEDICATED_THREAD", "true")
	t.Setenv("TOKENBRIDGE_LOG_LEVEL", "DEBUG")

	config, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if config.CheckInterval != 2*time.Second {
		t.Errorf("CheckInterval = %v, want 2s", config.CheckInterval)
	}
	if config.StalenessMin != 0.3 || config.StalenessMax != 0.5 {
		t.Errorf("window = [%v, %v], want [0.3, 0.5]", config.StalenessMin, config.StalenessMax)
	}
	if config.KeySetTTL != 24*time.Hour {
		t.Errorf("KeySetTTL = %v, want 24h", config.KeySetTTL)
	}
	if !config.DedicatedThread {
		t.Errorf("DedicatedThread = false, want true")
	}
	if config.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", config.LogLevel)
	}
	if len(config.EncryptionKey) != 32 || config.EncryptionKey[0] != 0xab {
		t.Errorf("EncryptionKey not decoded from hex")
	}
}

func TestLoad_MalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"duration", "TOKENBRIDGE_CHECK_INTERVAL", "ten seconds"},
		{"float", "TOKENBRIDGE_STALENESS_MIN", "low"},
		{"int", "TOKENBRIDGE_FETCH_ATTEMPTS", "many"},
		{"bool", "TOKENBRIDGE_DEDICATED_THREAD", "perhaps"},
		{"key", "TOKENBRIDGE_ENCRYPTION_KEY", "too-short"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnvVars(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() with %s=%q should fail", tt.key, tt.value)
			}
			if !errors.IsType(err, errors.ErrTypeConfig) {
				t.Errorf("Load() error type = %v, want config", errors.GetType(err))
			}
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	clearTestEnvVars(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "local.env")
	content := "TOKENBRIDGE_CALLER=from-file\nTOKENBRIDGE_AUDIENCE=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// godotenv sets variables process-wide; unset them afterwards.
	t.Cleanup(func() {
		os.Unsetenv("TOKENBRIDGE_CALLER")
		os.Unsetenv("TOKENBRIDGE_AUDIENCE")
	})
	os.Unsetenv("TOKENBRIDGE_CALLER")
	os.Unsetenv("TOKENBRIDGE_AUDIENCE")
	t.Setenv("TOKENBRIDGE_ENV_FILE", path+", "+filepath.Join(dir, "missing.env"))

	config, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Caller != "from-file" || config.Audience != "from-file" {
		t.Errorf("env file not applied: caller=%q audience=%q", config.Caller, config.Audience)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"valid with redis cache", func(c *Config) { c.CacheURL = "redis://localhost:6379" }, false},
		{"valid with dynamodb cache", func(c *Config) { c.CacheURL = "dynamodb://tokens?region=eu-west-1" }, false},
		{"valid with key set url", func(c *Config) { c.KeySetURL = "https://idp.example.com/jwks" }, false},
		{"missing credential url", func(c *Config) { c.CredentialURL = "" }, true},
		{"malformed credential url", func(c *Config) { c.CredentialURL = "idp" }, true},
		{"malformed key set url", func(c *Config) { c.KeySetURL = "jwks" }, true},
		{"missing client secret", func(c *Config) { c.ClientSecret = "" }, true},
		{"missing caller", func(c *Config) { c.Caller = "" }, true},
		{"missing audience", func(c *Config) { c.Audience = "" }, true},
		{"unknown cache", func(c *Config) { c.CacheURL = "memcached://localhost" }, true},
		{"short key", func(c *Config) { c.EncryptionKey = make([]byte, 16) }, true},
		{"missing key", func(c *Config) { c.EncryptionKey = nil }, true},
		{"zero interval", func(c *Config) { c.CheckInterval = 0 }, true},
		{"inverted window", func(c *Config) { c.StalenessMin, c.StalenessMax = 0.9, 0.2 }, true},
		{"window above one", func(c *Config) { c.StalenessMax = 1.5 }, true},
		{"negative window", func(c *Config) { c.StalenessMin = -0.1 }, true},
		{"zero window", func(c *Config) { c.StalenessMin, c.StalenessMax = 0, 0 }, true},
		{"window starting at zero", func(c *Config) { c.StalenessMin, c.StalenessMax = 0, 0.5 }, false},
		{"zero fetch attempts", func(c *Config) { c.FetchAttempts = 0 }, true},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.modify(&c)

			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsType(err, errors.ErrTypeValidation) {
				t.Errorf("Validate() error type = %v, want validation", errors.GetType(err))
			}
		})
	}
}

func TestString_OmitsSecrets(t *testing.T) {
	c := validConfig()
	c.ClientSecret = "hunter2"
	c.CacheURL = "redis://:password@localhost:6379"

	s := c.String()
	if strings.Contains(s, "hunter2") || strings.Contains(s, "password") {
		t.Errorf("String() leaks secrets: %s", s)
	}
	if !strings.Contains(s, "cache=redis") {
		t.Errorf("String() = %s, want cache scheme", s)
	}
}
