// Package config loads tokenbridge configuration from environment variables.
//
// Environment Variables:
//
// Identity provider:
//   - TOKENBRIDGE_CREDENTIAL_URL: client-credentials endpoint (required)
//   - TOKENBRIDGE_KEYSET_URL: JWKS endpoint; empty disables key checks
//   - TOKENBRIDGE_CLIENT_ID, TOKENBRIDGE_CLIENT_SECRET: client credentials (required)
//   - TOKENBRIDGE_CALLER: caller id used to namespace cache keys (required)
//   - TOKENBRIDGE_AUDIENCE: audience requested for the token (required)
//   - TOKENBRIDGE_SCOPE: optional scope
//
// Cache:
//   - TOKENBRIDGE_CACHE_URL: "inmemory", redis://, rediss:// or dynamodb:// (default: inmemory)
//   - TOKENBRIDGE_ENCRYPTION_KEY: 32-byte key, hex or base64 (required)
//
// Refresh:
//   - TOKENBRIDGE_CHECK_INTERVAL: time between refresh checks (default: 10s)
//   - TOKENBRIDGE_STALENESS_MIN, TOKENBRIDGE_STALENESS_MAX: window bounds, max above 0 (default: 0.6, 0.9)
//   - TOKENBRIDGE_KEYSET_TTL: cache lifetime of a fetched key set, days allowed as 1d (default: 1h)
//   - TOKENBRIDGE_KEYSET_REFRESH_INTERVAL: periodic key set refresh, 0 for on demand (default: 0)
//   - TOKENBRIDGE_HTTP_TIMEOUT: per-request timeout (default: 10s)
//   - TOKENBRIDGE_FETCH_ATTEMPTS: token fetch attempts including the first (default: 3)
//   - TOKENBRIDGE_DEDICATED_THREAD: run background loops on their own OS thread (default: false)
//   - TOKENBRIDGE_LOG_LEVEL: debug, info, warn or error (default: info)
//
// TOKENBRIDGE_ENV_FILE may name comma-separated .env files loaded first.
// Variables already set in the environment win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tokenbridge/internal/common/errors"
	"tokenbridge/internal/common/utils"
	"tokenbridge/internal/common/validation"
	"tokenbridge/internal/crypto"
)

const envPrefix = "TOKENBRIDGE_"

// InMemoryCache selects the in-process cache backend.
const InMemoryCache = "inmemory"

// Config holds everything needed to build a token bridge.
type Config struct {
	CredentialURL string `json:"credential_url" validate:"required,url"`
	KeySetURL     string `json:"keyset_url,omitempty" validate:"omitempty,url"`
	ClientID      string `json:"client_id" validate:"required"`
	ClientSecret  string `json:"-" validate:"required"`
	Caller        string `json:"caller" validate:"required"`
	Audience      string `json:"audience" validate:"required"`
	Scope         string `json:"scope,omitempty"`

	CacheURL      string `json:"cache_url" validate:"required,cache_descriptor"`
	EncryptionKey []byte `json:"-" validate:"len=32"`

	CheckInterval         time.Duration `json:"check_interval" validate:"gt=0"`
	StalenessMin          float64       `json:"staleness_min" validate:"fraction"`
	StalenessMax          float64       `json:"staleness_max" validate:"fraction,gt=0,gtefield=StalenessMin"`
	KeySetTTL             time.Duration `json:"keyset_ttl" validate:"gt=0"`
	KeySetRefreshInterval time.Duration `json:"keyset_refresh_interval" validate:"gte=0"`
	HTTPTimeout           time.Duration `json:"http_timeout" validate:"gt=0"`
	FetchAttempts         int           `json:"fetch_attempts" validate:"gte=1,lte=10"`
	DedicatedThread       bool          `json:"dedicated_thread"`
	LogLevel              string        `json:"log_level" validate:"oneof=debug info warn warning error"`
}

// Default returns a Config with every optional field at its default.
func Default() Config {
	return Config{
		CacheURL:      InMemoryCache,
		CheckInterval: 10 * time.Second,
		StalenessMin:  0.6,
		StalenessMax:  0.9,
		KeySetTTL:     time.Hour,
		HTTPTimeout:   10 * time.Second,
		FetchAttempts: 3,
		LogLevel:      "info",
	}
}

// Validate checks required fields and ranges.
func (c Config) Validate() error {
	return validation.ValidateStruct(c)
}

// String describes c without secrets.
func (c Config) String() string {
	return fmt.Sprintf("caller=%s audience=%s credential_url=%s keyset_url=%s cache=%s check_interval=%s keyset_ttl=%s window=[%g, %g]",
		c.Caller, c.Audience, c.CredentialURL, c.KeySetURL, cacheScheme(c.CacheURL),
		utils.FormatDuration(c.CheckInterval), utils.FormatDuration(c.KeySetTTL),
		c.StalenessMin, c.StalenessMax)
}

func cacheScheme(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[:i]
	}
	return u
}

// Load reads the configuration from the environment. It does not validate;
// call Validate on the result.
func Load() (*Config, error) {
	if err := loadEnvFiles(os.Getenv(envPrefix + "ENV_FILE")); err != nil {
		return nil, err
	}

	c := Default()
	c.CredentialURL = getEnv("CREDENTIAL_URL", "")
	c.KeySetURL = getEnv("KEYSET_URL", "")
	c.ClientID = getEnv("CLIENT_ID", "")
	c.ClientSecret = getEnv("CLIENT_SECRET", "")
	c.Caller = getEnv("CALLER", "")
	c.Audience = getEnv("AUDIENCE", "")
	c.Scope = getEnv("SCOPE", "")
	c.CacheURL = getEnv("CACHE_URL", c.CacheURL)
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))

	var err error
	if c.CheckInterval, err = getDurationEnv("CHECK_INTERVAL", c.CheckInterval); err != nil {
		return nil, err
	}
	if c.KeySetTTL, err = getDurationEnv("KEYSET_TTL", c.KeySetTTL); err != nil {
		return nil, err
	}
	if c.KeySetRefreshInterval, err = getDurationEnv("KEYSET_REFRESH_INTERVAL", c.KeySetRefreshInterval); err != nil {
		return nil, err
	}
	if c.HTTPTimeout, err = getDurationEnv("HTTP_TIMEOUT", c.HTTPTimeout); err != nil {
		return nil, err
	}
	if c.StalenessMin, err = getFloatEnv("STALENESS_MIN", c.StalenessMin); err != nil {
		return nil, err
	}
	if c.StalenessMax, err = getFloatEnv("STALENESS_MAX", c.StalenessMax); err != nil {
		return nil, err
	}
	if c.FetchAttempts, err = getIntEnv("FETCH_ATTEMPTS", c.FetchAttempts); err != nil {
		return nil, err
	}
	if c.DedicatedThread, err = getBoolEnv("DEDICATED_THREAD", c.DedicatedThread); err != nil {
		return nil, err
	}

	if raw := getEnv("ENCRYPTION_KEY", ""); raw != "" {
		if c.EncryptionKey, err = crypto.ParseKey(raw); err != nil {
			return nil, err
		}
	}

	return &c, nil
}

// loadEnvFiles loads each existing file in the comma-separated list.
func loadEnvFiles(list string) error {
	var files []string
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return errors.ConfigError(fmt.Sprintf("failed to load env files: %v", err))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	d, err := utils.ParseDuration(value)
	if err != nil {
		return 0, invalid(key, value, "a duration such as 10s, 1m or 1d")
	}
	return d, nil
}

func getFloatEnv(key string, defaultValue float64) (float64, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, invalid(key, value, "a number")
	}
	return f, nil
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, invalid(key, value, "an integer")
	}
	return n, nil
}

func getBoolEnv(key string, defaultValue bool) (bool, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, invalid(key, value, "a boolean")
	}
	return b, nil
}

func invalid(key, value, want string) error {
	return errors.ConfigError(fmt.Sprintf("%s%s must be %s, got %q", envPrefix, key, want, value)).
		WithContext("variable", envPrefix+key)
}
