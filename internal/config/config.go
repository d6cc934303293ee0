// Package config loads the provider's configuration from TOML, then layers
// defaults and environment-variable overrides on top. Grounded on dex's
// cmd/dex/config.go (the Config struct shape) and
// cmd/dex/config_env_replacer.go (reflective "$FOO" env-var expansion);
// TOML parsing and default-merging are not dex's own choices (dex reads
// JSON/YAML with no defaulting layer) but are drawn from the rest of the
// retrieval pack, per §6.5's environment variable table.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration document, covering every name in
// §6.5.
type Config struct {
	Issuer string `toml:"issuer"`

	Storage  StorageConfig  `toml:"storage"`
	Sharding ShardingConfig `toml:"sharding"`
	Keys     KeysConfig     `toml:"keys"`
	Tokens   TokensConfig   `toml:"tokens"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Logger   LoggerConfig   `toml:"logger"`
	HTTP     HTTPConfig     `toml:"http"`
	Security SecurityConfig `toml:"security"`
	Claims   ClaimsConfig   `toml:"claims"`
}

// SecurityConfig carries secret material that, per this package's doc
// comment, is meant to be supplied via "$FOO" env-var expansion rather
// than written in plaintext TOML (§6.5 PAIRWISE_SALT).
type SecurityConfig struct {
	PairwiseSalt string `toml:"pairwise_salt"`
}

// ClaimsConfig configures the RBAC/ReBAC claim layer (§5). Policies are
// inline Cedar policy source, one string per policy or policy group, the
// same shape internal/claims.Config expects.
type ClaimsConfig struct {
	Policies []string `toml:"policies"`
}

// StorageConfig selects and configures the durable backend for actor
// state, and the relational store for clients/audit (§6.5 DATABASE_URL,
// REDIS_URL).
type StorageConfig struct {
	RedisURL    string `toml:"redis_url"`
	DatabaseURL string `toml:"database_url"`
}

// ShardingConfig controls initial shard counts per actor kind (§4.2, §6.5
// SESSION_SHARD_COUNT / REFRESH_TOKEN_SHARD_COUNT).
type ShardingConfig struct {
	SessionShardCount      int           `toml:"session_shard_count"`
	RefreshTokenShardCount int           `toml:"refresh_token_shard_count"`
	ShardCacheTTL          time.Duration `toml:"shard_cache_ttl"`
}

// KeysConfig controls the KeyManager actor's rotation cadence (§6.5
// KEY_ROTATION_INTERVAL_DAYS / KEY_RETENTION_DAYS).
type KeysConfig struct {
	RotationInterval time.Duration `toml:"rotation_interval"`
	RetentionPeriod  time.Duration `toml:"retention_period"`
}

// TokensConfig controls token lifetimes and PKCE policy (§6.5).
type TokensConfig struct {
	AuthorizationCodeTTL time.Duration `toml:"authorization_code_ttl"`
	AccessTokenTTL       time.Duration `toml:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `toml:"refresh_token_ttl"`
	IDTokenTTL           time.Duration `toml:"id_token_ttl"`
	AllowPlainPKCE       bool          `toml:"allow_plain_pkce"`
}

// RateLimitConfig controls the sliding-window limiter (§4.1, §7).
type RateLimitConfig struct {
	Window time.Duration `toml:"window"`
	Limit  int64         `toml:"limit"`
}

// LoggerConfig mirrors dex's cmd/dex/logger.go level/format knobs.
type LoggerConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// HTTPConfig controls the listener.
type HTTPConfig struct {
	Addr          string `toml:"addr"`
	TelemetryAddr string `toml:"telemetry_addr"`
}

// Defaults returns the configuration used to fill in anything the
// operator's TOML document leaves zero-valued.
func Defaults() Config {
	return Config{
		Sharding: ShardingConfig{
			SessionShardCount:      16,
			RefreshTokenShardCount: 16,
			ShardCacheTTL:          30 * time.Second,
		},
		Keys: KeysConfig{
			RotationInterval: 24 * time.Hour,
			RetentionPeriod:  72 * time.Hour,
		},
		Tokens: TokensConfig{
			AuthorizationCodeTTL: 60 * time.Second,
			AccessTokenTTL:       10 * time.Minute,
			RefreshTokenTTL:      30 * 24 * time.Hour,
			IDTokenTTL:           10 * time.Minute,
			AllowPlainPKCE:       false,
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			Limit:  60,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Addr:          ":5556",
			TelemetryAddr: ":5557",
		},
	}
}

// Load reads a TOML document from path, merges it over Defaults(), expands
// any "$FOO" string value against the environment, and returns the
// resulting Config.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Config{}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if err := ExpandEnv(&cfg, os.Getenv); err != nil {
		return Config{}, fmt.Errorf("config: expand env: %w", err)
	}

	defaults := Defaults()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return Config{}, fmt.Errorf("config: merge defaults: %w", err)
	}
	return cfg, nil
}

// ExpandEnv walks data recursively and replaces any string field whose
// value begins with "$" with the named environment variable's value,
// mirroring dex's cmd/dex/config_env_replacer.go exactly (same reflection
// walk, same "$FOO" convention), generalized to also recurse into maps
// since §6.5's policy tables are keyed by client id.
func ExpandEnv(data interface{}, getenv func(string) string) error {
	val := reflect.ValueOf(data)
	if val.Kind() != reflect.Interface && val.Kind() != reflect.Ptr {
		return nil
	}
	s := val.Elem()
	if !s.CanSet() {
		return nil
	}

	switch s.Kind() {
	case reflect.String:
		value := s.Interface().(string)
		if len(value) > 1 && value[0] == '$' {
			s.SetString(getenv(value[1:]))
		}
		return nil
	case reflect.Struct:
		for i := 0; i < s.NumField(); i++ {
			f := s.Field(i)
			if !f.CanAddr() {
				continue
			}
			if err := ExpandEnv(f.Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice, reflect.Array:
		for i := 0; i < s.Len(); i++ {
			if err := ExpandEnv(s.Index(i).Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		for _, key := range s.MapKeys() {
			v := s.MapIndex(key)
			if v.Kind() == reflect.String && v.Len() > 1 && v.String()[0] == '$' {
				s.SetMapIndex(key, reflect.ValueOf(getenv(v.String()[1:])))
			}
		}
		return nil
	default:
		return nil
	}
}
