// Package config loads the espalier CLI configuration from a YAML file and
// ESPALIER_* environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ESPALIER_"

// Config is the full CLI configuration.
type Config struct {
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat       string        `mapstructure:"log_format" validate:"oneof=text json"`
	MaxSteps        int           `mapstructure:"max_steps" validate:"gte=1"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=0"`
	FallbackMessage string        `mapstructure:"fallback_message"`
	// Retention is how long finished runs are kept; 0 keeps them forever.
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`

	Store   StoreConfig   `mapstructure:"store"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// StoreConfig selects and configures the run store.
type StoreConfig struct {
	Kind          string        `mapstructure:"kind" validate:"oneof=memory file redis"`
	Path          string        `mapstructure:"path" validate:"required_if=Kind file"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Kind redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	Prefix        string        `mapstructure:"prefix"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gte=0"`
	LockTTL       time.Duration `mapstructure:"lock_ttl" validate:"gte=0"`

	// EncryptionKey is a base64 AES-256 key. When set, snapshots are sealed.
	EncryptionKey string `mapstructure:"encryption_key" validate:"omitempty,base64"`
	// FallbackKeys are older base64 keys still accepted for decryption.
	FallbackKeys []string `mapstructure:"fallback_keys" validate:"dive,base64"`
	// PIIPatterns are regular expressions of field names masked before saving.
	PIIPatterns []string `mapstructure:"pii_patterns"`
}

// HTTPConfig configures `espalier serve`.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// TracingConfig enables the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		MaxSteps:        runtime.DefaultMaxSteps,
		MaxRetries:      runtime.DefaultMaxRetries,
		FallbackMessage: runtime.DefaultFallbackMessage,
		Retention:       7 * 24 * time.Hour,
		Store: StoreConfig{
			Kind:    StoreMemory,
			Path:    ".espalier/runs",
			Prefix:  redis.DefaultPrefix,
			LockTTL: 30 * time.Second,
		},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Tracing: TracingConfig{ServiceName: "espalier"},
	}
}

// envKeys maps environment variables (without EnvPrefix) to config paths.
var envKeys = map[string]string{
	"LOG_LEVEL":            "log_level",
	"LOG_FORMAT":           "log_format",
	"MAX_STEPS":            "max_steps",
	"MAX_RETRIES":          "max_retries",
	"FALLBACK_MESSAGE":     "fallback_message",
	"RETENTION":            "retention",
	"STORE_KIND":           "store.kind",
	"STORE_PATH":           "store.path",
	"STORE_PREFIX":         "store.prefix",
	"STORE_TTL":            "store.ttl",
	"STORE_LOCK_TTL":       "store.lock_ttl",
	"REDIS_ADDR":           "store.redis_addr",
	"REDIS_PASSWORD":       "store.redis_password",
	"REDIS_DB":             "store.redis_db",
	"ENCRYPTION_KEY":       "store.encryption_key",
	"PII_PATTERNS":         "store.pii_patterns",
	"HTTP_ADDR":            "http.addr",
	"TRACING_ENABLED":      "tracing.enabled",
	"TRACING_SERVICE_NAME": "tracing.service_name",
}

// Load reads the YAML file at path (skipped when path is empty), applies
// ESPALIER_* overrides and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}

	for env, key := range envKeys {
		if v, ok := lookup(EnvPrefix + env); ok {
			setPath(raw, key, v)
		}
	}

	cfg := Default()
	if err := decode(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(in map[string]any, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// setPath writes value at a dotted path, creating nested maps as needed.
func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Validate checks the configuration.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, _, err := c.Store.keys(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Logger builds the application logger.
func (c Config) Logger() *slog.Logger {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return logging.New(level, c.LogFormat)
}

// Middlewares returns the persistence middlewares the store config asks for,
// PII masking first so that encryption seals masked data.
func (s StoreConfig) Middlewares() ([]middleware.Middleware, error) {
	var mws []middleware.Middleware
	if len(s.PIIPatterns) > 0 {
		pii, err := middleware.NewPIIMiddleware(s.PIIPatterns)
		if err != nil {
			return nil, err
		}
		mws = append(mws, pii)
	}
	active, fallback, err := s.keys()
	if err != nil {
		return nil, err
	}
	if active != nil {
		enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    active,
			FallbackKeys: fallback,
		})
		if err != nil {
			return nil, err
		}
		mws = append(mws, enc)
	}
	return mws, nil
}

var errFallbackWithoutKey = errors.New("fallback_keys require an encryption_key")

func (s StoreConfig) keys() ([]byte, [][]byte, error) {
	if s.EncryptionKey == "" {
		if len(s.FallbackKeys) > 0 {
			return nil, nil, errFallbackWithoutKey
		}
		return nil, nil, nil
	}
	active, err := decodeKey(s.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption_key: %w", err)
	}
	fallback := make([][]byte, 0, len(s.FallbackKeys))
	for i, k := range s.FallbackKeys {
		key, err := decodeKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback_keys[%d]: %w", i, err)
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, middleware.ErrInvalidKey
	}
	return key, nil
}
