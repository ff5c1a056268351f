package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "espalier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func key(b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(b), 32)))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, 25, cfg.MaxSteps)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
log_format: json
max_steps: "40"
max_retries: 1
retention: 48h
store:
  kind: redis
  redis_addr: localhost:6379
  redis_db: 2
  ttl: 1h
  pii_patterns: [email, "^phone"]
http:
  addr: 127.0.0.1:9090
`)
	cfg, err := load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 40, cfg.MaxSteps)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 48*time.Hour, cfg.Retention)
	assert.Equal(t, StoreRedis, cfg.Store.Kind)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 2, cfg.Store.RedisDB)
	assert.Equal(t, time.Hour, cfg.Store.TTL)
	assert.Equal(t, []string{"email", "^phone"}, cfg.Store.PIIPatterns)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
	// untouched defaults survive
	assert.Equal(t, "espalier:", cfg.Store.Prefix)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  kind: file\n  path: /tmp/a\n")
	cfg, err := load(path, envOf(map[string]string{
		"ESPALIER_STORE_PATH":      "/tmp/b",
		"ESPALIER_MAX_RETRIES":     "0",
		"ESPALIER_PII_PATTERNS":    "email,ssn",
		"ESPALIER_TRACING_ENABLED": "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, StoreFile, cfg.Store.Kind)
	assert.Equal(t, "/tmp/b", cfg.Store.Path)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, []string{"email", "ssn"}, cfg.Store.PIIPatterns)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown store", "store:\n  kind: s3\n", "invalid config"},
		{"redis without address", "store:\n  kind: redis\n", "invalid config"},
		{"zero steps", "max_steps: 0\n", "invalid config"},
		{"bad level", "log_level: loud\n", "invalid config"},
		{"unknown key", "max_stepz: 3\n", "decode config"},
		{"bad duration", "retention: soon\n", "decode config"},
		{"short key", "store:\n  encryption_key: " + base64.StdEncoding.EncodeToString([]byte("short")) + "\n", "encryption key must be 32 bytes"},
		{"fallback only", "store:\n  fallback_keys: [" + key('a') + "]\n", "fallback_keys require"},
		{"malformed yaml", "store: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(writeConfig(t, tt.content), noEnv)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStoreConfig_Middlewares(t *testing.T) {
	none, err := StoreConfig{}.Middlewares()
	require.NoError(t, err)
	assert.Empty(t, none)

	mws, err := StoreConfig{
		EncryptionKey: key('a'),
		FallbackKeys:  []string{key('b')},
		PIIPatterns:   []string{"email"},
	}.Middlewares()
	require.NoError(t, err)
	assert.Len(t, mws, 2)

	_, err = StoreConfig{PIIPatterns: []string{"("}}.Middlewares()
	assert.Error(t, err)
}
