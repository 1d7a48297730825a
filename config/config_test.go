package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgl/produce-engine/core"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "produce.db", cfg.DBPath)
	assert.Equal(t, 12*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Empty(t, cfg.RedisAddress)
	assert.Zero(t, cfg.RateLimit)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.ExtraBranches)
	assert.Equal(t, "50000000", cfg.BranchTarget.String())
	assert.True(t, cfg.UsesDevSecret())
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"PORT":           "3000",
		"TOKEN_TTL":      "1h",
		"CORS_ORIGINS":   "http://a.test, http://b.test",
		"EXTRA_BRANCHES": "Wakiso, ",
		"BRANCH_TARGET":  "1000",
		"JWT_SECRET":     "s3cret",
		"TIMEZONE":       "UTC",
	}))
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, []core.Branch{"Wakiso"}, cfg.ExtraBranches)
	assert.Equal(t, "1000", cfg.BranchTarget.String())
	assert.False(t, cfg.UsesDevSecret())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}

func TestFromEnv_Invalid(t *testing.T) {
	for key, value := range map[string]string{
		"PORT":          "eighty",
		"TOKEN_TTL":     "forever",
		"BRANCH_TARGET": "lots",
		"TIMEZONE":      "Mars/Olympus",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := FromEnv(env(map[string]string{key: value}))
			assert.Error(t, err)
		})
	}
}

func TestLogError_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogLevel: "info", LogFormat: "json"}, &buf)

	LogError(logger, "sales", "Create", "insert sale", map[string]string{"branch": "Maganjo"}, errors.New("disk full"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sales", entry["module"])
	assert.Equal(t, "Create", entry["funcName"])
	assert.Equal(t, "insert sale", entry["context"])
	assert.Equal(t, "disk full", entry["msg"])
	assert.Equal(t, "error", entry["level"])
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogLevel: "warn", LogFormat: "text"}, &buf)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
