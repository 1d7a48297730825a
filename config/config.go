/*
Package config reads runtime settings from the environment.

SOURCES (later wins):
  1. defaults below
  2. .env in the working directory, if present (godotenv)
  3. process environment
  4. command-line flags, applied by cmd/server

KEYS:
  PORT            HTTP port (8080)
  DB_PATH         SQLite file, ":memory:" for a throwaway store (produce.db)
  JWT_SECRET      HS256 signing secret
  TOKEN_TTL       bearer token lifetime (12h)
  REDIS_ADDRESS   empty disables the dashboard cache and rate limit
  CACHE_TTL       dashboard cache lifetime (30s)
  RATE_LIMIT      requests per client per minute, 0 disables (0)
  LOG_LEVEL       logrus level (info)
  LOG_FORMAT      json or text (json)
  TIMEZONE        business day boundaries (Africa/Kampala)
  CORS_ORIGINS    comma list of allowed origins (*)
  EXTRA_BRANCHES  comma list of branches beyond Maganjo and Matugga
  BRANCH_TARGET   revenue target per branch (50000000)
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/kgl/produce-engine/core"
)

const devSecret = "kgl-dev-secret"

type Config struct {
	Port          int
	DBPath        string
	JWTSecret     string
	TokenTTL      time.Duration
	RedisAddress  string
	CacheTTL      time.Duration
	RateLimit     int64
	LogLevel      string
	LogFormat     string
	Timezone      string
	CORSOrigins   []string
	ExtraBranches []core.Branch
	BranchTarget  decimal.Decimal
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Unset keys take their defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		DBPath:       get("DB_PATH", "produce.db"),
		JWTSecret:    get("JWT_SECRET", devSecret),
		RedisAddress: get("REDIS_ADDRESS", ""),
		LogLevel:     get("LOG_LEVEL", "info"),
		LogFormat:    get("LOG_FORMAT", "json"),
		Timezone:     get("TIMEZONE", "Africa/Kampala"),
		CORSOrigins:  splitAndTrim(get("CORS_ORIGINS", "*")),
	}

	var err error
	if cfg.Port, err = strconv.Atoi(get("PORT", "8080")); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if cfg.TokenTTL, err = time.ParseDuration(get("TOKEN_TTL", "12h")); err != nil {
		return nil, fmt.Errorf("invalid TOKEN_TTL: %w", err)
	}
	if cfg.CacheTTL, err = time.ParseDuration(get("CACHE_TTL", "30s")); err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}
	if cfg.RateLimit, err = strconv.ParseInt(get("RATE_LIMIT", "0"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
	}
	if cfg.BranchTarget, err = decimal.NewFromString(get("BRANCH_TARGET", "50000000")); err != nil {
		return nil, fmt.Errorf("invalid BRANCH_TARGET: %w", err)
	}
	for _, b := range splitAndTrim(get("EXTRA_BRANCHES", "")) {
		cfg.ExtraBranches = append(cfg.ExtraBranches, core.Branch(b))
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// RegisterBranches adds ExtraBranches to the known branch set.
func (c *Config) RegisterBranches() {
	for _, b := range c.ExtraBranches {
		core.RegisterBranch(b)
	}
}

// UsesDevSecret reports whether JWT_SECRET was left at its default.
func (c *Config) UsesDevSecret() bool { return c.JWTSecret == devSecret }

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
