package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Runtime modes.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// Env is the immutable process environment, read once at boot. Handlers and
// components receive it by value reference and never re-read os.Getenv, so
// tests can construct overrides directly.
type Env struct {
	NodeEnv       string
	Port          string
	JWTSecret     string
	AdminAPIToken string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	// APIKeys maps key owner name -> raw key. Hashed before lookup.
	APIKeys map[string]string

	EnableMetricsTracking        bool
	EnableIdempotency            bool
	EnableToolUse                bool
	EnableDevilsAdvocate         bool
	EnableBudgetCaps             bool
	EnablePerRequestTransparency bool
}

// FromEnvironment builds the Env snapshot. Production refuses to boot
// without JWT_SECRET; an unrecognized NODE_ENV is also a boot failure.
func FromEnvironment() (*Env, error) {
	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv == "" {
		nodeEnv = EnvDevelopment
	}
	switch nodeEnv {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return nil, fmt.Errorf("invalid NODE_ENV %q (want development, test or production)", nodeEnv)
	}

	e := &Env{
		NodeEnv:       nodeEnv,
		Port:          os.Getenv("PORT"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		AdminAPIToken: os.Getenv("ADMIN_API_TOKEN"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		APIKeys:       parseAPIKeys(os.Getenv("API_KEYS")),

		EnableMetricsTracking:        flagEnabled(os.Getenv("ENABLE_METRICS_TRACKING")),
		EnableIdempotency:            flagEnabled(os.Getenv("ENABLE_IDEMPOTENCY")),
		EnableToolUse:                flagEnabled(os.Getenv("ENABLE_TOOL_USE")),
		EnableDevilsAdvocate:         flagEnabled(os.Getenv("ENABLE_DEVILS_ADVOCATE")),
		EnableBudgetCaps:             flagEnabled(os.Getenv("ENABLE_BUDGET_CAPS")),
		EnablePerRequestTransparency: flagEnabled(os.Getenv("ENABLE_PER_REQUEST_TRANSPARENCY")),
	}

	if e.Port == "" {
		e.Port = "8080"
	}
	if e.RedisAddr == "" {
		e.RedisAddr = "localhost:6379"
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		e.RedisDB = db
	}

	if e.IsProduction() && e.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}
	return e, nil
}

func (e *Env) IsProduction() bool  { return e.NodeEnv == EnvProduction }
func (e *Env) IsTest() bool        { return e.NodeEnv == EnvTest }
func (e *Env) IsDevelopment() bool { return e.NodeEnv == EnvDevelopment }

// flagEnabled implements the strict flag contract: only the exact string
// "true" enables a feature.
func flagEnabled(v string) bool {
	return v == "true"
}

// parseAPIKeys parses "name:key,name2:key2". Malformed entries are skipped.
func parseAPIKeys(v string) map[string]string {
	keys := make(map[string]string)
	if v == "" {
		return keys
	}
	for _, pair := range strings.Split(v, ",") {
		name, key, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" || key == "" {
			continue
		}
		keys[name] = key
	}
	return keys
}
