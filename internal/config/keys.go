package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// account is the secret store account name for a secret key.
func (s keySpec) account() string {
	return strings.ReplaceAll(s.key, ".", "_")
}

var specs = []keySpec{
	{
		key: "api.key", typ: kString, env: "NOLANG_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Key = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Key },
	},
	{
		key: "api.base_url", typ: kString, env: "NOLANG_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.inspect_pdf", typ: kBool, env: "NOLANG_INSPECT_PDF",
		apply:   func(cfg *Config, v any) { cfg.API.InspectPDF = v.(bool) },
		extract: func(cfg Config) any { return cfg.API.InspectPDF },
	},
	{
		key: "server.port", typ: kInt, env: "NOLANG_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "NOLANG_MCP_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.auth_token", typ: kString, env: "NOLANG_MCP_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "retry.base_delay", typ: kDuration, env: "NOLANG_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "NOLANG_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.congestion_delay", typ: kDuration, env: "NOLANG_RETRY_CONGESTION_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.CongestionDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.CongestionDelay },
	},
	{
		key: "retry.congestion_retries", typ: kInt, env: "NOLANG_RETRY_CONGESTION_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Retry.CongestionRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.CongestionRetries },
	},
	{
		key: "poll.interval", typ: kDuration, env: "NOLANG_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.Interval },
	},
	{
		key: "poll.max_wait", typ: kDuration, env: "NOLANG_POLL_MAX_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.MaxWait },
	},
	{
		key: "rate_limit.rps", typ: kFloat, env: "NOLANG_RATE_LIMIT_RPS",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.RPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.RateLimit.RPS },
	},
	{
		key: "rate_limit.burst", typ: kInt, env: "NOLANG_RATE_LIMIT_BURST",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Burst },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NOLANG_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.journal", typ: kBool, env: "NOLANG_JOURNAL",
		apply:   func(cfg *Config, v any) { cfg.Storage.Journal = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.Journal },
	},
	{
		key: "log.level", typ: kString, env: "NOLANG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw text into the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return parseDuration(raw)
	default:
		return raw, nil
	}
}

// parseDuration accepts Go durations ("30s", "1m") and bare seconds ("30").
func parseDuration(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		case kDuration:
			v, ok, err := b.GetDuration(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
