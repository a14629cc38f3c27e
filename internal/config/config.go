package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// secretService is the keychain service name; accounts are per secret.
	secretService = "nolang-mcp"

	DefaultBaseURL = "https://api.no-lang.com/v1"
	DefaultPort    = 7310
)

type Config struct {
	API       APIConfig
	Server    ServerConfig
	Retry     RetryConfig
	Poll      PollConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Log       LogConfig
}

type APIConfig struct {
	Key        string
	BaseURL    string
	InspectPDF bool
}

type ServerConfig struct {
	Port      int
	MaxConns  int
	AuthToken string
}

type RetryConfig struct {
	BaseDelay         time.Duration
	MaxAttempts       int
	CongestionDelay   time.Duration
	CongestionRetries int
}

// PollConfig holds the wait defaults used when a tool call omits them.
type PollConfig struct {
	Interval time.Duration
	MaxWait  time.Duration
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type StorageConfig struct {
	DataDir string
	Journal bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:    DefaultBaseURL,
			InspectPDF: true,
		},
		Server: ServerConfig{
			Port:     DefaultPort,
			MaxConns: 64,
		},
		Retry: RetryConfig{
			BaseDelay:         time.Second,
			MaxAttempts:       3,
			CongestionDelay:   30 * time.Second,
			CongestionRetries: 1,
		},
		Poll: PollConfig{
			Interval: 10 * time.Second,
			MaxWait:  600 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 5,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Journal: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, .env files,
// environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.nolang.mcp) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/nolang-mcp/config.json
// and secrets fall back to $XDG_DATA_HOME/nolang-mcp/secrets.json.
//
// Environment variables (NOLANG_*) override backend values on all platforms.
// .env and .env.local in the working directory are loaded first and never
// replace variables already set in the environment.
func Load() (Config, error) {
	loadDotEnv(".env", ".env.local")
	return loadWith(newPlatformBackend(), keychainReader{})
}

func loadDotEnv(files ...string) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", f, err)
		}
	}
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets not provided by env come from the platform secret store.
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.account()); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if cfg.API.Key == "" {
		msg := "missing required config: NoLang API key. " +
			"Set it via environment variable NOLANG_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1"))
	}
	if c.Retry.CongestionRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.congestion_retries must not be negative"))
	}
	if c.Poll.Interval < time.Second || c.Poll.Interval > time.Minute {
		errs = append(errs, fmt.Errorf("poll.interval %s must be between 1s and 1m", c.Poll.Interval))
	}
	if c.Poll.MaxWait < time.Second || c.Poll.MaxWait > time.Hour {
		errs = append(errs, fmt.Errorf("poll.max_wait %s must be between 1s and 1h", c.Poll.MaxWait))
	}
	return errors.Join(errs...)
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
