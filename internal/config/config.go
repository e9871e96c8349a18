package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the dialcast server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	// BaseURL is the public address the telephony provider fetches call
	// scripts from and posts webhooks to. A missing or localhost value
	// means no webhook will ever arrive.
	BaseURL string

	CORSOrigins string
	JWTSecret   string // hex-encoded 32-byte secret for admin JWT signing

	// Telephony provider account.
	ProviderAPIURL        string
	ProviderAccountSID    string
	ProviderAuthToken     string
	ProviderFromNumber    string
	ProviderSigningSecret string // webhook signature secret; defaults to the auth token

	// TTS synthesis service.
	TTSURL string

	// Object store for materialized audio.
	CDNEndpoint  string
	CDNRegion    string
	CDNBucket    string
	CDNFolder    string
	CDNAccessKey string
	CDNSecretKey string
	CDNPublicURL string

	// Opt-out store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional DND registry.
	DNDRegistryURL string
	DNDAPIKey      string

	// Dispatch tuning.
	PollInterval time.Duration
	RetryDelay   time.Duration
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultHTTPPort     = 8080
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultRedisAddr    = "localhost:6379"
	defaultCDNRegion    = "us-east-1"
	defaultCDNFolder    = "broadcasts"
	defaultPollInterval = 5 * time.Second
	defaultRetryDelay   = 5 * time.Minute
)

// envPrefix is the prefix for all dialcast environment variables.
const envPrefix = "DIALCAST_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialcast", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "public base URL the provider reaches this server at (e.g., https://dialcast.example.com)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.ProviderAPIURL, "provider-api-url", "", "telephony provider REST API base URL")
	fs.StringVar(&cfg.ProviderAccountSID, "provider-account-sid", "", "telephony provider account SID")
	fs.StringVar(&cfg.ProviderAuthToken, "provider-auth-token", "", "telephony provider auth token")
	fs.StringVar(&cfg.ProviderFromNumber, "provider-from-number", "", "originating phone number for outbound calls")
	fs.StringVar(&cfg.ProviderSigningSecret, "provider-signing-secret", "", "webhook signature secret (defaults to the auth token)")
	fs.StringVar(&cfg.TTSURL, "tts-url", "", "TTS synthesis service endpoint")
	fs.StringVar(&cfg.CDNEndpoint, "cdn-endpoint", "", "custom S3-compatible endpoint for audio storage (empty for AWS)")
	fs.StringVar(&cfg.CDNRegion, "cdn-region", defaultCDNRegion, "object store region")
	fs.StringVar(&cfg.CDNBucket, "cdn-bucket", "", "bucket for materialized audio assets")
	fs.StringVar(&cfg.CDNFolder, "cdn-folder", defaultCDNFolder, "key prefix for audio assets")
	fs.StringVar(&cfg.CDNAccessKey, "cdn-access-key", "", "object store access key")
	fs.StringVar(&cfg.CDNSecretKey, "cdn-secret-key", "", "object store secret key")
	fs.StringVar(&cfg.CDNPublicURL, "cdn-public-url", "", "public base URL assets are served from (defaults to the endpoint)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", defaultRedisAddr, "redis address for the opt-out store")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.DNDRegistryURL, "dnd-registry-url", "", "optional DND registry lookup endpoint")
	fs.StringVar(&cfg.DNDAPIKey, "dnd-api-key", "", "DND registry API key")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", defaultPollInterval, "dispatch tick period per active campaign")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", defaultRetryDelay, "default delay before a failed call is retried")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			slog.Warn("ignoring invalid environment override", "var", envVar, "error", err)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base-url must be an absolute URL, got %q", c.BaseURL)
		}
		c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("poll-interval must be at least 1s, got %s", c.PollInterval)
	}
	if c.RetryDelay < time.Second {
		return fmt.Errorf("retry-delay must be at least 1s, got %s", c.RetryDelay)
	}

	if c.ProviderSigningSecret == "" {
		c.ProviderSigningSecret = c.ProviderAuthToken
	}

	return nil
}

// WarnOnUnreachableBaseURL reports the startup-critical misconfiguration
// where the provider cannot reach this server: webhooks and script
// fetches silently never arrive.
func (c *Config) WarnOnUnreachableBaseURL(logger *slog.Logger) {
	if c.BaseURL == "" {
		logger.Error("CRITICAL: base-url is not set; the telephony provider cannot fetch scripts or deliver webhooks")
		return
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		logger.Error("CRITICAL: base-url points at localhost; the telephony provider cannot reach this server",
			"base_url", c.BaseURL)
	}
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
