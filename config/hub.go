package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	defaultHubListen        = ":8080"
	defaultHubLogLevel      = "info"
	defaultHubQueueCapacity = 1000
	defaultHubKeepAlive     = 30 * time.Second
	defaultHubBlobRetention = DefaultMessageTTLSeconds * time.Second
)

// HubConfig configures the signaling and relay hub.
type HubConfig struct {
	Listen string
	Env    string
	// LogLevel is a zerolog level name.
	LogLevel string

	HubName string
	// IdentityDir holds the hub's Ed25519 key pair. Queued acks are signed
	// with it, so keeping it stable keeps the relay's node id stable.
	IdentityDir string
	// RedisURL selects the redis relay queue; empty keeps queues in memory.
	RedisURL      string
	QueueCapacity int
	// BlobDir enables the shared offline store under /blobs.
	BlobDir string
	// BlobRetention expires shared blobs; zero keeps them.
	BlobRetention time.Duration

	Advertise bool
	KeepAlive time.Duration
}

// LoadHub reads the hub configuration from the environment (and a .env
// file when present), then applies command-line flags on top.
func LoadHub(args []string) (*HubConfig, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	queueCapacity, err := envInt("WALLETCHAT_QUEUE_CAPACITY", defaultHubQueueCapacity)
	if err != nil {
		return nil, err
	}
	keepAlive, err := envDuration("WALLETCHAT_KEEPALIVE", defaultHubKeepAlive)
	if err != nil {
		return nil, err
	}
	blobRetention, err := envDuration("WALLETCHAT_BLOB_RETENTION", defaultHubBlobRetention)
	if err != nil {
		return nil, err
	}

	cfg := &HubConfig{
		Listen:        getEnv("WALLETCHAT_LISTEN", defaultHubListen),
		Env:           getEnv("WALLETCHAT_ENV", EnvDevelopment),
		LogLevel:      getEnv("WALLETCHAT_LOG_LEVEL", defaultHubLogLevel),
		HubName:       getEnv("WALLETCHAT_HUB_NAME", defaultDeviceName()),
		IdentityDir:   os.Getenv("WALLETCHAT_IDENTITY_DIR"),
		RedisURL:      os.Getenv("REDIS_URL"),
		QueueCapacity: queueCapacity,
		BlobDir:       os.Getenv("WALLETCHAT_BLOB_DIR"),
		BlobRetention: blobRetention,
		Advertise:     getEnv("WALLETCHAT_ADVERTISE", "true") == "true",
		KeepAlive:     keepAlive,
	}

	flags := hubFlags(cfg)
	flags.SetOutput(io.Discard)
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func hubFlags(cfg *HubConfig) *pflag.FlagSet {
	flags := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	flags.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "address to listen on")
	flags.StringVar(&cfg.Env, "env", cfg.Env, "development or production")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.HubName, "name", cfg.HubName, "hub name advertised on the LAN")
	flags.StringVar(&cfg.IdentityDir, "identity-dir", cfg.IdentityDir, "directory holding the hub key pair (ephemeral when empty)")
	flags.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis url for relay queues (in-memory when empty)")
	flags.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "queued envelopes kept per offline recipient")
	flags.StringVar(&cfg.BlobDir, "blob-dir", cfg.BlobDir, "data directory of the shared offline store (disabled when empty)")
	flags.DurationVar(&cfg.BlobRetention, "blob-retention", cfg.BlobRetention, "age at which shared blobs expire (0 keeps them)")
	flags.BoolVar(&cfg.Advertise, "advertise", cfg.Advertise, "advertise the hub over mDNS")
	flags.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "websocket ping interval")
	return flags
}

// PrintHubUsage writes the hub flags with their built-in defaults to w.
// Every flag can also be set through its WALLETCHAT_* environment variable.
func PrintHubUsage(w io.Writer) {
	flags := hubFlags(&HubConfig{
		Listen:        defaultHubListen,
		Env:           EnvDevelopment,
		LogLevel:      defaultHubLogLevel,
		QueueCapacity: defaultHubQueueCapacity,
		BlobRetention: defaultHubBlobRetention,
		Advertise:     true,
		KeepAlive:     defaultHubKeepAlive,
	})
	flags.SetOutput(w)
	fmt.Fprintln(w, "Usage: relayd [flags]")
	flags.PrintDefaults()
}

// Validate checks values the hub cannot start with.
func (c *HubConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		return fmt.Errorf("config: env must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log level: %w", err)
	}
	if c.QueueCapacity <= 0 {
		return errors.New("config: queue capacity must be > 0")
	}
	if c.BlobRetention < 0 {
		return errors.New("config: blob retention must be >= 0")
	}
	if c.Env == EnvProduction && c.IdentityDir == "" {
		return errors.New("config: identity dir is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *HubConfig) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// NewLogger returns a console logger in development and JSON otherwise.
func NewLogger(w io.Writer, development bool, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if development {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
