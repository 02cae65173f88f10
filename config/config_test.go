package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.NodeID == "" {
		t.Fatalf("expected non-empty node ID")
	}
	if firstCfg.Room != DefaultRoom {
		t.Fatalf("expected default room %q, got %q", DefaultRoom, firstCfg.Room)
	}
	if !firstCfg.DiscoverHub {
		t.Fatalf("expected hub discovery on for a fresh config")
	}
	if firstCfg.MaxRetries != DefaultMaxRetries || firstCfg.RetryBaseMillis != DefaultRetryBaseMillis {
		t.Fatalf("unexpected retry defaults: %d %d", firstCfg.MaxRetries, firstCfg.RetryBaseMillis)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.NodeID != firstCfg.NodeID {
		t.Fatalf("expected stable node ID, got %q then %q", firstCfg.NodeID, secondCfg.NodeID)
	}
	if secondCfg.Ed25519PrivateKeyPath != firstCfg.Ed25519PrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.Ed25519PrivateKeyPath, secondCfg.Ed25519PrivateKeyPath)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &NodeConfig{
		NodeID:     "node-1",
		HubURL:     "http://hub.local:8080/",
		MaxRetries: 2,
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.NodeID != "node-1" || cfg.MaxRetries != 2 {
		t.Fatalf("explicit values must be kept, got %q %d", cfg.NodeID, cfg.MaxRetries)
	}
	if cfg.HubURL != "http://hub.local:8080" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.HubURL)
	}
	if cfg.DiscoverHub {
		t.Fatalf("an explicit config must not turn discovery on")
	}
	if len(cfg.ICEServers) == 0 || cfg.BatchSize != DefaultBatchSize {
		t.Fatalf("expected missing defaults filled in: %+v", cfg)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.Ed25519PrivateKeyPath != filepath.Join(tempDir, "keys", "ed25519_private.pem") {
		t.Fatalf("normalized config was not persisted: %q", reloaded.Ed25519PrivateKeyPath)
	}
}

func TestNodeConfigValidate(t *testing.T) {
	cfg := &NodeConfig{HubURL: "ws://hub:8080", OfflineStore: OfflineStoreHub, RetryBaseMillis: 1, RetryMaxMillis: 2}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected ws:// hub url to be rejected")
	}
	cfg.HubURL = "https://hub:8080"
	cfg.RetryMaxMillis = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected retry max below base to be rejected")
	}
	cfg.RetryMaxMillis = 10
	cfg.OfflineStore = "cloud"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown offline store to be rejected")
	}
	cfg.OfflineStore = OfflineStoreLocal
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadHubReadsEnvThenFlags(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WALLETCHAT_LISTEN", ":9090")
	t.Setenv("WALLETCHAT_QUEUE_CAPACITY", "50")
	t.Setenv("WALLETCHAT_KEEPALIVE", "5s")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadHub([]string{"--queue-capacity", "75", "--advertise=false", "--log-level", "debug"})
	if err != nil {
		t.Fatalf("LoadHub failed: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("expected listen from env, got %q", cfg.Listen)
	}
	if cfg.QueueCapacity != 75 {
		t.Fatalf("expected flag to override env, got %d", cfg.QueueCapacity)
	}
	if cfg.KeepAlive != 5*time.Second {
		t.Fatalf("unexpected keepalive %s", cfg.KeepAlive)
	}
	if cfg.Advertise {
		t.Fatalf("expected advertise disabled by flag")
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url %q", cfg.RedisURL)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected development by default")
	}
}

func TestLoadHubRejectsBadValues(t *testing.T) {
	chdir(t, t.TempDir())

	t.Setenv("WALLETCHAT_QUEUE_CAPACITY", "many")
	if _, err := LoadHub(nil); err == nil || !strings.Contains(err.Error(), "WALLETCHAT_QUEUE_CAPACITY") {
		t.Fatalf("expected queue capacity error, got %v", err)
	}
	t.Setenv("WALLETCHAT_QUEUE_CAPACITY", "")

	if _, err := LoadHub([]string{"--env", "staging"}); err == nil {
		t.Fatalf("expected unknown env to be rejected")
	}
	if _, err := LoadHub([]string{"--env", "production"}); err == nil {
		t.Fatalf("expected production without identity dir to be rejected")
	}
	if _, err := LoadHub([]string{"--no-such-flag"}); err == nil {
		t.Fatalf("expected unknown flag to be rejected")
	}
}

func TestLoadHubHelp(t *testing.T) {
	chdir(t, t.TempDir())

	if _, err := LoadHub([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected pflag.ErrHelp, got %v", err)
	}

	var buf bytes.Buffer
	PrintHubUsage(&buf)
	if !strings.Contains(buf.String(), "--queue-capacity") || !strings.Contains(buf.String(), `(default ":8080")`) {
		t.Fatalf("usage is missing flags or defaults:\n%s", buf.String())
	}
}

func TestNewLoggerWritesJSONOutsideDevelopment(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, false, "warn")
	logger.Info().Msg("hidden")
	logger.Warn().Str("k", "v").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record must be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"k":"v"`) || !strings.Contains(out, `"message":"shown"`) {
		t.Fatalf("expected JSON record, got %s", out)
	}
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd failed: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
