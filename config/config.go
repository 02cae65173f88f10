package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "walletchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "WALLETCHAT_DATA_DIR"
	// DefaultRoom is the signaling room joined when none is configured.
	DefaultRoom = "lobby"

	// OfflineStoreHub keeps undeliverable messages in the hub's shared store.
	OfflineStoreHub = "hub"
	// OfflineStoreLocal keeps them in the node's own database.
	OfflineStoreLocal = "local"

	DefaultMaxRetries         = 5
	DefaultRetryBaseMillis    = 2000
	DefaultRetryMaxMillis     = 60000
	DefaultBatchSize          = 32
	DefaultBatchTimeoutMillis = 30000
	DefaultMessageTTLSeconds  = 7 * 24 * 60 * 60

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DefaultICEServers is used when the config lists none.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// NodeConfig contains persistent settings of a chat node.
type NodeConfig struct {
	NodeID                string `json:"node_id"`
	DeviceName            string `json:"device_name"`
	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`

	// HubURL is the http(s) base url of a signaling and relay hub. When
	// empty, and DiscoverHub is set, the node looks for one on the LAN.
	HubURL      string   `json:"hub_url"`
	DiscoverHub bool     `json:"discover_hub"`
	Room        string   `json:"room"`
	ICEServers  []string `json:"ice_servers"`
	// OfflineStore is "hub" or "local".
	OfflineStore string `json:"offline_store"`

	MaxRetries         int   `json:"max_retries"`
	RetryBaseMillis    int64 `json:"retry_base_ms"`
	RetryMaxMillis     int64 `json:"retry_max_ms"`
	BatchSize          int   `json:"batch_size"`
	BatchTimeoutMillis int64 `json:"batch_timeout_ms"`
	MessageTTLSeconds  int64 `json:"message_ttl_seconds"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WALLETCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Validate reports settings that cannot be normalized away.
func (c *NodeConfig) Validate() error {
	if c.HubURL != "" {
		lower := strings.ToLower(c.HubURL)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("config: hub_url %q must start with http:// or https://", c.HubURL)
		}
	}
	switch c.OfflineStore {
	case OfflineStoreHub, OfflineStoreLocal:
	default:
		return fmt.Errorf("config: offline_store %q must be %q or %q", c.OfflineStore, OfflineStoreHub, OfflineStoreLocal)
	}
	if c.RetryMaxMillis < c.RetryBaseMillis {
		return fmt.Errorf("config: retry_max_ms (%d) is below retry_base_ms (%d)", c.RetryMaxMillis, c.RetryBaseMillis)
	}
	return nil
}

func defaultConfig(dataDir string) *NodeConfig {
	cfg := &NodeConfig{DiscoverHub: true}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "walletchat node"
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}
	setInt64 := func(field *int64, value int64) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.NodeID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.Ed25519PrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.Ed25519PublicKeyPath, filepath.Join(keysDir, "ed25519_public.pem"))
	setString(&cfg.Room, DefaultRoom)
	setString(&cfg.OfflineStore, OfflineStoreHub)

	if trimmed := strings.TrimRight(cfg.HubURL, "/"); trimmed != cfg.HubURL {
		cfg.HubURL = trimmed
		updated = true
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = append([]string(nil), DefaultICEServers...)
		updated = true
	}

	setInt(&cfg.MaxRetries, DefaultMaxRetries)
	setInt64(&cfg.RetryBaseMillis, DefaultRetryBaseMillis)
	setInt64(&cfg.RetryMaxMillis, DefaultRetryMaxMillis)
	setInt(&cfg.BatchSize, DefaultBatchSize)
	setInt64(&cfg.BatchTimeoutMillis, DefaultBatchTimeoutMillis)
	setInt64(&cfg.MessageTTLSeconds, DefaultMessageTTLSeconds)

	return updated
}
