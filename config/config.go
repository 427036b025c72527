// Package config loads and persists the daemon configuration as JSON in
// the per-user application data directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"evkvm/input"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "evkvm"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 5745
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// defaultSwitchKeys is the switch combination used when the file does not
// name one: both Alt keys held together.
var defaultSwitchKeys = []string{"leftalt", "rightalt"}

// keyAliases maps config-friendly key names to event codes. Unknown names
// can always be given as the numeric code instead.
var keyAliases = map[string]uint16{
	"leftctrl":   input.KEY_LEFTCTRL,
	"rightctrl":  input.KEY_RIGHTCTRL,
	"leftshift":  input.KEY_LEFTSHIFT,
	"rightshift": input.KEY_RIGHTSHIFT,
	"leftalt":    input.KEY_LEFTALT,
	"rightalt":   input.KEY_RIGHTALT,
	"leftmeta":   input.KEY_LEFTMETA,
	"rightmeta":  input.KEY_RIGHTMETA,
	"esc":        input.KEY_ESC,
}

// Peer names a remote endpoint by its certificate fingerprint.
type Peer struct {
	// Nick is the operator-facing name used in logs.
	Nick string `json:"nick"`
	// Address is host:port; required for senders we dial, ignored for
	// receivers which dial us.
	Address string `json:"address,omitempty"`
	// Fingerprint is the hex SHA-256 of the peer certificate.
	Fingerprint string `json:"fingerprint"`
}

// Config contains the persistent daemon settings.
type Config struct {
	// ListeningPort is where inbound receiver connections are accepted.
	ListeningPort int `json:"listening_port"`
	// SwitchKeys are named or numeric key codes forming the switch combo.
	SwitchKeys []string `json:"switch_keys"`
	// CertificatePath and PrivateKeyPath locate the TLS identity.
	CertificatePath string `json:"certificate_path"`
	PrivateKeyPath  string `json:"private_key_path"`
	// Receivers is the ordered allow-list of machines events may be
	// forwarded to. Non-empty enables the sender role.
	Receivers []Peer `json:"receivers"`
	// Senders lists machines to receive events from. Non-empty enables
	// the receiver role.
	Senders []Peer `json:"senders"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If EVKVM_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("EVKVM_DATA_DIR"); override != "" {
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
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
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
// A freshly written default config has empty peer lists and is saved so
// the operator has a file to fill in.
func LoadOrCreate() (*Config, string, error) {
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

// ParseSwitchKeys resolves the configured key names to event codes.
func (c *Config) ParseSwitchKeys() ([]uint16, error) {
	if len(c.SwitchKeys) == 0 {
		return nil, errors.New("switch_keys must not be empty")
	}

	out := make([]uint16, 0, len(c.SwitchKeys))
	seen := make(map[uint16]struct{})
	for _, name := range c.SwitchKeys {
		code, err := parseKey(name)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("duplicate switch key %q", name)
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out, nil
}

func parseKey(name string) (uint16, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if code, ok := keyAliases[key]; ok {
		return code, nil
	}
	code, err := strconv.ParseUint(key, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown switch key %q", name)
	}
	return uint16(code), nil
}

func defaultConfig(dataDir string) *Config {
	keysDir := filepath.Join(dataDir, "keys")
	return &Config{
		ListeningPort:   DefaultListeningPort,
		SwitchKeys:      append([]string(nil), defaultSwitchKeys...),
		CertificatePath: filepath.Join(keysDir, "cert.pem"),
		PrivateKeyPath:  filepath.Join(keysDir, "key.pem"),
		Receivers:       []Peer{},
		Senders:         []Peer{},
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}

	if len(cfg.SwitchKeys) == 0 {
		cfg.SwitchKeys = append([]string(nil), defaultSwitchKeys...)
		updated = true
	}

	if cfg.CertificatePath == "" {
		cfg.CertificatePath = filepath.Join(keysDir, "cert.pem")
		updated = true
	}

	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(keysDir, "key.pem")
		updated = true
	}

	return updated
}
