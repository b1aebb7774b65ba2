// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.voxterm/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the plaintext WebSocket listener.
	// Default: 127.0.0.1:8090
	Addr string `toml:"addr"`

	// TLSAddr is the host:port for the transport-secured listener.
	// Both listeners speak the identical application protocol.
	// Default: 127.0.0.1:8091
	TLSAddr string `toml:"tls_addr"`

	// LanAccess binds the listeners to all interfaces instead of loopback.
	// Default: false (loopback only)
	LanAccess bool `toml:"lan_access"`

	// TLSCert is the path to the TLS certificate file.
	// Default: ~/.voxterm/certs/host.crt (auto-generated if missing)
	TLSCert string `toml:"tls_cert"`

	// TLSKey is the path to the TLS key file.
	// Default: ~/.voxterm/certs/host.key (auto-generated if missing)
	TLSKey string `toml:"tls_key"`

	// Store is the path to the SQLite database for credentials and devices.
	// Default: ~/.voxterm/voxterm.db
	Store string `toml:"store"`

	// Shell is the command to run in terminal tabs.
	// If empty, defaults to the user's shell ($SHELL or /bin/sh).
	Shell string `toml:"shell"`

	// HistoryBytes is the number of output bytes retained per tab for
	// replay to a freshly connected peer.
	// Default: 262144 (256 KiB)
	HistoryBytes int `toml:"history_bytes"`

	// MdnsEnabled enables mDNS/Bonjour service advertisement.
	// When true, the host advertises itself on the local network,
	// allowing the mobile app to discover it without manual IP entry.
	// Discovery only reveals presence; pairing codes are still required.
	// Default: false (disabled for security - must be explicitly enabled)
	MdnsEnabled bool `toml:"mdns_enabled"`

	// QR displays the pairing code as a QR code at startup.
	// Default: false
	QR bool `toml:"qr"`
}

// DefaultConfigPath returns the default config file location: ~/.voxterm/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".voxterm", "config.toml"), nil
}

// WriteDefault creates a config file with mobile-ready defaults at the given path.
// The config enables LAN access so the companion app can reach the host.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	// Check if file already exists - never overwrite
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, nothing to do
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Build minimal TOML config with mobile-ready defaults
	content := `# voxterm configuration
# Created by 'voxterm host' for mobile-ready defaults

# Listen on all interfaces so the companion app can reach the host
lan_access = true

# Plaintext and TLS listeners (same protocol, separate ports)
addr = "0.0.0.0:8090"
tls_addr = "0.0.0.0:8091"
`

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.voxterm/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		// This allows the host to start without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			// Can't determine home dir, return empty config
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			// Default config doesn't exist, that's fine
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		// This matches user expectation: if they specify a config file, it should exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
