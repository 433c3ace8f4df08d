// Package peerconfig holds the YAML-backed configuration each long-lived
// peer persists to disk: a client's saved proxy connections, and a server's
// registration defaults. Mirrors internal/config's load/save idiom: a
// missing file is not an error, it just yields a zero-value config.
package peerconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Connection is one named proxy endpoint a client can dial without retyping
// flags every run.
type Connection struct {
	Name           string `yaml:"name"`
	ProxyAddr      string `yaml:"proxy_addr"`
	ProxyPassword  string `yaml:"proxy_password"`
	ServerName     string `yaml:"server_name"`
	ServerPassword string `yaml:"server_password"`
	PreferP2P      bool   `yaml:"prefer_p2p,omitempty"`
}

// ConnectionsFile is the client's saved-connections document.
type ConnectionsFile struct {
	Connections []Connection `yaml:"connections,omitempty"`
}

// Find returns the connection with the given name, if any.
func (f *ConnectionsFile) Find(name string) (Connection, bool) {
	for _, c := range f.Connections {
		if c.Name == name {
			return c, true
		}
	}
	return Connection{}, false
}

// Upsert replaces the connection with c.Name, or appends c if none exists.
func (f *ConnectionsFile) Upsert(c Connection) {
	for i := range f.Connections {
		if f.Connections[i].Name == c.Name {
			f.Connections[i] = c
			return
		}
	}
	f.Connections = append(f.Connections, c)
}

// LoadConnections reads path; a missing file yields an empty document.
func LoadConnections(path string) (*ConnectionsFile, error) {
	f := &ConnectionsFile{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read connections file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse connections file: %w", err)
	}
	return f, nil
}

// SaveConnections writes f to path, creating parent directories as needed.
func SaveConnections(path string, f *ConnectionsFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal connections file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create connections directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write connections file: %w", err)
	}
	return nil
}

// ServerConfig is a server peer's persisted registration defaults.
type ServerConfig struct {
	ServerName     string   `yaml:"server_name"`
	ServerPassword string   `yaml:"server_password"`
	Roots          []string `yaml:"roots,omitempty"`
}

// LoadServerConfig reads path; a missing file yields a zero-value config.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read server config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	return cfg, nil
}

// SaveServerConfig writes cfg to path.
func SaveServerConfig(path string, cfg *ServerConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal server config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write server config: %w", err)
	}
	return nil
}
