// Package config holds the external configuration surface of a node, as
// enumerated in spec.md §6: DHT and chunk-transfer bind addresses, the
// CAS storage root, bootstrap contacts, and the tunable protocol
// parameters (k, alpha, chunk size, parity count, timeouts, download
// concurrency). Follows the teacher's DefaultConfig()/JSON-file
// persistence shape (content.DefaultConfig, dht.Bootstrap seed files).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BootstrapContact is a known peer endpoint used to join the DHT.
type BootstrapContact struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// Config is the full external configuration of a node.
type Config struct {
	DHTBindIP   string `json:"dht_bind_ip"`
	DHTBindPort uint16 `json:"dht_bind_port"`

	TCPBindIP   string `json:"tcp_bind_ip"`
	TCPBindPort uint16 `json:"tcp_bind_port"`

	StorageDir string `json:"storage_dir"`

	Bootstrap []BootstrapContact `json:"bootstrap"`

	K     int `json:"k"`
	Alpha int `json:"alpha"`

	ChunkSize uint32 `json:"chunk_size"`
	M         int    `json:"m"`

	RPCTimeoutMS int `json:"rpc_timeout_ms"`

	DownloadMaxConcurrency         int `json:"download_max_concurrency"`
	DownloadPerConnectionTimeoutMS int `json:"download_per_connection_timeout_ms"`
	DownloadMaxRetriesPerChunk     int `json:"download_max_retries_per_chunk"`

	BucketRefreshIntervalS int `json:"bucket_refresh_interval_s"`

	LogDevelopment bool `json:"log_development"`
}

// DefaultConfig returns a configuration populated with every default
// named in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		DHTBindIP:   "0.0.0.0",
		DHTBindPort: 9700,

		TCPBindIP:   "0.0.0.0",
		TCPBindPort: 9701,

		StorageDir: "./cas-store",

		Bootstrap: nil,

		K:     20,
		Alpha: 3,

		ChunkSize: 65536,
		M:         1,

		RPCTimeoutMS: 5000,

		DownloadMaxConcurrency:         5,
		DownloadPerConnectionTimeoutMS: 30000,
		DownloadMaxRetriesPerChunk:     3,

		BucketRefreshIntervalS: 3600,

		LogDevelopment: false,
	}
}

// RPCTimeout returns RPCTimeoutMS as a time.Duration.
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMS) * time.Millisecond
}

// DownloadPerConnectionTimeout returns DownloadPerConnectionTimeoutMS as a
// time.Duration.
func (c *Config) DownloadPerConnectionTimeout() time.Duration {
	return time.Duration(c.DownloadPerConnectionTimeoutMS) * time.Millisecond
}

// BucketRefreshInterval returns BucketRefreshIntervalS as a time.Duration.
func (c *Config) BucketRefreshInterval() time.Duration {
	return time.Duration(c.BucketRefreshIntervalS) * time.Second
}

// DHTAddr returns the "ip:port" form of the DHT UDP bind address.
func (c *Config) DHTAddr() string {
	return fmt.Sprintf("%s:%d", c.DHTBindIP, c.DHTBindPort)
}

// TCPAddr returns the "ip:port" form of the chunk-transfer TCP bind
// address.
func (c *Config) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.TCPBindIP, c.TCPBindPort)
}

// LoadFile reads and parses a JSON configuration file, starting from
// DefaultConfig so that any field the file omits keeps its default.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
