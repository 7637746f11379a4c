package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Role selects which components a node runs.
const (
	RoleDevice     = "device"
	RoleAggregator = "aggregator"
)

// Config represents the main configuration for meshstat.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Role       string           `toml:"role"` // "device" (default) or "aggregator"
	Identity   IdentityConfig   `toml:"identity"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Sync       SyncConfig       `toml:"sync"`
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Gossip     GossipConfig     `toml:"gossip"`
	Uplink     UplinkConfig     `toml:"uplink"`
	Retention  RetentionConfig  `toml:"retention"`
	Transport  TransportConfig  `toml:"transport"`
}

// IdentityConfig locates the device identity files.
type IdentityConfig struct {
	Dir string `toml:"dir"`
}

// EncryptionConfig controls how the signing key is sealed at rest.
type EncryptionConfig struct {
	Type             string `toml:"type"`                         // "age" (default) or "test"
	PassphraseEnv    string `toml:"passphrase_env"`               // env var holding the passphrase
	ScryptWorkFactor int    `toml:"scrypt_work_factor,omitempty"` // 0 keeps the age default
}

// DatabaseConfig represents configuration for the record store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// SyncConfig tunes the device-side sync engine.
type SyncConfig struct {
	Interval       Duration `toml:"interval"`
	BatchSize      int      `toml:"batch_size"`
	BatchDelay     Duration `toml:"batch_delay"`
	PendingTrigger int      `toml:"pending_trigger"`
	// MarkOnSend marks records synced as soon as a batch is sent instead of
	// waiting for an acknowledgement.
	MarkOnSend bool `toml:"mark_on_send"`
}

// DiscoveryConfig tunes aggregator discovery.
type DiscoveryConfig struct {
	Interval   Duration `toml:"interval"`
	StaleAfter Duration `toml:"stale_after"`
	Capacity   uint32   `toml:"capacity"` // advertised when role=aggregator
}

// GossipConfig tunes aggregator-to-aggregator exchange.
type GossipConfig struct {
	Interval       Duration `toml:"interval"`
	MaxPerKind     int      `toml:"max_per_kind"`
	BloomCapacity  uint     `toml:"bloom_capacity"`
	BloomFalseRate float64  `toml:"bloom_false_rate"`
}

// UplinkConfig controls how an aggregator ships collected records off the mesh.
type UplinkConfig struct {
	Interval Duration      `toml:"interval"`
	MaxBatch int           `toml:"max_batch"`
	Archive  ArchiveConfig `toml:"archive"`
}

// ArchiveConfig represents configuration for an archive backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`
	// S3Endpoint overrides the AWS endpoint for S3-compatible stores.
	S3Endpoint     string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID  string `toml:"s3_access_key_id,omitempty"`
	S3SecretKeyEnv string `toml:"s3_secret_key_env,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// RetentionConfig controls deletion of old synced records.
type RetentionConfig struct {
	Interval Duration `toml:"interval"`
	MaxAge   Duration `toml:"max_age"`
}

// TransportConfig represents configuration for the mesh transport.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type TransportConfig struct {
	Type string `toml:"type"` // "libp2p" or "memory"

	// libp2p-specific fields
	ListenAddrs    []string `toml:"listen_addrs,omitempty"`
	BootstrapPeers []string `toml:"bootstrap_peers,omitempty"`
	ProtocolID     string   `toml:"protocol_id,omitempty"`
	MDNS           bool     `toml:"mdns"`
}

// Duration is a time.Duration that reads and writes as a string like "30s".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(role, baseDir string) *Config {
	if role == "" {
		role = RoleDevice
	}
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Role:     role,
		Identity: IdentityConfig{Dir: filepath.Join(baseDir, "identity")},
		Encryption: EncryptionConfig{
			Type:          "age",
			PassphraseEnv: "MESHSTAT_PASSPHRASE",
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Sync: SyncConfig{
			Interval:       D(30 * time.Second),
			BatchSize:      50,
			BatchDelay:     D(100 * time.Millisecond),
			PendingTrigger: 50,
		},
		Discovery: DiscoveryConfig{
			Interval:   D(30 * time.Second),
			StaleAfter: D(5 * time.Minute),
			Capacity:   1000,
		},
		Gossip: GossipConfig{
			Interval:       D(time.Minute),
			MaxPerKind:     100,
			BloomCapacity:  10000,
			BloomFalseRate: 0.01,
		},
		Uplink: UplinkConfig{
			Interval: D(5 * time.Minute),
			MaxBatch: 500,
			Archive:  ArchiveConfig{Type: "filesystem", FSRoot: filepath.Join(baseDir, "archive")},
		},
		Retention: RetentionConfig{
			Interval: D(24 * time.Hour),
			MaxAge:   D(30 * 24 * time.Hour),
		},
		Transport: TransportConfig{
			Type:        "libp2p",
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
			ProtocolID:  "/meshstat/1.0.0",
			MDNS:        true,
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
