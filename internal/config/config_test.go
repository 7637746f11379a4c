package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig(RoleAggregator, "/home/user/.local/share/meshstat")
	original.Uplink.Archive = ArchiveConfig{Type: "s3", S3Bucket: "mesh-archive", S3Prefix: "agg/", S3Region: "eu-west-1"}
	original.Transport.BootstrapPeers = []string{"/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWExample"}
	original.Sync.MarkOnSend = true

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.Role != RoleAggregator {
		t.Errorf("Role = %q, want %q", got.Role, RoleAggregator)
	}
	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.Sync.Interval.Duration != 30*time.Second {
		t.Errorf("Sync.Interval = %v, want %v", got.Sync.Interval, 30*time.Second)
	}
	if !got.Sync.MarkOnSend {
		t.Error("Sync.MarkOnSend = false, want true")
	}
	if got.Discovery.StaleAfter.Duration != 5*time.Minute {
		t.Errorf("Discovery.StaleAfter = %v, want %v", got.Discovery.StaleAfter, 5*time.Minute)
	}
	if got.Uplink.Archive.Type != "s3" {
		t.Errorf("Uplink.Archive.Type = %q, want %q", got.Uplink.Archive.Type, "s3")
	}
	if got.Uplink.Archive.S3Bucket != "mesh-archive" {
		t.Errorf("Uplink.Archive.S3Bucket = %q, want %q", got.Uplink.Archive.S3Bucket, "mesh-archive")
	}
	if len(got.Transport.BootstrapPeers) != 1 {
		t.Fatalf("len(Transport.BootstrapPeers) = %d, want 1", len(got.Transport.BootstrapPeers))
	}
	if got.Encryption.PassphraseEnv != "MESHSTAT_PASSPHRASE" {
		t.Errorf("Encryption.PassphraseEnv = %q, want %q", got.Encryption.PassphraseEnv, "MESHSTAT_PASSPHRASE")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("", "/data/meshstat")

	if cfg.Role != RoleDevice {
		t.Errorf("Role = %q, want %q", cfg.Role, RoleDevice)
	}
	if cfg.LogDir != "/data/meshstat/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/meshstat/log")
	}
	if cfg.Identity.Dir != "/data/meshstat/identity" {
		t.Errorf("Identity.Dir = %q, want %q", cfg.Identity.Dir, "/data/meshstat/identity")
	}
	if cfg.Database.DataDir != "/data/meshstat/db" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/data/meshstat/db")
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("Sync.BatchSize = %d, want 50", cfg.Sync.BatchSize)
	}
	if cfg.Gossip.MaxPerKind != 100 {
		t.Errorf("Gossip.MaxPerKind = %d, want 100", cfg.Gossip.MaxPerKind)
	}
	if cfg.Retention.MaxAge.Duration != 30*24*time.Hour {
		t.Errorf("Retention.MaxAge = %v, want 720h", cfg.Retention.MaxAge)
	}
}

func TestDuration_Text(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"250ms", 250 * time.Millisecond, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalText(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, d.Duration, tt.want)
			}
		})
	}
}

func TestManager_Read_InvalidDuration(t *testing.T) {
	m := &Manager{}
	_, err := m.Read(strings.NewReader("[sync]\ninterval = \"often\"\n"))
	if err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "meshstat.toml")
		cfg := NewConfig(RoleDevice, dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "meshstat.toml")
		cfg := NewConfig(RoleDevice, dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "meshstat.toml")
		cfg := NewConfig(RoleAggregator, dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Role != RoleAggregator {
			t.Errorf("Role = %q, want %q", got.Role, RoleAggregator)
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want %q", got.Database.Type, "memory")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/meshstat.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
