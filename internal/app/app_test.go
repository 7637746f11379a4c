package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshstat/internal/config"
	"meshstat/internal/content"
	"meshstat/internal/model"
	"meshstat/internal/transport"
)

func testConfig(t *testing.T, role string) *config.Config {
	t.Helper()
	cfg := config.NewConfig(role, t.TempDir())
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Encryption.Type = "test"
	cfg.Transport = config.TransportConfig{Type: "memory"}
	cfg.Uplink.Archive = config.ArchiveConfig{Type: "memory"}
	cfg.Discovery.Interval = config.D(20 * time.Millisecond)
	cfg.Sync.Interval = config.D(20 * time.Millisecond)
	cfg.Sync.BatchDelay = config.D(0)
	cfg.Gossip.Interval = config.D(20 * time.Millisecond)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, hub *transport.MemoryHub) *MeshApp {
	t.Helper()
	a, err := NewMeshApp(cfg, "Test", Options{Hub: hub, LogLevel: slog.LevelError})
	if err != nil {
		t.Fatalf("NewMeshApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runNode starts RunNode in the background and stops it at cleanup.
func runNode(t *testing.T, a *MeshApp) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.RunNode(ctx); err != nil {
			t.Errorf("RunNode() error = %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestNewMeshApp_UnknownDatabase(t *testing.T) {
	cfg := testConfig(t, config.RoleDevice)
	cfg.Database.Type = "postgres"
	if _, err := NewMeshApp(cfg, "Test", Options{}); err == nil {
		t.Error("NewMeshApp() expected error for unknown database type")
	}
}

func TestMeshApp_InitIdentity(t *testing.T) {
	cfg := testConfig(t, config.RoleDevice)
	a := newTestApp(t, cfg, nil)

	if _, err := a.ShowIdentity(); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("ShowIdentity() before init error = %v, want %v", err, ErrNoIdentity)
	}

	info, err := a.InitIdentity()
	if err != nil {
		t.Fatalf("InitIdentity() error = %v", err)
	}
	if len(info.DeviceID) != 64 {
		t.Errorf("DeviceID = %q, want 64 hex chars", info.DeviceID)
	}
	if len(info.PublicKey) != 32 {
		t.Errorf("len(PublicKey) = %d, want 32", len(info.PublicKey))
	}

	again, err := a.ShowIdentity()
	if err != nil {
		t.Fatalf("ShowIdentity() error = %v", err)
	}
	if again.DeviceID != info.DeviceID {
		t.Errorf("DeviceID changed: %q, want %q", again.DeviceID, info.DeviceID)
	}
}

func TestMeshApp_RecordAndStats(t *testing.T) {
	cfg := testConfig(t, config.RoleDevice)
	a := newTestApp(t, cfg, nil)
	ctx := context.Background()

	rec := a.Recorder()
	for i := 0; i < 3; i++ {
		if err := rec.RecordPlayback(ctx, &model.PlaybackRecord{ContentID: "song", PlayPercentage: 0.5, DurationPlayed: 60}); err != nil {
			t.Fatalf("RecordPlayback() error = %v", err)
		}
	}

	stats, err := a.Stats(ctx, 5)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Counts.Playback != 3 {
		t.Errorf("Counts.Playback = %d, want 3", stats.Counts.Playback)
	}
	if stats.Pending.Playback != 3 {
		t.Errorf("Pending.Playback = %d, want 3", stats.Pending.Playback)
	}
	if len(stats.Top) != 1 || stats.Top[0].ContentID != "song" {
		t.Errorf("Top = %v, want one entry for song", stats.Top)
	}

	pending, err := a.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending.Playback != 3 {
		t.Errorf("Pending().Playback = %d, want 3", pending.Playback)
	}

	removed, err := a.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed.Playback != 0 {
		t.Errorf("Prune() removed %d pending records, want 0", removed.Playback)
	}
}

func TestMeshApp_Identify(t *testing.T) {
	cfg := testConfig(t, config.RoleDevice)
	a := newTestApp(t, cfg, nil)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "noise.mp3")
	if err := os.WriteFile(path, []byte("not really audio, hashed whole"), 0644); err != nil {
		t.Fatal(err)
	}

	res, stored, err := a.Identify(ctx, content.AudioSource{Path: path}, false)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if stored {
		t.Error("Identify(record=false) stored metadata")
	}
	if len(res.ContentID) != content.IDLength {
		t.Errorf("ContentID = %q, want %d hex chars", res.ContentID, content.IDLength)
	}

	res2, stored, err := a.Identify(ctx, content.AudioSource{Path: path}, true)
	if err != nil {
		t.Fatalf("Identify(record) error = %v", err)
	}
	if !stored {
		t.Error("Identify(record) stored = false, want true")
	}
	if res2.ContentID != res.ContentID {
		t.Errorf("ContentID = %q, want %q", res2.ContentID, res.ContentID)
	}

	if _, stored, _ = a.Identify(ctx, content.AudioSource{Path: path}, true); stored {
		t.Error("second Identify(record) stored = true, want false")
	}

	if _, _, err := a.Identify(ctx, content.AudioSource{Path: filepath.Join(t.TempDir(), "missing.mp3")}, false); err == nil {
		t.Error("Identify() expected error for missing file")
	}
	if a.op.Status != "error" {
		t.Errorf("operation status = %q, want error", a.op.Status)
	}
}

func TestMeshApp_Identify_Hints(t *testing.T) {
	cfg := testConfig(t, config.RoleDevice)
	a := newTestApp(t, cfg, nil)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "untagged.mp3")
	if err := os.WriteFile(path, []byte("untagged audio bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		src      content.AudioSource
		fromHash bool
	}{
		{"no hints", content.AudioSource{Path: path}, true},
		{"duration without title", content.AudioSource{Path: path, Duration: 225 * time.Second}, true},
		{"title without duration", content.AudioSource{Path: path, Title: "Song"}, true},
		{"title and duration", content.AudioSource{Path: path, Title: "Song", Duration: 225 * time.Second}, false},
		{"all hints", content.AudioSource{Path: path, Title: "Song", Artist: "Band", Album: "LP", Duration: 225 * time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _, err := a.Identify(ctx, tt.src, false)
			if err != nil {
				t.Fatalf("Identify() error = %v", err)
			}
			if res.FromContentHash != tt.fromHash {
				t.Errorf("Identify().FromContentHash = %v, want %v", res.FromContentHash, tt.fromHash)
			}
			if !tt.fromHash && res.Metadata.Duration != tt.src.Duration {
				t.Errorf("Identify().Metadata.Duration = %v, want %v", res.Metadata.Duration, tt.src.Duration)
			}
		})
	}

	t.Run("recorded metadata keeps the hints", func(t *testing.T) {
		src := content.AudioSource{Path: path, Title: "Song", Artist: "Band", Duration: 225 * time.Second}
		res, stored, err := a.Identify(ctx, src, true)
		if err != nil {
			t.Fatalf("Identify() error = %v", err)
		}
		if !stored {
			t.Fatal("Identify(record) stored = false, want true")
		}
		tracks, err := a.Store().All(ctx, model.KindTrack, 0)
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		if len(tracks) != 1 {
			t.Fatalf("len(tracks) = %d, want 1", len(tracks))
		}
		got := tracks[0].(*model.TrackMetadata)
		if got.ContentID != res.ContentID || got.Title != "Song" || got.Artist != "Band" {
			t.Errorf("track = %s %q by %q, want %s \"Song\" by \"Band\"", got.ContentID, got.Title, got.Artist, res.ContentID)
		}
	})
}

func TestMeshApp_Backup(t *testing.T) {
	cfg := testConfig(t, config.RoleDevice)
	a := newTestApp(t, cfg, nil)

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := a.Backup(dest); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}

func TestMeshApp_RunNode_UnknownRole(t *testing.T) {
	cfg := testConfig(t, "relay")
	a := newTestApp(t, cfg, transport.NewMemoryHub())
	if err := a.RunNode(context.Background()); err == nil {
		t.Error("RunNode() expected error for unknown role")
	}
}

func TestMeshApp_DeviceSyncsToAggregator(t *testing.T) {
	hub := transport.NewMemoryHub()
	ctx := context.Background()

	agg := newTestApp(t, testConfig(t, config.RoleAggregator), hub)
	dev := newTestApp(t, testConfig(t, config.RoleDevice), hub)

	aggInfo, err := agg.InitIdentity()
	if err != nil {
		t.Fatalf("InitIdentity() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := dev.Recorder().RecordPlayback(ctx, &model.PlaybackRecord{ContentID: "song", PlayPercentage: 1}); err != nil {
			t.Fatalf("RecordPlayback() error = %v", err)
		}
	}

	runNode(t, agg)

	live, err := dev.Aggregators(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Aggregators() error = %v", err)
	}
	if len(live) != 1 || live[0].AggregatorID != aggInfo.DeviceID {
		t.Fatalf("Aggregators() = %v, want %s", live, aggInfo.DeviceID)
	}

	runNode(t, dev)

	waitUntil(t, "device pending to drain", func() bool {
		p, err := dev.Pending(ctx)
		return err == nil && p.Playback == 0
	})
	waitUntil(t, "aggregator to store playback", func() bool {
		c, err := agg.Store().Count(ctx, model.KindPlayback)
		return err == nil && c == 2
	})
}
