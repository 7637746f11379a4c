package mesh_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"meshstat/internal/mesh"
	"meshstat/internal/model"
	"meshstat/internal/testutil"
)

func playback(id, device string, ts time.Time) *model.PlaybackRecord {
	return &model.PlaybackRecord{
		RecordID:       id,
		ContentID:      "content-" + id,
		DeviceID:       device,
		Timestamp:      ts,
		DurationPlayed: 60,
		TrackDuration:  200,
		PlayPercentage: 0.3,
		Source:         model.SourceLocal,
		Context:        model.UnknownContext(),
	}
}

func track(contentID string, firstSeen time.Time) *model.TrackMetadata {
	return &model.TrackMetadata{
		ContentID: contentID,
		Title:     "Title " + contentID,
		Artist:    "Artist",
		Duration:  200,
		FirstSeen: firstSeen,
	}
}

// insertPlaybacks stores n playback records one second apart, advancing
// clock between inserts so stored_at is strictly increasing.
func insertPlaybacks(t *testing.T, store mesh.Store, clock *testutil.StubClock, prefix string, n int) []*model.PlaybackRecord {
	t.Helper()
	base := clock.Now()
	recs := make([]*model.PlaybackRecord, n)
	for i := range recs {
		recs[i] = playback(fmt.Sprintf("%s-%03d", prefix, i), "dev-1", base.Add(time.Duration(i)*time.Second))
		if _, err := store.Insert(context.Background(), recs[i]); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		clock.Advance(time.Millisecond)
	}
	return recs
}

// drain collects every event currently buffered on ch.
func drain(ch <-chan mesh.Event) []mesh.Event {
	var out []mesh.Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func waitFor(t *testing.T, ch <-chan mesh.Event, match func(mesh.Event) bool) mesh.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return mesh.Event{}
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pending(t *testing.T, store mesh.Store, kind model.Kind) int64 {
	t.Helper()
	n, err := store.CountPending(context.Background(), kind)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	return n
}

func count(t *testing.T, store mesh.Store, kind model.Kind) int64 {
	t.Helper()
	n, err := store.Count(context.Background(), kind)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	return n
}
