package mesh_test

import (
	"context"
	"testing"
	"time"

	"meshstat/internal/mesh"
	"meshstat/internal/model"
	"meshstat/internal/testutil"
	"meshstat/internal/wire"
)

type gossipPeer struct {
	id        string
	store     mesh.Store
	transport *testutil.RecordingTransport
	gossip    *mesh.Gossip
}

func newGossipPeer(t *testing.T, id string, clock *testutil.StubClock, bus *mesh.EventBus, opts mesh.GossipOptions) *gossipPeer {
	t.Helper()
	p := &gossipPeer{
		id:        id,
		store:     testutil.NewTestStore(t, clock),
		transport: testutil.NewRecordingTransport("addr-" + id),
	}
	p.gossip = mesh.NewGossip(id, p.store, p.transport, clock, &testutil.StubIDGenerator{Prefix: id}, bus, nil, opts)
	return p
}

// last decodes the most recent frame sent by p and resets its transport.
func (p *gossipPeer) last(t *testing.T) (testutil.Frame, wire.Message) {
	t.Helper()
	frames := p.transport.Frames()
	if len(frames) == 0 {
		t.Fatalf("%s sent nothing", p.id)
	}
	msgs := p.transport.Messages(t)
	p.transport.Reset()
	return frames[len(frames)-1], msgs[len(msgs)-1]
}

func TestGossip_Exchange(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	bus := mesh.NewEventBus()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	a := newGossipPeer(t, "A", clock, bus, mesh.GossipOptions{})
	b := newGossipPeer(t, "B", clock, bus, mesh.GossipOptions{})

	shared := insertPlaybacks(t, a.store, clock, "p", 3)
	if _, err := a.store.Insert(ctx, track("c1", clock.Now())); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := b.store.Insert(ctx, shared[0]); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	insertPlaybacks(t, b.store, clock, "b", 1)
	clock.Advance(time.Second)

	if err := a.gossip.Announce(ctx); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	fr, msg := a.last(t)
	ann, ok := msg.(*wire.Announcement)
	if !ok || fr.To != "" {
		t.Fatalf("Announce() sent %T to %q, want broadcast *wire.Announcement", msg, fr.To)
	}
	if ann.PlaybackCount != 3 || ann.MetadataCount != 1 {
		t.Errorf("Announcement counts = %d playback / %d metadata, want 3 / 1", ann.PlaybackCount, ann.MetadataCount)
	}

	if err := b.gossip.HandleAnnouncement(ctx, a.transport.Addr, ann); err != nil {
		t.Fatalf("HandleAnnouncement() error = %v", err)
	}
	fr, msg = b.last(t)
	req, ok := msg.(*wire.DataRequest)
	if !ok || fr.To != a.transport.Addr {
		t.Fatalf("HandleAnnouncement() sent %T to %q, want *wire.DataRequest to %q", msg, fr.To, a.transport.Addr)
	}
	if req.Since != nil {
		t.Errorf("first DataRequest Since = %v, want nil", req.Since)
	}

	if err := a.gossip.HandleRequest(ctx, b.transport.Addr, req); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	fr, msg = a.last(t)
	bundle, ok := msg.(*wire.DataBundle)
	if !ok || fr.To != b.transport.Addr {
		t.Fatalf("HandleRequest() sent %T to %q, want *wire.DataBundle to %q", msg, fr.To, b.transport.Addr)
	}
	if bundle.Bundle.Len() != 4 || bundle.Bundle.Source != "A" {
		t.Errorf("bundle = %d records from %q, want 4 from A", bundle.Bundle.Len(), bundle.Bundle.Source)
	}

	if err := b.gossip.HandleBundle(ctx, a.transport.Addr, bundle); err != nil {
		t.Fatalf("HandleBundle() error = %v", err)
	}
	if got := count(t, b.store, model.KindPlayback); got != 4 {
		t.Errorf("B playback = %d, want 4", got)
	}
	if got := count(t, b.store, model.KindTrack); got != 1 {
		t.Errorf("B metadata = %d, want 1", got)
	}
	if got := pending(t, b.store, model.KindPlayback); got != 2 {
		t.Errorf("B pending playback = %d, want 2", got)
	}
	e := waitFor(t, events, func(e mesh.Event) bool { return e.Kind == mesh.EventGossipMerged })
	if e.Records != 3 || e.Peer != "A" {
		t.Errorf("merge event = %d records from %q, want 3 from A", e.Records, e.Peer)
	}

	mark, err := b.store.PeerSyncTime(ctx, "A")
	if err != nil {
		t.Fatalf("PeerSyncTime() error = %v", err)
	}
	if !mark.Equal(bundle.Bundle.CreatedAt) {
		t.Errorf("PeerSyncTime() = %v, want %v", mark, bundle.Bundle.CreatedAt)
	}

	t.Run("seen bundle is skipped", func(t *testing.T) {
		if err := b.gossip.HandleBundle(ctx, a.transport.Addr, bundle); err != nil {
			t.Fatalf("HandleBundle() error = %v", err)
		}
		if got := drain(events); len(got) != 0 {
			t.Errorf("got %d events for a seen bundle, want 0", len(got))
		}
	})

	t.Run("next request resumes from the mark", func(t *testing.T) {
		clock.Advance(time.Second)
		ann := &wire.Announcement{AggregatorID: "A", PlaybackCount: 10}
		if err := b.gossip.HandleAnnouncement(ctx, a.transport.Addr, ann); err != nil {
			t.Fatalf("HandleAnnouncement() error = %v", err)
		}
		_, msg := b.last(t)
		req := msg.(*wire.DataRequest)
		if req.Since == nil || !req.Since.Equal(mark) {
			t.Fatalf("DataRequest Since = %v, want %v", req.Since, mark)
		}

		if err := a.gossip.HandleRequest(ctx, b.transport.Addr, req); err != nil {
			t.Fatalf("HandleRequest() error = %v", err)
		}
		_, msg = a.last(t)
		if n := msg.(*wire.DataBundle).Bundle.Len(); n != 0 {
			t.Errorf("bundle after mark has %d records, want 0", n)
		}
	})
}

func TestGossip_HandleAnnouncement_NotBehind(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	p := newGossipPeer(t, "B", clock, nil, mesh.GossipOptions{})
	insertPlaybacks(t, p.store, clock, "p", 2)

	tests := []struct {
		name string
		ann  *wire.Announcement
	}{
		{"equal counts", &wire.Announcement{AggregatorID: "A", PlaybackCount: 2}},
		{"fewer records", &wire.Announcement{AggregatorID: "A", PlaybackCount: 1}},
		{"own announcement", &wire.Announcement{AggregatorID: "B", PlaybackCount: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.gossip.HandleAnnouncement(ctx, "addr-A", tt.ann); err != nil {
				t.Fatalf("HandleAnnouncement() error = %v", err)
			}
			if n := len(p.transport.Frames()); n != 0 {
				t.Errorf("sent %d frames, want 0", n)
			}
		})
	}
}

func TestGossip_Bundle_Truncated(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	p := newGossipPeer(t, "A", clock, nil, mesh.GossipOptions{MaxPerKind: 2})
	insertPlaybacks(t, p.store, clock, "p", 3)

	first, err := p.gossip.Bundle(ctx, nil)
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	if len(first.Playback) != 2 {
		t.Fatalf("first bundle has %d playback records, want 2", len(first.Playback))
	}
	if !first.CreatedAt.Equal(first.Playback[1].StoredAt) {
		t.Errorf("CreatedAt = %v, want last stored record %v", first.CreatedAt, first.Playback[1].StoredAt)
	}

	second, err := p.gossip.Bundle(ctx, &first.CreatedAt)
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	if len(second.Playback) != 1 || second.Playback[0].RecordID != "p-002" {
		t.Errorf("second bundle playback = %v, want [p-002]", second.Playback)
	}
}

// pull runs one request/bundle round from dst to src, resuming from dst's
// recorded sync time for src. It returns the number of records received.
func pull(t *testing.T, dst, src *gossipPeer) int {
	t.Helper()
	ctx := context.Background()
	req := &wire.DataRequest{RequestID: "req", RequesterID: dst.id}
	mark, err := dst.store.PeerSyncTime(ctx, src.id)
	if err != nil {
		t.Fatalf("PeerSyncTime() error = %v", err)
	}
	if !mark.IsZero() {
		req.Since = &mark
	}
	if err := src.gossip.HandleRequest(ctx, dst.transport.Addr, req); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	_, msg := src.last(t)
	bundle := msg.(*wire.DataBundle)
	if err := dst.gossip.HandleBundle(ctx, src.transport.Addr, bundle); err != nil {
		t.Fatalf("HandleBundle() error = %v", err)
	}
	return bundle.Bundle.Len()
}

func TestGossip_MergedRecordsRelay(t *testing.T) {
	tests := []struct {
		name   string
		merged int
		local  int
	}{
		{"one full bundle merged", 100, 50},
		{"several bundles merged", 250, 50},
		{"merged only", 120, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := testutil.FixedClock()
			y := newGossipPeer(t, "Y", clock, nil, mesh.GossipOptions{})
			x := newGossipPeer(t, "X", clock, nil, mesh.GossipOptions{})
			z := newGossipPeer(t, "Z", clock, nil, mesh.GossipOptions{})

			insertPlaybacks(t, y.store, clock, "y", tt.merged)
			for round := 0; round < 10; round++ {
				if pull(t, x, y) == 0 {
					break
				}
			}
			if got := count(t, x.store, model.KindPlayback); got != int64(tt.merged) {
				t.Fatalf("X playback = %d, want %d", got, tt.merged)
			}
			insertPlaybacks(t, x.store, clock, "x", tt.local)

			want := tt.merged + tt.local
			rounds := 0
			for ; rounds < 10; rounds++ {
				if pull(t, z, x) == 0 {
					break
				}
			}
			if got := count(t, z.store, model.KindPlayback); got != int64(want) {
				t.Errorf("Z playback = %d, want %d", got, want)
			}
			if max := want/100 + 2; rounds >= max {
				t.Errorf("Z needed %d rounds, want fewer than %d", rounds, max)
			}
		})
	}
}

func TestGossip_HandleBundle_IgnoresOwn(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	p := newGossipPeer(t, "A", clock, nil, mesh.GossipOptions{})

	own := &wire.DataBundle{Bundle: model.Bundle{ID: "x", Source: "A", Playback: []*model.PlaybackRecord{playback("p", "d", clock.Now())}}}
	if err := p.gossip.HandleBundle(ctx, "addr-A", own); err != nil {
		t.Fatalf("HandleBundle() error = %v", err)
	}
	if got := count(t, p.store, model.KindPlayback); got != 0 {
		t.Errorf("stored %d records from own bundle, want 0", got)
	}
}
