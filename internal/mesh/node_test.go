package mesh_test

import (
	"context"
	"testing"
	"time"

	"meshstat/internal/archive"
	"meshstat/internal/identity"
	"meshstat/internal/mesh"
	"meshstat/internal/model"
	"meshstat/internal/testutil"
	"meshstat/internal/transport"
	"meshstat/internal/wire"
)

func TestNode_Handle(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	dir := mesh.NewDirectory(clock, 0, nil, nil)
	n := mesh.NewNode(mesh.NodeComponents{Role: mesh.RoleDevice, Directory: dir}, nil)

	t.Run("routes beacons to the directory", func(t *testing.T) {
		data, err := wire.Marshal(beacon("AGG", 2))
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if err := n.Handle(ctx, mesh.Packet{From: "peer-agg", Data: data}); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
		got, ok := dir.Get("AGG")
		if !ok || got.Peer != "peer-agg" {
			t.Errorf("directory entry = %+v, %v; want AGG via peer-agg", got, ok)
		}
	})

	t.Run("ignores frames for other roles", func(t *testing.T) {
		data, _ := wire.Marshal(&wire.DataRequest{RequestID: "r", RequesterID: "X"})
		if err := n.Handle(ctx, mesh.Packet{From: "x", Data: data}); err != nil {
			t.Errorf("Handle() error = %v, want nil", err)
		}
	})

	t.Run("rejects malformed frames", func(t *testing.T) {
		err := n.Handle(ctx, mesh.Packet{From: "x", Data: []byte{0xee, 1, 2}})
		if !wire.IsDecodeError(err) {
			t.Errorf("Handle() error = %v, want decode error", err)
		}
	})
}

func TestNode_Handle_Batches(t *testing.T) {
	ctx := context.Background()
	f := newCollectorFixture(t)
	n := mesh.NewNode(mesh.NodeComponents{Role: mesh.RoleAggregator, Collector: f.collector}, nil)
	now := f.clock.Now()

	tests := []struct {
		name string
		msg  wire.Message
		kind model.Kind
		id   string
	}{
		{"playback", &wire.PlaybackBatch{Timestamp: now, BatchID: "b-1", DeviceID: "dev",
			Records: []*model.PlaybackRecord{playback("p1", "dev", now)}}, model.KindPlayback, "p1"},
		{"sharing", &wire.SharingBatch{Timestamp: now, BatchID: "b-2", DeviceID: "dev",
			Records: []*model.SharingRecord{{RecordID: "s1", ContentID: "c1", SharerDeviceID: "dev", Timestamp: now}}}, model.KindSharing, "s1"},
		{"transfer", &wire.TransferBatch{Timestamp: now, BatchID: "b-3", DeviceID: "dev",
			Records: []*model.TransferRecord{{RecordID: "t1", ContentID: "c1", SourceDeviceID: "dev", Timestamp: now}}}, model.KindTransfer, "t1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := wire.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if err := n.Handle(ctx, mesh.Packet{From: "peer-dev", Data: data}); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := count(t, f.store, tt.kind); got != 1 {
				t.Errorf("stored %s = %d, want 1", tt.kind, got)
			}
			if got := f.acked(t); !equalIDs(got, []string{tt.id}) {
				t.Errorf("acked = %v, want [%s]", got, tt.id)
			}
			f.transport.Reset()
		})
	}
}

func TestNode_Run_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := testutil.FixedClock()
	hub := transport.NewMemoryHub()
	bus := mesh.NewEventBus()

	// Aggregator.
	aggStore := testutil.NewTestStore(t, clock)
	aggTransport := hub.Join("agg")
	agg := mesh.NewNode(mesh.NodeComponents{
		Role:              mesh.RoleAggregator,
		Transport:         aggTransport,
		Collector:         mesh.NewCollector("AGG", aggStore, identity.Verifier{}, aggTransport, clock, bus, nil),
		Beacon:            mesh.NewBeacon("AGG", 1000, aggStore, nil, aggTransport, clock),
		DiscoveryInterval: 10 * time.Millisecond,
		UplinkInterval:    time.Hour,
		RetentionInterval: time.Hour,
	}, nil)

	// Device.
	devStore := testutil.NewTestStore(t, clock)
	devTransport := hub.Join("dev")
	signer := testutil.NewStaticSigner("dev-1")
	dir := mesh.NewDirectory(clock, 0, bus, nil)
	engine := mesh.NewSyncEngine(devStore, devTransport, dir, signer, clock, testutil.NewStubIDGenerator(), bus, nil,
		mesh.SyncOptions{Interval: time.Hour})
	dev := mesh.NewNode(mesh.NodeComponents{
		Role:              mesh.RoleDevice,
		Transport:         devTransport,
		Directory:         dir,
		Engine:            engine,
		DiscoveryInterval: time.Hour,
	}, nil)

	recorder := mesh.NewRecorder(devStore, signer, testutil.NewStubIDGenerator(), clock, nil, nil)
	for i := 0; i < 3; i++ {
		if err := recorder.RecordPlayback(ctx, &model.PlaybackRecord{ContentID: "c1", DurationPlayed: 45, TrackDuration: 180, Context: model.UnknownContext()}); err != nil {
			t.Fatalf("RecordPlayback() error = %v", err)
		}
	}
	if _, err := recorder.RecordTrack(ctx, &model.TrackMetadata{ContentID: "c1", Title: "Song"}); err != nil {
		t.Fatalf("RecordTrack() error = %v", err)
	}

	done := make(chan error, 2)
	go func() { done <- agg.Run(ctx) }()
	go func() { done <- dev.Run(ctx) }()

	eventually(t, "aggregator discovery", func() bool { return dir.Len() == 1 })
	engine.Trigger()

	eventually(t, "device records acknowledged", func() bool {
		c, err := devStore.PendingCounts(ctx)
		return err == nil && c.Total() == 0
	})
	if got := count(t, aggStore, model.KindPlayback); got != 3 {
		t.Errorf("aggregator playback = %d, want 3", got)
	}
	if got := pending(t, aggStore, model.KindTrack); got != 1 {
		t.Errorf("aggregator metadata pending uplink = %d, want 1", got)
	}
	key, err := aggStore.DeviceKey(ctx, "dev-1")
	if err != nil || key == nil {
		t.Fatalf("DeviceKey() = %v, %v; want registered key", key, err)
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return after cancel")
		}
	}
}

func TestNode_Run_AggregatorGossipAndUplink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := testutil.FixedClock()
	hub := transport.NewMemoryHub()
	arc := archive.NewMemoryArchive()

	newAgg := func(id string) (mesh.Store, *mesh.Node) {
		store := testutil.NewTestStore(t, clock)
		tr := hub.Join("addr-" + id)
		idgen := &testutil.StubIDGenerator{Prefix: id}
		return store, mesh.NewNode(mesh.NodeComponents{
			Role:              mesh.RoleAggregator,
			Transport:         tr,
			Gossip:            mesh.NewGossip(id, store, tr, clock, idgen, nil, nil, mesh.GossipOptions{Interval: 20 * time.Millisecond}),
			Uplink:            mesh.NewUplink(id, store, arc, clock, idgen, nil, nil, 0),
			DiscoveryInterval: time.Hour,
			UplinkInterval:    20 * time.Millisecond,
			RetentionInterval: time.Hour,
		}, nil)
	}

	storeA, nodeA := newAgg("A")
	storeB, nodeB := newAgg("B")
	insertPlaybacks(t, storeA, clock, "p", 4)

	go nodeA.Run(ctx)
	go nodeB.Run(ctx)

	eventually(t, "gossip reaching B", func() bool {
		n, err := storeB.Count(ctx, model.KindPlayback)
		return err == nil && n == 4
	})
	eventually(t, "A uplinked", func() bool {
		c, err := storeA.PendingCounts(ctx)
		return err == nil && c.Total() == 0
	})
	if got := pending(t, storeB, model.KindPlayback); got != 0 {
		t.Errorf("B pending = %d, want 0 for gossiped records", got)
	}
}
