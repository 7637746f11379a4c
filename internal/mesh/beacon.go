package mesh

import (
	"context"
	"fmt"
	"math"
	"time"

	"meshstat/internal/wire"
)

// ProtocolVersion is advertised in aggregator beacons.
const ProtocolVersion = 1

// LastSyncer reports when an aggregator last reached the internet.
type LastSyncer interface {
	LastSync() time.Time
}

// Beacon builds and broadcasts this aggregator's AggregatorBeacon.
type Beacon struct {
	id        string
	capacity  uint32
	store     Store
	uplink    LastSyncer
	transport Transport
	clock     Clock
}

// NewBeacon creates a beacon publisher. uplink may be nil, in which case
// the last sync time is advertised as unknown.
func NewBeacon(id string, capacity uint32, store Store, uplink LastSyncer, transport Transport, clock Clock) *Beacon {
	return &Beacon{id: id, capacity: capacity, store: store, uplink: uplink, transport: transport, clock: clock}
}

// Message returns the beacon for the current state. Load is the number of
// records waiting for uplink.
func (b *Beacon) Message(ctx context.Context) (*wire.AggregatorBeacon, error) {
	pending, err := b.store.PendingCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting pending records: %w", err)
	}
	var last time.Time
	if b.uplink != nil {
		last = b.uplink.LastSync()
	}
	return &wire.AggregatorBeacon{
		Timestamp:    b.clock.Now(),
		AggregatorID: b.id,
		Capacity:     b.capacity,
		CurrentLoad:  clampU32(pending.Total()),
		LastSyncTime: last,
		Version:      ProtocolVersion,
	}, nil
}

// Broadcast sends the current beacon to every peer in range.
func (b *Beacon) Broadcast(ctx context.Context) error {
	msg, err := b.Message(ctx)
	if err != nil {
		return err
	}
	data, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding beacon: %w", err)
	}
	return b.transport.Broadcast(ctx, data)
}

func clampU32(n int64) uint32 {
	if n < 0 {
		return 0
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}
