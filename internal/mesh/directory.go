package mesh

import (
	"sort"
	"sync"
	"time"

	"meshstat/internal/model"
	"meshstat/internal/wire"
)

// DefaultStaleAfter is how long an aggregator stays selectable after its
// last beacon.
const DefaultStaleAfter = 5 * time.Minute

// Directory tracks aggregators heard from via beacons. Safe for concurrent use.
type Directory struct {
	clock      Clock
	staleAfter time.Duration
	events     *EventBus
	logger     Logger

	mu      sync.Mutex
	entries map[string]*model.AggregatorInfo
}

// NewDirectory creates an empty directory. A zero staleAfter uses
// DefaultStaleAfter.
func NewDirectory(clock Clock, staleAfter time.Duration, events *EventBus, logger Logger) *Directory {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Directory{
		clock:      clock,
		staleAfter: staleAfter,
		events:     events,
		logger:     logger,
		entries:    make(map[string]*model.AggregatorInfo),
	}
}

// HandleBeacon adds or refreshes the aggregator described by b, reachable at from.
func (d *Directory) HandleBeacon(from string, b *wire.AggregatorBeacon) {
	if b.AggregatorID == "" {
		return
	}
	now := d.clock.Now()

	d.mu.Lock()
	_, known := d.entries[b.AggregatorID]
	info := &model.AggregatorInfo{
		AggregatorID:         b.AggregatorID,
		Peer:                 from,
		Capacity:             b.Capacity,
		CurrentLoad:          b.CurrentLoad,
		LastInternetSyncTime: b.LastSyncTime,
		ProtocolVersion:      b.Version,
		LastSeen:             now,
	}
	d.entries[b.AggregatorID] = info
	d.mu.Unlock()

	if !known {
		d.logger.Info("aggregator discovered", "aggregator", b.AggregatorID, "peer", from, "load", b.CurrentLoad)
		snapshot := *info
		d.events.Publish(Event{Kind: EventAggregatorDiscovered, At: now, Aggregator: &snapshot, Peer: from})
	}
}

// Select returns the live aggregator with the lowest load, breaking ties by
// the lexicographically smallest ID. ok is false when none is live.
func (d *Directory) Select() (info model.AggregatorInfo, ok bool) {
	live := d.Live()
	if len(live) == 0 {
		return model.AggregatorInfo{}, false
	}
	return live[0], true
}

// Live returns the non-stale aggregators ordered by preference.
func (d *Directory) Live() []model.AggregatorInfo {
	now := d.clock.Now()

	d.mu.Lock()
	out := make([]model.AggregatorInfo, 0, len(d.entries))
	for _, info := range d.entries {
		if !info.Stale(now, d.staleAfter) {
			out = append(out, *info)
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentLoad != out[j].CurrentLoad {
			return out[i].CurrentLoad < out[j].CurrentLoad
		}
		return out[i].AggregatorID < out[j].AggregatorID
	})
	return out
}

// Get returns the entry for id, live or not.
func (d *Directory) Get(id string) (model.AggregatorInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.entries[id]
	if !ok {
		return model.AggregatorInfo{}, false
	}
	return *info, true
}

// Sweep evicts stale entries and returns their IDs.
func (d *Directory) Sweep() []string {
	now := d.clock.Now()

	d.mu.Lock()
	var evicted []*model.AggregatorInfo
	for id, info := range d.entries {
		if info.Stale(now, d.staleAfter) {
			evicted = append(evicted, info)
			delete(d.entries, id)
		}
	}
	d.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].AggregatorID < evicted[j].AggregatorID })
	ids := make([]string, len(evicted))
	for i, info := range evicted {
		ids[i] = info.AggregatorID
		d.logger.Info("aggregator lost", "aggregator", info.AggregatorID, "last_seen", info.LastSeen)
		d.events.Publish(Event{Kind: EventAggregatorLost, At: now, Aggregator: info, Peer: info.Peer})
	}
	return ids
}

// Len returns the number of tracked entries, including stale ones not yet swept.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
