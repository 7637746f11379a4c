package mesh

import (
	"sync"
	"time"

	"meshstat/internal/model"
)

// SyncState is the sync engine's externally visible state.
type SyncState int

const (
	StateIdle SyncState = iota
	StateDiscovering
	StateSyncing
	StateSuccess
	StateError
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateSyncing:
		return "syncing"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventSyncState EventKind = iota
	EventAggregatorDiscovered
	EventAggregatorLost
	EventGossipMerged
	EventUplinkCompleted
	EventRecordsRejected
)

func (k EventKind) String() string {
	switch k {
	case EventSyncState:
		return "sync_state"
	case EventAggregatorDiscovered:
		return "aggregator_discovered"
	case EventAggregatorLost:
		return "aggregator_lost"
	case EventGossipMerged:
		return "gossip_merged"
	case EventUplinkCompleted:
		return "uplink_completed"
	case EventRecordsRejected:
		return "records_rejected"
	default:
		return "unknown"
	}
}

// Progress counts records sent in the current sync job.
type Progress struct {
	Sent  int
	Total int
}

// Event is a state change published on the EventBus. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind       EventKind
	At         time.Time
	State      SyncState
	Peer       string
	Progress   Progress
	Aggregator *model.AggregatorInfo
	Records    int
	Err        error
}

// EventBus fans events out to subscribers. A subscriber that falls behind
// loses events rather than blocking publishers.
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel with room for buffer events and a function
// that unsubscribes and closes it.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with buffer space. Safe on a nil bus.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
