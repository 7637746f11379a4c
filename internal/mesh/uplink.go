package mesh

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"meshstat/internal/model"
	"meshstat/internal/wire"
)

// Uplink drains records collected by an aggregator into bundles stored in
// an off-mesh Archive, then marks them synced.
type Uplink struct {
	id       string
	store    Store
	archive  Archive
	clock    Clock
	idgen    IDGenerator
	events   *EventBus
	logger   Logger
	maxBatch int

	mu       sync.Mutex
	lastSync time.Time
}

// NewUplink creates an Uplink that ships at most maxBatch records of each
// kind per bundle.
func NewUplink(id string, store Store, archive Archive, clock Clock, idgen IDGenerator,
	events *EventBus, logger Logger, maxBatch int) *Uplink {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Uplink{
		id:       id,
		store:    store,
		archive:  archive,
		clock:    clock,
		idgen:    idgen,
		events:   events,
		logger:   logger,
		maxBatch: maxBatch,
	}
}

// LastSync returns when the archive was last reached successfully.
func (u *Uplink) LastSync() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastSync
}

// Flush ships bundles until nothing is pending and returns the number of
// records uplinked. A failed archive write leaves the records pending.
func (u *Uplink) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := u.flushOne(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			break
		}
	}

	now := u.clock.Now()
	u.mu.Lock()
	u.lastSync = now
	u.mu.Unlock()

	if total > 0 {
		u.logger.Info("uplink complete", "records", total)
		u.events.Publish(Event{Kind: EventUplinkCompleted, At: now, Records: total})
	}
	return total, nil
}

func (u *Uplink) flushOne(ctx context.Context) (int, error) {
	b := &model.Bundle{ID: u.idgen.New(), Source: u.id, CreatedAt: u.clock.Now()}
	ids := make(map[model.Kind][]string)

	for _, kind := range model.Kinds {
		recs, err := u.store.Pending(ctx, kind, model.Cursor{}, u.maxBatch)
		if err != nil {
			return 0, fmt.Errorf("reading pending %s: %w", kind, err)
		}
		for _, r := range recs {
			ids[kind] = append(ids[kind], r.ID())
			switch v := r.(type) {
			case *model.PlaybackRecord:
				b.Playback = append(b.Playback, v)
			case *model.SharingRecord:
				b.Sharing = append(b.Sharing, v)
			case *model.TrackMetadata:
				b.Tracks = append(b.Tracks, v)
			case *model.TransferRecord:
				b.Transfers = append(b.Transfers, v)
			}
		}
	}
	if b.Len() == 0 {
		return 0, nil
	}

	data, err := wire.Marshal(&wire.DataBundle{Bundle: *b})
	if err != nil {
		return 0, fmt.Errorf("encoding bundle: %w", err)
	}
	name := ObjectName(u.id, b.ID)
	if err := u.archive.Put(ctx, name, bytes.NewReader(data), int64(len(data))); err != nil {
		return 0, fmt.Errorf("archiving bundle %s: %w", b.ID, err)
	}

	now := u.clock.Now()
	for kind, kindIDs := range ids {
		if _, err := u.store.MarkSynced(ctx, kind, kindIDs, now); err != nil {
			return 0, fmt.Errorf("marking %s synced: %w", kind, err)
		}
	}
	u.logger.Debug("bundle archived", "bundle", b.ID, "object", name, "records", b.Len(), "bytes", len(data))
	return b.Len(), nil
}

// ObjectName is the archive name of a bundle.
func ObjectName(aggregatorID, bundleID string) string {
	return path.Join(aggregatorID, bundleID+".bundle")
}

// ReadBundle decodes an archived bundle.
func ReadBundle(ctx context.Context, a Archive, name string) (*model.Bundle, error) {
	var buf bytes.Buffer
	if err := a.Get(ctx, name, &buf); err != nil {
		return nil, err
	}
	m, err := wire.Unmarshal(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	db, ok := m.(*wire.DataBundle)
	if !ok {
		return nil, fmt.Errorf("decoding %s: unexpected %s", name, m.Type())
	}
	return &db.Bundle, nil
}
