package mesh

import (
	"context"
	"time"

	"meshstat/internal/model"
)

// Store is the local record store. Every mutation runs in its own
// transaction; implementations serialise writers.
type Store interface {
	// Insert stores rec if no record with the same ID exists. The first
	// write wins: inserted is false and the stored row is left untouched
	// when the ID is already known.
	Insert(ctx context.Context, rec model.Record) (inserted bool, err error)

	// Pending returns up to limit unsynced records of kind positioned
	// strictly after cursor, in ascending (timestamp, id) order.
	Pending(ctx context.Context, kind model.Kind, after model.Cursor, limit int) ([]model.Record, error)

	// Since returns up to limit records of kind stored locally after since,
	// oldest first, regardless of sync state.
	Since(ctx context.Context, kind model.Kind, since time.Time, limit int) ([]model.Record, error)

	// LastStored returns the latest local store time over every kind, or
	// the zero time for an empty store. Stores stamp records with strictly
	// increasing times, so anything stored later sorts after it.
	LastStored(ctx context.Context) (time.Time, error)

	// All returns up to limit records of kind in ascending timestamp order.
	// A limit <= 0 returns everything.
	All(ctx context.Context, kind model.Kind, limit int) ([]model.Record, error)

	// MarkSynced stamps the given records as synced at the given time.
	// Records already synced keep their original time. Unknown IDs are
	// ignored. Returns the number of records that changed state.
	MarkSynced(ctx context.Context, kind model.Kind, ids []string, at time.Time) (int64, error)

	// Count returns the number of stored records of kind.
	Count(ctx context.Context, kind model.Kind) (int64, error)

	// CountPending returns the number of unsynced records of kind.
	CountPending(ctx context.Context, kind model.Kind) (int64, error)

	// Counts returns Count for every kind.
	Counts(ctx context.Context) (model.Counts, error)

	// PendingCounts returns CountPending for every kind.
	PendingCounts(ctx context.Context) (model.Counts, error)

	// PlaybackStats summarises the playback records.
	PlaybackStats(ctx context.Context) (*model.PlaybackStats, error)

	// TopContent ranks content by qualifying plays.
	TopContent(ctx context.Context, limit int) ([]*model.ContentPlays, error)

	// DeleteSyncedBefore removes synced records of kind whose sync time is
	// before cutoff. Pending records are never deleted.
	DeleteSyncedBefore(ctx context.Context, kind model.Kind, cutoff time.Time) (int64, error)

	// MergeBundle inserts every record in b already marked synced at the
	// given time, in one transaction. Returns how many were new.
	MergeBundle(ctx context.Context, b *model.Bundle, at time.Time) (int, error)

	// RegisterDevice stores a device key. Registering the same key again is
	// a no-op; a different key for a known device returns ErrKeyConflict.
	RegisterDevice(ctx context.Context, key *model.DeviceKey) error

	// DeviceKey returns the registered key for deviceID, or nil.
	DeviceKey(ctx context.Context, deviceID string) (*model.DeviceKey, error)

	// PeerSyncTime returns when we last merged data from peer, or the zero
	// time if never.
	PeerSyncTime(ctx context.Context, peer string) (time.Time, error)

	// SetPeerSyncTime records a successful merge from peer.
	SetPeerSyncTime(ctx context.Context, peer string, at time.Time) error

	Close() error
}
