package model

import "time"

// Kind identifies one of the four record kinds carried through the mesh.
// The numeric order is the order of sections in a bundle.
type Kind uint8

const (
	KindPlayback Kind = iota
	KindSharing
	KindTrack
	KindTransfer
)

// Kinds lists every record kind in bundle section order.
var Kinds = []Kind{KindPlayback, KindSharing, KindTrack, KindTransfer}

func (k Kind) String() string {
	switch k {
	case KindPlayback:
		return "playback"
	case KindSharing:
		return "sharing"
	case KindTrack:
		return "metadata"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Record is implemented by every record kind. Type switches over Record
// are limited to the wire and database layers, which handle each kind
// with its own encoder.
type Record interface {
	Kind() Kind
	// ID is the record's unique key: recordId, or contentId for TrackMetadata.
	ID() string
	// OccurredAt is the event time used for ordering and retention.
	OccurredAt() time.Time
}

// SyncState tracks whether a record has been propagated. A nil SyncedAt
// means the record is pending. It only ever moves from pending to synced.
//
// StoredAt is when the local store first saw the record. Neither field
// travels on the wire.
type SyncState struct {
	SyncedAt *time.Time
	StoredAt time.Time
}

// Synced reports whether the record has been propagated.
func (s SyncState) Synced() bool { return s.SyncedAt != nil }

// PlaybackRecord is one completed listening event.
type PlaybackRecord struct {
	RecordID        string
	ContentID       string
	DeviceID        string
	Timestamp       time.Time
	DurationPlayed  int64   // seconds
	TrackDuration   int64   // seconds
	PlayPercentage  float64 // 0..1, capped
	SkipCount       uint32
	Repeat          bool
	Source          SourceType
	Context         ListeningContext
	DeviceSignature []byte
	SyncState
}

func (r *PlaybackRecord) Kind() Kind            { return KindPlayback }
func (r *PlaybackRecord) ID() string            { return r.RecordID }
func (r *PlaybackRecord) OccurredAt() time.Time { return r.Timestamp }

// Qualifies reports whether the play counts toward play statistics: at
// least 30 seconds listened, or at least half the track.
func (r *PlaybackRecord) Qualifies() bool {
	return r.DurationPlayed >= QualifyingPlaySeconds || r.DurationPlayed*2 >= r.TrackDuration
}

// QualifyingPlaySeconds is the listening time after which a play always counts.
const QualifyingPlaySeconds = 30

// CapPercentage clamps p to [0, 1].
func CapPercentage(p float64) float64 {
	if p < 0 || p != p {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ListeningContext is denormalized onto playback records for analytics.
// Zero values mean "unknown" except AverageVolume, which uses UnknownVolume.
type ListeningContext struct {
	TimeOfDay       TimeOfDay
	DayType         DayType
	SessionDuration int64 // seconds
	Mode            PlaybackMode
	AverageVolume   float32
	Output          AudioOutput
}

// UnknownVolume marks an unavailable average volume.
const UnknownVolume float32 = -1

// UnknownContext returns a ListeningContext with every field unknown.
func UnknownContext() ListeningContext {
	return ListeningContext{AverageVolume: UnknownVolume}
}

// SharingRecord is one share of a content item with another device, or
// with everyone in range when RecipientDeviceID is empty.
type SharingRecord struct {
	RecordID          string
	ContentID         string
	SharerDeviceID    string
	RecipientDeviceID string
	Method            ShareMethod
	Timestamp         time.Time
	FileSize          int64
	TransferDuration  *time.Duration
	Status            TransferStatus
	ShareContext      ShareContext
	DeviceSignature   []byte
	SyncState
}

func (r *SharingRecord) Kind() Kind            { return KindSharing }
func (r *SharingRecord) ID() string            { return r.RecordID }
func (r *SharingRecord) OccurredAt() time.Time { return r.Timestamp }

// Broadcast reports whether the share had no specific recipient.
func (r *SharingRecord) Broadcast() bool { return r.RecipientDeviceID == "" }

// TransferRecord is one file transfer between devices.
type TransferRecord struct {
	RecordID         string
	ContentID        string
	SourceDeviceID   string
	TargetDeviceID   string
	Method           TransferMethod
	Timestamp        time.Time
	FileSize         int64
	TransferDuration *time.Duration
	Status           TransferStatus
	DeviceSignature  []byte
	SyncState
}

func (r *TransferRecord) Kind() Kind            { return KindTransfer }
func (r *TransferRecord) ID() string            { return r.RecordID }
func (r *TransferRecord) OccurredAt() time.Time { return r.Timestamp }

// TrackMetadata describes a content item. The first stored entry for a
// ContentID wins; later metadata for the same ID is ignored.
type TrackMetadata struct {
	ContentID        string
	Title            string
	Artist           string
	Album            string
	Duration         int64 // seconds
	AudioFingerprint []byte
	FirstSeen        time.Time
	SyncState
}

func (r *TrackMetadata) Kind() Kind            { return KindTrack }
func (r *TrackMetadata) ID() string            { return r.ContentID }
func (r *TrackMetadata) OccurredAt() time.Time { return r.FirstSeen }

// Bundle is the envelope used between aggregators.
type Bundle struct {
	ID        string
	Source    string // originating aggregator id
	CreatedAt time.Time
	Playback  []*PlaybackRecord
	Sharing   []*SharingRecord
	Tracks    []*TrackMetadata
	Transfers []*TransferRecord
}

// Len returns the total number of records in the bundle.
func (b *Bundle) Len() int {
	return len(b.Playback) + len(b.Sharing) + len(b.Tracks) + len(b.Transfers)
}

// Counts is a per-kind record tally.
type Counts struct {
	Playback  int64
	Sharing   int64
	Tracks    int64
	Transfers int64
}

// Get returns the count for kind k.
func (c Counts) Get(k Kind) int64 {
	switch k {
	case KindPlayback:
		return c.Playback
	case KindSharing:
		return c.Sharing
	case KindTrack:
		return c.Tracks
	case KindTransfer:
		return c.Transfers
	}
	return 0
}

// Set stores n as the count for kind k.
func (c *Counts) Set(k Kind, n int64) {
	switch k {
	case KindPlayback:
		c.Playback = n
	case KindSharing:
		c.Sharing = n
	case KindTrack:
		c.Tracks = n
	case KindTransfer:
		c.Transfers = n
	}
}

// Total sums all kinds.
func (c Counts) Total() int64 {
	return c.Playback + c.Sharing + c.Tracks + c.Transfers
}

// PlaybackStats aggregates the playback table.
type PlaybackStats struct {
	TotalPlays       int64
	QualifyingPlays  int64
	TotalPlaySeconds int64
	UniqueContent    int64
}

// ContentPlays is one row of a play ranking.
type ContentPlays struct {
	ContentID        string
	Title            string
	Artist           string
	QualifyingPlays  int64
	TotalPlaySeconds int64
}

// Cursor is a keyset position for paging records in (timestamp, id) order.
// The zero Cursor starts at the beginning.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// After returns the cursor positioned after r.
func After(r Record) Cursor {
	return Cursor{Timestamp: r.OccurredAt(), ID: r.ID()}
}

// Author returns the ID of the device that created rec, or "" for kinds
// that are not signed.
func Author(rec Record) string {
	switch r := rec.(type) {
	case *PlaybackRecord:
		return r.DeviceID
	case *SharingRecord:
		return r.SharerDeviceID
	case *TransferRecord:
		return r.SourceDeviceID
	default:
		return ""
	}
}

// StateOf returns a pointer to rec's sync bookkeeping, or nil for unknown types.
func StateOf(rec Record) *SyncState {
	switch r := rec.(type) {
	case *PlaybackRecord:
		return &r.SyncState
	case *SharingRecord:
		return &r.SyncState
	case *TransferRecord:
		return &r.SyncState
	case *TrackMetadata:
		return &r.SyncState
	default:
		return nil
	}
}
