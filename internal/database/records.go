package database

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"meshstat/internal/model"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// table describes how one record kind maps onto its SQL table. Every table
// has ts, synced_at and stored_at columns; key is the primary key column.
type table struct {
	name    string
	key     string
	columns string
	args    func(rec model.Record) ([]any, error)
	scan    func(rs rowScanner) (model.Record, error)
}

func tableFor(kind model.Kind) (*table, error) {
	switch kind {
	case model.KindPlayback:
		return &playbackTable, nil
	case model.KindSharing:
		return &sharingTable, nil
	case model.KindTransfer:
		return &transferTable, nil
	case model.KindTrack:
		return &trackTable, nil
	default:
		return nil, fmt.Errorf("unknown record kind %d", kind)
	}
}

// lastStoredSQL selects the latest stored_at across every record table, or
// -1 when all of them are empty.
const lastStoredSQL = `SELECT COALESCE(MAX(m), -1) FROM (
	SELECT MAX(stored_at) AS m FROM playback_records
	UNION ALL SELECT MAX(stored_at) FROM sharing_records
	UNION ALL SELECT MAX(stored_at) FROM transfer_records
	UNION ALL SELECT MAX(stored_at) FROM track_metadata)`

// insertSQL returns an INSERT OR IGNORE over columns plus synced_at and stored_at.
// stored_at is strictly increasing across all record tables: a row stamped
// at or before the latest stored row is bumped one millisecond past it, so
// rows merged in a single transaction can still be paged by stored_at alone.
func (t *table) insertSQL() string {
	n := 1
	for _, c := range t.columns {
		if c == ',' {
			n++
		}
	}
	placeholders := "?"
	for i := 1; i < n+1; i++ {
		placeholders += ", ?"
	}
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, synced_at, stored_at) VALUES (%s, MAX(?, (%s) + 1))",
		t.name, t.columns, placeholders, lastStoredSQL)
}

func (t *table) selectSQL() string {
	return fmt.Sprintf("SELECT %s, synced_at, stored_at FROM %s", t.columns, t.name)
}

var playbackTable = table{
	name: "playback_records",
	key:  "record_id",
	columns: "record_id, content_id, device_id, ts, duration_played, track_duration, play_percentage, " +
		"skip_count, is_repeat, source, time_of_day, day_type, session_duration, playback_mode, " +
		"average_volume, audio_output, signature",
	args: func(rec model.Record) ([]any, error) {
		r, ok := rec.(*model.PlaybackRecord)
		if !ok {
			return nil, fmt.Errorf("expected playback record, got %T", rec)
		}
		c := r.Context
		return []any{
			r.RecordID, r.ContentID, r.DeviceID, toMillis(r.Timestamp), r.DurationPlayed, r.TrackDuration,
			r.PlayPercentage, r.SkipCount, r.Repeat, r.Source, c.TimeOfDay, c.DayType, c.SessionDuration,
			c.Mode, c.AverageVolume, c.Output, r.DeviceSignature,
		}, nil
	},
	scan: func(rs rowScanner) (model.Record, error) {
		var r model.PlaybackRecord
		var ts int64
		var synced sql.NullInt64
		var stored int64
		c := &r.Context
		err := rs.Scan(
			&r.RecordID, &r.ContentID, &r.DeviceID, &ts, &r.DurationPlayed, &r.TrackDuration,
			&r.PlayPercentage, &r.SkipCount, &r.Repeat, &r.Source, &c.TimeOfDay, &c.DayType, &c.SessionDuration,
			&c.Mode, &c.AverageVolume, &c.Output, &r.DeviceSignature, &synced, &stored,
		)
		if err != nil {
			return nil, err
		}
		r.Timestamp = fromMillis(ts)
		r.SyncedAt = fromNullMillis(synced)
		r.StoredAt = fromMillis(stored)
		return &r, nil
	},
}

var sharingTable = table{
	name: "sharing_records",
	key:  "record_id",
	columns: "record_id, content_id, sharer_device_id, recipient_device_id, method, ts, file_size, " +
		"transfer_duration, status, share_context, signature",
	args: func(rec model.Record) ([]any, error) {
		r, ok := rec.(*model.SharingRecord)
		if !ok {
			return nil, fmt.Errorf("expected sharing record, got %T", rec)
		}
		return []any{
			r.RecordID, r.ContentID, r.SharerDeviceID, r.RecipientDeviceID, r.Method, toMillis(r.Timestamp),
			r.FileSize, toNullDuration(r.TransferDuration), r.Status, r.ShareContext, r.DeviceSignature,
		}, nil
	},
	scan: func(rs rowScanner) (model.Record, error) {
		var r model.SharingRecord
		var ts int64
		var dur, synced sql.NullInt64
		var stored int64
		err := rs.Scan(
			&r.RecordID, &r.ContentID, &r.SharerDeviceID, &r.RecipientDeviceID, &r.Method, &ts,
			&r.FileSize, &dur, &r.Status, &r.ShareContext, &r.DeviceSignature, &synced, &stored,
		)
		if err != nil {
			return nil, err
		}
		r.Timestamp = fromMillis(ts)
		r.TransferDuration = fromNullDuration(dur)
		r.SyncedAt = fromNullMillis(synced)
		r.StoredAt = fromMillis(stored)
		return &r, nil
	},
}

var transferTable = table{
	name: "transfer_records",
	key:  "record_id",
	columns: "record_id, content_id, source_device_id, target_device_id, method, ts, file_size, " +
		"transfer_duration, status, signature",
	args: func(rec model.Record) ([]any, error) {
		r, ok := rec.(*model.TransferRecord)
		if !ok {
			return nil, fmt.Errorf("expected transfer record, got %T", rec)
		}
		return []any{
			r.RecordID, r.ContentID, r.SourceDeviceID, r.TargetDeviceID, r.Method, toMillis(r.Timestamp),
			r.FileSize, toNullDuration(r.TransferDuration), r.Status, r.DeviceSignature,
		}, nil
	},
	scan: func(rs rowScanner) (model.Record, error) {
		var r model.TransferRecord
		var ts int64
		var dur, synced sql.NullInt64
		var stored int64
		err := rs.Scan(
			&r.RecordID, &r.ContentID, &r.SourceDeviceID, &r.TargetDeviceID, &r.Method, &ts,
			&r.FileSize, &dur, &r.Status, &r.DeviceSignature, &synced, &stored,
		)
		if err != nil {
			return nil, err
		}
		r.Timestamp = fromMillis(ts)
		r.TransferDuration = fromNullDuration(dur)
		r.SyncedAt = fromNullMillis(synced)
		r.StoredAt = fromMillis(stored)
		return &r, nil
	},
}

var trackTable = table{
	name:    "track_metadata",
	key:     "content_id",
	columns: "content_id, title, artist, album, duration, audio_fingerprint, ts",
	args: func(rec model.Record) ([]any, error) {
		r, ok := rec.(*model.TrackMetadata)
		if !ok {
			return nil, fmt.Errorf("expected track metadata, got %T", rec)
		}
		return []any{
			r.ContentID, r.Title, r.Artist, r.Album, r.Duration, r.AudioFingerprint, toMillis(r.FirstSeen),
		}, nil
	},
	scan: func(rs rowScanner) (model.Record, error) {
		var r model.TrackMetadata
		var ts int64
		var synced sql.NullInt64
		var stored int64
		err := rs.Scan(&r.ContentID, &r.Title, &r.Artist, &r.Album, &r.Duration, &r.AudioFingerprint, &ts, &synced, &stored)
		if err != nil {
			return nil, err
		}
		r.FirstSeen = fromMillis(ts)
		r.SyncedAt = fromNullMillis(synced)
		r.StoredAt = fromMillis(stored)
		return &r, nil
	},
}

// toMillis stores the zero time as 0 so it round trips through the wire
// codec unchanged.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// cursorMillis positions the zero cursor before every stored timestamp.
func cursorMillis(c model.Cursor) int64 {
	if c.Timestamp.IsZero() && c.ID == "" {
		return math.MinInt64
	}
	return toMillis(c.Timestamp)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func toNullDuration(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}

func fromNullDuration(v sql.NullInt64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := time.Duration(v.Int64) * time.Millisecond
	return &d
}
