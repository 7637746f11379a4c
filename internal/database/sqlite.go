package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"meshstat/internal/database/migrations"
	"meshstat/internal/mesh"
	"meshstat/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements mesh.Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock mesh.Clock
}

// NewSQLiteStore opens the database at path, applies pending migrations
// and returns a store. path can be a file path or ":memory:".
// If clock is nil, the real clock is used for stored_at stamps.
func NewSQLiteStore(path string, clock mesh.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return NewSQLiteStoreFromDB(db, path, clock), nil
}

// NewSQLiteStoreFromDB wraps an existing, already migrated connection.
func NewSQLiteStoreFromDB(db *sql.DB, path string, clock mesh.Clock) *SQLiteStore {
	if clock == nil {
		clock = mesh.RealClock{}
	}
	return &SQLiteStore{db: db, path: path, clock: clock}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
//
// The pool is limited to one connection: every in-memory connection would
// otherwise see its own empty database, and SQLite allows one writer anyway.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// Record operations

func (s *SQLiteStore) Insert(ctx context.Context, rec model.Record) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertRecord(ctx, tx, rec, nil, s.clock.Now())
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return inserted, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec model.Record, syncedAt *time.Time, storedAt time.Time) (bool, error) {
	t, err := tableFor(rec.Kind())
	if err != nil {
		return false, err
	}
	if rec.ID() == "" {
		return false, fmt.Errorf("inserting %s record: empty id", rec.Kind())
	}
	args, err := t.args(rec)
	if err != nil {
		return false, err
	}
	var synced sql.NullInt64
	if syncedAt != nil {
		synced = sql.NullInt64{Int64: toMillis(*syncedAt), Valid: true}
	}
	args = append(args, synced, storedAt.UnixMilli())

	res, err := tx.ExecContext(ctx, t.insertSQL(), args...)
	if err != nil {
		return false, fmt.Errorf("inserting %s record %s: %w", rec.Kind(), rec.ID(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Pending(ctx context.Context, kind model.Kind, after model.Cursor, limit int) ([]model.Record, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q := t.selectSQL() + fmt.Sprintf(
		" WHERE synced_at IS NULL AND (ts > ? OR (ts = ? AND %[1]s > ?)) ORDER BY ts, %[1]s LIMIT ?", t.key)
	ts := cursorMillis(after)
	return s.query(ctx, t, q, ts, ts, after.ID, limitArg(limit))
}

func (s *SQLiteStore) Since(ctx context.Context, kind model.Kind, since time.Time, limit int) ([]model.Record, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q := t.selectSQL() + fmt.Sprintf(" WHERE stored_at > ? ORDER BY stored_at, %s LIMIT ?", t.key)
	return s.query(ctx, t, q, sinceMillis(since), limitArg(limit))
}

func (s *SQLiteStore) LastStored(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := s.db.QueryRowContext(ctx, lastStoredSQL).Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("reading last stored time: %w", err)
	}
	if ms < 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *SQLiteStore) All(ctx context.Context, kind model.Kind, limit int) ([]model.Record, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q := t.selectSQL() + fmt.Sprintf(" ORDER BY ts, %s LIMIT ?", t.key)
	return s.query(ctx, t, q, limitArg(limit))
}

func (s *SQLiteStore) query(ctx context.Context, t *table, q string, args ...any) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", t.name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", t.name, err)
	}
	return out, nil
}

// limitArg maps a non-positive limit to SQLite's "no limit".
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func sinceMillis(t time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return t.UnixMilli()
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, kind model.Kind, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	q := fmt.Sprintf("UPDATE %s SET synced_at = ? WHERE %s = ? AND synced_at IS NULL", t.name, t.key)
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("preparing mark synced: %w", err)
	}
	defer stmt.Close()

	var total int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, at.UnixMilli(), id)
		if err != nil {
			return 0, fmt.Errorf("marking %s %s synced: %w", kind, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("reading rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return total, nil
}

// Counting

func (s *SQLiteStore) Count(ctx context.Context, kind model.Kind) (int64, error) {
	return s.count(ctx, kind, "")
}

func (s *SQLiteStore) CountPending(ctx context.Context, kind model.Kind) (int64, error) {
	return s.count(ctx, kind, " WHERE synced_at IS NULL")
}

func (s *SQLiteStore) count(ctx context.Context, kind model.Kind, where string) (int64, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.name+where).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", t.name, err)
	}
	return n, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (model.Counts, error) {
	return s.counts(ctx, s.Count)
}

func (s *SQLiteStore) PendingCounts(ctx context.Context) (model.Counts, error) {
	return s.counts(ctx, s.CountPending)
}

func (s *SQLiteStore) counts(ctx context.Context, fn func(context.Context, model.Kind) (int64, error)) (model.Counts, error) {
	var c model.Counts
	for _, k := range model.Kinds {
		n, err := fn(ctx, k)
		if err != nil {
			return model.Counts{}, err
		}
		c.Set(k, n)
	}
	return c, nil
}

// Statistics

// qualifyingSQL matches model.PlaybackRecord.Qualifies.
const qualifyingSQL = "(duration_played >= 30 OR duration_played * 2 >= track_duration)"

func (s *SQLiteStore) PlaybackStats(ctx context.Context) (*model.PlaybackStats, error) {
	var st model.PlaybackStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN `+qualifyingSQL+` THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(duration_played), 0),
		       COUNT(DISTINCT content_id)
		FROM playback_records`).Scan(&st.TotalPlays, &st.QualifyingPlays, &st.TotalPlaySeconds, &st.UniqueContent)
	if err != nil {
		return nil, fmt.Errorf("computing playback stats: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) TopContent(ctx context.Context, limit int) ([]*model.ContentPlays, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.content_id,
		       COALESCE(t.title, ''),
		       COALESCE(t.artist, ''),
		       SUM(CASE WHEN `+qualifyingSQL+` THEN 1 ELSE 0 END) AS plays,
		       SUM(p.duration_played)
		FROM playback_records p
		LEFT JOIN track_metadata t ON t.content_id = p.content_id
		GROUP BY p.content_id
		ORDER BY plays DESC, p.content_id
		LIMIT ?`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("ranking content: %w", err)
	}
	defer rows.Close()

	var out []*model.ContentPlays
	for rows.Next() {
		var c model.ContentPlays
		if err := rows.Scan(&c.ContentID, &c.Title, &c.Artist, &c.QualifyingPlays, &c.TotalPlaySeconds); err != nil {
			return nil, fmt.Errorf("scanning content ranking: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating content ranking: %w", err)
	}
	return out, nil
}

// Retention

func (s *SQLiteStore) DeleteSyncedBefore(ctx context.Context, kind model.Kind, cutoff time.Time) (int64, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM "+t.name+" WHERE synced_at IS NOT NULL AND synced_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting synced %s: %w", t.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

// Gossip

func (s *SQLiteStore) MergeBundle(ctx context.Context, b *model.Bundle, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now()
	added := 0
	merge := func(rec model.Record) error {
		inserted, err := insertRecord(ctx, tx, rec, &at, now)
		if err != nil {
			return err
		}
		if inserted {
			added++
		}
		return nil
	}

	// Tracks first so rankings resolve titles for the plays that follow.
	for _, r := range b.Tracks {
		if err := merge(r); err != nil {
			return 0, err
		}
	}
	for _, r := range b.Playback {
		if err := merge(r); err != nil {
			return 0, err
		}
	}
	for _, r := range b.Sharing {
		if err := merge(r); err != nil {
			return 0, err
		}
	}
	for _, r := range b.Transfers {
		if err := merge(r); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return added, nil
}

func (s *SQLiteStore) PeerSyncTime(ctx context.Context, peer string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, "SELECT synced_at FROM peer_sync WHERE peer_id = ?", peer).Scan(&ms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("reading peer sync time: %w", err)
	}
	return fromMillis(ms), nil
}

func (s *SQLiteStore) SetPeerSyncTime(ctx context.Context, peer string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_sync (peer_id, synced_at) VALUES (?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET synced_at = excluded.synced_at`, peer, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("writing peer sync time: %w", err)
	}
	return nil
}

// Device keys

func (s *SQLiteStore) RegisterDevice(ctx context.Context, key *model.DeviceKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, "SELECT public_key FROM device_keys WHERE device_id = ?", key.DeviceID).Scan(&existing)
	switch {
	case err == nil:
		if !bytes.Equal(existing, key.PublicKey) {
			return fmt.Errorf("registering %s: %w", key.DeviceID, mesh.ErrKeyConflict)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("looking up device key: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO device_keys (device_id, public_key, device_info, registered_at) VALUES (?, ?, ?, ?)",
		key.DeviceID, key.PublicKey, key.DeviceInfo, toMillis(key.RegisteredAt))
	if err != nil {
		return fmt.Errorf("inserting device key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeviceKey(ctx context.Context, deviceID string) (*model.DeviceKey, error) {
	var k model.DeviceKey
	var registered int64
	err := s.db.QueryRowContext(ctx,
		"SELECT device_id, public_key, device_info, registered_at FROM device_keys WHERE device_id = ?", deviceID).
		Scan(&k.DeviceID, &k.PublicKey, &k.DeviceInfo, &registered)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not registered
		}
		return nil, fmt.Errorf("finding device key: %w", err)
	}
	k.RegisteredAt = fromMillis(registered)
	return &k, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ mesh.Store = (*SQLiteStore)(nil)
