package correlation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists the correlation graph to SQLite.
// It is suitable for single-process deployments without Redis.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) a SQLite correlation store.
// The path should be a file path (e.g., "./correlation.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...StoreOption) (*SQLiteStore, error) {
	o := newStoreOptions(opts)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS correlation_records (
			event_id TEXT PRIMARY KEY,
			recorded_at TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS correlation_forward (
			child_id TEXT NOT NULL,
			parent_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (child_id, parent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS correlation_reverse (
			parent_id TEXT NOT NULL,
			child_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (parent_id, child_id)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: o.now}, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Link implements Store.
func (s *SQLiteStore) Link(ctx context.Context, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var metadata string
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}

	now := s.now()
	expiresAt := now.Add(ttl).UnixNano()
	child := rec.EventID.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// An expired record is replaced as if it never existed.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM correlation_forward WHERE child_id = ? AND expires_at <= ?
	`, child, now.UnixNano()); err != nil {
		return fmt.Errorf("drop expired parents: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO correlation_records (event_id, recorded_at, metadata, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			recorded_at = CASE WHEN correlation_records.expires_at <= ?
				THEN excluded.recorded_at ELSE correlation_records.recorded_at END,
			metadata = CASE WHEN excluded.metadata <> ''
				THEN excluded.metadata ELSE correlation_records.metadata END,
			expires_at = excluded.expires_at
	`, child, rec.RecordedAt.UTC().Format(time.RFC3339Nano), metadata, expiresAt, now.UnixNano()); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	for _, p := range rec.Parents {
		parent := p.String()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO correlation_forward (child_id, parent_id, seq, expires_at)
			VALUES (
				?, ?,
				COALESCE((SELECT MAX(seq) FROM correlation_forward WHERE child_id = ?), 0) + 1,
				?
			)
			ON CONFLICT(child_id, parent_id) DO NOTHING
		`, child, parent, child, expiresAt); err != nil {
			return fmt.Errorf("insert parent: %w", err)
		}

		// A lapsed child set starts over, like an expired Redis key.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM correlation_reverse WHERE parent_id = ? AND expires_at <= ?
		`, parent, now.UnixNano()); err != nil {
			return fmt.Errorf("drop expired children: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO correlation_reverse (parent_id, child_id, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT(parent_id, child_id) DO NOTHING
		`, parent, child, expiresAt); err != nil {
			return fmt.Errorf("insert child: %w", err)
		}

		// Reverse TTL is refreshed on every addition. Forward rows keep their own.
		if _, err := tx.ExecContext(ctx, `
			UPDATE correlation_reverse SET expires_at = ? WHERE parent_id = ?
		`, expiresAt, parent); err != nil {
			return fmt.Errorf("refresh reverse expiry: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE correlation_forward SET expires_at = ? WHERE child_id = ?
	`, expiresAt, child); err != nil {
		return fmt.Errorf("refresh forward expiry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit link: %w", err)
	}
	return nil
}

// Parents implements Store.
func (s *SQLiteStore) Parents(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `
		SELECT parent_id FROM correlation_forward
		WHERE child_id = ? AND expires_at > ?
		ORDER BY seq
	`, id)
}

// Children implements Store.
func (s *SQLiteStore) Children(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `
		SELECT child_id FROM correlation_reverse
		WHERE parent_id = ? AND expires_at > ?
		ORDER BY child_id
	`, id)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, id uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, query, id.String(), s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse edge id %q: %w", raw, err)
		}
		ids = append(ids, parsed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return ids, nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, id uuid.UUID) (*Record, error) {
	parents, err := s.Parents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var recordedAt, metadata string
	err = s.db.QueryRowContext(ctx, `
		SELECT recorded_at, metadata FROM correlation_records
		WHERE event_id = ? AND expires_at > ?
	`, id.String(), s.now().UnixNano()).Scan(&recordedAt, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}

	rec := &Record{EventID: id, Parents: parents}
	if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return nil, fmt.Errorf("parse recorded_at %q: %w", recordedAt, err)
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.now().UnixNano()
	var total int64
	for _, table := range []string{"correlation_forward", "correlation_reverse", "correlation_records"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE expires_at <= ?", now)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
