// Package registry persists the unit lifecycle state in SQLite.
//
// Identity records are stored as JSON payload rows, the free pool and the
// allocation cursor as plain columns with nanosecond integer timestamps so a
// reload reproduces the committed state exactly. Every engine mutation is one
// SQL transaction; a crash between transactions loses at most the transition
// that never committed, never half of one.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
	"github.com/couchcryptid/wildfire-unit-service/internal/units"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	identity_key TEXT PRIMARY KEY,
	payload      BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS free_pool (
	unit_id          INTEGER PRIMARY KEY,
	owner_key        TEXT NOT NULL,
	released_at      INTEGER NOT NULL,
	quarantine_until INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS allocator (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	next_unit INTEGER NOT NULL
);`

// Store is the SQLite-backed lifecycle registry. It implements units.Registry.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the registry database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = "units.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}
	// The engine serializes writers; a single connection sidesteps
	// SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}
	return &Store{db: db, path: path, logger: logger}, nil
}

// Load reads the full committed state.
func (s *Store) Load(ctx context.Context) (units.Snapshot, error) {
	var snap units.Snapshot

	rows, err := s.db.QueryContext(ctx, `SELECT identity_key, payload FROM identities`)
	if err != nil {
		return snap, fmt.Errorf("select identities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return snap, fmt.Errorf("scan identity: %w", err)
		}
		rec := &units.IdentityRecord{}
		if err := json.Unmarshal(payload, rec); err != nil {
			return snap, fmt.Errorf("decode identity %q: %w", key, err)
		}
		if string(rec.Key) != key {
			return snap, fmt.Errorf("identity row %q holds payload for %q", key, rec.Key)
		}
		snap.Identities = append(snap.Identities, rec)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate identities: %w", err)
	}

	poolRows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, owner_key, released_at, quarantine_until FROM free_pool ORDER BY unit_id`)
	if err != nil {
		return snap, fmt.Errorf("select free pool: %w", err)
	}
	defer func() { _ = poolRows.Close() }()
	for poolRows.Next() {
		var e units.PoolEntry
		var owner string
		var released, quarantine int64
		if err := poolRows.Scan(&e.UnitID, &owner, &released, &quarantine); err != nil {
			return snap, fmt.Errorf("scan pool entry: %w", err)
		}
		e.Owner = domain.IdentityKey(owner)
		e.ReleasedAt = time.Unix(0, released).UTC()
		e.QuarantineUntil = time.Unix(0, quarantine).UTC()
		snap.Pool = append(snap.Pool, e)
	}
	if err := poolRows.Err(); err != nil {
		return snap, fmt.Errorf("iterate free pool: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT next_unit FROM allocator WHERE id = 1`).Scan(&snap.NextUnit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("select allocator: %w", err)
	}

	s.logger.Info("registry loaded",
		"path", s.path,
		"identities", len(snap.Identities),
		"free_pool", len(snap.Pool),
		"next_unit", snap.NextUnit)
	return snap, nil
}

// Apply commits one engine mutation in a single transaction.
func (s *Store) Apply(ctx context.Context, m units.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range m.Upsert {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode identity %q: %w", rec.Key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identities (identity_key, payload) VALUES (?, ?)
			 ON CONFLICT (identity_key) DO UPDATE SET payload = excluded.payload`,
			string(rec.Key), payload); err != nil {
			return fmt.Errorf("upsert identity %q: %w", rec.Key, err)
		}
	}

	for _, key := range m.Archive {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM identities WHERE identity_key = ?`, string(key)); err != nil {
			return fmt.Errorf("archive identity %q: %w", key, err)
		}
	}

	for _, e := range m.PoolAdd {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO free_pool (unit_id, owner_key, released_at, quarantine_until)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (unit_id) DO UPDATE SET
			   owner_key = excluded.owner_key,
			   released_at = excluded.released_at,
			   quarantine_until = excluded.quarantine_until`,
			e.UnitID, string(e.Owner), e.ReleasedAt.UnixNano(), e.QuarantineUntil.UnixNano()); err != nil {
			return fmt.Errorf("add pool entry %d: %w", e.UnitID, err)
		}
	}

	for _, unitID := range m.PoolRemove {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM free_pool WHERE unit_id = ?`, unitID); err != nil {
			return fmt.Errorf("remove pool entry %d: %w", unitID, err)
		}
	}

	if m.NextUnit > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO allocator (id, next_unit) VALUES (1, ?)
			 ON CONFLICT (id) DO UPDATE SET next_unit = excluded.next_unit`,
			m.NextUnit); err != nil {
			return fmt.Errorf("update allocator: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
