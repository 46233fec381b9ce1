// Package sqlitestore implements storage.Backend over a local SQLite
// file using mattn/go-sqlite3, for the single-device persistence case.
// It mirrors pqstore's shape, adapted to a single-row-per-key table and
// a has_value column that tells an absent value (tombstone) apart from
// an empty string.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meshkv/core/pkg/kvmodel"
)

// Store persists the full replica map to a single SQLite table keyed by
// key, replacing the whole table contents on every SaveAll — the engine
// above calls SaveAll with a full snapshot, not incremental deltas.
type Store struct {
	db    *sql.DB
	table string
}

// Open opens (creating if absent) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // go-sqlite3 serializes writers anyway; avoid lock contention
	return &Store{db: db, table: "meshkv_entries"}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  key           TEXT PRIMARY KEY,
  value         TEXT,
  has_value     INTEGER NOT NULL,
  timestamp_ms  INTEGER NOT NULL,
  node_id       TEXT NOT NULL,
  seq           INTEGER NOT NULL,
  tombstone     INTEGER NOT NULL
);`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlitestore: ensure schema: %w", err)
	}
	return nil
}

// SaveAll replaces the table contents with entries inside a single
// transaction, so a crash mid-write never leaves a partial snapshot.
func (s *Store) SaveAll(ctx context.Context, entries []kvmodel.StorageEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return fmt.Errorf("sqlitestore: clear table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (key, value, has_value, timestamp_ms, node_id, seq, tombstone) VALUES (?, ?, ?, ?, ?, ?, ?)",
		s.table))
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var value string
		hasValue := 0
		if e.Value != nil {
			value = *e.Value
			hasValue = 1
		}
		tombstone := 0
		if e.Tombstone {
			tombstone = 1
		}
		if _, err := stmt.ExecContext(ctx, e.Key, value, hasValue, e.TimestampMS, e.NodeID, e.Seq, tombstone); err != nil {
			return fmt.Errorf("sqlitestore: insert %s: %w", e.Key, err)
		}
	}

	return tx.Commit()
}

func (s *Store) LoadAll(ctx context.Context) ([]kvmodel.StorageEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT key, value, has_value, timestamp_ms, node_id, seq, tombstone FROM %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load all: %w", err)
	}
	defer rows.Close()

	var out []kvmodel.StorageEntry
	for rows.Next() {
		var (
			key, nodeID, value string
			hasValue, tomb     int
			ts                 int64
			seq                uint64
		)
		if err := rows.Scan(&key, &value, &hasValue, &ts, &nodeID, &seq, &tomb); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan row: %w", err)
		}
		entry := kvmodel.StorageEntry{
			Key:         key,
			TimestampMS: ts,
			NodeID:      nodeID,
			Seq:         seq,
			Tombstone:   tomb != 0,
		}
		if hasValue != 0 {
			v := value
			entry.Value = &v
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: rows: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
