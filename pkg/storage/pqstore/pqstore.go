// Package pqstore implements storage.Backend over PostgreSQL using
// lib/pq, for multi-device deployments that share a durable store
// outside any single device. It uses the same ON CONFLICT upsert idiom
// and table-name validation as a relational object store, retargeted to
// the replicated map's key/StorageEntry shape.
package pqstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/meshkv/core/pkg/kvmodel"
)

// Store persists the full replica map to a Postgres table, replacing
// its contents on every SaveAll.
type Store struct {
	db    *sql.DB
	table string
}

// Open opens a Postgres connection using the given DSN.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pqstore: open: %w", err)
	}
	table := "meshkv_entries"
	if !validateTableName(table) {
		return nil, fmt.Errorf("pqstore: invalid table name %q", table)
	}
	return &Store{db: db, table: table}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  key           TEXT PRIMARY KEY,
  value         TEXT,
  has_value     BOOLEAN NOT NULL,
  timestamp_ms  BIGINT NOT NULL,
  node_id       TEXT NOT NULL,
  seq           BIGINT NOT NULL,
  tombstone     BOOLEAN NOT NULL
);`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("pqstore: ensure schema: %w", err)
	}
	return nil
}

// SaveAll replaces the table contents with entries. Deletes then
// upserts within a single transaction, using an ON CONFLICT DO UPDATE
// idiom for the insert half.
func (s *Store) SaveAll(ctx context.Context, entries []kvmodel.StorageEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pqstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return fmt.Errorf("pqstore: clear table: %w", err)
	}

	q := fmt.Sprintf(`
INSERT INTO %s (key, value, has_value, timestamp_ms, node_id, seq, tombstone)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE SET
  value = EXCLUDED.value,
  has_value = EXCLUDED.has_value,
  timestamp_ms = EXCLUDED.timestamp_ms,
  node_id = EXCLUDED.node_id,
  seq = EXCLUDED.seq,
  tombstone = EXCLUDED.tombstone;`, s.table)

	for _, e := range entries {
		var value sql.NullString
		if e.Value != nil {
			value = sql.NullString{String: *e.Value, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, q, e.Key, value, e.Value != nil, e.TimestampMS, e.NodeID, e.Seq, e.Tombstone); err != nil {
			return fmt.Errorf("pqstore: upsert %s: %w", e.Key, err)
		}
	}

	return tx.Commit()
}

func (s *Store) LoadAll(ctx context.Context) ([]kvmodel.StorageEntry, error) {
	q := fmt.Sprintf("SELECT key, value, has_value, timestamp_ms, node_id, seq, tombstone FROM %s", s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pqstore: load all: %w", err)
	}
	defer rows.Close()

	var out []kvmodel.StorageEntry
	for rows.Next() {
		var (
			key, nodeID    string
			value          sql.NullString
			hasValue, tomb bool
			ts             int64
			seq            uint64
		)
		if err := rows.Scan(&key, &value, &hasValue, &ts, &nodeID, &seq, &tomb); err != nil {
			return nil, fmt.Errorf("pqstore: scan row: %w", err)
		}
		entry := kvmodel.StorageEntry{
			Key:         key,
			TimestampMS: ts,
			NodeID:      nodeID,
			Seq:         seq,
			Tombstone:   tomb,
		}
		if hasValue && value.Valid {
			v := value.String
			entry.Value = &v
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pqstore: rows: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// validateTableName is a conservative identifier check (restricted to
// letters, digits, underscore) used wherever a table name reaches
// fmt.Sprintf instead of a bind parameter.
func validateTableName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
