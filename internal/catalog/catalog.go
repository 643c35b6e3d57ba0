// Package catalog stores named captures in a MySQL table, one row per
// capture line, so they can be listed and replayed later without the
// original file.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dbsmedya/dbusreplay/internal/capture"
	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

const (
	kindHeader = "header"
	kindObject = "object"
)

// ErrNotFound is returned by Load for unknown capture names.
var ErrNotFound = errors.New("capture not found")

// Summary describes one stored capture.
type Summary struct {
	Name        string
	Destination string
	Records     int
	SavedAt     time.Time
}

// Capture is a stored capture read back in sequence order.
type Capture struct {
	Header  capture.Header
	Records []types.ObjectRecord
}

// Source returns an iterator over the records, ending with io.EOF.
func (c *Capture) Source() *RecordIterator {
	return &RecordIterator{records: c.Records}
}

// RecordIterator yields the records of a Capture in order.
type RecordIterator struct {
	records []types.ObjectRecord
	next    int
}

// Next returns the next record or io.EOF.
func (it *RecordIterator) Next() (types.ObjectRecord, error) {
	if it.next >= len(it.records) {
		return types.ObjectRecord{}, io.EOF
	}
	rec := it.records[it.next]
	it.next++
	return rec, nil
}

// Store reads and writes captures in one table.
type Store struct {
	db     *sql.DB
	table  string
	logger *logger.Logger
}

// NewStore validates the table name and returns a Store on db.
func NewStore(db *sql.DB, table string, log *logger.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database is nil")
	}
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Store{db: db, table: quoted, logger: log}, nil
}

// EnsureSchema creates the catalog table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  name VARCHAR(191) NOT NULL,
  seq INT UNSIGNED NOT NULL,
  kind VARCHAR(16) NOT NULL,
  path VARCHAR(1024) NOT NULL DEFAULT '',
  body LONGTEXT NOT NULL,
  saved_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
  PRIMARY KEY (name, seq)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create catalog table %s: %w", s.table, err)
	}
	return nil
}

// Save replaces the capture called name with h and records, in one
// transaction. The header is stored as sequence 0.
func (s *Store) Save(ctx context.Context, name string, h capture.Header, records []types.ObjectRecord) error {
	if name == "" {
		return fmt.Errorf("capture name is required")
	}

	h.Kind = kindHeader
	h.Version = capture.FormatVersion
	headerBody, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Errorf("Failed to rollback catalog transaction: %v", rbErr)
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", s.table), name); err != nil {
		return fmt.Errorf("failed to clear capture %q: %w", name, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf("INSERT INTO %s (name, seq, kind, path, body) VALUES (?, ?, ?, ?, ?)", s.table))
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, name, 0, kindHeader, "", string(headerBody)); err != nil {
		return fmt.Errorf("failed to insert header: %w", err)
	}

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("save interrupted: %w", err)
		}
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record for %s: %w", rec.Path, err)
		}
		if _, err := stmt.ExecContext(ctx, name, i+1, kindObject, string(rec.Path), string(body)); err != nil {
			return fmt.Errorf("failed to insert record for %s: %w", rec.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit capture %q: %w", name, err)
	}
	tx = nil

	s.logger.Infow("Capture saved", "name", name, "records", len(records))
	return nil
}

// Load reads the capture called name. It fails with ErrNotFound when the
// name has no header row.
func (s *Store) Load(ctx context.Context, name string) (*Capture, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT seq, kind, body FROM %s WHERE name = ? ORDER BY seq", s.table), name)
	if err != nil {
		return nil, fmt.Errorf("failed to query capture %q: %w", name, err)
	}
	defer rows.Close()

	c := &Capture{}
	sawHeader := false
	for rows.Next() {
		var seq int
		var kind, body string
		if err := rows.Scan(&seq, &kind, &body); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		switch kind {
		case kindHeader:
			if err := json.Unmarshal([]byte(body), &c.Header); err != nil {
				return nil, fmt.Errorf("capture %q: bad header: %w", name, err)
			}
			if c.Header.Version != capture.FormatVersion {
				return nil, fmt.Errorf("capture %q: unsupported format version %d", name, c.Header.Version)
			}
			sawHeader = true
		case kindObject:
			var rec types.ObjectRecord
			if err := json.Unmarshal([]byte(body), &rec); err != nil {
				return nil, fmt.Errorf("capture %q: bad record %d: %w", name, seq, err)
			}
			c.Records = append(c.Records, rec)
		default:
			return nil, fmt.Errorf("capture %q: unknown row kind %q at %d", name, kind, seq)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	if !sawHeader {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return c, nil
}

// List summarizes every stored capture, ordered by name.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	query := fmt.Sprintf(`SELECT name,
  MAX(CASE WHEN kind = 'header' THEN body END),
  SUM(CASE WHEN kind = 'object' THEN 1 ELSE 0 END),
  MAX(saved_at)
FROM %s GROUP BY name ORDER BY name`, s.table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var header sql.NullString
		if err := rows.Scan(&sum.Name, &header, &sum.Records, &sum.SavedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if header.Valid {
			var h capture.Header
			if err := json.Unmarshal([]byte(header.String), &h); err == nil {
				sum.Destination = h.Destination
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Delete removes the capture called name and reports whether it existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", s.table), name)
	if err != nil {
		return false, fmt.Errorf("failed to delete capture %q: %w", name, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}
