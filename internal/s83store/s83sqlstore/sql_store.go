// Package s83sqlstore implements s83store's BoardStore interface over
// database/sql, supporting both Postgres (via lib/pq) and SQLite (via
// glebarez/go-sqlite) through a single parameterized implementation rather
// than one copy per driver.
package s83sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/lets-dance/spring83/internal/s83store"
)

// Driver names this package knows how to provision. A driver not in this
// list can still be passed to New if the caller has already created the
// table themselves; only the init SQL is driver-specific.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLStore is a BoardStore backed by a SQL database. Content and signature
// are stored as opaque blobs alongside an RFC 3339 modified timestamp.
type SQLStore struct {
	db      *sql.DB
	driver  string
	timeNow func() time.Time
}

// New opens (and, for the drivers above, provisions) a boards table in the
// database at dataSource using driver.
func New(driver, dataSource string) (*SQLStore, error) {
	db, err := sql.Open(driver, dataSource)
	if err != nil {
		return nil, errors.Wrap(err, "error opening database")
	}

	if err := initSchema(db, driver); err != nil {
		return nil, err
	}

	return &SQLStore{db: db, driver: driver, timeNow: time.Now}, nil
}

func initSchema(db *sql.DB, driver string) error {
	var initSQL string

	switch driver {
	case DriverPostgres:
		initSQL = `
			CREATE TABLE IF NOT EXISTS boards (
				key VARCHAR(64) NOT NULL PRIMARY KEY,
				content BYTEA,
				signature VARCHAR(128),
				modified TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS boards_modified ON boards(modified);
		`
	case DriverSQLite:
		initSQL = `
			CREATE TABLE IF NOT EXISTS boards (
				key TEXT NOT NULL PRIMARY KEY,
				content BLOB,
				signature TEXT,
				modified TEXT
			);
			CREATE INDEX IF NOT EXISTS boards_modified ON boards(modified);
		`
	default:
		return errors.Errorf("unrecognized sql store driver %q", driver)
	}

	if _, err := db.Exec(initSQL); err != nil {
		return errors.Wrap(err, "error initializing schema")
	}
	return nil
}

// placeholder returns the driver's positional parameter syntax for index n
// (1-based): $1, $2, ... for Postgres, ? for SQLite.
func (s *SQLStore) placeholder(n int) string {
	if s.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Get(ctx context.Context, key string) (*s83store.Board, error) {
	query := fmt.Sprintf(`
		SELECT content, signature, modified
		FROM boards
		WHERE key = %s
	`, s.placeholder(1))

	row := s.db.QueryRowContext(ctx, query, key)

	var content []byte
	var signature, modified string
	if err := row.Scan(&content, &signature, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s83store.ErrKeyNotFound
		}
		return nil, errors.Wrap(err, "error scanning board row")
	}

	modifiedTime, err := time.Parse(time.RFC3339, modified)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing modified timestamp")
	}

	if s.timeNow().After(modifiedTime.Add(s83store.MaxContentAge)) {
		return nil, s83store.ErrKeyNotFound
	}

	return &s83store.Board{Content: content, Signature: signature, Timestamp: modifiedTime}, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, board *s83store.Board) error {
	var query string
	if s.driver == DriverPostgres {
		query = `
			INSERT INTO boards (key, content, signature, modified)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				content = $2,
				signature = $3,
				modified = $4
		`
	} else {
		query = `
			INSERT INTO boards (key, content, signature, modified)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				content = excluded.content,
				signature = excluded.signature,
				modified = excluded.modified
		`
	}

	_, err := s.db.ExecContext(ctx, query,
		key, board.Content, board.Signature, board.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "error upserting board")
	}
	return nil
}

func (s *SQLStore) GetAll(ctx context.Context) (map[string]*s83store.Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, content, signature, modified
		FROM boards
		ORDER BY modified DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "error querying boards")
	}
	defer rows.Close()

	now := s.timeNow()
	boards := make(map[string]*s83store.Board)

	for rows.Next() {
		var key, signature, modified string
		var content []byte

		if err := rows.Scan(&key, &content, &signature, &modified); err != nil {
			return nil, errors.Wrap(err, "error scanning board row")
		}

		modifiedTime, err := time.Parse(time.RFC3339, modified)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing modified timestamp")
		}

		if now.After(modifiedTime.Add(s83store.MaxContentAge)) {
			continue
		}

		boards[key] = &s83store.Board{Content: content, Signature: signature, Timestamp: modifiedTime}
	}

	return boards, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM boards`)

	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "error counting boards")
	}
	return count, nil
}

// Expire deletes rows whose modified timestamp is older than MaxContentAge
// as of now, and reports how many rows were removed.
func (s *SQLStore) Expire(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s83store.MaxContentAge).UTC().Format(time.RFC3339)

	query := fmt.Sprintf(`DELETE FROM boards WHERE modified < %s`, s.placeholder(1))
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "error deleting expired boards")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "error reading rows affected")
	}
	return int(affected), nil
}

// ReapLoop periodically calls Expire on a ticker. It blocks, so callers
// start it on a goroutine.
func (s *SQLStore) ReapLoop(ctx context.Context, shutdown <-chan struct{}) {
	for {
		if _, err := s.Expire(ctx, s.timeNow()); err != nil {
			// Nothing useful to do with the error beyond trying again on the
			// next tick; the caller has no channel to report it on.
			_ = err
		}

		select {
		case <-shutdown:
			return
		case <-time.After(1 * time.Minute):
		}
	}
}

// SetTimeNow overrides the store's clock. For testing purposes only.
func (s *SQLStore) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}
