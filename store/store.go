// Package store persists room state as key-value pairs in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/workwithpact/cf-socket-server/domain"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_state (
    room TEXT NOT NULL,
    state_key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (room, state_key)
)`

// SQLStore holds every room's key-value pairs in one table.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the schema. Safe to call on an
// existing database.
func Open(driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database type %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database url is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Room returns the store scoped to one room name.
func (s *SQLStore) Room(name string) domain.Store {
	return &roomStore{parent: s, room: name}
}

// rebind rewrites $n placeholders to ? for sqlite.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverSQLite {
		return query
	}
	for i := 9; i >= 1; i-- {
		query = strings.ReplaceAll(query, "$"+strconv.Itoa(i), "?")
	}
	return query
}

type roomStore struct {
	parent *SQLStore
	room   string
}

func (r *roomStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := r.parent.db.QueryRowContext(ctx,
		r.parent.rebind(`SELECT value FROM room_state WHERE room = $1 AND state_key = $2`),
		r.room, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", r.room, key, err)
	}
	return []byte(value), nil
}

func (r *roomStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.parent.db.ExecContext(ctx,
		r.parent.rebind(`INSERT INTO room_state (room, state_key, value, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (room, state_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		r.room, key, string(value), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", r.room, key, err)
	}
	return nil
}

func (r *roomStore) Delete(ctx context.Context, key string) error {
	_, err := r.parent.db.ExecContext(ctx,
		r.parent.rebind(`DELETE FROM room_state WHERE room = $1 AND state_key = $2`),
		r.room, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", r.room, key, err)
	}
	return nil
}
