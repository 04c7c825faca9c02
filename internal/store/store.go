// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store owns the persisted graph: jobs, nurture batches, event logs,
// scheduler locks, scans, settings, users, and proxies. Every other component
// holds ids only and reaches durable state through this package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("store: not found")

// Config defines standard SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	ReadConns    int
	SlowStateLog bool
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	readConns := runtime.NumCPU()
	if readConns < 4 {
		readConns = 4
	}
	return Config{
		BusyTimeout: 5 * time.Second,
		ReadConns:   readConns,
	}
}

// Store is the durable SQLite-backed state store. Writes go through a single
// connection opened with immediate transactions so concurrent writers are
// serialised; reads use a WAL read pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// Open initializes the store at dbPath with mandatory PRAGMAs and runs the
// schema migrations.
func Open(dbPath string, cfg Config) (*Store, error) {
	// PRAGMAs ride the DSN so they apply to every pooled connection.
	// Format: file:path?_pragma=foo(bar)&_pragma=baz(qux)
	base := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	write, err := sql.Open("sqlite", base+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open write pool failed: %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)
	write.SetConnMaxLifetime(time.Hour)

	read, err := sql.Open("sqlite", base)
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("sqlite: open read pool failed: %w", err)
	}
	read.SetMaxOpenConns(cfg.ReadConns)
	read.SetMaxIdleConns(cfg.ReadConns)
	read.SetConnMaxLifetime(time.Hour)

	if err := write.Ping(); err != nil {
		_ = write.Close()
		_ = read.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &Store{write: write, read: read}
	if err := s.migrate(); err != nil {
		_ = write.Close()
		_ = read.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	rerr := s.read.Close()
	werr := s.write.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// WithTx runs fn inside an immediate write transaction. Rolls back on error
// or panic, commits otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// WriteDB exposes the write pool for tests that need to force fault states.
func (s *Store) WriteDB() *sql.DB { return s.write }

// ReadDB exposes the read pool for read-only diagnostics.
func (s *Store) ReadDB() *sql.DB { return s.read }

func nowMS() int64 {
	return time.Now().UnixMilli()
}
