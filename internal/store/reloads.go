// Package store keeps the client-local record of forced reloads that the
// connection machine consults before reloading a declined session.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/recera/vango-thin/pkg/conn"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// Retention is how long reload records are kept
const Retention = 24 * time.Hour

// ReloadLog is a SQLite reload history shared by every client of a scope
// on this machine
type ReloadLog struct {
	db    *sql.DB
	scope string
	path  string
}

var (
	_ conn.ReloadStore = (*ReloadLog)(nil)
	_ conn.ReloadStore = (*MemoryReloadLog)(nil)
)

// OpenReloadLog opens or creates the log at path. scope separates
// applications sharing one file.
func OpenReloadLog(path, scope string) (*ReloadLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &ReloadLog{db: db, scope: scope, path: path}, nil
}

// Record stores a reload at at and prunes records past Retention
func (l *ReloadLog) Record(ctx context.Context, at time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reloads (scope, at_ns) VALUES (?, ?)`, l.scope, at.UnixNano()); err != nil {
		return fmt.Errorf("insert reload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reloads WHERE scope = ? AND at_ns < ?`, l.scope, at.Add(-Retention).UnixNano()); err != nil {
		return fmt.Errorf("prune reloads: %w", err)
	}
	return tx.Commit()
}

// CountSince counts reloads at or after since
func (l *ReloadLog) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reloads WHERE scope = ? AND at_ns >= ?`, l.scope, since.UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reloads: %w", err)
	}
	return n, nil
}

// Clear forgets the reload history of the scope, used after manual
// recovery from the failsafe
func (l *ReloadLog) Clear(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM reloads WHERE scope = ?`, l.scope)
	return err
}

// Path returns the database file
func (l *ReloadLog) Path() string {
	return l.path
}

// Close closes the database
func (l *ReloadLog) Close() error {
	return l.db.Close()
}

// MemoryReloadLog is a process-local reload history
type MemoryReloadLog struct {
	mu sync.Mutex
	at []time.Time
}

// NewMemoryReloadLog creates an empty history
func NewMemoryReloadLog() *MemoryReloadLog {
	return &MemoryReloadLog{}
}

// Record stores a reload at at
func (m *MemoryReloadLog) Record(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := at.Add(-Retention)
	kept := m.at[:0]
	for _, t := range m.at {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	m.at = append(kept, at)
	return nil
}

// CountSince counts reloads at or after since
func (m *MemoryReloadLog) CountSince(_ context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.at {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}

// Clear forgets the history
func (m *MemoryReloadLog) Clear(context.Context) error {
	m.mu.Lock()
	m.at = nil
	m.mu.Unlock()
	return nil
}
