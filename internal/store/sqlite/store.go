// Package sqlite persists the controller's mounted sessions in a SQLite
// database so that list/disconnect/status invocations can find sessions
// opened by earlier CLI runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sdfadb/sdfadb/internal/domain"
)

// ErrNotFound is returned when no saved session matches the lookup.
var ErrNotFound = errors.New("session not found")

// Store wraps a SQLite database holding the local session records.
type Store struct {
	db *sql.DB
}

// Open creates or opens the session database at path, runs migrations, and
// enables WAL mode.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
	local_port    INTEGER PRIMARY KEY,
	session_id    TEXT NOT NULL,
	provider_id   TEXT NOT NULL,
	device_serial TEXT NOT NULL,
	relay_host    TEXT NOT NULL,
	relay_port    INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Save inserts or replaces the session mounted on a local port.
func (s *Store) Save(ctx context.Context, sess domain.LocalSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(local_port, session_id, provider_id, device_serial, relay_host, relay_port, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.LocalPort, sess.SessionID, sess.ProviderID, sess.DeviceSerial,
		sess.RelayHost, sess.RelayPort, sess.CreatedAt.UTC())
	return err
}

// Get returns the session mounted on a local port.
func (s *Store) Get(ctx context.Context, localPort int) (domain.LocalSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_port, session_id, provider_id, device_serial, relay_host, relay_port, created_at
		FROM sessions WHERE local_port = ?`, localPort)
	return scanSession(row)
}

// List returns all saved sessions ordered by local port.
func (s *Store) List(ctx context.Context) ([]domain.LocalSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_port, session_id, provider_id, device_serial, relay_host, relay_port, created_at
		FROM sessions ORDER BY local_port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LocalSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Delete removes the session record for a local port. It reports whether a
// record was actually removed.
func (s *Store) Delete(ctx context.Context, localPort int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE local_port = ?`, localPort)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.LocalSession, error) {
	var sess domain.LocalSession
	err := row.Scan(&sess.LocalPort, &sess.SessionID, &sess.ProviderID,
		&sess.DeviceSerial, &sess.RelayHost, &sess.RelayPort, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, ErrNotFound
	}
	return sess, err
}

func ensureParentDir(path string) error {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
