package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/openesb/asyncbus/internal/engine/classify"
	"github.com/openesb/asyncbus/internal/engine/msg"
	"github.com/openesb/asyncbus/internal/engine/routes"
)

// SQLiteConfig holds SQLite-specific store configuration.
type SQLiteConfig struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
}

func (c SQLiteConfig) withDefaults() SQLiteConfig {
	if c.FilePath == "" {
		c.FilePath = "asyncbus_messages.db"
	}
	return c
}

// SQLite is the file-backed Store. Transitions use compare-and-swap updates
// guarded by the current state and attempt count, so racing workers see one
// winner even across processes sharing the file.
type SQLite struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens (or creates) the database and initializes the schema.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite doesn't support concurrent writers on one connection pool well.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, nowFunc: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		correlation_key TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		direction TEXT NOT NULL DEFAULT '',
		synchronous INTEGER NOT NULL DEFAULT 0,
		route_name TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error_kind TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at TIMESTAMP,
		payload_ref TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_updated_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_active_key
		ON messages(correlation_key)
		WHERE correlation_key <> '' AND state NOT IN ('OK', 'FAILED', 'CANCELLED');

	CREATE INDEX IF NOT EXISTS idx_messages_retry
		ON messages(state, next_attempt_at);

	CREATE INDEX IF NOT EXISTS idx_messages_key
		ON messages(correlation_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Create(ctx context.Context, m msg.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, correlation_key, state, direction, synchronous, route_name,
			attempt_count, last_error_kind, last_error, next_attempt_at,
			payload_ref, created_at, last_updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.CorrelationKey, string(m.State), string(m.Route.Direction), m.Route.Synchronous,
		m.RouteName, m.AttemptCount, string(m.LastErrorKind), m.LastError,
		nullableTime(m.NextAttemptAt), m.PayloadRef, m.CreatedAt.UTC(), m.LastUpdatedAt.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.Contains(sqliteErr.Error(), "correlation_key") {
			return s.duplicateKeyError(ctx, m.CorrelationKey)
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// duplicateKeyError resolves the conflicting message ID for the error detail.
// Best effort; the holder may have settled between the insert and this read.
func (s *SQLite) duplicateKeyError(ctx context.Context, key string) error {
	dup := &DuplicateCorrelationKeyError{Key: key}
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE correlation_key = ? AND state NOT IN ('OK', 'FAILED', 'CANCELLED')
		LIMIT 1
	`, key)
	_ = row.Scan(&dup.ExistingID)
	return dup
}

func (s *SQLite) Get(ctx context.Context, id string) (msg.Message, error) {
	return s.queryOne(ctx, `WHERE id = ?`, id)
}

func (s *SQLite) Transition(ctx context.Context, id string, ev msg.Event) (msg.Message, error) {
	// Optimistic loop: load, apply, swap guarded by the observed state and
	// attempt count. A lost swap means another worker transitioned first;
	// re-validating against the fresh row then yields either a new edge or
	// the invalid-transition error the caller expects.
	for {
		current, err := s.Get(ctx, id)
		if err != nil {
			return msg.Message{}, err
		}

		next, err := msg.Apply(current, ev, s.nowFunc())
		if err != nil {
			return msg.Message{}, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET state = ?, attempt_count = ?, last_error_kind = ?, last_error = ?,
			    next_attempt_at = ?, last_updated_at = ?
			WHERE id = ? AND state = ? AND attempt_count = ?
		`, string(next.State), next.AttemptCount, string(next.LastErrorKind), next.LastError,
			nullableTime(next.NextAttemptAt), next.LastUpdatedAt.UTC(),
			id, string(current.State), current.AttemptCount)
		if err != nil {
			return msg.Message{}, fmt.Errorf("failed to update message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return msg.Message{}, err
		}
		if affected == 1 {
			return next, nil
		}
	}
}

func (s *SQLite) FindByCorrelationKey(ctx context.Context, key string) (msg.Message, error) {
	if key == "" {
		return msg.Message{}, ErrNotFound
	}
	return s.queryOne(ctx, `WHERE correlation_key = ? AND state = 'WAITING_FOR_RESPONSE'`, key)
}

func (s *SQLite) FindLatestByCorrelationKey(ctx context.Context, key string) (msg.Message, error) {
	if key == "" {
		return msg.Message{}, ErrNotFound
	}
	return s.queryOne(ctx, `WHERE correlation_key = ? ORDER BY last_updated_at DESC LIMIT 1`, key)
}

func (s *SQLite) FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]msg.Message, error) {
	return s.queryMany(ctx, `
		WHERE state = 'PARTLY_FAILED' AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?
	`, now.UTC(), positiveLimit(limit))
}

func (s *SQLite) FindResponseTimeouts(ctx context.Context, olderThan time.Time, limit int) ([]msg.Message, error) {
	return s.queryMany(ctx, `
		WHERE state = 'WAITING_FOR_RESPONSE' AND last_updated_at < ?
		ORDER BY last_updated_at ASC
		LIMIT ?
	`, olderThan.UTC(), positiveLimit(limit))
}

func (s *SQLite) Find(ctx context.Context, f Filter) ([]msg.Message, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.States) > 0 {
		placeholders := make([]string, len(f.States))
		for i, st := range f.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ", ")))
	}
	if f.RouteName != "" {
		clauses = append(clauses, "route_name = ?")
		args = append(args, f.RouteName)
	}
	if f.CorrelationKey != "" {
		clauses = append(clauses, "correlation_key = ?")
		args = append(args, f.CorrelationKey)
	}
	if !f.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at > ?")
		args = append(args, f.CreatedAfter.UTC())
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, positiveLimit(f.Limit))
	return s.queryMany(ctx, where+` ORDER BY created_at DESC LIMIT ?`, args...)
}

const sqliteSelectColumns = `
	SELECT id, correlation_key, state, direction, synchronous, route_name,
	       attempt_count, last_error_kind, last_error, next_attempt_at,
	       payload_ref, created_at, last_updated_at
	FROM messages
`

func (s *SQLite) queryOne(ctx context.Context, clause string, args ...any) (msg.Message, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectColumns+clause, args...)
	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return msg.Message{}, ErrNotFound
	}
	if err != nil {
		return msg.Message{}, fmt.Errorf("failed to scan message: %w", err)
	}
	return m, nil
}

func (s *SQLite) queryMany(ctx context.Context, clause string, args ...any) ([]msg.Message, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectColumns+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []msg.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// scanMessage reads one row in column order shared by both SQL backends.
func scanMessage(scan func(...any) error) (msg.Message, error) {
	var (
		m             msg.Message
		state         string
		direction     string
		errorKind     string
		nextAttemptAt sql.NullTime
	)
	err := scan(&m.ID, &m.CorrelationKey, &state, &direction, &m.Route.Synchronous,
		&m.RouteName, &m.AttemptCount, &errorKind, &m.LastError, &nextAttemptAt,
		&m.PayloadRef, &m.CreatedAt, &m.LastUpdatedAt)
	if err != nil {
		return msg.Message{}, err
	}
	m.State = msg.State(state)
	m.Route.Direction = routes.Direction(direction)
	m.LastErrorKind = classify.Kind(errorKind)
	if nextAttemptAt.Valid {
		m.NextAttemptAt = nextAttemptAt.Time.UTC()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.LastUpdatedAt = m.LastUpdatedAt.UTC()
	return m, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func positiveLimit(limit int) int {
	if limit <= 0 {
		return -1 // no limit
	}
	return limit
}
