// Package archive keeps a local SQLite record of voice sessions and their
// turns. It uses modernc.org/sqlite for pure-Go, CGO-free access.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/normanking/cortexcompanion/internal/transcript"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);

CREATE TABLE IF NOT EXISTS turns (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	speaker    TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);

CREATE TABLE IF NOT EXISTS safety_flags (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	turn_id    TEXT NOT NULL,
	keyword    TEXT NOT NULL,
	flagged_at INTEGER NOT NULL
);
`

// Session summarizes an archived session.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Turns     int        `json:"turns"`
	Flags     int        `json:"flags"`
}

// SafetyFlag is one archived safety hit.
type SafetyFlag struct {
	TurnID    string    `json:"turnId"`
	Keyword   string    `json:"keyword"`
	FlaggedAt time.Time `json:"flaggedAt"`
}

// Store provides access to the archive database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the archive at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "archive").Logger(),
		now:    time.Now,
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Debug().Str("path", path).Msg("Archive opened")
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSession creates a session row and returns its id.
func (s *Store) BeginSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at) VALUES (?, ?)`,
		id, s.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		s.now().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Record appends a turn to a session.
func (s *Store) Record(ctx context.Context, sessionID string, turn transcript.Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, speaker, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.ID, sessionID, string(turn.Speaker), turn.Text, turn.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// Flag records a safety hit on a turn.
func (s *Store) Flag(ctx context.Context, sessionID, turnID, keyword string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO safety_flags (session_id, turn_id, keyword, flagged_at) VALUES (?, ?, ?, ?)`,
		sessionID, turnID, keyword, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert safety flag: %w", err)
	}
	return nil
}

// Turns returns a session's turns, oldest first.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, speaker, text, created_at FROM turns WHERE session_id = ? ORDER BY created_at`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []transcript.Turn
	for rows.Next() {
		var (
			turn    transcript.Turn
			speaker string
			created int64
		)
		if err := rows.Scan(&turn.ID, &speaker, &turn.Text, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Speaker = transcript.Speaker(speaker)
		turn.CreatedAt = time.Unix(0, created)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Flags returns a session's safety hits, oldest first.
func (s *Store) Flags(ctx context.Context, sessionID string) ([]SafetyFlag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, keyword, flagged_at FROM safety_flags WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query safety flags: %w", err)
	}
	defer rows.Close()

	var flags []SafetyFlag
	for rows.Next() {
		var (
			f       SafetyFlag
			flagged int64
		)
		if err := rows.Scan(&f.TurnID, &f.Keyword, &flagged); err != nil {
			return nil, fmt.Errorf("scan safety flag: %w", err)
		}
		f.FlaggedAt = time.Unix(0, flagged)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// Sessions lists the most recent sessions first. limit <= 0 means all.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	query := `
		SELECT s.id, s.started_at, s.ended_at,
			(SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id),
			(SELECT COUNT(*) FROM safety_flags f WHERE f.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &started, &ended, &sess.Turns, &sess.Flags); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			sess.EndedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
