package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	_ "modernc.org/sqlite"
)

// Event represents a recorded timeline entry. ResponseID is empty for lines
// emitted outside any stream session.
type Event struct {
	ID         int64     `json:"id"`
	ResponseID string    `json:"response_id,omitempty"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Response describes one streamed reply.
type Response struct {
	ResponseID string
	SampleRate int
	Chunks     int
	Bytes      int64
	CreatedAt  time.Time
	EndedAt    time.Time
}

// Store wraps a SQLite-backed timeline of worker output.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS responses (
    response_id TEXT PRIMARY KEY,
    sample_rate INTEGER NOT NULL,
    chunks INTEGER NOT NULL DEFAULT 0,
    bytes INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    response_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(response_id) REFERENCES responses(response_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_response_created ON events(response_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// StartResponse ensures a response row exists.
func (s *Store) StartResponse(ctx context.Context, responseID string, sampleRate int) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses(response_id, sample_rate, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(response_id) DO UPDATE SET sample_rate=excluded.sample_rate`,
		responseID, sampleRate, s.clock().UTC())
	return err
}

// EndResponse stores the delivered totals for a response. A response whose
// start was never recorded is created with a zero sample rate.
func (s *Store) EndResponse(ctx context.Context, responseID string, chunks int, bytes int64) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses(response_id, sample_rate, chunks, bytes, created_at, ended_at)
		 VALUES(?, 0, ?, ?, ?, ?)
		 ON CONFLICT(response_id) DO UPDATE SET
		   chunks=excluded.chunks, bytes=excluded.bytes, ended_at=excluded.ended_at`,
		responseID, chunks, bytes, now, now)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	var responseID any
	if evt.ResponseID != "" {
		responseID = evt.ResponseID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(response_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		responseID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// GetResponse loads a single response summary.
func (s *Store) GetResponse(ctx context.Context, responseID string) (Response, bool, error) {
	if s.disabled() {
		return Response{}, false, nil
	}
	var (
		r       Response
		created string
		ended   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT response_id, sample_rate, chunks, bytes, created_at, ended_at FROM responses WHERE response_id = ?`,
		responseID).Scan(&r.ResponseID, &r.SampleRate, &r.Chunks, &r.Bytes, &created, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	r.CreatedAt = parseTimestamp(created)
	if ended.Valid {
		r.EndedAt = parseTimestamp(ended.String)
	}
	return r, true, nil
}

// ListResponseEvents retrieves up to limit events for a response ordered ascending by time.
func (s *Store) ListResponseEvents(ctx context.Context, responseID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, response_id, event_type, payload, created_at
		 FROM events WHERE response_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, responseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			rid     sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &rid, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.ResponseID = rid.String
		e.CreatedAt = parseTimestamp(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM responses WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.RetentionMode == "session" && s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM responses WHERE response_id IN (
			SELECT response_id FROM responses ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

func parseTimestamp(value string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
