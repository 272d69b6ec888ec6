package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultStoreBuffer is the number of events a Store holds before Deliver
// starts dropping.
const DefaultStoreBuffer = 256

// Store persists transcript events to SQLite. Deliver never blocks: events
// are handed to a writer goroutine through a bounded buffer and dropped
// when it is full.
type Store struct {
	db        *sql.DB
	log       *slog.Logger
	sessionID string
	clock     func() time.Time

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

// Record is a stored transcript line.
type Record struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Event
}

// Open creates or opens the database at path and starts a new
// conversation session in it.
func Open(ctx context.Context, path, endpoint string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:        db,
		log:       logger.With("component", "transcript.store"),
		sessionID: uuid.NewString(),
		clock:     time.Now,
		events:    make(chan Event, DefaultStoreBuffer),
		done:      make(chan struct{}),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, endpoint, started_at) VALUES(?, ?, ?)`,
		s.sessionID, endpoint, s.now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}

	go s.writeLoop()

	s.log.Info("transcript store opened", "path", path, "session_id", s.sessionID)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    endpoint TEXT,
    started_at TEXT NOT NULL,
    ended_at TEXT
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    speaker TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) now() string {
	return s.clock().UTC().Format(time.RFC3339Nano)
}

// SessionID returns the identifier of the session this store writes to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Deliver queues e for writing. It drops e if the buffer is full or the
// store is closed.
func (s *Store) Deliver(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)

	for e := range s.events {
		if err := s.Append(context.Background(), e); err != nil {
			s.log.Warn("failed to store transcript", "error", err)
			continue
		}
		s.written.Add(1)
	}
}

// Append writes e synchronously.
func (s *Store) Append(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, speaker, text, created_at) VALUES(?, ?, ?, ?)`,
		s.sessionID, e.Speaker, e.Text, e.Time.UTC().Format(time.RFC3339Nano))
	return err
}

// ListSession returns up to limit events of a session in arrival order.
// An empty sessionID means the current session.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if sessionID == "" {
		sessionID = s.sessionID
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, speaker, text, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Speaker, &r.Text, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.Time = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Written returns the number of events persisted by the writer.
func (s *Store) Written() uint64 {
	return s.written.Load()
}

// Dropped returns the number of events discarded by Deliver.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// Close flushes buffered events, marks the session ended and closes the
// database. Later calls return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	<-s.done

	if _, err := s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, s.now(), s.sessionID); err != nil {
		s.log.Warn("failed to end session", "error", err)
	}

	s.log.Info("transcript store closed", "written", s.written.Load(), "dropped", s.dropped.Load())
	return s.db.Close()
}
