package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/trustlens/trustlens/pkg/types"
)

// SQLiteStore keeps events in a single SQLite table. Writes go through one
// connection in WAL journal mode with synchronous=FULL; reads use a separate
// query-only pool.
type SQLiteStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	insertStmt *sql.Stmt
	lastSeq    atomic.Uint64
	closed     atomic.Bool
}

// OpenSQLite opens (or creates) the event database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("eventstore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: failed to initialize schema: %w", err)
	}

	// Read pool: concurrent readers, query-only
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_query_only=1")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	s.insertStmt, err = db.Prepare(`
		INSERT INTO evaluation_events (event_id, ts_unix_nano, trust_score, action, metadata)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("eventstore: failed to prepare insert: %w", err)
	}

	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM evaluation_events`).Scan(&last); err != nil {
		s.Close()
		return nil, fmt.Errorf("eventstore: failed to read last seq: %w", err)
	}
	if last.Valid {
		s.lastSeq.Store(uint64(last.Int64))
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS evaluation_events (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id     TEXT NOT NULL UNIQUE,
			ts_unix_nano INTEGER NOT NULL,
			trust_score  REAL NOT NULL,
			action       TEXT NOT NULL,
			metadata     TEXT
		)`)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, ev *types.EvaluationEvent) (types.EventID, error) {
	if err := Validate(ev); err != nil {
		return "", err
	}
	if s.closed.Load() {
		return "", writeError(ctx, "append failed", ErrClosed)
	}

	var metadata sql.NullString
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return "", writeError(ctx, "append failed", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	ts := ev.Timestamp.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.insertStmt.ExecContext(ctx, string(ev.ID), ts.UnixNano(), ev.TrustScore, string(ev.Action), metadata)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ev.ID, ErrDuplicateID
		}
		return "", writeError(ctx, "append failed", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", writeError(ctx, "append failed", err)
	}

	s.lastSeq.Store(uint64(seq))
	ev.Seq = uint64(seq)
	ev.Timestamp = ts
	return ev.ID, nil
}

const selectColumns = `SELECT seq, event_id, ts_unix_nano, trust_score, action, metadata FROM evaluation_events`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*types.EvaluationEvent, error) {
	var (
		ev       types.EvaluationEvent
		id       string
		tsNano   int64
		action   string
		metadata sql.NullString
	)
	if err := row.Scan(&ev.Seq, &id, &tsNano, &ev.TrustScore, &action, &metadata); err != nil {
		return nil, err
	}
	ev.ID = types.EventID(id)
	ev.Timestamp = time.Unix(0, tsNano).UTC()
	ev.Action = types.Action(action)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &ev, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id types.EventID) (*types.EvaluationEvent, error) {
	ev, err := scanEvent(s.readDB.QueryRowContext(ctx, selectColumns+` WHERE event_id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, readError("get failed", err)
	}
	return ev, nil
}

// Scan implements Store.
func (s *SQLiteStore) Scan(ctx context.Context, afterSeq uint64, fn ScanFunc) error {
	rows, err := s.readDB.QueryContext(ctx, selectColumns+` WHERE seq > ? ORDER BY seq`, int64(afterSeq))
	if err != nil {
		return readError("scan failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return readError("scan failed", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return readError("scan failed", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, offset, limit int) ([]*types.EvaluationEvent, int, error) {
	var total int
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluation_events`).Scan(&total); err != nil {
		return nil, 0, readError("list failed", err)
	}
	if limit <= 0 || offset >= total {
		return []*types.EvaluationEvent{}, total, nil
	}

	rows, err := s.readDB.QueryContext(ctx, selectColumns+` ORDER BY seq DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, readError("list failed", err)
	}
	defer rows.Close()

	events := make([]*types.EvaluationEvent, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, readError("list failed", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, readError("list failed", err)
	}
	return events, total, nil
}

// LastSeq implements Store.
func (s *SQLiteStore) LastSeq() uint64 {
	return s.lastSeq.Load()
}

// Close closes both connections.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	var firstErr error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
