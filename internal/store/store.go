// Package store persists threads, messages and execution traces.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/memory"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNotFound is returned when a thread or message does not exist.
var ErrNotFound = errors.New("not found")

var storeTracer = otel.Tracer("polyplexity/internal/store")

// Thread is the persisted, thread-scoped state.
type Thread struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Summary       string           `json:"summary"`
	History       []memory.Message `json:"history"`
	ReportVersion int              `json:"report_version"`
	FinalReport   string           `json:"final_report"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Message is one stored chat message. Index orders messages within a thread.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Index     int       `json:"index"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the Postgres implementation.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// EnsureThread creates the thread row if it does not exist and reports
// whether it was created.
func (s *Store) EnsureThread(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO threads (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return false, fmt.Errorf("ensure thread %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoadThread returns the thread state or ErrNotFound.
func (s *Store) LoadThread(ctx context.Context, id string) (Thread, error) {
	var t Thread
	var history []byte
	err := s.DB.QueryRowContext(ctx, `SELECT id, name, summary, history, report_version, final_report, created_at, updated_at FROM threads WHERE id=$1`, id).
		Scan(&t.ID, &t.Name, &t.Summary, &history, &t.ReportVersion, &t.FinalReport, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("load thread %s: %w", id, err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &t.History); err != nil {
			return Thread{}, fmt.Errorf("decode history for %s: %w", id, err)
		}
	}
	return t, nil
}

// SaveThread writes the thread-scoped state of an existing thread and
// returns ErrNotFound when the thread is gone. The thread name is managed by
// SetThreadName and is left untouched.
func (s *Store) SaveThread(ctx context.Context, t Thread) error {
	history := t.History
	if history == nil {
		history = []memory.Message{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE threads SET summary=$2, history=$3, report_version=$4, final_report=$5, updated_at=now() WHERE id=$1`,
		t.ID, t.Summary, raw, t.ReportVersion, t.FinalReport)
	if err != nil {
		return fmt.Errorf("save thread %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetThreadName(ctx context.Context, id, name string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE threads SET name=$2, updated_at=now() WHERE id=$1`, id, name)
	if err != nil {
		return fmt.Errorf("name thread %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteThread removes a thread with its messages and traces.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM threads WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIdleThreads returns the ids of threads not updated since before.
func (s *Store) ListIdleThreads(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM threads WHERE updated_at < $1 ORDER BY updated_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("list idle threads: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertMessageSQL = `INSERT INTO messages (id, thread_id, idx, role, content)
SELECT $1, $2, COALESCE(MAX(idx), -1) + 1, $3, $4 FROM messages WHERE thread_id=$2
RETURNING idx`

func insertMessage(ctx context.Context, db queryer, threadID, role, content string) (string, error) {
	id := uuid.NewString()
	var idx int
	if err := db.QueryRowContext(ctx, insertMessageSQL, id, threadID, role, content).Scan(&idx); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("save %s message: %w", role, err)
	}
	return id, nil
}

// SaveMessage appends a message to the thread and returns its id. The
// message index is the next integer after the thread's current maximum.
func (s *Store) SaveMessage(ctx context.Context, threadID, role, content string) (string, error) {
	ctx, span := storeTracer.Start(ctx, "store.SaveMessage")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", threadID), attribute.String("role", role))
	return insertMessage(ctx, s.DB, threadID, role, content)
}

// SaveExchange appends a user message and its assistant reply in one
// transaction. Either both are stored or neither is.
func (s *Store) SaveExchange(ctx context.Context, threadID, userContent, assistantContent string) (userID, assistantID string, err error) {
	ctx, span := storeTracer.Start(ctx, "store.SaveExchange")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", threadID))

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = tx.Rollback() }()
	if userID, err = insertMessage(ctx, tx, threadID, "user", userContent); err != nil {
		return "", "", err
	}
	if assistantID, err = insertMessage(ctx, tx, threadID, "assistant", assistantContent); err != nil {
		return "", "", err
	}
	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit exchange: %w", err)
	}
	return userID, assistantID, nil
}

// GetThreadMessages returns a thread's messages ordered by index.
func (s *Store) GetThreadMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, thread_id, idx, role, content, created_at FROM messages WHERE thread_id=$1 ORDER BY idx ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Index, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const insertTraceSQL = `INSERT INTO execution_traces (message_id, idx, event_type, node, event_name, payload, ts)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (message_id, idx) DO UPDATE SET event_type=EXCLUDED.event_type, node=EXCLUDED.node, event_name=EXCLUDED.event_name, payload=EXCLUDED.payload, ts=EXCLUDED.ts`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTrace(ctx context.Context, db execer, messageID string, index int, ev trace.Event) error {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = b
	}
	_, err := db.ExecContext(ctx, insertTraceSQL, messageID, index, string(ev.Kind), ev.Node, ev.Name, payload, ev.Timestamp)
	return err
}

// SaveExecutionTrace writes one trace event at an explicit index. Writing
// the same index twice overwrites it.
func (s *Store) SaveExecutionTrace(ctx context.Context, messageID string, index int, ev trace.Event) error {
	if err := insertTrace(ctx, s.DB, messageID, index, ev); err != nil {
		return fmt.Errorf("save trace %s/%d: %w", messageID, index, err)
	}
	return nil
}

func (s *Store) CountExecutionTrace(ctx context.Context, messageID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_traces WHERE message_id=$1`, messageID).Scan(&n)
	return n, err
}

// ReplaceExecutionTrace deletes the stored trace and writes events in one
// transaction.
func (s *Store) ReplaceExecutionTrace(ctx context.Context, messageID string, events []trace.Event) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_traces WHERE message_id=$1`, messageID); err != nil {
		return err
	}
	for i, ev := range events {
		if err := insertTrace(ctx, tx, messageID, i, ev); err != nil {
			return fmt.Errorf("rewrite trace %s/%d: %w", messageID, i, err)
		}
	}
	return tx.Commit()
}

// ListExecutionTrace returns the stored trace ordered by index.
func (s *Store) ListExecutionTrace(ctx context.Context, messageID string) ([]trace.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT event_type, node, event_name, payload, ts FROM execution_traces WHERE message_id=$1 ORDER BY idx ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trace.Event
	for rows.Next() {
		var ev trace.Event
		var kind string
		var payload []byte
		if err := rows.Scan(&kind, &ev.Node, &ev.Name, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Kind = trace.Kind(kind)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode trace payload: %w", err)
			}
		}
		if len(ev.Payload) == 0 {
			ev.Payload = nil
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
