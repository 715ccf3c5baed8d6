// Package audit records every pipeline run as an append-only command log.
// Entries flow through a bounded in-memory queue into SQLite via a single
// drain goroutine, so recording never blocks the request path. When the
// database append fails, the entry lands in a JSONL fallback sink instead
// of disappearing. Entries are never updated or deleted; corrections are
// new entries pointing at the original.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"erppilot/internal/logging"
	"erppilot/internal/metrics"
	"erppilot/internal/types"
)

// DefaultQueueSize bounds the in-flight entry queue.
const DefaultQueueSize = 256

const commandLogSchema = `
CREATE TABLE IF NOT EXISTS command_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	request_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	raw_text TEXT NOT NULL,
	intent TEXT,
	authorization TEXT,
	outcome TEXT,
	response TEXT NOT NULL DEFAULT '',
	parse_ms INTEGER NOT NULL DEFAULT 0,
	authorize_ms INTEGER NOT NULL DEFAULT 0,
	execute_ms INTEGER NOT NULL DEFAULT 0,
	total_ms INTEGER NOT NULL DEFAULT 0,
	corrects_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_command_log_user ON command_log(user_id, ts);
CREATE INDEX IF NOT EXISTS idx_command_log_conv ON command_log(user_id, conversation_id, ts);
`

// Recorder is the audit sink for the pipeline.
type Recorder struct {
	db           *sql.DB
	fallbackPath string

	queue chan *types.CommandLogEntry
	wg    sync.WaitGroup

	// mu makes enqueue and close mutually exclusive: Record holds the read
	// side while sending, Close holds the write side while closing the
	// queue, so a send can never race the close.
	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64

	fallbackMu sync.Mutex
}

// NewRecorder creates the recorder, ensures the schema, and starts the
// drain goroutine. queueSize <= 0 uses DefaultQueueSize.
func NewRecorder(db *sql.DB, fallbackPath string, queueSize int) (*Recorder, error) {
	if _, err := db.Exec(commandLogSchema); err != nil {
		return nil, fmt.Errorf("failed to create command_log table: %w", err)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	r := &Recorder{
		db:           db,
		fallbackPath: fallbackPath,
		queue:        make(chan *types.CommandLogEntry, queueSize),
	}

	r.wg.Add(1)
	go r.drain()
	return r, nil
}

// Record enqueues an entry without blocking. When the queue is saturated
// the entry goes straight to the fallback sink so the run still leaves a
// trace.
func (r *Recorder) Record(entry *types.CommandLogEntry) {
	if entry == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.writeFallback(entry)
		return
	}

	select {
	case r.queue <- entry:
		metrics.AuditQueueDepth.Set(float64(len(r.queue)))
		r.mu.RUnlock()
	default:
		r.mu.RUnlock()
		r.dropped.Add(1)
		logging.Audit("queue full, entry %s diverted to fallback", entry.RequestID)
		r.writeFallback(entry)
	}
}

// Dropped returns how many entries bypassed the queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting entries, drains the queue, and waits for the
// drain goroutine to exit.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) drain() {
	defer r.wg.Done()

	for entry := range r.queue {
		if err := r.append(entry); err != nil {
			logging.Audit("append failed for %s, using fallback: %v", entry.RequestID, err)
			r.writeFallback(entry)
		}
		metrics.AuditQueueDepth.Set(float64(len(r.queue)))
	}
}

func (r *Recorder) append(entry *types.CommandLogEntry) error {
	intentJSON := marshalOrNull(entry.Intent)
	authJSON := marshalOrNull(entry.Authorization)
	outcomeJSON := marshalOrNull(entry.Outcome)

	_, err := r.db.Exec(
		`INSERT INTO command_log
		 (ts, request_id, user_id, conversation_id, raw_text, intent, authorization, outcome,
		  response, parse_ms, authorize_ms, execute_ms, total_ms, corrects_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UnixMilli(), entry.RequestID, entry.UserID, entry.ConversationID,
		entry.RawText, intentJSON, authJSON, outcomeJSON, entry.Response,
		entry.Latency.Parse.Milliseconds(), entry.Latency.Authorize.Milliseconds(),
		entry.Latency.Execute.Milliseconds(), entry.Latency.Total.Milliseconds(),
		entry.CorrectsID)
	return err
}

func marshalOrNull(v interface{}) interface{} {
	switch v := v.(type) {
	case *types.Intent:
		if v == nil {
			return nil
		}
	case *types.Authorization:
		if v == nil {
			return nil
		}
	case *types.Outcome:
		if v == nil {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

// writeFallback appends the entry as one JSONL line. Best effort: if even
// this fails, the failure is logged and the entry is lost.
func (r *Recorder) writeFallback(entry *types.CommandLogEntry) {
	if r.fallbackPath == "" {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logging.Audit("failed to encode fallback entry %s: %v", entry.RequestID, err)
		return
	}

	r.fallbackMu.Lock()
	defer r.fallbackMu.Unlock()

	if dir := filepath.Dir(r.fallbackPath); dir != "." {
		os.MkdirAll(dir, 0755)
	}
	f, err := os.OpenFile(r.fallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.Audit("failed to open fallback sink: %v", err)
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

// History returns the most recent entries for a user, newest first. A
// non-empty conversationID narrows it to one conversation. The limit is
// clamped to [1,100].
func (r *Recorder) History(ctx context.Context, userID, conversationID string, limit int) ([]*types.CommandLogEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	query := `SELECT ts, request_id, user_id, conversation_id, raw_text, intent, authorization,
	          outcome, response, parse_ms, authorize_ms, execute_ms, total_ms, corrects_id
	          FROM command_log WHERE user_id = ?`
	args := []interface{}{userID}
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var out []*types.CommandLogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*types.CommandLogEntry, error) {
	var entry types.CommandLogEntry
	var ts, parseMs, authorizeMs, executeMs, totalMs int64
	var intentJSON, authJSON, outcomeJSON sql.NullString

	err := rows.Scan(&ts, &entry.RequestID, &entry.UserID, &entry.ConversationID,
		&entry.RawText, &intentJSON, &authJSON, &outcomeJSON, &entry.Response,
		&parseMs, &authorizeMs, &executeMs, &totalMs, &entry.CorrectsID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan log entry: %w", err)
	}

	entry.Timestamp = time.UnixMilli(ts)
	entry.Latency = types.LatencyBreakdown{
		Parse:     time.Duration(parseMs) * time.Millisecond,
		Authorize: time.Duration(authorizeMs) * time.Millisecond,
		Execute:   time.Duration(executeMs) * time.Millisecond,
		Total:     time.Duration(totalMs) * time.Millisecond,
	}

	if intentJSON.Valid && intentJSON.String != "" {
		var intent types.Intent
		if json.Unmarshal([]byte(intentJSON.String), &intent) == nil {
			entry.Intent = &intent
		}
	}
	if authJSON.Valid && authJSON.String != "" {
		var auth types.Authorization
		if json.Unmarshal([]byte(authJSON.String), &auth) == nil {
			entry.Authorization = &auth
		}
	}
	if outcomeJSON.Valid && outcomeJSON.String != "" {
		var outcome types.Outcome
		if json.Unmarshal([]byte(outcomeJSON.String), &outcome) == nil {
			entry.Outcome = &outcome
		}
	}
	return &entry, nil
}
