package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/pipeflow/internal/streaming"
)

// JournalEntry is one recorded run event.
type JournalEntry struct {
	Sequence  int64           `json:"sequence"`
	Pipeline  string          `json:"pipeline"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Time      time.Time       `json:"time"`
}

// Journal is an append-only log of run events kept next to the snapshots
// in an SQLStore. It implements streaming.Listener.
type Journal struct {
	store *SQLStore
}

// NewJournal wraps a migrated SQLStore.
func NewJournal(s *SQLStore) *Journal {
	return &Journal{store: s}
}

// Handle appends ev; it lets the journal be attached to an event hub.
func (j *Journal) Handle(ctx context.Context, ev streaming.StreamEvent) error {
	_, err := j.Append(ctx, ev)
	return err
}

// Append records ev with the next sequence number of its run.
func (j *Journal) Append(ctx context.Context, ev streaming.StreamEvent) (int64, error) {
	d := j.store.dialect
	runKey := Key(ev.Pipeline, ev.RunID)

	var payload sql.NullString
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}
	at := timeOrNow(ev.Time)

	tx, err := j.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	if err := d.lockRun(ctx, tx, runKey); err != nil {
		return 0, fmt.Errorf("acquire journal lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, d.rebind(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_key = ?`), runKey,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, d.rebind(
		`INSERT INTO run_events (run_key, sequence, pipeline_name, run_id, step, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		runKey, seq, ev.Pipeline, ev.RunID, nullStr(ev.Step), ev.EventType, payload, at.UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event: %w", err)
	}
	return seq, nil
}

// Events returns the events of one run with sequence > since, in order.
func (j *Journal) Events(ctx context.Context, pipeline, runID string, since int64) ([]JournalEntry, error) {
	rows, err := j.store.db.QueryContext(ctx, j.store.dialect.rebind(
		`SELECT sequence, pipeline_name, run_id, step, event_type, payload, created_at
		 FROM run_events WHERE run_key = ? AND sequence > ? ORDER BY sequence ASC`),
		Key(pipeline, runID), since,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e       JournalEntry
			step    sql.NullString
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&e.Sequence, &e.Pipeline, &e.RunID, &step, &e.EventType, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Step = step.String
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Time = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
