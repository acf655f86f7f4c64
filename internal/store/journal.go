package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

const timeLayout = time.RFC3339Nano

// Entry is a journaled event with its per-instance sequence number.
type Entry struct {
	Sequence int64                `json:"sequence"`
	Event    schema.WorkflowEvent `json:"event"`
}

// InstanceRecord is the latest snapshot of an instance kept by the journal.
type InstanceRecord struct {
	Instance    *schema.WorkflowInstance `json:"instance"`
	Fingerprint string                   `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

// InstanceQuery filters ListInstances. Empty fields match everything.
type InstanceQuery struct {
	DefinitionID string
	Status       schema.InstanceStatus
	Limit        int
}

// Journal is an append-only audit trail of engine events backed by libSQL.
// It records what happened; it is not used to recover running instances.
type Journal struct {
	db *sql.DB
	// appendMu serializes sequence allocation.
	appendMu sync.Mutex
	now      func() time.Time
}

// Open opens (or creates) a libSQL database at path. A bare filesystem path
// is turned into a file: URI.
func Open(path string) (*Journal, error) {
	dsn := path
	if !strings.Contains(dsn, ":") {
		dsn = "file:" + dsn
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open journal").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Migrate applies pending schema migrations.
func (j *Journal) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, j.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, "migrate journal").WithCause(err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// AppendEvent stores ev and returns its sequence number within the instance,
// starting at 1. An event without an id gets a fresh one.
func (j *Journal) AppendEvent(ctx context.Context, ev schema.WorkflowEvent) (int64, error) {
	if ev.InstanceID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "event has no instance id")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = j.now().UTC()
	}
	data, err := marshalNullable(ev.Data)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "marshal event data").WithCause(err)
	}

	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin append", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, ev.InstanceID,
	).Scan(&seq); err != nil {
		return 0, storeError("next sequence", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, instance_id, definition_id, step_id, event_type, data, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.InstanceID, ev.DefinitionID, nullStr(ev.StepID), string(ev.Type), data,
		ev.Timestamp.UTC().Format(timeLayout), seq,
	); err != nil {
		return 0, storeError("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit event", err)
	}
	return seq, nil
}

// ListEvents returns the events of an instance with sequence > since, oldest first.
func (j *Journal) ListEvents(ctx context.Context, instanceID string, since int64) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, instance_id, definition_id, step_id, event_type, data, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, storeError("list events", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e            Entry
			stepID, data sql.NullString
			typ, ts      string
		)
		if err := rows.Scan(&e.Event.ID, &e.Event.InstanceID, &e.Event.DefinitionID, &stepID, &typ, &data, &ts, &e.Sequence); err != nil {
			return nil, storeError("scan event", err)
		}
		e.Event.Type = schema.EventType(typ)
		e.Event.StepID = stepID.String
		if e.Event.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, storeError("parse event timestamp", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Event.Data); err != nil {
				return nil, storeError("decode event data", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list events", err)
	}
	return entries, nil
}

// SaveInstance upserts the snapshot of inst. fingerprint identifies the
// definition content the instance ran against and may be empty.
func (j *Journal) SaveInstance(ctx context.Context, inst *schema.WorkflowInstance, fingerprint string) error {
	if inst == nil || inst.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance snapshot has no id")
	}
	snapshot, err := json.Marshal(inst)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal instance snapshot").WithCause(err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO instances (id, definition_id, definition_fingerprint, status, initiator_type, initiator_id, snapshot, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   definition_fingerprint = COALESCE(excluded.definition_fingerprint, instances.definition_fingerprint),
		   status = excluded.status,
		   snapshot = excluded.snapshot,
		   updated_at = excluded.updated_at`,
		inst.ID, inst.DefinitionID, nullStr(fingerprint), string(inst.Status),
		string(inst.Initiator.Type), nullStr(inst.Initiator.ID), string(snapshot),
		inst.StartedAt.UTC().Format(timeLayout), j.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return storeError("save instance", err)
	}
	return nil
}

// GetInstance returns the latest snapshot of an instance, or NOT_FOUND.
func (j *Journal) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT snapshot, definition_fingerprint, updated_at FROM instances WHERE id = ?`, id)
	rec, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %q not found in journal", id)
	}
	return rec, err
}

// ListInstances returns snapshots ordered by start time, newest first.
func (j *Journal) ListInstances(ctx context.Context, q InstanceQuery) ([]*InstanceRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, q.DefinitionID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}

	query := `SELECT snapshot, definition_fingerprint, updated_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list instances", err)
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list instances", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*InstanceRecord, error) {
	var (
		snapshot, updated string
		fingerprint       sql.NullString
	)
	if err := row.Scan(&snapshot, &fingerprint, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeError("scan instance", err)
	}

	rec := &InstanceRecord{Fingerprint: fingerprint.String}
	if err := json.Unmarshal([]byte(snapshot), &rec.Instance); err != nil {
		return nil, storeError("decode instance snapshot", err)
	}
	ts, err := time.Parse(timeLayout, updated)
	if err != nil {
		return nil, storeError("parse instance timestamp", err)
	}
	rec.UpdatedAt = ts
	return rec, nil
}

// SnapshotFunc returns the current state of an instance, or nil.
type SnapshotFunc func(instanceID string) *schema.WorkflowInstance

// FingerprintFunc returns the content fingerprint of a definition.
type FingerprintFunc func(definitionID string) (string, bool)

// Handler adapts the journal to an engine event handler. Every event is
// appended; after each one the instance snapshot is refreshed through
// snapshot when it is non-nil. Writes use a context detached from the
// caller so a cancelled request never loses audit rows.
func (j *Journal) Handler(snapshot SnapshotFunc, fingerprint FingerprintFunc) func(context.Context, schema.WorkflowEvent) error {
	return func(ctx context.Context, ev schema.WorkflowEvent) error {
		ctx = context.WithoutCancel(ctx)
		if _, err := j.AppendEvent(ctx, ev); err != nil {
			return err
		}
		if snapshot == nil || ev.Type == schema.EventStepStarted {
			return nil
		}
		inst := snapshot(ev.InstanceID)
		if inst == nil {
			return nil
		}
		var fp string
		if fingerprint != nil {
			fp, _ = fingerprint(inst.DefinitionID)
		}
		return j.SaveInstance(ctx, inst, fp)
	}
}

func storeError(op string, err error) *schema.WorkflowError {
	return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("%s: %s", op, err.Error())).WithCause(err)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalNullable(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
