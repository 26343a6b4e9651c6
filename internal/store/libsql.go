package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/artgen/pkg/schema"
)

const (
	runColumns   = `id, pipeline, spec_hash, status, started_at, finished_at, result`
	eventColumns = `id, run_id, step_id, asset_id, type, payload, timestamp, sequence`
)

var connPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

var _ Store = (*LibSQLStore)(nil)

// LibSQLStore is the run ledger on an embedded libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the ledger at dsn, a file URI such as
// "file:/var/lib/artgen/runs.db".
func NewLibSQLStore(dsn string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, storeErr("open ledger", err)
	}
	// One writer keeps the per-run sequence allocation serialized.
	db.SetMaxOpenConns(1)
	for _, p := range connPragmas {
		// journal_mode answers with a row; the others may not.
		var ignored string
		_ = db.QueryRow(p).Scan(&ignored)
	}
	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate brings the schema up to the latest embedded migration.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is empty")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, run.SpecHash, string(run.Status), run.StartedAt,
		optional(run.FinishedAt), optionalJSON(run.Result),
	)
	switch {
	case err == nil:
		return nil
	case strings.Contains(strings.ToLower(err.Error()), "unique"):
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
	default:
		return storeErr("insert run", err)
	}
}

func (s *LibSQLStore) FinishRun(ctx context.Context, id string, update RunUpdate) error {
	finished := update.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, result = ? WHERE id = ?`,
		string(update.Status), finished, optionalJSON(update.Result), id,
	)
	if err != nil {
		return storeErr("finish run", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storeErr("finish run", err)
	} else if n == 0 {
		return notFound("run", id)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, storeErr("read run", err)
	}
	return r, nil
}

// ListRuns returns matching runs, newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var q conditions
	q.add(filter.Pipeline != "", "pipeline = ?", filter.Pipeline)
	q.add(filter.Status != "", "status = ?", string(filter.Status))
	if filter.Since != nil {
		q.add(true, "started_at >= ?", *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs` + q.where() + ` ORDER BY started_at DESC, id ASC` + q.limit(filter.Limit)
	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list runs", err)
	}
	return runs, nil
}

// AppendEvent stores event with the next sequence number of its run and
// fills in ID, Sequence and a missing Timestamp.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin event", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return storeErr("next event sequence", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, asset_id, type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, optionalString(event.StepID), optionalString(event.AssetID), event.Type,
		optionalJSON(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}

	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns runID's events after sequence since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var q conditions
	q.add(true, "type = ?", eventType)
	q.add(filter.RunID != "", "run_id = ?", filter.RunID)
	q.add(filter.StepID != "", "step_id = ?", filter.StepID)
	if filter.Since != nil {
		q.add(true, "timestamp >= ?", *filter.Since)
	}
	query := `SELECT ` + eventColumns + ` FROM events` + q.where() + ` ORDER BY id ASC` + q.limit(filter.Limit)
	return s.queryEvents(ctx, query, q.args...)
}

func (s *LibSQLStore) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e                        Event
			stepID, assetID, payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &assetID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.StepID, e.AssetID = stepID.String, assetID.String
		e.Payload = jsonColumn(payload)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query events", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r        Run
		status   string
		finished sql.NullTime
		result   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Pipeline, &r.SpecHash, &status, &r.StartedAt, &finished, &result); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	r.Result = jsonColumn(result)
	return &r, nil
}

// conditions accumulates an AND-ed WHERE clause and its arguments.
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(when bool, clause string, arg any) {
	if when {
		c.clauses = append(c.clauses, clause)
		c.args = append(c.args, arg)
	}
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func (c *conditions) limit(n int) string {
	if n <= 0 {
		return ""
	}
	c.args = append(c.args, n)
	return " LIMIT ?"
}

func storeErr(op string, err error) error {
	return schema.NewError(schema.ErrCodeStore, op).WithCause(err)
}

func notFound(resource, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func optional(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func optionalString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optionalJSON(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func jsonColumn(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
