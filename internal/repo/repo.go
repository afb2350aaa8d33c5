package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"activationdesk/internal/domain"
	"activationdesk/internal/events"
)

// Repo stores the run journal.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{Now: time.Now}}
}

// StartRun inserts a run row.
func (r Repo) StartRun(ctx context.Context, run domain.Run) error {
	groups, err := json.Marshal(run.GroupIDs)
	if err != nil {
		return fmt.Errorf("marshal group ids: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,deal_id,actor_id,group_ids_json,started_at) VALUES (?,?,?,?,?)`,
		run.ID, run.DealID, run.ActorID, string(groups), run.StartedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := r.Events.Append(ctx, tx, "run.started", run.ID, run.ActorID, events.EventPayload{"deal_id": run.DealID, "groups": run.GroupIDs}); err != nil {
		return err
	}
	return tx.Commit()
}

// Record appends an event to a run.
func (r Repo) Record(ctx context.Context, runID, evtType, actorID string, payload map[string]any) error {
	return r.Events.Append(ctx, r.DB, evtType, runID, actorID, payload)
}

// FinishRun stores the final outcome of a run.
func (r Repo) FinishRun(ctx context.Context, runID string, outcome domain.RunOutcome, finishedAt time.Time) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET finished_at=?, success=?, phase=?, message=?, outcome_json=? WHERE id=?`,
		finishedAt.UTC().Format(time.RFC3339), outcome.Success, outcome.Phase, outcome.Message, string(data), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id,deal_id,actor_id,group_ids_json,started_at,finished_at,success,phase,message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var groups string
	var finished sql.NullString
	var success sql.NullBool
	if err := row.Scan(&run.ID, &run.DealID, &run.ActorID, &groups, &run.StartedAt, &finished, &success, &run.Phase, &run.Message); err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(groups), &run.GroupIDs); err != nil {
		return run, fmt.Errorf("decode group ids of run %s: %w", run.ID, err)
	}
	if finished.Valid {
		run.FinishedAt = &finished.String
	}
	if success.Valid {
		v := success.Bool
		run.Success = &v
	}
	return run, nil
}

// GetRun returns one run.
func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	return run, err
}

// GetOutcome returns the stored outcome of a finished run.
func (r Repo) GetOutcome(ctx context.Context, id string) (domain.RunOutcome, error) {
	var data sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT outcome_json FROM runs WHERE id=?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !data.Valid) {
		return domain.RunOutcome{}, ErrNotFound
	}
	if err != nil {
		return domain.RunOutcome{}, err
	}
	var out domain.RunOutcome
	if err := json.Unmarshal([]byte(data.String), &out); err != nil {
		return out, fmt.Errorf("decode outcome of run %s: %w", id, err)
	}
	return out, nil
}

// RunFilters narrows ListRuns.
type RunFilters struct {
	DealID          string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

// ListRuns returns runs newest first, continuing after the cursor when set.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.DealID != "" {
		clauses = append(clauses, "deal_id=?")
		args = append(args, f.DealID)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,run_id,actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// RunEvents returns a run's events in order.
func (r Repo) RunEvents(ctx context.Context, runID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEvents returns the newest events, oldest first.
func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM (SELECT * FROM events ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}
