package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pearswick/dumpany/internal/progress"
)

// Run statuses persisted in the runs table.
const (
	RunRunning  = "running"
	RunSuccess  = "success"
	RunPartial  = "partial"
	RunCanceled = "canceled"
)

// Run is one row of the runs table.
type Run struct {
	ID         uuid.UUID  `json:"run_id"`
	Company    string     `json:"company"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Filings    int        `json:"filings"`
	Planned    int        `json:"planned"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Bytes      int64      `json:"bytes"`
}

// RunSink is a progress.Sink that folds run events into one row per run.
type RunSink struct {
	pool  pool
	table string
}

var _ progress.Sink = (*RunSink)(nil)

// NewRunSink builds a RunSink on an existing pool. The default table is runs.
func NewRunSink(p pool, table string) (*RunSink, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, "runs")
	if err != nil {
		return nil, err
	}
	return &RunSink{pool: p, table: table}, nil
}

// Consume applies each event in order. Events that carry nothing the table
// tracks are ignored.
func (s *RunSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if err := s.apply(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *RunSink) apply(ctx context.Context, evt progress.Event) error {
	runID := evt.RunUUID()
	var (
		query string
		args  []any
	)
	switch {
	case evt.Stage == progress.StagePhaseStart && evt.Phase == progress.PhaseMetadata:
		query = fmt.Sprintf(`
INSERT INTO %s (run_id, company, started_at, status, filings)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id) DO NOTHING`, s.table)
		args = []any{runID, evt.Company, evt.TS, RunRunning, evt.Total}
	case evt.Stage == progress.StagePhaseStart && evt.Phase == progress.PhaseDownload:
		query = fmt.Sprintf(`UPDATE %s SET planned = $1 WHERE run_id = $2`, s.table)
		args = []any{evt.Total, runID}
	case evt.Stage == progress.StageAdvance && evt.Phase == progress.PhaseDownload:
		query = fmt.Sprintf(`UPDATE %s SET completed = completed + 1, bytes = bytes + $1 WHERE run_id = $2`, s.table)
		args = []any{evt.Bytes, runID}
	case evt.Stage == progress.StageItemFailed:
		query = fmt.Sprintf(`UPDATE %s SET failed = failed + 1 WHERE run_id = $1`, s.table)
		args = []any{runID}
	case evt.Stage == progress.StageRunDone:
		query = fmt.Sprintf(`
UPDATE %s SET finished_at = $1,
	status = CASE WHEN $2 <> '' THEN $3 WHEN failed > 0 THEN $4 ELSE $5 END
WHERE run_id = $6`, s.table)
		args = []any{evt.TS, evt.Note, RunCanceled, RunPartial, RunSuccess, runID}
	default:
		return nil
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record %s event for run %s: %w", evt.Stage, runID, err)
	}
	return nil
}

// Close is a no-op; the pool is owned by whoever built it.
func (s *RunSink) Close(context.Context) error {
	return nil
}

// Recent returns the most recently started runs, newest first.
func (s *RunSink) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
SELECT run_id, company, started_at, finished_at, status, filings, planned, completed, failed, bytes
FROM %s
ORDER BY started_at DESC
LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID,
			&r.Company,
			&r.StartedAt,
			&r.FinishedAt,
			&r.Status,
			&r.Filings,
			&r.Planned,
			&r.Completed,
			&r.Failed,
			&r.Bytes,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
