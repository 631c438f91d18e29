package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearswick/dumpany/internal/progress"
)

func TestRunSinkFoldsEvents(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewRunSink(mock, "")
	require.NoError(t, err)

	runID := uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8057")
	ts := time.Unix(1700000000, 0).UTC()
	base := progress.Event{RunID: progress.UUIDToBytes(runID), TS: ts, Company: "ACME LIMITED"}

	start := base
	start.Stage, start.Phase, start.Total = progress.StagePhaseStart, progress.PhaseMetadata, 4
	visible := base
	visible.Stage, visible.Phase = progress.StagePhaseVisible, progress.PhaseMetadata
	planned := base
	planned.Stage, planned.Phase, planned.Total = progress.StagePhaseStart, progress.PhaseDownload, 2
	advance := base
	advance.Stage, advance.Phase, advance.Bytes = progress.StageAdvance, progress.PhaseDownload, 512
	failed := base
	failed.Stage, failed.Phase = progress.StageItemFailed, progress.PhaseDownload
	done := base
	done.Stage = progress.StageRunDone

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(runID, "ACME LIMITED", ts, RunRunning, 4).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE runs SET planned").
		WithArgs(2, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE runs SET completed").
		WithArgs(int64(512), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE runs SET failed").
		WithArgs(runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE runs SET finished_at").
		WithArgs(ts, "", RunCanceled, RunPartial, RunSuccess, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = sink.Consume(context.Background(), []progress.Event{start, visible, planned, advance, failed, done})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, sink.Close(context.Background()))
}

func TestRunSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewRunSink(mock, "runs")
	require.NoError(t, err)

	evt := progress.Event{
		RunID: progress.UUIDToBytes(uuid.New()),
		TS:    time.Now().UTC(),
		Stage: progress.StageItemFailed,
		Phase: progress.PhaseDownload,
	}
	mock.ExpectExec("UPDATE runs SET failed").WillReturnError(errors.New("boom"))

	err = sink.Consume(context.Background(), []progress.Event{evt})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ITEM_FAILED")
}

func TestRunSinkRecent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewRunSink(mock, "")
	require.NoError(t, err)

	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	rows := mock.NewRows([]string{
		"run_id", "company", "started_at", "finished_at", "status",
		"filings", "planned", "completed", "failed", "bytes",
	}).AddRow(runID, "ACME LIMITED", started, &finished, RunSuccess, 3, 1, 1, 0, int64(2048))

	mock.ExpectQuery("SELECT run_id, company").WithArgs(5).WillReturnRows(rows)

	runs, err := sink.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, "ACME LIMITED", runs[0].Company)
	require.NotNil(t, runs[0].FinishedAt)
	assert.Equal(t, finished, *runs[0].FinishedAt)
	assert.Equal(t, RunSuccess, runs[0].Status)
	assert.Equal(t, int64(2048), runs[0].Bytes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRunSinkValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRunSink(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRunSink(mock, "1runs")
	require.Error(t, err)
}
