package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pearswick/dumpany/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow a run's events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	start := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: start, Stage: progress.StagePhaseStart, Phase: progress.PhaseDownload, Total: 3},
		{RunID: runID, TS: start.Add(time.Second), Stage: progress.StageAdvance, Phase: progress.PhaseDownload},
		{RunID: runID, TS: start.Add(2 * time.Second), Stage: progress.StageAdvance, Phase: progress.PhaseDownload},
		{RunID: runID, TS: start.Add(3 * time.Second), Stage: progress.StageItemFailed, Phase: progress.PhaseDownload},
		{RunID: runID, TS: start.Add(4 * time.Second), Stage: progress.StageRunDone},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.phaseTotal.WithLabelValues("download")), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.phaseItems.WithLabelValues("download")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.phaseFailures.WithLabelValues("download")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "dumpany_run_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
