package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageAdvance))
	hub.Emit(sampleEvent(StageAdvance))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies a small batch is flushed once the wait elapses.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StagePhaseStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleEvent(StageAdvance))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.dropped.Load())
}

// TestHubFlushOnClose ensures Close drains buffered events and closes sinks.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 16, MaxBatchEvents: 3, MaxBatchWait: time.Minute}, sink)
	for i := 0; i < 4; i++ {
		hub.Emit(sampleEvent(StageAdvance))
	}

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	total := 0
	for _, b := range sink.Batches() {
		assert.LessOrEqual(t, len(b), 3)
		total += len(b)
	}
	assert.Equal(t, 4, total)
	assert.True(t, sink.Closed())

	hub.Emit(sampleEvent(StageAdvance))
	assert.Equal(t, 4, len(flatten(sink.Batches())))
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)
	hub.Emit(Event{Stage: StageAdvance})
	hub.Emit(Event{RunID: UUIDToBytes(uuid.New()), TS: time.Now(), Stage: StageAdvance})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := UUIDToBytes(uuid.New())
	now := time.Now()
	testCases := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"run done needs no phase", Event{RunID: id, TS: now, Stage: StageRunDone}, false},
		{"phase start", Event{RunID: id, TS: now, Stage: StagePhaseStart, Phase: PhaseMetadata, Total: 3}, false},
		{"negative total", Event{RunID: id, TS: now, Stage: StagePhaseStart, Phase: PhaseMetadata, Total: -1}, true},
		{"missing phase", Event{RunID: id, TS: now, Stage: StageAdvance}, true},
		{"unknown phase", Event{RunID: id, TS: now, Stage: StageAdvance, Phase: "upload"}, true},
		{"unknown stage", Event{RunID: id, TS: now, Stage: "NOPE", Phase: PhaseDownload}, true},
		{"missing run id", Event{TS: now, Stage: StageRunDone}, true},
		{"missing timestamp", Event{RunID: id, Stage: StageRunDone}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.evt.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReporterStampsEvents(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	runID := uuid.New()
	fake := clock.NewFake()
	r := NewReporter(rec, runID, "00000006", fake)

	r.StartPhase(PhaseDownload, 2)
	r.Show(PhaseDownload)
	r.Advance(PhaseDownload, "accounts", 10)
	r.Fail(PhaseDownload, "resolution", "status")
	r.Hide(PhaseDownload)
	r.Done("ok")

	require.Len(t, rec.events, 6)
	for _, evt := range rec.events {
		assert.Equal(t, runID, evt.RunUUID())
		assert.Equal(t, "00000006", evt.Company)
		assert.Equal(t, fake.Now().UTC(), evt.TS)
		assert.NoError(t, evt.Validate())
	}
	assert.Equal(t, 2, rec.events[0].Total)
	assert.Equal(t, StageItemFailed, rec.events[3].Stage)

	var nilReporter *Reporter
	nilReporter.Advance(PhaseDownload, "x", 0)
	NewReporter(nil, runID, "x", nil).Done("")
}

type recordingEmitter struct {
	events []Event
}

func (e *recordingEmitter) Emit(evt Event) { e.events = append(e.events, evt) }

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func flatten(batches [][]Event) []Event {
	var out []Event
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: stage,
		Phase: PhaseDownload,
	}
}
