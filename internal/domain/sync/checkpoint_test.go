package sync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct {
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.current }

func (m *mockTimeProvider) advance(d time.Duration) { m.current = m.current.Add(d) }

func testUnit(t *testing.T, source SourceType, mode Mode) WorkUnit {
	t.Helper()
	scope, err := NewScope("US", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	unit, err := NewWorkUnit(source, scope, mode)
	require.NoError(t, err)
	return unit
}

func TestNewCheckpoint(t *testing.T) {
	unit := testUnit(t, SourceFinancial, ModeBackfill)
	tp := &mockTimeProvider{current: time.Now()}

	cp := NewCheckpoint(unit, WithTimeProvider(tp))

	assert.NotEqual(t, "", cp.ID().String())
	assert.Equal(t, unit, cp.Unit())
	assert.Equal(t, CheckpointPending, cp.Status())
	assert.Zero(t, cp.Attempts())
	assert.Zero(t, cp.RowCount())
	assert.Empty(t, cp.Batches())
}

func TestCheckpoint_Begin(t *testing.T) {
	tests := []struct {
		name          string
		initialStatus CheckpointStatus
		expectedError bool
	}{
		{name: "from pending", initialStatus: CheckpointPending},
		{name: "resume from partial", initialStatus: CheckpointPartial},
		{name: "retry from failed", initialStatus: CheckpointFailed},
		{name: "reopen from done", initialStatus: CheckpointDone},
		{name: "overlapping claim counts attempt", initialStatus: CheckpointInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := NewCheckpoint(testUnit(t, SourceSalesTraffic, ModeDaily))
			cp.status = tt.initialStatus

			err := cp.Begin()

			if tt.expectedError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, CheckpointInProgress, cp.Status())
			assert.Equal(t, 1, cp.Attempts())
		})
	}
}

// The central resumability scenario: three batches, the second fails with a
// parse error, the unit finalizes partial; the next invocation retries only
// the failed batch and the checkpoint ends done with the summed row count.
func TestCheckpoint_ResumeRetriesOnlyFailedBatches(t *testing.T) {
	unit := testUnit(t, SourceFinancial, ModeBackfill)
	cp := NewCheckpoint(unit)
	batchIDs := []string{"b1", "b2", "b3"}

	require.NoError(t, cp.Begin())
	cp.EnsureBatches(batchIDs)

	require.NoError(t, cp.RecordBatchCompleted("b1", 100))
	require.NoError(t, cp.RecordBatchFailed("b2", NewParseError("b2", errors.New("bad row"))))
	require.NoError(t, cp.RecordBatchCompleted("b3", 50))
	require.NoError(t, cp.Finalize())

	assert.Equal(t, CheckpointPartial, cp.Status())
	assert.Equal(t, int64(150), cp.RowCount())
	assert.NotEmpty(t, cp.LastError())

	// Second invocation: rehydrate, claim, and only b2 is pending.
	data, err := json.Marshal(cp)
	require.NoError(t, err)
	var resumed Checkpoint
	require.NoError(t, json.Unmarshal(data, &resumed))

	require.NoError(t, resumed.Begin())
	resumed.EnsureBatches(batchIDs)
	assert.Equal(t, []string{"b2"}, resumed.PendingBatches(batchIDs))

	require.NoError(t, resumed.RecordBatchCompleted("b2", 25))
	require.NoError(t, resumed.Finalize())

	assert.Equal(t, CheckpointDone, resumed.Status())
	assert.Equal(t, int64(175), resumed.RowCount())
	assert.Empty(t, resumed.LastError())
	assert.Equal(t, 2, resumed.Attempts())
}

// The tracked-entity list can change between invocations, repartitioning the
// unit. Records for batches that no longer exist must not hold the unit short
// of done forever; completed ones stay for the row-count audit.
func TestCheckpoint_RepartitionDropsStaleBatches(t *testing.T) {
	cp := NewCheckpoint(testUnit(t, SourceSearchPerformance, ModeDaily))
	require.NoError(t, cp.Begin())
	cp.EnsureBatches([]string{"a", "b"})
	require.NoError(t, cp.RecordBatchCompleted("a", 40))
	require.NoError(t, cp.RecordBatchFailed("b", errors.New("boom")))
	require.NoError(t, cp.Finalize())
	require.Equal(t, CheckpointPartial, cp.Status())

	// Second invocation: entity b is no longer tracked, c is new.
	require.NoError(t, cp.Begin())
	cp.EnsureBatches([]string{"a", "c"})

	assert.NotContains(t, cp.Batches(), "b")
	assert.Equal(t, []string{"c"}, cp.PendingBatches([]string{"a", "c"}))

	require.NoError(t, cp.RecordBatchCompleted("c", 10))
	require.NoError(t, cp.Finalize())
	assert.Equal(t, CheckpointDone, cp.Status())
	assert.Equal(t, int64(50), cp.RowCount())

	// A completed batch whose entities later disappear keeps its record and
	// its rows.
	require.NoError(t, cp.Begin())
	cp.EnsureBatches([]string{"c"})
	assert.Empty(t, cp.PendingBatches([]string{"c"}))
	require.NoError(t, cp.Finalize())
	assert.Equal(t, CheckpointDone, cp.Status())
	assert.Equal(t, int64(50), cp.RowCount())
}

// Failed batches persist the error's kind beside its message so the
// orchestrator classifies outcomes without inspecting message text.
func TestCheckpoint_BatchFailureKeepsErrorKind(t *testing.T) {
	cp := NewCheckpoint(testUnit(t, SourceOrders, ModeDaily))
	require.NoError(t, cp.Begin())
	cp.EnsureBatches([]string{"b1", "b2"})

	require.NoError(t, cp.RecordBatchFailed("b1", NewParseError("b1", errors.New("bad row"))))
	require.NoError(t, cp.RecordBatchFailed("b2", errors.New("socket closed")))

	data, err := json.Marshal(cp)
	require.NoError(t, err)
	var decoded Checkpoint
	require.NoError(t, json.Unmarshal(data, &decoded))

	batches := decoded.Batches()
	assert.Equal(t, ErrKindParse, batches["b1"].Kind)
	assert.Empty(t, batches["b2"].Kind, "errors from outside the domain have no kind")
}

func TestCheckpoint_RecordBatchCompletedIsIdempotent(t *testing.T) {
	cp := NewCheckpoint(testUnit(t, SourceSearchPerformance, ModeDaily))
	require.NoError(t, cp.Begin())
	cp.EnsureBatches([]string{"b1"})

	require.NoError(t, cp.RecordBatchCompleted("b1", 40))
	// A second commit from an overlapping invocation must not double-count.
	require.NoError(t, cp.RecordBatchCompleted("b1", 40))

	assert.Equal(t, int64(40), cp.RowCount())
}

func TestCheckpoint_FinalizeRequiresAllBatchesForDone(t *testing.T) {
	tests := []struct {
		name     string
		outcomes map[string]BatchStatus
		expected CheckpointStatus
	}{
		{
			name:     "all completed",
			outcomes: map[string]BatchStatus{"b1": BatchCompleted, "b2": BatchCompleted},
			expected: CheckpointDone,
		},
		{
			name:     "some failed",
			outcomes: map[string]BatchStatus{"b1": BatchCompleted, "b2": BatchFailed},
			expected: CheckpointPartial,
		},
		{
			name:     "all failed",
			outcomes: map[string]BatchStatus{"b1": BatchFailed, "b2": BatchFailed},
			expected: CheckpointFailed,
		},
		{
			name:     "pending remainder stays resumable",
			outcomes: map[string]BatchStatus{"b1": BatchPending, "b2": BatchPending},
			expected: CheckpointPartial,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := NewCheckpoint(testUnit(t, SourceSearchPerformance, ModeDaily))
			require.NoError(t, cp.Begin())

			var ids []string
			for id := range tt.outcomes {
				ids = append(ids, id)
			}
			cp.EnsureBatches(ids)

			for id, status := range tt.outcomes {
				switch status {
				case BatchCompleted:
					require.NoError(t, cp.RecordBatchCompleted(id, 10))
				case BatchFailed:
					require.NoError(t, cp.RecordBatchFailed(id, errors.New("boom")))
				}
			}

			require.NoError(t, cp.Finalize())
			assert.Equal(t, tt.expected, cp.Status())
		})
	}
}

func TestCheckpoint_ReopenResetsBatches(t *testing.T) {
	cp := NewCheckpoint(testUnit(t, SourceSalesTraffic, ModeRefresh))
	require.NoError(t, cp.Begin())
	cp.EnsureBatches([]string{"b1"})
	require.NoError(t, cp.RecordBatchCompleted("b1", 30))
	require.NoError(t, cp.Finalize())
	require.Equal(t, CheckpointDone, cp.Status())

	require.NoError(t, cp.Reopen())

	assert.Equal(t, CheckpointInProgress, cp.Status())
	assert.Equal(t, []string{"b1"}, cp.PendingBatches([]string{"b1"}))
	assert.Zero(t, cp.RowCount())
}

func TestCheckpoint_CommitOutsideInProgressFails(t *testing.T) {
	cp := NewCheckpoint(testUnit(t, SourceOrders, ModeDaily))

	err := cp.RecordBatchCompleted("b1", 10)

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, ErrKindInvalidStateTransition, syncErr.Kind())
}

func TestCheckpoint_JSON(t *testing.T) {
	cp := NewCheckpoint(testUnit(t, SourceFinancial, ModeBackfill))
	require.NoError(t, cp.Begin())
	cp.EnsureBatches([]string{"b1", "b2"})
	require.NoError(t, cp.RecordBatchCompleted("b1", 7))

	data, err := json.Marshal(cp)
	require.NoError(t, err)

	var decoded Checkpoint
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, cp.ID(), decoded.ID())
	assert.Equal(t, cp.Unit().Key(), decoded.Unit().Key())
	assert.Equal(t, cp.Status(), decoded.Status())
	assert.Equal(t, cp.Attempts(), decoded.Attempts())
	assert.Equal(t, cp.Batches(), decoded.Batches())
	assert.Equal(t, cp.RowCount(), decoded.RowCount())
}
