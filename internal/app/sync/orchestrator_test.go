package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/internal/infra/storage/sync/memory"
)

type orchestratorHarness struct {
	checkpoints *memory.CheckpointRepository
	records     *memory.RecordStore
	client      *fakeReportClient
	catalog     *fakeCatalog
}

func newHarness() *orchestratorHarness {
	return &orchestratorHarness{
		checkpoints: memory.NewCheckpointRepository(),
		records:     memory.NewRecordStore(),
		client:      newFakeReportClient(),
		catalog:     &fakeCatalog{},
	}
}

func (h *orchestratorHarness) orchestrator(parser domain.Parser, cfg EngineConfig) *Orchestrator {
	driver := NewLifecycleDriver(h.client, openQuotas(), time.Millisecond, time.Second, testLogger(), testTracer())
	ingestor := NewIngestor(h.records, testLogger(), testTracer())
	return NewOrchestrator(
		h.checkpoints, driver, ingestor, h.catalog,
		&fakeRegistry{parser: parser}, cfg, testLogger(), testTracer(),
	)
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{MaxWorkers: 2, MaxBatchChars: 6, FatalAttemptThreshold: 3}
}

// The core crash-resume scenario: one batch's payload is unreadable on the
// first invocation, the unit lands partial, and the second invocation
// re-pulls only the failed batch.
func TestOrchestrator_ResumeRetriesOnlyFailedBatches(t *testing.T) {
	h := newHarness()
	// maxChars 6 packs ["B1", "B2"] together and isolates "FAIL01".
	h.catalog.entities = []string{"B2", "FAIL01", "B1"}
	unit := singleDayUnit(t, domain.SourceSearchPerformance, domain.ModeBackfill)

	summary, err := h.orchestrator(&csvParser{strict: true}, defaultEngineConfig()).
		Run(context.Background(), []domain.WorkUnit{unit})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.UnitsPartial)
	assert.Equal(t, int64(2), summary.RowsWritten)
	assert.Equal(t, 2, h.client.creates())

	cp, err := h.checkpoints.Load(context.Background(), unit)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, domain.CheckpointPartial, cp.Status())

	// The upstream fixed its artifact; the retry parses cleanly.
	summary, err = h.orchestrator(&csvParser{}, defaultEngineConfig()).
		Run(context.Background(), []domain.WorkUnit{unit})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.UnitsCompleted)
	assert.Equal(t, int64(1), summary.RowsWritten)
	// One more create for the failed batch, none for the completed one.
	assert.Equal(t, 3, h.client.creates())
	assert.Equal(t, 3, h.records.Len())

	cp, err = h.checkpoints.Load(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckpointDone, cp.Status())
	assert.Equal(t, int64(3), cp.RowCount())
}

func TestOrchestrator_DoneUnitsAreSkipped(t *testing.T) {
	h := newHarness()
	h.client.defaultPayload = []byte("B1,B2")
	unit := singleDayUnit(t, domain.SourceSalesTraffic, domain.ModeDaily)
	orch := h.orchestrator(&csvParser{}, defaultEngineConfig())

	_, err := orch.Run(context.Background(), []domain.WorkUnit{unit})
	require.NoError(t, err)
	require.Equal(t, 1, h.client.creates())

	summary, err := orch.Run(context.Background(), []domain.WorkUnit{unit})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.UnitsSkipped)
	assert.Equal(t, 1, h.client.creates(), "skipped unit must not touch the upstream")
}

func TestOrchestrator_RefreshReopensDoneUnits(t *testing.T) {
	h := newHarness()
	h.client.defaultPayload = []byte("B1,B2")
	daily := singleDayUnit(t, domain.SourceSalesTraffic, domain.ModeDaily)
	orch := h.orchestrator(&csvParser{}, defaultEngineConfig())

	_, err := orch.Run(context.Background(), []domain.WorkUnit{daily})
	require.NoError(t, err)

	refresh := singleDayUnit(t, domain.SourceSalesTraffic, domain.ModeRefresh)
	summary, err := orch.Run(context.Background(), []domain.WorkUnit{refresh})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.UnitsCompleted)
	assert.Equal(t, 2, h.client.creates(), "refresh must re-pull the window")
	// Restated rows land over the originals, not beside them.
	assert.Equal(t, 2, h.records.Len())
}

func TestOrchestrator_AllBatchesParseFailingIsHard(t *testing.T) {
	h := newHarness()
	h.catalog.entities = []string{"FAIL01", "FAIL02"}
	unit := singleDayUnit(t, domain.SourceSearchPerformance, domain.ModeDaily)

	summary, err := h.orchestrator(&csvParser{strict: true}, defaultEngineConfig()).
		Run(context.Background(), []domain.WorkUnit{unit})

	require.Error(t, err)
	assert.Equal(t, 1, summary.UnitsFailed)
}

func TestOrchestrator_FailingUnitDoesNotCancelSiblings(t *testing.T) {
	h := newHarness()
	h.catalog.entities = []string{"FAIL01"}
	h.client.defaultPayload = []byte("B1")

	healthy := singleDayUnit(t, domain.SourceSalesTraffic, domain.ModeDaily)
	broken := singleDayUnit(t, domain.SourceSearchPerformance, domain.ModeDaily)

	summary, err := h.orchestrator(&csvParser{strict: true}, defaultEngineConfig()).
		Run(context.Background(), []domain.WorkUnit{broken, healthy})

	require.Error(t, err)
	assert.Equal(t, 1, summary.UnitsCompleted)
	assert.Equal(t, 1, summary.UnitsFailed)
	assert.Equal(t, int64(1), summary.RowsWritten)
}

// When the invocation deadline is inside the drain margin, no new batch
// starts and the unit stays resumable.
func TestOrchestrator_DrainsNearInvocationDeadline(t *testing.T) {
	h := newHarness()
	h.client.defaultPayload = []byte("B1,B2")
	unit := singleDayUnit(t, domain.SourceSalesTraffic, domain.ModeDaily)

	cfg := defaultEngineConfig()
	cfg.DrainMargin = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summary, err := h.orchestrator(&csvParser{}, cfg).Run(ctx, []domain.WorkUnit{unit})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.UnitsPartial)
	assert.Zero(t, h.client.creates())

	cp, err := h.checkpoints.Load(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckpointPartial, cp.Status())
}

func TestMonitor_SurfacesPartialUnitsAndGaps(t *testing.T) {
	h := newHarness()
	h.catalog.entities = []string{"B1", "FAIL01"}
	unit := singleDayUnit(t, domain.SourceSearchPerformance, domain.ModeDaily)

	_, err := h.orchestrator(&csvParser{strict: true}, defaultEngineConfig()).
		Run(context.Background(), []domain.WorkUnit{unit})
	require.NoError(t, err)

	monitor := NewMonitor(h.checkpoints)

	attention, err := monitor.NeedingAttention(context.Background(), domain.SourceSearchPerformance, "US")
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, domain.CheckpointPartial, attention[0].Status())

	from := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC)
	gaps, err := monitor.Gaps(context.Background(), domain.SourceSearchPerformance, "US", from, to)
	require.NoError(t, err)

	// The partial day counts as a gap too; nothing is done yet.
	assert.Len(t, gaps, 3)
}
