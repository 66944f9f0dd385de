package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/pkg/common/logger"
)

// EngineConfig tunes the orchestrator's concurrency and budgets.
type EngineConfig struct {
	// MaxWorkers bounds how many work units run concurrently. Quota permits
	// are acquired per call, so this bounds memory and connections, not
	// upstream request rate.
	MaxWorkers int

	// MaxBatchChars caps the comma-joined entity list length per request.
	MaxBatchChars int

	// DrainMargin is how much time must remain before the invocation
	// deadline for the orchestrator to start another batch. Batches in
	// flight when the margin is hit finish and commit; pending ones wait
	// for the next invocation.
	DrainMargin time.Duration

	// FatalAttemptThreshold is how many attempts a unit may accumulate with
	// upstream-fatal reports before the invocation reports a hard failure.
	FatalAttemptThreshold int
}

// SourceRegistry resolves the per-source collaborators and request shape the
// orchestrator needs to turn a work unit into upstream report requests.
type SourceRegistry interface {
	// ReportSpec builds the upstream request for one batch of a unit.
	ReportSpec(unit domain.WorkUnit, batch Batch) (domain.ReportSpec, error)

	// Parser returns the payload parser for a source.
	Parser(source domain.SourceType) (domain.Parser, error)
}

// Summary reports what one invocation accomplished. RowsWritten counts rows
// landed in this invocation only; the checkpoint table carries the durable
// totals.
type Summary struct {
	RowsWritten    int64
	UnitsCompleted int
	UnitsPartial   int
	UnitsFailed    int
	UnitsSkipped   int
}

// Orchestrator coordinates work units end to end: claiming checkpoints,
// partitioning batches, driving report lifecycles, ingesting payloads, and
// committing progress. Units run concurrently under a worker bound; batches
// within a unit run sequentially so checkpoint commits stay ordered.
type Orchestrator struct {
	checkpoints domain.CheckpointRepository
	driver      *LifecycleDriver
	ingestor    *Ingestor
	catalog     domain.EntityCatalog
	registry    SourceRegistry

	cfg EngineConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(
	checkpoints domain.CheckpointRepository,
	driver *LifecycleDriver,
	ingestor *Ingestor,
	catalog domain.EntityCatalog,
	registry SourceRegistry,
	cfg EngineConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	return &Orchestrator{
		checkpoints: checkpoints,
		driver:      driver,
		ingestor:    ingestor,
		catalog:     catalog,
		registry:    registry,
		cfg:         cfg,
		logger:      log.With("component", "orchestrator"),
		tracer:      tracer,
	}
}

// unitOutcome carries one unit's result back to the run aggregator.
type unitOutcome struct {
	status      domain.CheckpointStatus
	skipped     bool
	rowsWritten int64
	hardErr     error
}

// Run processes the given work units and returns an invocation summary.
// Unit failures are isolated: a failing unit never cancels its siblings.
// Run returns an error only for hard failures, where retrying without
// operator attention would not help.
func (o *Orchestrator) Run(ctx context.Context, units []domain.WorkUnit) (Summary, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.Int("unit_count", len(units))))
	defer span.End()

	var (
		mu       sync.Mutex
		summary  Summary
		hardErrs []error
	)

	// The group context is not used for the workers: a failing unit must
	// not cancel its siblings. The invocation deadline rides on ctx itself.
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxWorkers)

	for _, unit := range units {
		unit := unit
		g.Go(func() error {
			outcome := o.processUnit(ctx, unit)

			mu.Lock()
			defer mu.Unlock()
			summary.RowsWritten += outcome.rowsWritten
			switch {
			case outcome.skipped:
				summary.UnitsSkipped++
			case outcome.status == domain.CheckpointDone:
				summary.UnitsCompleted++
			case outcome.status == domain.CheckpointPartial:
				summary.UnitsPartial++
			default:
				summary.UnitsFailed++
			}
			if outcome.hardErr != nil {
				hardErrs = append(hardErrs, outcome.hardErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int64("rows_written", summary.RowsWritten),
		attribute.Int("units_completed", summary.UnitsCompleted),
		attribute.Int("units_partial", summary.UnitsPartial),
		attribute.Int("units_failed", summary.UnitsFailed),
		attribute.Int("units_skipped", summary.UnitsSkipped),
	)
	if len(hardErrs) > 0 {
		err := errors.Join(hardErrs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invocation had hard failures")
		return summary, err
	}
	return summary, nil
}

// processUnit runs one work unit to whatever terminal state this invocation
// can reach. All errors are captured in the checkpoint; only hard failures
// propagate as errors.
func (o *Orchestrator) processUnit(ctx context.Context, unit domain.WorkUnit) unitOutcome {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process_unit",
		trace.WithAttributes(
			attribute.String("unit_key", unit.Key()),
			attribute.String("mode", string(unit.Mode())),
		))
	defer span.End()

	log := o.logger.With("unit_key", unit.Key(), "mode", string(unit.Mode()))

	cp, claimed, err := o.claim(ctx, unit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to claim unit")
		log.Error(ctx, "failed to claim unit", "err", err)
		return unitOutcome{status: domain.CheckpointFailed}
	}
	if !claimed {
		span.AddEvent("unit_already_done")
		log.Debug(ctx, "unit already done, skipping")
		return unitOutcome{skipped: true}
	}

	batches, err := o.batchesFor(ctx, unit)
	if err != nil {
		span.RecordError(err)
		log.Error(ctx, "failed to partition unit", "err", err)
		o.failWholeUnit(ctx, cp, err)
		return unitOutcome{status: cp.Status()}
	}

	batchIDs := make([]string, len(batches))
	byID := make(map[string]Batch, len(batches))
	for i, b := range batches {
		batchIDs[i] = b.ID()
		byID[b.ID()] = b
	}
	cp.EnsureBatches(batchIDs)
	if err := o.checkpoints.Save(ctx, cp); err != nil {
		span.RecordError(err)
		log.Error(ctx, "failed to persist claimed checkpoint", "err", err)
		return unitOutcome{status: domain.CheckpointFailed}
	}

	rows := o.runBatches(ctx, log, unit, cp, byID, cp.PendingBatches(batchIDs))

	if err := cp.Finalize(); err != nil {
		span.RecordError(err)
		log.Error(ctx, "failed to finalize checkpoint", "err", err)
	}
	if err := o.checkpoints.Save(ctx, cp); err != nil {
		span.RecordError(err)
		log.Error(ctx, "failed to persist final checkpoint", "err", err)
	}

	log.Info(ctx, "unit finished",
		"status", string(cp.Status()), "rows_written", rows, "attempts", cp.Attempts())
	span.SetAttributes(
		attribute.String("status", string(cp.Status())),
		attribute.Int64("rows_written", rows),
	)

	return unitOutcome{
		status:      cp.Status(),
		rowsWritten: rows,
		hardErr:     o.hardFailure(unit, cp),
	}
}

// claim loads or creates the unit's checkpoint and transitions it into
// in_progress. Done units are skipped except in refresh mode, which re-opens
// them and re-pulls the whole window.
func (o *Orchestrator) claim(ctx context.Context, unit domain.WorkUnit) (*domain.Checkpoint, bool, error) {
	cp, err := o.checkpoints.Load(ctx, unit)
	if err != nil {
		return nil, false, fmt.Errorf("loading checkpoint for %s: %w", unit.Key(), err)
	}
	if cp == nil {
		cp = domain.NewCheckpoint(unit)
	}

	if cp.IsDone() {
		if unit.Mode() != domain.ModeRefresh {
			return cp, false, nil
		}
		if err := cp.Reopen(); err != nil {
			return nil, false, fmt.Errorf("reopening %s for refresh: %w", unit.Key(), err)
		}
	} else if err := cp.Begin(); err != nil {
		return nil, false, fmt.Errorf("claiming %s: %w", unit.Key(), err)
	}

	if err := o.checkpoints.Save(ctx, cp); err != nil {
		return nil, false, fmt.Errorf("persisting claim for %s: %w", unit.Key(), err)
	}
	return cp, true, nil
}

func (o *Orchestrator) batchesFor(ctx context.Context, unit domain.WorkUnit) ([]Batch, error) {
	var entities []string
	if unit.SourceType().Batched() {
		var err error
		entities, err = o.catalog.ActiveEntities(ctx, unit.SourceType(), unit.Scope().Marketplace())
		if err != nil {
			return nil, fmt.Errorf("listing entities for %s: %w", unit.Key(), err)
		}
	}
	return BatchesFor(unit, entities, o.cfg.MaxBatchChars)
}

// runBatches executes the pending batches sequentially. Each batch commits
// its checkpoint record only after its rows are durably persisted, so a
// crash between batches loses at most the batch in flight.
func (o *Orchestrator) runBatches(
	ctx context.Context,
	log *logger.Logger,
	unit domain.WorkUnit,
	cp *domain.Checkpoint,
	byID map[string]Batch,
	pending []string,
) int64 {
	parser, err := o.registry.Parser(unit.SourceType())
	if err != nil {
		o.recordAllFailed(ctx, log, cp, pending, err)
		return 0
	}

	var rows int64
	for _, id := range pending {
		if o.shouldDrain(ctx) {
			log.Info(ctx, "invocation budget nearly exhausted, draining",
				"batches_remaining", len(pending))
			break
		}

		batch := byID[id]
		written, err := o.runBatch(ctx, unit, batch, parser)
		if err != nil {
			log.Warn(ctx, "batch failed", "batch_id", id, "err", err)
			if rerr := cp.RecordBatchFailed(id, err); rerr != nil {
				log.Error(ctx, "failed to record batch failure", "batch_id", id, "err", rerr)
			}
		} else {
			rows += written
			if rerr := cp.RecordBatchCompleted(id, written); rerr != nil {
				log.Error(ctx, "failed to record batch completion", "batch_id", id, "err", rerr)
			}
		}

		// Persist after every batch so a crash resumes from the last
		// committed batch rather than the start of the unit.
		if err := o.checkpoints.Save(ctx, cp); err != nil {
			log.Error(ctx, "failed to persist batch progress", "batch_id", id, "err", err)
		}
	}
	return rows
}

func (o *Orchestrator) runBatch(ctx context.Context, unit domain.WorkUnit, batch Batch, parser domain.Parser) (int64, error) {
	spec, err := o.registry.ReportSpec(unit, batch)
	if err != nil {
		return 0, fmt.Errorf("building report spec: %w", err)
	}

	data, err := o.driver.Fetch(ctx, spec)
	if err != nil {
		return 0, err
	}

	raws, err := parser.Parse(data)
	if err != nil {
		return 0, domain.NewParseError(batch.ID(), err)
	}
	return o.ingestor.Ingest(ctx, unit, raws)
}

// shouldDrain reports whether too little invocation budget remains to start
// another batch.
func (o *Orchestrator) shouldDrain(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	if !ok || o.cfg.DrainMargin <= 0 {
		return false
	}
	return time.Until(deadline) < o.cfg.DrainMargin
}

func (o *Orchestrator) recordAllFailed(ctx context.Context, log *logger.Logger, cp *domain.Checkpoint, pending []string, err error) {
	for _, id := range pending {
		if rerr := cp.RecordBatchFailed(id, err); rerr != nil {
			log.Error(ctx, "failed to record batch failure", "batch_id", id, "err", rerr)
		}
	}
}

func (o *Orchestrator) failWholeUnit(ctx context.Context, cp *domain.Checkpoint, cause error) {
	if err := cp.Finalize(); err != nil {
		o.logger.Error(ctx, "failed to finalize failed unit", "unit_key", cp.Unit().Key(), "err", err)
	}
	if err := o.checkpoints.Save(ctx, cp); err != nil {
		o.logger.Error(ctx, "failed to persist failed unit", "unit_key", cp.Unit().Key(), "err", err)
	}
}

// hardFailure decides whether the unit's state warrants failing the whole
// invocation: every batch rejected by the parser (the payload contract is
// broken, retrying cannot help), or the upstream fatally failing report
// generation across too many attempts (the scope is likely blocked).
func (o *Orchestrator) hardFailure(unit domain.WorkUnit, cp *domain.Checkpoint) error {
	batches := cp.Batches()
	if len(batches) == 0 {
		return nil
	}

	parseFailures := 0
	fatalSeen := false
	failed := 0
	for _, b := range batches {
		if b.Status != domain.BatchFailed {
			continue
		}
		failed++
		switch b.Kind {
		case domain.ErrKindParse:
			parseFailures++
		case domain.ErrKindFatalReport:
			fatalSeen = true
		}
	}

	if failed == len(batches) && parseFailures == len(batches) {
		return fmt.Errorf("unit %s: parser rejected every batch", unit.Key())
	}
	if fatalSeen && o.cfg.FatalAttemptThreshold > 0 && cp.Attempts() >= o.cfg.FatalAttemptThreshold {
		return fmt.Errorf("unit %s: upstream reported fatal generation across %d attempts", unit.Key(), cp.Attempts())
	}
	return nil
}
