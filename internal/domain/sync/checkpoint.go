package sync

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimeProvider abstracts the clock so checkpoint timelines are testable.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// CheckpointStatus represents the lifecycle states of a checkpoint. The
// status transitions form a state machine that enforces valid lifecycle
// progression.
type CheckpointStatus string

const (
	// CheckpointPending indicates the unit is scheduled but no batch has run.
	CheckpointPending CheckpointStatus = "pending"

	// CheckpointInProgress indicates at least one batch is being pulled.
	CheckpointInProgress CheckpointStatus = "in_progress"

	// CheckpointDone indicates every required batch completed and its rows
	// were durably persisted. Re-enterable only through a refresh re-open.
	CheckpointDone CheckpointStatus = "done"

	// CheckpointPartial indicates some batches completed and some failed.
	// The unit resumes on the next invocation, retrying only the failures.
	CheckpointPartial CheckpointStatus = "partial"

	// CheckpointFailed indicates no batch completed.
	CheckpointFailed CheckpointStatus = "failed"
)

// validCheckpointTransitions defines the allowed state transitions. done is
// re-enterable so refresh mode can re-pull a window the upstream restates.
var validCheckpointTransitions = map[CheckpointStatus][]CheckpointStatus{
	CheckpointPending:    {CheckpointInProgress, CheckpointFailed},
	CheckpointInProgress: {CheckpointDone, CheckpointPartial, CheckpointFailed},
	CheckpointPartial:    {CheckpointInProgress},
	CheckpointFailed:     {CheckpointInProgress},
	CheckpointDone:       {CheckpointInProgress},
}

// BatchStatus represents the lifecycle state of one batch within a
// checkpointed work unit.
type BatchStatus string

const (
	// BatchPending indicates the batch has not completed in any invocation.
	BatchPending BatchStatus = "pending"
	// BatchCompleted indicates the batch's rows are durably persisted.
	// Completed batches are skipped on resume.
	BatchCompleted BatchStatus = "completed"
	// BatchFailed indicates the batch errored; it is retried on resume.
	BatchFailed BatchStatus = "failed"
)

// BatchRecord tracks the outcome of one batch inside a checkpoint. Failed
// batches carry the error's kind alongside its message so classification
// survives the persistence round trip without depending on message text.
type BatchRecord struct {
	Status   BatchStatus `json:"status"`
	RowCount int64       `json:"row_count"`
	Error    string      `json:"error,omitempty"`
	Kind     ErrorKind   `json:"error_kind,omitempty"`
}

// CheckpointOption defines functional options for configuring a Checkpoint.
type CheckpointOption func(*Checkpoint)

// WithTimeProvider sets a custom time provider for the checkpoint.
func WithTimeProvider(tp TimeProvider) CheckpointOption {
	return func(c *Checkpoint) { c.timeProvider = tp }
}

// Checkpoint is the aggregate root recording durable progress for one
// WorkUnit. It is created when the unit is first scheduled, mutated only
// through its methods (driven by the orchestrator), and never deleted: the
// checkpoint table is an append-only audit of pull history.
//
// Invariant: the checkpoint transitions to done only after every required
// batch reports completed, and a batch reports completed only after its rows
// are durably persisted.
type Checkpoint struct {
	// Identity.
	id   uuid.UUID
	unit WorkUnit

	// Current state.
	status    CheckpointStatus
	attempts  int
	lastError string

	// Per-batch progress.
	batches map[string]BatchRecord

	createdAt time.Time
	updatedAt time.Time

	timeProvider TimeProvider
}

// NewCheckpoint creates a pending checkpoint for a work unit. The domain
// owns identity generation to keep the aggregate consistent.
func NewCheckpoint(unit WorkUnit, opts ...CheckpointOption) *Checkpoint {
	c := &Checkpoint{
		id:           uuid.New(),
		unit:         unit,
		status:       CheckpointPending,
		batches:      make(map[string]BatchRecord),
		timeProvider: realTimeProvider{},
	}
	for _, opt := range opts {
		opt(c)
	}
	now := c.timeProvider.Now()
	c.createdAt = now
	c.updatedAt = now
	return c
}

// ReconstructCheckpoint creates a Checkpoint from persisted data without
// enforcing creation-time invariants. This should only be used by
// repositories when rehydrating from storage.
func ReconstructCheckpoint(
	id uuid.UUID,
	unit WorkUnit,
	status CheckpointStatus,
	attempts int,
	lastError string,
	batches map[string]BatchRecord,
	createdAt time.Time,
	updatedAt time.Time,
) *Checkpoint {
	if batches == nil {
		batches = make(map[string]BatchRecord)
	}
	return &Checkpoint{
		id:           id,
		unit:         unit,
		status:       status,
		attempts:     attempts,
		lastError:    lastError,
		batches:      batches,
		createdAt:    createdAt,
		updatedAt:    updatedAt,
		timeProvider: realTimeProvider{},
	}
}

// Getters for Checkpoint.
func (c *Checkpoint) ID() uuid.UUID            { return c.id }
func (c *Checkpoint) Unit() WorkUnit           { return c.unit }
func (c *Checkpoint) Status() CheckpointStatus { return c.status }
func (c *Checkpoint) Attempts() int            { return c.attempts }
func (c *Checkpoint) LastError() string        { return c.lastError }
func (c *Checkpoint) CreatedAt() time.Time     { return c.createdAt }
func (c *Checkpoint) UpdatedAt() time.Time     { return c.updatedAt }

// IsDone reports whether the unit needs no further work.
func (c *Checkpoint) IsDone() bool { return c.status == CheckpointDone }

// RowCount returns the total rows persisted across completed batches. It is
// derived from batch records so re-running a unit can never double-count.
func (c *Checkpoint) RowCount() int64 {
	var total int64
	for _, b := range c.batches {
		if b.Status == BatchCompleted {
			total += b.RowCount
		}
	}
	return total
}

// Batches returns a copy of the per-batch state.
func (c *Checkpoint) Batches() map[string]BatchRecord {
	out := make(map[string]BatchRecord, len(c.batches))
	for id, b := range c.batches {
		out[id] = b
	}
	return out
}

// CanTransitionTo validates if a state transition is allowed.
func (c *Checkpoint) CanTransitionTo(target CheckpointStatus) bool {
	for _, allowed := range validCheckpointTransitions[c.status] {
		if target == allowed {
			return true
		}
	}
	return false
}

// Begin transitions the checkpoint into in_progress for a new attempt.
// Calling it on a done checkpoint is the refresh re-open path.
func (c *Checkpoint) Begin() error {
	if c.status == CheckpointInProgress {
		// Overlapping invocation already claimed the unit; counting the
		// attempt is enough.
		c.attempts++
		c.touch()
		return nil
	}
	if !c.CanTransitionTo(CheckpointInProgress) {
		return newInvalidStateTransitionError(c.status, CheckpointInProgress)
	}
	c.status = CheckpointInProgress
	c.attempts++
	c.touch()
	return nil
}

// Reopen resets completed batches so a refresh-mode pull re-pulls the whole
// window. Only meaningful on a done checkpoint.
func (c *Checkpoint) Reopen() error {
	if !c.CanTransitionTo(CheckpointInProgress) {
		return newInvalidStateTransitionError(c.status, CheckpointInProgress)
	}
	for id := range c.batches {
		c.batches[id] = BatchRecord{Status: BatchPending}
	}
	c.status = CheckpointInProgress
	c.attempts++
	c.touch()
	return nil
}

// EnsureBatches reconciles the batch records with the partitioner's current
// batch IDs. New IDs register as pending; known IDs keep their recorded
// state, which is what lets a resumed pull skip completed batches after a
// crash. Records for batches the partitioner no longer produces are dropped
// unless completed, so a changed entity list cannot strand the unit short of
// done; completed ones stay for the row-count audit.
func (c *Checkpoint) EnsureBatches(batchIDs []string) {
	current := make(map[string]struct{}, len(batchIDs))
	for _, id := range batchIDs {
		current[id] = struct{}{}
		if _, ok := c.batches[id]; !ok {
			c.batches[id] = BatchRecord{Status: BatchPending}
		}
	}
	for id, b := range c.batches {
		if _, ok := current[id]; !ok && b.Status != BatchCompleted {
			delete(c.batches, id)
		}
	}
	c.touch()
}

// PendingBatches returns the IDs from the given set that still need work:
// never-run and previously failed batches, in the order given.
func (c *Checkpoint) PendingBatches(batchIDs []string) []string {
	var pending []string
	for _, id := range batchIDs {
		if b, ok := c.batches[id]; !ok || b.Status != BatchCompleted {
			pending = append(pending, id)
		}
	}
	return pending
}

// RecordBatchCompleted marks a batch completed with the persisted row count.
// It must be called only after the rows are durably persisted. Completing an
// already-completed batch is a no-op so overlapping invocations cannot
// double-count.
func (c *Checkpoint) RecordBatchCompleted(batchID string, rowCount int64) error {
	if c.status != CheckpointInProgress {
		return newInvalidStateTransitionError(c.status, CheckpointInProgress)
	}
	if b, ok := c.batches[batchID]; ok && b.Status == BatchCompleted {
		return nil
	}
	c.batches[batchID] = BatchRecord{Status: BatchCompleted, RowCount: rowCount}
	c.touch()
	return nil
}

// RecordBatchFailed marks a batch failed with the error that stopped it.
func (c *Checkpoint) RecordBatchFailed(batchID string, err error) error {
	if c.status != CheckpointInProgress {
		return newInvalidStateTransitionError(c.status, CheckpointInProgress)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.batches[batchID] = BatchRecord{Status: BatchFailed, Error: msg, Kind: KindOf(err)}
	c.lastError = msg
	c.touch()
	return nil
}

// Finalize derives the terminal status for this invocation from the batch
// outcomes: done when every batch completed, partial when some did, failed
// when none did. done is unreachable unless all batches completed, which
// preserves the persistence invariant.
func (c *Checkpoint) Finalize() error {
	if c.status != CheckpointInProgress {
		return newInvalidStateTransitionError(c.status, CheckpointDone)
	}

	completed, failed := 0, 0
	for _, b := range c.batches {
		switch b.Status {
		case BatchCompleted:
			completed++
		case BatchFailed:
			failed++
		}
	}
	pending := len(c.batches) - completed - failed

	var target CheckpointStatus
	switch {
	case completed == len(c.batches) && len(c.batches) > 0:
		target = CheckpointDone
	case completed > 0:
		target = CheckpointPartial
	default:
		target = CheckpointFailed
	}

	// Batches left pending by a budget-driven early exit keep the unit
	// resumable rather than failed.
	if pending > 0 && target == CheckpointFailed {
		target = CheckpointPartial
	}

	if !c.CanTransitionTo(target) {
		return newInvalidStateTransitionError(c.status, target)
	}
	c.status = target
	if target == CheckpointDone {
		c.lastError = ""
	}
	c.touch()
	return nil
}

func (c *Checkpoint) touch() { c.updatedAt = c.timeProvider.Now() }

type checkpointJSON struct {
	ID          string                 `json:"id"`
	SourceType  SourceType             `json:"source_type"`
	Marketplace string                 `json:"marketplace"`
	PeriodStart time.Time              `json:"period_start"`
	PeriodEnd   time.Time              `json:"period_end"`
	Mode        Mode                   `json:"mode"`
	Status      CheckpointStatus       `json:"status"`
	Attempts    int                    `json:"attempts"`
	RowCount    int64                  `json:"row_count"`
	LastError   string                 `json:"last_error,omitempty"`
	Batches     map[string]BatchRecord `json:"batch_state"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// MarshalJSON serializes the Checkpoint for monitoring output and storage.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(&checkpointJSON{
		ID:          c.id.String(),
		SourceType:  c.unit.SourceType(),
		Marketplace: c.unit.Scope().Marketplace(),
		PeriodStart: c.unit.Scope().PeriodStart(),
		PeriodEnd:   c.unit.Scope().PeriodEnd(),
		Mode:        c.unit.Mode(),
		Status:      c.status,
		Attempts:    c.attempts,
		RowCount:    c.RowCount(),
		LastError:   c.lastError,
		Batches:     c.batches,
		CreatedAt:   c.createdAt,
		UpdatedAt:   c.updatedAt,
	})
}

// UnmarshalJSON deserializes JSON data into a Checkpoint.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var aux checkpointJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	id, err := uuid.Parse(aux.ID)
	if err != nil {
		return err
	}
	scope, err := NewScope(aux.Marketplace, aux.PeriodStart, aux.PeriodEnd)
	if err != nil {
		return err
	}
	unit, err := NewWorkUnit(aux.SourceType, scope, aux.Mode)
	if err != nil {
		return err
	}

	c.id = id
	c.unit = unit
	c.status = aux.Status
	c.attempts = aux.Attempts
	c.lastError = aux.LastError
	c.batches = aux.Batches
	if c.batches == nil {
		c.batches = make(map[string]BatchRecord)
	}
	c.createdAt = aux.CreatedAt
	c.updatedAt = aux.UpdatedAt
	c.timeProvider = realTimeProvider{}

	return nil
}
