// Package memory provides in-memory implementations of the sync storage
// ports. They mirror the Postgres adapters' semantics, including precedence
// enforcement at the store boundary, and back the orchestration tests.
package memory

import (
	"context"
	"sync"
	"time"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
)

var _ domain.CheckpointRepository = (*CheckpointRepository)(nil)

// CheckpointRepository stores checkpoints keyed by work unit identity.
type CheckpointRepository struct {
	mu  sync.Mutex
	cps map[string]*domain.Checkpoint
}

// NewCheckpointRepository creates an empty in-memory checkpoint repository.
func NewCheckpointRepository() *CheckpointRepository {
	return &CheckpointRepository{cps: make(map[string]*domain.Checkpoint)}
}

// Save upserts the checkpoint on its work unit identity. A deep copy is
// stored through the JSON round trip so callers cannot mutate stored state.
func (r *CheckpointRepository) Save(_ context.Context, cp *domain.Checkpoint) error {
	cloned, err := clone(cp)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cps[cp.Unit().Key()] = cloned
	return nil
}

// Load returns the checkpoint for the unit, or nil when none exists.
func (r *CheckpointRepository) Load(_ context.Context, unit domain.WorkUnit) (*domain.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.cps[unit.Key()]
	if !ok {
		return nil, nil
	}
	return clone(cp)
}

// ListNeedingAttention returns partial and failed units, plus done units
// that wrote zero rows.
func (r *CheckpointRepository) ListNeedingAttention(_ context.Context, source domain.SourceType, marketplace string) ([]*domain.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Checkpoint
	for _, cp := range r.cps {
		unit := cp.Unit()
		if unit.SourceType() != source || unit.Scope().Marketplace() != marketplace {
			continue
		}
		needsAttention := cp.Status() == domain.CheckpointPartial ||
			cp.Status() == domain.CheckpointFailed ||
			(cp.Status() == domain.CheckpointDone && cp.RowCount() == 0)
		if !needsAttention {
			continue
		}
		cloned, err := clone(cp)
		if err != nil {
			return nil, err
		}
		out = append(out, cloned)
	}
	return out, nil
}

// FindGaps returns the days in [from, to] with no done checkpoint.
func (r *CheckpointRepository) FindGaps(_ context.Context, source domain.SourceType, marketplace string, from, to time.Time) ([]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	covered := make(map[string]bool)
	for _, cp := range r.cps {
		unit := cp.Unit()
		if unit.SourceType() != source || unit.Scope().Marketplace() != marketplace || !cp.IsDone() {
			continue
		}
		for d := unit.Scope().PeriodStart(); !d.After(unit.Scope().PeriodEnd()); d = d.AddDate(0, 0, 1) {
			covered[d.Format("2006-01-02")] = true
		}
	}

	var gaps []time.Time
	start := from.UTC().Truncate(24 * time.Hour)
	end := to.UTC().Truncate(24 * time.Hour)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if !covered[d.Format("2006-01-02")] {
			gaps = append(gaps, d)
		}
	}
	return gaps, nil
}

func clone(cp *domain.Checkpoint) (*domain.Checkpoint, error) {
	data, err := cp.MarshalJSON()
	if err != nil {
		return nil, err
	}
	out := new(domain.Checkpoint)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}

var _ domain.RecordStore = (*RecordStore)(nil)

// RecordStore stores canonical records keyed by identity key and applies the
// precedence rules on upsert.
type RecordStore struct {
	mu      sync.Mutex
	records map[string]domain.CanonicalRecord

	refreshes int
}

// NewRecordStore creates an empty in-memory record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]domain.CanonicalRecord)}
}

// Upsert applies one record under the precedence rules.
func (s *RecordStore) Upsert(_ context.Context, rec domain.CanonicalRecord) (domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(rec), nil
}

// UpsertBatch applies records in bulk, returning how many landed.
func (s *RecordStore) UpsertBatch(_ context.Context, recs []domain.CanonicalRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var written int64
	for _, rec := range recs {
		if d := s.apply(rec); d != domain.DecisionSkip {
			written++
		}
	}
	return written, nil
}

func (s *RecordStore) apply(rec domain.CanonicalRecord) domain.Decision {
	key := rec.Identity.String()
	var existing *domain.CanonicalRecord
	if cur, ok := s.records[key]; ok {
		existing = &cur
	}
	decision := domain.Resolve(existing, rec)
	if decision != domain.DecisionSkip {
		s.records[key] = rec
	}
	return decision
}

// Get returns the stored record for an identity key, or nil.
func (s *RecordStore) Get(_ context.Context, key domain.IdentityKey) (*domain.CanonicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key.String()]; ok {
		return &rec, nil
	}
	return nil, nil
}

// RefreshAggregates records the refresh request; there are no derived
// rollups in memory.
func (s *RecordStore) RefreshAggregates(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
