package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/pkg/common/logger"
)

// conflictRetries bounds how many times an identity-key race is replayed.
// Races resolve on replay because the store re-runs precedence against the
// row that won; they never persist.
const conflictRetries = 3

// Ingestor converts parsed raw records into canonical form and lands them in
// the record store under the precedence rules. It collapses duplicate
// identity keys within one payload before touching storage, so re-delivered
// rows inside a single artifact cannot race each other.
type Ingestor struct {
	store domain.RecordStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewIngestor creates an Ingestor backed by the given record store.
func NewIngestor(store domain.RecordStore, log *logger.Logger, tracer trace.Tracer) *Ingestor {
	return &Ingestor{
		store:  store,
		logger: log.With("component", "ingestor"),
		tracer: tracer,
	}
}

// Ingest canonicalizes and persists one batch payload, returning the number
// of rows that landed (inserts plus overwrites; precedence skips do not
// count). Ingesting the same payload twice yields the same stored state.
func (i *Ingestor) Ingest(ctx context.Context, unit domain.WorkUnit, raws []domain.RawRecord) (int64, error) {
	ctx, span := i.tracer.Start(ctx, "ingestor.ingest",
		trace.WithAttributes(
			attribute.String("unit_key", unit.Key()),
			attribute.Int("raw_count", len(raws)),
		))
	defer span.End()

	if len(raws) == 0 {
		return 0, nil
	}

	records := collapse(unit, raws, time.Now().UTC())
	span.SetAttributes(attribute.Int("record_count", len(records)))

	var written int64
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		written, err = i.store.UpsertBatch(ctx, records)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrPersistenceConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist batch")
			return 0, fmt.Errorf("persisting %d records for %s: %w", len(records), unit.Key(), err)
		}
		i.logger.Warn(ctx, "identity key race, replaying upsert",
			"unit_key", unit.Key(), "attempt", attempt+1)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "identity key race persisted across retries")
		return 0, fmt.Errorf("persisting records for %s: %w", unit.Key(), err)
	}

	span.SetAttributes(attribute.Int64("rows_written", written))
	span.AddEvent("batch_persisted")
	return written, nil
}

// collapse canonicalizes raws and keeps the last occurrence per identity key,
// preserving first-seen order.
func collapse(unit domain.WorkUnit, raws []domain.RawRecord, now time.Time) []domain.CanonicalRecord {
	index := make(map[string]int, len(raws))
	records := make([]domain.CanonicalRecord, 0, len(raws))
	for _, raw := range raws {
		rec := domain.Canonicalize(unit, raw, now)
		key := rec.Identity.String()
		if pos, ok := index[key]; ok {
			records[pos] = rec
			continue
		}
		index[key] = len(records)
		records = append(records, rec)
	}
	return records
}
