package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/internal/infra/storage"
)

var _ domain.RecordStore = (*recordStore)(nil)

// recordStore provides a PostgreSQL implementation of the record store. The
// precedence rules run inside the upsert's WHERE clause, so the
// read-compare-write is a single atomic statement and stored authority can
// never decrease, regardless of writer interleaving.
type recordStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewRecordStore creates a PostgreSQL-backed canonical record store.
func NewRecordStore(pool *pgxpool.Pool, tracer trace.Tracer) *recordStore {
	return &recordStore{pool: pool, tracer: tracer}
}

// upsertRecordQuery applies one record under the precedence rules. The
// conflict update fires only when the incoming row outranks the stored one
// or restates it from the same source; otherwise no row comes back and the
// caller reads that as a skip. xmax = 0 distinguishes insert from overwrite.
const upsertRecordQuery = `
	INSERT INTO canonical_records (
		identity_key, identity_kind, source_type, authority, marketplace,
		entity_id, period_start, period_end, fields, ingested_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (identity_key) DO UPDATE SET
		source_type = EXCLUDED.source_type,
		authority = EXCLUDED.authority,
		entity_id = EXCLUDED.entity_id,
		period_start = EXCLUDED.period_start,
		period_end = EXCLUDED.period_end,
		fields = EXCLUDED.fields,
		ingested_at = EXCLUDED.ingested_at
	WHERE EXCLUDED.authority > canonical_records.authority
	   OR EXCLUDED.source_type = canonical_records.source_type
	RETURNING (xmax = 0) AS inserted`

// Upsert applies one record and reports the precedence decision taken.
func (p *recordStore) Upsert(ctx context.Context, rec domain.CanonicalRecord) (domain.Decision, error) {
	decision := domain.DecisionSkip
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("identity_key", rec.Identity.String()),
		attribute.String("source_type", string(rec.Source)),
	)
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.upsert_canonical_record", dbAttrs, func(ctx context.Context) error {
		args, err := recordArgs(rec)
		if err != nil {
			return err
		}

		var inserted bool
		err = p.pool.QueryRow(ctx, upsertRecordQuery, args...).Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			decision = domain.DecisionSkip
			return nil
		case err != nil:
			return fmt.Errorf("failed to upsert record: %w", err)
		}

		if inserted {
			decision = domain.DecisionInsert
		} else {
			decision = domain.DecisionOverwrite
		}
		return nil
	})
	return decision, err
}

// UpsertBatch applies records in bulk through a pipelined batch and returns
// how many landed. Skips are not counted.
func (p *recordStore) UpsertBatch(ctx context.Context, recs []domain.CanonicalRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	var written int64
	dbAttrs := append(defaultDBAttributes, attribute.Int("record_count", len(recs)))
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.upsert_canonical_records", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for _, rec := range recs {
			args, err := recordArgs(rec)
			if err != nil {
				return err
			}
			batch.Queue(upsertRecordQuery, args...)
		}

		results := p.pool.SendBatch(ctx, batch)
		defer results.Close()

		for range recs {
			var inserted bool
			err := results.QueryRow().Scan(&inserted)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to upsert record in batch: %w", err)
			}
			written++
		}
		return nil
	})
	return written, err
}

// Get returns the stored record for an identity key, or nil when absent.
func (p *recordStore) Get(ctx context.Context, key domain.IdentityKey) (*domain.CanonicalRecord, error) {
	var record *domain.CanonicalRecord
	dbAttrs := append(defaultDBAttributes, attribute.String("identity_key", key.String()))
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.get_canonical_record", dbAttrs, func(ctx context.Context) error {
		var (
			sourceType  string
			marketplace string
			entityID    *string
			periodStart time.Time
			periodEnd   time.Time
			fieldsJSON  []byte
			ingestedAt  time.Time
		)
		err := p.pool.QueryRow(ctx, `
			SELECT source_type, marketplace, entity_id, period_start, period_end, fields, ingested_at
			FROM canonical_records
			WHERE identity_key = $1`,
			key.String(),
		).Scan(&sourceType, &marketplace, &entityID, &periodStart, &periodEnd, &fieldsJSON, &ingestedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load record: %w", err)
		}

		var fields map[string]string
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return fmt.Errorf("failed to unmarshal record fields: %w", err)
		}

		rec := domain.CanonicalRecord{
			Identity:    key,
			Source:      domain.SourceType(sourceType),
			Marketplace: marketplace,
			PeriodStart: periodStart.UTC(),
			PeriodEnd:   periodEnd.UTC(),
			Fields:      fields,
			IngestedAt:  ingestedAt.UTC(),
		}
		if entityID != nil {
			rec.EntityID = *entityID
		}
		record = &rec
		return nil
	})
	return record, err
}

// RefreshAggregates rebuilds the derived daily sales rollup. CONCURRENTLY
// keeps readers unblocked; it requires the view's unique index.
func (p *recordStore) RefreshAggregates(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.refresh_aggregates", defaultDBAttributes, func(ctx context.Context) error {
		if _, err := p.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY daily_sales_summary`); err != nil {
			return fmt.Errorf("failed to refresh aggregates: %w", err)
		}
		return nil
	})
}

func recordArgs(rec domain.CanonicalRecord) ([]any, error) {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record fields: %w", err)
	}
	var entityID *string
	if rec.EntityID != "" {
		entityID = &rec.EntityID
	}
	return []any{
		rec.Identity.String(),
		string(rec.Identity.Kind()),
		string(rec.Source),
		rec.Authority(),
		rec.Marketplace,
		entityID,
		rec.PeriodStart,
		rec.PeriodEnd,
		fieldsJSON,
		rec.IngestedAt,
	}, nil
}
