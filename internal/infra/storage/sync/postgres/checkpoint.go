// Package postgres implements the sync storage ports on PostgreSQL. The
// checkpoint table enforces work unit identity with a unique constraint, and
// the record table applies the precedence rules inside the upsert statement
// so concurrent writers cannot interleave into a lower-authority overwrite.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

var _ domain.CheckpointRepository = (*checkpointStore)(nil)

// checkpointStore provides a PostgreSQL implementation of the checkpoint
// repository. The unique index on (source_type, marketplace, period_start,
// period_end) is what makes the upsert race-safe: two invocations claiming
// the same unit converge on one row.
type checkpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint repository.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, tracer: tracer}
}

// Save persists the checkpoint, upserting on the work unit identity.
func (p *checkpointStore) Save(ctx context.Context, cp *domain.Checkpoint) error {
	unit := cp.Unit()
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("unit_key", unit.Key()),
		attribute.String("status", string(cp.Status())),
	)
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.save_sync_checkpoint", dbAttrs, func(ctx context.Context) error {
		batchState, err := json.Marshal(cp.Batches())
		if err != nil {
			return fmt.Errorf("failed to marshal batch state: %w", err)
		}

		_, err = p.pool.Exec(ctx, `
			INSERT INTO sync_checkpoints (
				id, source_type, marketplace, period_start, period_end, mode,
				status, attempts, row_count, last_error, batch_state, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (source_type, marketplace, period_start, period_end) DO UPDATE SET
				mode = EXCLUDED.mode,
				status = EXCLUDED.status,
				attempts = EXCLUDED.attempts,
				row_count = EXCLUDED.row_count,
				last_error = EXCLUDED.last_error,
				batch_state = EXCLUDED.batch_state,
				updated_at = EXCLUDED.updated_at`,
			cp.ID(),
			string(unit.SourceType()),
			unit.Scope().Marketplace(),
			unit.Scope().PeriodStart(),
			unit.Scope().PeriodEnd(),
			string(unit.Mode()),
			string(cp.Status()),
			cp.Attempts(),
			cp.RowCount(),
			cp.LastError(),
			batchState,
			cp.CreatedAt(),
			cp.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

// Load retrieves the checkpoint for a work unit. Returns nil if no checkpoint
// exists for the unit.
func (p *checkpointStore) Load(ctx context.Context, unit domain.WorkUnit) (*domain.Checkpoint, error) {
	var checkpoint *domain.Checkpoint
	dbAttrs := append(defaultDBAttributes, attribute.String("unit_key", unit.Key()))
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.load_sync_checkpoint", dbAttrs, func(ctx context.Context) error {
		row := p.pool.QueryRow(ctx, `
			SELECT id, mode, status, attempts, last_error, batch_state, created_at, updated_at
			FROM sync_checkpoints
			WHERE source_type = $1 AND marketplace = $2 AND period_start = $3 AND period_end = $4`,
			string(unit.SourceType()),
			unit.Scope().Marketplace(),
			unit.Scope().PeriodStart(),
			unit.Scope().PeriodEnd(),
		)

		cp, err := scanCheckpoint(row, unit)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		checkpoint = cp
		return nil
	})
	return checkpoint, err
}

// ListNeedingAttention returns partial and failed units, plus done units that
// wrote zero rows.
func (p *checkpointStore) ListNeedingAttention(ctx context.Context, source domain.SourceType, marketplace string) ([]*domain.Checkpoint, error) {
	var checkpoints []*domain.Checkpoint
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("source_type", string(source)),
		attribute.String("marketplace", marketplace),
	)
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.list_checkpoints_needing_attention", dbAttrs, func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, `
			SELECT id, source_type, marketplace, period_start, period_end, mode,
			       status, attempts, last_error, batch_state, created_at, updated_at
			FROM sync_checkpoints
			WHERE source_type = $1 AND marketplace = $2
			  AND (status IN ('partial', 'failed') OR (status = 'done' AND row_count = 0))
			ORDER BY period_start DESC`,
			string(source), marketplace,
		)
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			cp, err := scanFullCheckpoint(rows)
			if err != nil {
				return err
			}
			checkpoints = append(checkpoints, cp)
		}
		return rows.Err()
	})
	return checkpoints, err
}

// FindGaps returns the days in [from, to] for which no done checkpoint
// covers the source and marketplace.
func (p *checkpointStore) FindGaps(ctx context.Context, source domain.SourceType, marketplace string, from, to time.Time) ([]time.Time, error) {
	var gaps []time.Time
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("source_type", string(source)),
		attribute.String("marketplace", marketplace),
	)
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.find_sync_gaps", dbAttrs, func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, `
			SELECT g.day::date
			FROM generate_series($3::date, $4::date, interval '1 day') AS g(day)
			WHERE NOT EXISTS (
				SELECT 1 FROM sync_checkpoints c
				WHERE c.source_type = $1 AND c.marketplace = $2 AND c.status = 'done'
				  AND g.day::date BETWEEN c.period_start AND c.period_end
			)
			ORDER BY g.day`,
			string(source), marketplace, from.UTC(), to.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to find gaps: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var day time.Time
			if err := rows.Scan(&day); err != nil {
				return fmt.Errorf("failed to scan gap day: %w", err)
			}
			gaps = append(gaps, day.UTC())
		}
		return rows.Err()
	})
	return gaps, err
}

func scanCheckpoint(row pgx.Row, unit domain.WorkUnit) (*domain.Checkpoint, error) {
	var (
		id         uuid.UUID
		mode       string
		status     string
		attempts   int
		lastError  *string
		batchState []byte
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(&id, &mode, &status, &attempts, &lastError, &batchState, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	return reconstruct(id, unit, status, attempts, lastError, batchState, createdAt, updatedAt)
}

func scanFullCheckpoint(rows pgx.Rows) (*domain.Checkpoint, error) {
	var (
		id          uuid.UUID
		sourceType  string
		marketplace string
		periodStart time.Time
		periodEnd   time.Time
		mode        string
		status      string
		attempts    int
		lastError   *string
		batchState  []byte
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := rows.Scan(&id, &sourceType, &marketplace, &periodStart, &periodEnd, &mode,
		&status, &attempts, &lastError, &batchState, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	scope, err := domain.NewScope(marketplace, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild scope: %w", err)
	}
	unit, err := domain.NewWorkUnit(domain.SourceType(sourceType), scope, domain.Mode(mode))
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild work unit: %w", err)
	}
	return reconstruct(id, unit, status, attempts, lastError, batchState, createdAt, updatedAt)
}

func reconstruct(
	id uuid.UUID,
	unit domain.WorkUnit,
	status string,
	attempts int,
	lastError *string,
	batchState []byte,
	createdAt, updatedAt time.Time,
) (*domain.Checkpoint, error) {
	batches := make(map[string]domain.BatchRecord)
	if len(batchState) > 0 {
		if err := json.Unmarshal(batchState, &batches); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch state: %w", err)
		}
	}
	errMsg := ""
	if lastError != nil {
		errMsg = *lastError
	}
	return domain.ReconstructCheckpoint(
		id, unit, domain.CheckpointStatus(status), attempts, errMsg, batches, createdAt, updatedAt,
	), nil
}
