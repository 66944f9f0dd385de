package sync

import (
	"context"
	"time"
)

// CheckpointRepository provides persistent storage for checkpoints. The
// implementation must enforce WorkUnit identity uniqueness at the
// persistence layer, not just in memory, so overlapping invocations cannot
// create two progress records for the same unit.
type CheckpointRepository interface {
	// Save persists the checkpoint, upserting on the WorkUnit identity.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load retrieves the checkpoint for a work unit. Returns nil with no
	// error when none exists.
	Load(ctx context.Context, unit WorkUnit) (*Checkpoint, error)

	// ListNeedingAttention returns checkpoints that monitoring should look
	// at: partial or failed units, and done units that wrote zero rows.
	ListNeedingAttention(ctx context.Context, source SourceType, marketplace string) ([]*Checkpoint, error)

	// FindGaps returns the days in [from, to] for which no done checkpoint
	// exists for the source and marketplace.
	FindGaps(ctx context.Context, source SourceType, marketplace string, from, to time.Time) ([]time.Time, error)
}

// RecordStore persists canonical records keyed by identity key, applying the
// precedence rules atomically at the storage layer so concurrent upserts for
// the same key cannot interleave into a lower-authority overwrite.
type RecordStore interface {
	// Upsert applies one record and reports the precedence decision taken.
	Upsert(ctx context.Context, rec CanonicalRecord) (Decision, error)

	// UpsertBatch applies records in bulk and returns how many landed
	// (inserts plus overwrites; skips are not counted).
	UpsertBatch(ctx context.Context, recs []CanonicalRecord) (int64, error)

	// Get returns the stored record for an identity key, or nil.
	Get(ctx context.Context, key IdentityKey) (*CanonicalRecord, error)

	// RefreshAggregates rebuilds the derived rollups that read from the
	// canonical records.
	RefreshAggregates(ctx context.Context) error
}

// ReportClient is the upstream reporting API, reduced to the calls the
// lifecycle driver makes. Implementations own transport-level retry; the
// driver owns the poll loop and its budget.
type ReportClient interface {
	// CreateReport submits an asynchronous report request.
	CreateReport(ctx context.Context, spec ReportSpec) (reportID string, err error)

	// GetReportStatus polls one request's lifecycle state.
	GetReportStatus(ctx context.Context, reportID string) (ReportHandle, error)

	// GetDocument exchanges a document ID for a short-lived download ref.
	GetDocument(ctx context.Context, documentID string) (DocumentRef, error)

	// Download fetches the artifact bytes from the pre-signed URL.
	Download(ctx context.Context, ref DocumentRef) ([]byte, error)
}

// Parser converts one report artifact into raw records. One parser exists
// per source type; the engine treats them as external collaborators.
type Parser interface {
	Parse(data []byte) ([]RawRecord, error)
}

// EntityCatalog lists the entity IDs a batched source must request. The
// search performance report is asked per batch of tracked entities.
type EntityCatalog interface {
	ActiveEntities(ctx context.Context, source SourceType, marketplace string) ([]string, error)
}
