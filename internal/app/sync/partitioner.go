// Package sync implements the pull orchestration services: partitioning work
// into batches, driving the asynchronous report lifecycle, ingesting parsed
// rows, and coordinating work units under checkpointed resume semantics.
package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
)

// batchIDLen is the hex-character length of a batch identifier. 64 bits of
// the content hash is plenty for the handful of batches a unit produces.
const batchIDLen = 16

// fullUnitBatchID names the single synthetic batch of a non-batched source.
const fullUnitBatchID = "full"

// Batch is one deliverable slice of a work unit: the entity IDs requested
// together in a single report. Its ID is derived from the sorted member set,
// so the same entities always produce the same ID no matter what order the
// catalog returned them in. Checkpoint resume depends on that stability.
type Batch struct {
	id       string
	entities []string
}

// Getters for Batch.
func (b Batch) ID() string { return b.id }

// Entities returns the member entity IDs in request order.
func (b Batch) Entities() []string { return b.entities }

// IsFullUnit reports whether the batch covers the whole unit rather than an
// entity subset.
func (b Batch) IsFullUnit() bool { return b.id == fullUnitBatchID }

func batchID(entities []string) string {
	h := sha256.New()
	for _, e := range entities {
		h.Write([]byte(e))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))[:batchIDLen]
}

// FullUnitBatch returns the single batch used for sources whose report
// covers the whole scope in one request.
func FullUnitBatch() Batch {
	return Batch{id: fullUnitBatchID}
}

// Partition splits entity IDs into batches whose comma-joined request string
// stays within maxChars. Input order does not matter: IDs are sorted before
// packing, so a crashed invocation and its resume produce identical batches
// with identical IDs.
func Partition(entityIDs []string, maxChars int) ([]Batch, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("partition requires a positive character limit, got %d", maxChars)
	}

	sorted := make([]string, len(entityIDs))
	copy(sorted, entityIDs)
	sort.Strings(sorted)

	var batches []Batch
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		batches = append(batches, Batch{id: batchID(current), entities: current})
		current = nil
		currentLen = 0
	}

	for _, id := range sorted {
		if id == "" {
			continue
		}
		if len(id) > maxChars {
			return nil, fmt.Errorf("entity ID %q exceeds the %d character request limit", id, maxChars)
		}

		// Account for the joining comma when the batch is non-empty.
		addition := len(id)
		if len(current) > 0 {
			addition++
		}
		if currentLen+addition > maxChars {
			flush()
			addition = len(id)
		}
		current = append(current, id)
		currentLen += addition
	}
	flush()

	return batches, nil
}

// BatchesFor returns the batches a work unit needs: entity-partitioned for
// batched sources, a single full-unit batch otherwise.
func BatchesFor(unit domain.WorkUnit, entityIDs []string, maxChars int) ([]Batch, error) {
	if !unit.SourceType().Batched() {
		return []Batch{FullUnitBatch()}, nil
	}
	batches, err := Partition(entityIDs, maxChars)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("no entities to request for %s", unit.Key())
	}
	return batches, nil
}

// RequestList renders the batch's entities as the comma-joined request value.
func (b Batch) RequestList() string { return strings.Join(b.entities, ",") }
