package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
)

func TestPartition_PacksUnderCharLimit(t *testing.T) {
	batches, err := Partition([]string{"A1", "A2", "A3"}, 5)
	require.NoError(t, err)

	require.Len(t, batches, 2)
	assert.Equal(t, []string{"A1", "A2"}, batches[0].Entities())
	assert.Equal(t, "A1,A2", batches[0].RequestList())
	assert.Equal(t, []string{"A3"}, batches[1].Entities())
}

// Batch IDs are derived from the sorted member set, so a catalog that
// returns entities in a different order after a crash still produces the
// batches the checkpoint already knows about.
func TestPartition_DeterministicAcrossInputOrder(t *testing.T) {
	orderings := [][]string{
		{"B001", "B002", "B003", "B004"},
		{"B004", "B003", "B002", "B001"},
		{"B002", "B004", "B001", "B003"},
	}

	var reference []Batch
	for i, entities := range orderings {
		batches, err := Partition(entities, 9)
		require.NoError(t, err)

		if i == 0 {
			reference = batches
			continue
		}
		require.Len(t, batches, len(reference))
		for j := range batches {
			assert.Equal(t, reference[j].ID(), batches[j].ID())
			assert.Equal(t, reference[j].Entities(), batches[j].Entities())
		}
	}
}

func TestPartition_DifferentMembersDifferentIDs(t *testing.T) {
	a, err := Partition([]string{"B001"}, 100)
	require.NoError(t, err)
	b, err := Partition([]string{"B002"}, 100)
	require.NoError(t, err)

	assert.NotEqual(t, a[0].ID(), b[0].ID())
}

func TestPartition_RejectsOversizedEntity(t *testing.T) {
	_, err := Partition([]string{"THIS-ID-IS-FAR-TOO-LONG"}, 10)
	assert.Error(t, err)
}

func TestPartition_SkipsEmptyIDs(t *testing.T) {
	batches, err := Partition([]string{"", "B001", ""}, 100)
	require.NoError(t, err)

	require.Len(t, batches, 1)
	assert.Equal(t, []string{"B001"}, batches[0].Entities())
}

func TestBatchesFor(t *testing.T) {
	t.Run("non-batched source gets one full-unit batch", func(t *testing.T) {
		unit := singleDayUnit(t, domain.SourceSalesTraffic, domain.ModeDaily)

		batches, err := BatchesFor(unit, nil, 200)
		require.NoError(t, err)

		require.Len(t, batches, 1)
		assert.True(t, batches[0].IsFullUnit())
	})

	t.Run("batched source with no entities is an error", func(t *testing.T) {
		unit := singleDayUnit(t, domain.SourceSearchPerformance, domain.ModeDaily)

		_, err := BatchesFor(unit, nil, 200)
		assert.Error(t, err)
	})

	t.Run("batched source partitions its entities", func(t *testing.T) {
		unit := singleDayUnit(t, domain.SourceSearchPerformance, domain.ModeDaily)

		batches, err := BatchesFor(unit, []string{"B001", "B002"}, 4)
		require.NoError(t, err)

		require.Len(t, batches, 2)
		assert.False(t, batches[0].IsFullUnit())
	})
}
