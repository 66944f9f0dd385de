package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScope(t *testing.T) {
	t.Run("truncates bounds to whole days", func(t *testing.T) {
		scope, err := NewScope("US",
			time.Date(2026, 2, 3, 14, 30, 0, 0, time.UTC),
			time.Date(2026, 2, 3, 23, 59, 59, 0, time.UTC))
		require.NoError(t, err)

		assert.Equal(t, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), scope.PeriodStart())
		assert.True(t, scope.IsSingleDay())
	})

	t.Run("rejects inverted period", func(t *testing.T) {
		_, err := NewScope("US",
			time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
		assert.Error(t, err)
	})

	t.Run("rejects empty marketplace", func(t *testing.T) {
		_, err := NewScope("", time.Now(), time.Now())
		assert.Error(t, err)
	})
}

func TestWorkUnit_Key(t *testing.T) {
	scope, err := NewScope("DE",
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	daily, err := NewWorkUnit(SourceSalesTraffic, scope, ModeDaily)
	require.NoError(t, err)
	refresh, err := NewWorkUnit(SourceSalesTraffic, scope, ModeRefresh)
	require.NoError(t, err)

	assert.Equal(t, "sales_traffic:DE:2026-02-01:2026-02-07", daily.Key())
	// Mode influences claim behavior but never identity.
	assert.Equal(t, daily.Key(), refresh.Key())
}

func TestNewWorkUnit_RejectsUnknownSource(t *testing.T) {
	scope, err := NewScope("US", time.Now(), time.Now())
	require.NoError(t, err)

	_, err = NewWorkUnit(SourceType("clickstream"), scope, ModeDaily)
	assert.Error(t, err)
}

func TestSourceType_Authority(t *testing.T) {
	assert.Greater(t, SourceSalesTraffic.Authority(), SourceOrders.Authority())
	assert.Equal(t, SourceSalesTraffic.Authority(), SourceFinancial.Authority())
}

func TestSourceType_Batched(t *testing.T) {
	assert.True(t, SourceSearchPerformance.Batched())
	assert.False(t, SourceSalesTraffic.Batched())
	assert.False(t, SourceOrders.Batched())
	assert.False(t, SourceFinancial.Batched())
}
