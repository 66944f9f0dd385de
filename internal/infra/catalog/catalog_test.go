package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appsync "github.com/rivertide/sellersync/internal/app/sync"
	"github.com/rivertide/sellersync/internal/config"
	domain "github.com/rivertide/sellersync/internal/domain/sync"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	return NewCatalog(&config.Config{
		Marketplaces: []config.Marketplace{
			{Code: "US", ID: "ATVPDKIKX0DER"},
		},
		Sources: []config.SourceSpec{
			{
				Type:       domain.SourceSalesTraffic,
				ReportType: "GET_SALES_AND_TRAFFIC_REPORT",
				Options:    map[string]string{"asinGranularity": "CHILD"},
			},
			{
				Type:       domain.SourceSearchPerformance,
				ReportType: "GET_BRAND_ANALYTICS_SEARCH_TERMS_REPORT",
			},
		},
		TrackedEntities: map[string][]string{
			"US": {"B0TEST0001", "B0TEST0002"},
		},
	})
}

func testUnit(t *testing.T, source domain.SourceType) domain.WorkUnit {
	t.Helper()
	day := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	scope, err := domain.NewScope("US", day, day)
	require.NoError(t, err)
	unit, err := domain.NewWorkUnit(source, scope, domain.ModeDaily)
	require.NoError(t, err)
	return unit
}

func TestCatalog_ReportSpec(t *testing.T) {
	cat := testCatalog(t)
	unit := testUnit(t, domain.SourceSalesTraffic)

	spec, err := cat.ReportSpec(unit, appsync.FullUnitBatch())
	require.NoError(t, err)

	assert.Equal(t, "GET_SALES_AND_TRAFFIC_REPORT", spec.ReportType)
	assert.Equal(t, "ATVPDKIKX0DER", spec.MarketplaceID)
	assert.Equal(t, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), spec.PeriodStart)
	assert.Equal(t, time.Date(2026, 2, 3, 23, 59, 59, 0, time.UTC), spec.PeriodEnd)
	assert.Equal(t, "CHILD", spec.Options["asinGranularity"])
	assert.NotContains(t, spec.Options, "asinList")
}

func TestCatalog_ReportSpecCarriesBatchEntities(t *testing.T) {
	cat := testCatalog(t)
	unit := testUnit(t, domain.SourceSearchPerformance)

	batches, err := appsync.Partition([]string{"B0TEST0001", "B0TEST0002"}, 200)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	spec, err := cat.ReportSpec(unit, batches[0])
	require.NoError(t, err)

	assert.Equal(t, "B0TEST0001,B0TEST0002", spec.Options["asinList"])
}

func TestCatalog_ReportSpecUnknownSourceOrMarketplace(t *testing.T) {
	cat := testCatalog(t)

	_, err := cat.ReportSpec(testUnit(t, domain.SourceFinancial), appsync.FullUnitBatch())
	assert.ErrorContains(t, err, "not configured")

	day := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	scope, err := domain.NewScope("JP", day, day)
	require.NoError(t, err)
	unit, err := domain.NewWorkUnit(domain.SourceSalesTraffic, scope, domain.ModeDaily)
	require.NoError(t, err)

	_, err = cat.ReportSpec(unit, appsync.FullUnitBatch())
	assert.ErrorContains(t, err, "marketplace JP")
}

func TestCatalog_ActiveEntities(t *testing.T) {
	cat := testCatalog(t)

	ids, err := cat.ActiveEntities(context.Background(), domain.SourceSearchPerformance, "US")
	require.NoError(t, err)
	assert.Equal(t, []string{"B0TEST0001", "B0TEST0002"}, ids)

	// The returned slice is a copy; mutating it must not leak back.
	ids[0] = "mutated"
	again, err := cat.ActiveEntities(context.Background(), domain.SourceSearchPerformance, "US")
	require.NoError(t, err)
	assert.Equal(t, "B0TEST0001", again[0])

	_, err = cat.ActiveEntities(context.Background(), domain.SourceSearchPerformance, "JP")
	assert.ErrorContains(t, err, "no tracked entities")
}

func TestCatalog_Parser(t *testing.T) {
	cat := testCatalog(t)

	p, err := cat.Parser(domain.SourceOrders)
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = cat.Parser(domain.SourceType("unknown"))
	assert.Error(t, err)
}
