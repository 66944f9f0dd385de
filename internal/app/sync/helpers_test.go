package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/pkg/common"
	"github.com/rivertide/sellersync/pkg/common/logger"
)

func testLogger() *logger.Logger {
	return logger.NewWithHandler(slog.NewJSONHandler(io.Discard, nil))
}

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

// openQuotas returns a registry whose limits never block a test.
func openQuotas() *common.QuotaRegistry {
	return common.NewQuotaRegistry(map[common.QuotaClass]float64{
		common.QuotaReportCreate: 10_000,
		common.QuotaReportGet:    10_000,
	})
}

func singleDayUnit(t *testing.T, source domain.SourceType, mode domain.Mode) domain.WorkUnit {
	t.Helper()
	day := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	scope, err := domain.NewScope("US", day, day)
	require.NoError(t, err)
	unit, err := domain.NewWorkUnit(source, scope, mode)
	require.NoError(t, err)
	return unit
}

// fakeReportClient completes every report immediately, serving back the
// asinList carried in the report options as the document payload. Full-unit
// requests get the configured default payload.
type fakeReportClient struct {
	mu             sync.Mutex
	nextID         int
	payloads       map[string][]byte
	defaultPayload []byte
	statuses       []domain.ReportStatus
	createCalls    int
	pollCalls      int
}

var _ domain.ReportClient = (*fakeReportClient)(nil)

func newFakeReportClient() *fakeReportClient {
	return &fakeReportClient{payloads: make(map[string][]byte)}
}

func (f *fakeReportClient) CreateReport(_ context.Context, spec domain.ReportSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.nextID++
	id := fmt.Sprintf("report-%d", f.nextID)

	payload := f.defaultPayload
	if list, ok := spec.Options["asinList"]; ok {
		payload = []byte(list)
	}
	f.payloads[id] = payload
	return id, nil
}

func (f *fakeReportClient) GetReportStatus(_ context.Context, reportID string) (domain.ReportHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++

	status := domain.ReportStatusDone
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}

	handle := domain.ReportHandle{ReportID: reportID, Status: status}
	if status == domain.ReportStatusDone {
		handle.DocumentID = reportID
	}
	return handle, nil
}

func (f *fakeReportClient) GetDocument(_ context.Context, documentID string) (domain.DocumentRef, error) {
	return domain.DocumentRef{URL: documentID, Expiry: time.Now().Add(time.Minute)}, nil
}

func (f *fakeReportClient) Download(_ context.Context, ref domain.DocumentRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.payloads[ref.URL]
	if !ok {
		return nil, fmt.Errorf("unknown document %s", ref.URL)
	}
	return payload, nil
}

func (f *fakeReportClient) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// csvParser splits the payload on commas into one record per entity. Any
// entity containing "FAIL" rejects the whole payload, standing in for a
// malformed artifact.
type csvParser struct {
	strict bool
}

func (p *csvParser) Parse(data []byte) ([]domain.RawRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var records []domain.RawRecord
	for _, id := range strings.Split(string(data), ",") {
		if p.strict && strings.Contains(id, "FAIL") {
			return nil, fmt.Errorf("unreadable row %q", id)
		}
		records = append(records, domain.RawRecord{
			EntityID:   id,
			EntityDate: "2026-02-03",
			Fields:     map[string]string{"units_ordered": "1"},
		})
	}
	return records, nil
}

// fakeRegistry serves one parser for every source and builds minimal specs.
type fakeRegistry struct {
	parser domain.Parser
}

var _ SourceRegistry = (*fakeRegistry)(nil)

func (r *fakeRegistry) ReportSpec(unit domain.WorkUnit, batch Batch) (domain.ReportSpec, error) {
	options := map[string]string{}
	if !batch.IsFullUnit() {
		options["asinList"] = batch.RequestList()
	}
	return domain.ReportSpec{
		ReportType:    "TEST_REPORT",
		MarketplaceID: unit.Scope().Marketplace(),
		PeriodStart:   unit.Scope().PeriodStart(),
		PeriodEnd:     unit.Scope().PeriodEnd(),
		Options:       options,
	}, nil
}

func (r *fakeRegistry) Parser(domain.SourceType) (domain.Parser, error) { return r.parser, nil }

// fakeCatalog serves a fixed entity list.
type fakeCatalog struct {
	entities []string
}

var _ domain.EntityCatalog = (*fakeCatalog)(nil)

func (c *fakeCatalog) ActiveEntities(context.Context, domain.SourceType, string) ([]string, error) {
	return c.entities, nil
}
