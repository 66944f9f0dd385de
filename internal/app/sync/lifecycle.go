package sync

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/pkg/common"
	"github.com/rivertide/sellersync/pkg/common/logger"
)

// LifecycleDriver drives one asynchronous report from creation through
// polling to a parsed payload. It owns the poll loop and its time budget;
// the client owns transport-level retry underneath it.
//
// Every create and poll acquires a permit from the shared quota registry
// before dispatching, so concurrent drivers cannot exceed the upstream
// request budgets no matter how many units run in parallel.
type LifecycleDriver struct {
	client domain.ReportClient
	quotas *common.QuotaRegistry

	pollInterval time.Duration
	pollBudget   time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewLifecycleDriver creates a driver with the given poll cadence and budget.
func NewLifecycleDriver(
	client domain.ReportClient,
	quotas *common.QuotaRegistry,
	pollInterval, pollBudget time.Duration,
	log *logger.Logger,
	tracer trace.Tracer,
) *LifecycleDriver {
	return &LifecycleDriver{
		client:       client,
		quotas:       quotas,
		pollInterval: pollInterval,
		pollBudget:   pollBudget,
		logger:       log.With("component", "lifecycle_driver"),
		tracer:       tracer,
	}
}

// Fetch runs the full report lifecycle for one spec and returns the
// decompressed payload. FATAL and CANCELLED reports and an exhausted poll
// budget are returned as errors the caller records against the batch; they
// are not retried within the invocation.
func (d *LifecycleDriver) Fetch(ctx context.Context, spec domain.ReportSpec) ([]byte, error) {
	ctx, span := d.tracer.Start(ctx, "lifecycle_driver.fetch",
		trace.WithAttributes(
			attribute.String("report_type", spec.ReportType),
			attribute.String("marketplace_id", spec.MarketplaceID),
		))
	defer span.End()

	reportID, err := d.createReport(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create report")
		return nil, err
	}
	span.SetAttributes(attribute.String("report_id", reportID))

	handle, err := d.awaitCompletion(ctx, reportID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report did not complete")
		return nil, err
	}

	data, err := d.fetchDocument(ctx, handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch report document")
		return nil, err
	}

	span.SetAttributes(attribute.Int("payload_bytes", len(data)))
	span.AddEvent("report_fetched")
	return data, nil
}

func (d *LifecycleDriver) createReport(ctx context.Context, spec domain.ReportSpec) (string, error) {
	if err := d.quotas.Acquire(ctx, common.QuotaReportCreate); err != nil {
		return "", fmt.Errorf("acquiring create permit: %w", err)
	}
	reportID, err := d.client.CreateReport(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("creating report: %w", err)
	}
	d.logger.Info(ctx, "report requested", "report_id", reportID, "report_type", spec.ReportType)
	return reportID, nil
}

// awaitCompletion polls until the report reaches a terminal status or the
// poll budget runs out. Observed statuses are validated against the report
// state machine; the upstream is authoritative, so an out-of-order
// observation is logged and adopted rather than failing the pull.
func (d *LifecycleDriver) awaitCompletion(ctx context.Context, reportID string) (domain.ReportHandle, error) {
	deadline := time.Now().Add(d.pollBudget)
	status := domain.ReportStatusRequested

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return domain.ReportHandle{}, domain.NewTimeoutError(reportID, d.pollBudget)
		}
		select {
		case <-ctx.Done():
			return domain.ReportHandle{}, ctx.Err()
		case <-ticker.C:
		}

		if err := d.quotas.Acquire(ctx, common.QuotaReportGet); err != nil {
			return domain.ReportHandle{}, fmt.Errorf("acquiring poll permit: %w", err)
		}
		handle, err := d.client.GetReportStatus(ctx, reportID)
		if err != nil {
			return domain.ReportHandle{}, fmt.Errorf("polling report %s: %w", reportID, err)
		}

		if handle.Status != status && !status.CanTransitionTo(handle.Status) {
			d.logger.Warn(ctx, "unexpected report status transition",
				"report_id", reportID, "from", status, "to", handle.Status)
		}
		status = handle.Status

		switch status {
		case domain.ReportStatusDone:
			return handle, nil
		case domain.ReportStatusFatal, domain.ReportStatusCancelled:
			return domain.ReportHandle{}, domain.NewFatalReportError(reportID, status)
		}

		d.logger.Debug(ctx, "report still pending", "report_id", reportID, "status", status)
	}
}

// fetchDocument exchanges the document ID for a pre-signed URL and downloads
// it immediately. The URL is short-lived; nothing may sit between the
// exchange and the download.
func (d *LifecycleDriver) fetchDocument(ctx context.Context, handle domain.ReportHandle) ([]byte, error) {
	if err := d.quotas.Acquire(ctx, common.QuotaReportGet); err != nil {
		return nil, fmt.Errorf("acquiring document permit: %w", err)
	}
	ref, err := d.client.GetDocument(ctx, handle.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("resolving document %s: %w", handle.DocumentID, err)
	}

	data, err := d.client.Download(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("downloading document %s: %w", handle.DocumentID, err)
	}

	if ref.Compression == domain.CompressionGzip {
		data, err = gunzip(data)
		if err != nil {
			return nil, fmt.Errorf("decompressing document %s: %w", handle.DocumentID, err)
		}
	}
	return data, nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
