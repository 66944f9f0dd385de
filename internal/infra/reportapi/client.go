// Package reportapi implements the HTTP adapter for the upstream reporting
// API: report creation, status polling, document resolution, and artifact
// download, with transport-level retry and throttle feedback into the shared
// quota registry.
package reportapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/pkg/common"
	"github.com/rivertide/sellersync/pkg/common/logger"
)

const (
	headerRetryAfter = "Retry-After"
	// headerRateLimit carries the upstream's advertised request rate in
	// requests per second. When present it overrides the documented default.
	headerRateLimit = "x-amzn-RateLimit-Limit"

	defaultMaxRetries    = 5
	defaultRetryInterval = 2 * time.Second
	dateLayout           = "2006-01-02T15:04:05Z"
)

var _ domain.ReportClient = (*Client)(nil)

// Client is the HTTP implementation of the report client port. Retries on
// throttling and server errors happen here; the lifecycle driver above never
// sees a 429. The caller's quota permit covers the first attempt, and every
// retry attempt acquires a fresh permit before dispatching, so retries stay
// inside the class budget.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	quotas        *common.QuotaRegistry
	maxRetries    uint64
	retryInterval time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries overrides the per-call retry budget.
func WithMaxRetries(n uint64) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryInterval overrides the initial backoff interval between retry
// attempts.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.retryInterval = d }
}

// NewClient creates a report API client rooted at baseURL.
func NewClient(baseURL string, quotas *common.QuotaRegistry, log *logger.Logger, tracer trace.Tracer, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		quotas:        quotas,
		maxRetries:    defaultMaxRetries,
		retryInterval: defaultRetryInterval,
		logger:        log.With("component", "report_client"),
		tracer:        tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createReportRequest struct {
	ReportType    string            `json:"reportType"`
	MarketplaceID string            `json:"marketplaceIds"`
	DataStartTime string            `json:"dataStartTime"`
	DataEndTime   string            `json:"dataEndTime"`
	ReportOptions map[string]string `json:"reportOptions,omitempty"`
}

type createReportResponse struct {
	ReportID string `json:"reportId"`
}

type reportStatusResponse struct {
	ReportID         string `json:"reportId"`
	ProcessingStatus string `json:"processingStatus"`
	DocumentID       string `json:"reportDocumentId"`
}

type documentResponse struct {
	URL                  string `json:"url"`
	CompressionAlgorithm string `json:"compressionAlgorithm"`
}

// CreateReport submits an asynchronous report request.
func (c *Client) CreateReport(ctx context.Context, spec domain.ReportSpec) (string, error) {
	ctx, span := c.tracer.Start(ctx, "report_client.create_report",
		trace.WithAttributes(attribute.String("report_type", spec.ReportType)))
	defer span.End()

	body := createReportRequest{
		ReportType:    spec.ReportType,
		MarketplaceID: spec.MarketplaceID,
		DataStartTime: spec.PeriodStart.UTC().Format(dateLayout),
		DataEndTime:   spec.PeriodEnd.UTC().Format(dateLayout),
		ReportOptions: spec.Options,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding create request: %w", err)
	}

	var resp createReportResponse
	if err := c.doJSON(ctx, common.QuotaReportCreate, http.MethodPost, c.baseURL+"/reports", payload, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create report failed")
		return "", err
	}
	span.SetAttributes(attribute.String("report_id", resp.ReportID))
	return resp.ReportID, nil
}

// GetReportStatus polls one report request's lifecycle state.
func (c *Client) GetReportStatus(ctx context.Context, reportID string) (domain.ReportHandle, error) {
	ctx, span := c.tracer.Start(ctx, "report_client.get_report_status",
		trace.WithAttributes(attribute.String("report_id", reportID)))
	defer span.End()

	var resp reportStatusResponse
	if err := c.doJSON(ctx, common.QuotaReportGet, http.MethodGet, c.baseURL+"/reports/"+reportID, nil, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status poll failed")
		return domain.ReportHandle{}, err
	}

	handle := domain.ReportHandle{
		ReportID:   resp.ReportID,
		Status:     domain.ReportStatus(resp.ProcessingStatus),
		DocumentID: resp.DocumentID,
	}
	span.SetAttributes(attribute.String("status", resp.ProcessingStatus))
	return handle, nil
}

// GetDocument exchanges a document ID for a pre-signed download reference.
func (c *Client) GetDocument(ctx context.Context, documentID string) (domain.DocumentRef, error) {
	ctx, span := c.tracer.Start(ctx, "report_client.get_document",
		trace.WithAttributes(attribute.String("document_id", documentID)))
	defer span.End()

	var resp documentResponse
	if err := c.doJSON(ctx, common.QuotaReportGet, http.MethodGet, c.baseURL+"/documents/"+documentID, nil, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "document resolve failed")
		return domain.DocumentRef{}, err
	}

	// The upstream pre-signs URLs for about five minutes. The expiry here
	// documents the contract; callers must download immediately either way.
	return domain.DocumentRef{
		URL:         resp.URL,
		Compression: resp.CompressionAlgorithm,
		Expiry:      time.Now().Add(5 * time.Minute),
	}, nil
}

// Download fetches the artifact bytes from the pre-signed URL. The URL is
// already authenticated and unthrottled; no quota permit applies.
func (c *Client) Download(ctx context.Context, ref domain.DocumentRef) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "report_client.download")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("downloading document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download returned status %d", resp.StatusCode)
		span.RecordError(err)
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading document body: %w", err)
	}
	span.SetAttributes(attribute.Int("bytes", len(data)))
	return data, nil
}

// doJSON performs one JSON API call with retry on throttling and server
// errors. Throttle responses feed the quota registry so every other caller
// in the class backs off too, and advertised rate headers are adopted as the
// new class limit.
func (c *Client) doJSON(ctx context.Context, class common.QuotaClass, method, url string, body []byte, out any) error {
	attempts := 0
	throttled := false
	operation := func() error {
		attempts++
		throttled = false

		// The caller holds a permit for the first attempt. Every retry is a
		// new network call in the class and needs its own permit, which also
		// waits out any Retry-After penalty a previous attempt recorded.
		if attempts > 1 {
			if err := c.quotas.Acquire(ctx, class); err != nil {
				return backoff.Permanent(err)
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, url, err)
		}
		defer resp.Body.Close()

		c.adoptRateHeader(class, resp)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			throttled = true
			retryAfter := parseRetryAfter(resp)
			c.quotas.OnThrottled(class, retryAfter)
			c.logger.Warn(ctx, "throttled by upstream",
				"url", url, "retry_after", retryAfter.String(), "attempt", attempts)
			return fmt.Errorf("throttled on %s", url)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s %s returned status %d", method, url, resp.StatusCode)
		case resp.StatusCode >= 400:
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("%s %s returned status %d: %s", method, url, resp.StatusCode, data))
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response from %s: %w", url, err))
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retryInterval
	expBackoff.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(expBackoff, c.maxRetries), ctx))
	if err != nil {
		if throttled && ctx.Err() == nil {
			return domain.NewRateLimitError(string(class), attempts)
		}
		return err
	}
	return nil
}

// adoptRateHeader picks up the upstream's advertised per-second rate for the
// quota class when the response carries one.
func (c *Client) adoptRateHeader(class common.QuotaClass, resp *http.Response) {
	raw := resp.Header.Get(headerRateLimit)
	if raw == "" {
		return
	}
	rps, err := strconv.ParseFloat(raw, 64)
	if err != nil || rps <= 0 {
		return
	}
	c.quotas.AdoptUpstreamLimit(class, rps)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get(headerRetryAfter)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		return time.Until(at)
	}
	return 0
}
