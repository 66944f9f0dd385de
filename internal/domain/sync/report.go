package sync

import "time"

// ReportStatus represents the lifecycle states of one asynchronous report
// request as reported by the upstream. The status transitions form a state
// machine that the lifecycle driver validates on every poll.
type ReportStatus string

const (
	// ReportStatusRequested indicates the create call was accepted but no
	// status has been observed yet.
	ReportStatusRequested ReportStatus = "REQUESTED"

	// ReportStatusQueued indicates the report is waiting for upstream
	// processing capacity.
	ReportStatusQueued ReportStatus = "IN_QUEUE"

	// ReportStatusProcessing indicates the upstream is generating the report.
	ReportStatusProcessing ReportStatus = "IN_PROGRESS"

	// ReportStatusDone indicates the report completed and a result document
	// is available. Terminal.
	ReportStatusDone ReportStatus = "DONE"

	// ReportStatusFatal indicates the upstream failed to generate the
	// report. Terminal; not retryable within the invocation.
	ReportStatusFatal ReportStatus = "FATAL"

	// ReportStatusCancelled indicates the upstream cancelled the report
	// request. Terminal; not retryable within the invocation.
	ReportStatusCancelled ReportStatus = "CANCELLED"
)

// reportTransitions defines the allowed state transitions for a report
// request. Empty slices indicate terminal states.
var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportStatusRequested:  {ReportStatusQueued, ReportStatusProcessing, ReportStatusDone, ReportStatusFatal, ReportStatusCancelled},
	ReportStatusQueued:     {ReportStatusQueued, ReportStatusProcessing, ReportStatusDone, ReportStatusFatal, ReportStatusCancelled},
	ReportStatusProcessing: {ReportStatusProcessing, ReportStatusDone, ReportStatusFatal, ReportStatusCancelled},
	ReportStatusDone:       {},
	ReportStatusFatal:      {},
	ReportStatusCancelled:  {},
}

// IsTerminal reports whether no further polling can change the status.
func (s ReportStatus) IsTerminal() bool {
	next, ok := reportTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo validates whether the upstream may legally report the
// target status after this one.
func (s ReportStatus) CanTransitionTo(target ReportStatus) bool {
	for _, allowed := range reportTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ReportSpec describes one report request to the upstream API. For batched
// sources the entity ID list is carried in Options.
type ReportSpec struct {
	ReportType    string
	MarketplaceID string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Options       map[string]string
}

// ReportHandle is the upstream's view of a created report request.
type ReportHandle struct {
	ReportID   string
	Status     ReportStatus
	DocumentID string
}

// DocumentRef points at a completed report artifact. The URL is pre-signed
// and short-lived; it must be downloaded before Expiry.
type DocumentRef struct {
	URL         string
	Compression string
	Expiry      time.Time
}

// CompressionGzip marks a document whose bytes are gzip-compressed.
const CompressionGzip = "GZIP"
