package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   ReportStatus
		terminal bool
	}{
		{ReportStatusRequested, false},
		{ReportStatusQueued, false},
		{ReportStatusProcessing, false},
		{ReportStatusDone, true},
		{ReportStatusFatal, true},
		{ReportStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestReportStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    ReportStatus
		to      ReportStatus
		allowed bool
	}{
		{name: "requested to queued", from: ReportStatusRequested, to: ReportStatusQueued, allowed: true},
		{name: "requested straight to done", from: ReportStatusRequested, to: ReportStatusDone, allowed: true},
		{name: "queued repeats while waiting", from: ReportStatusQueued, to: ReportStatusQueued, allowed: true},
		{name: "queued to processing", from: ReportStatusQueued, to: ReportStatusProcessing, allowed: true},
		{name: "processing cannot go back to queue", from: ReportStatusProcessing, to: ReportStatusQueued, allowed: false},
		{name: "processing to fatal", from: ReportStatusProcessing, to: ReportStatusFatal, allowed: true},
		{name: "done is terminal", from: ReportStatusDone, to: ReportStatusProcessing, allowed: false},
		{name: "fatal is terminal", from: ReportStatusFatal, to: ReportStatusDone, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}
