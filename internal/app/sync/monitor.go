package sync

import (
	"context"
	"fmt"
	"time"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
)

// Monitor answers the operational questions about pull history: which units
// need attention and which days were never pulled.
type Monitor struct {
	checkpoints domain.CheckpointRepository
}

// NewMonitor creates a Monitor over the checkpoint history.
func NewMonitor(checkpoints domain.CheckpointRepository) *Monitor {
	return &Monitor{checkpoints: checkpoints}
}

// NeedingAttention returns units an operator should look at: partial and
// failed units, plus done units that wrote zero rows, which are suspicious
// for sources that normally always have data.
func (m *Monitor) NeedingAttention(ctx context.Context, source domain.SourceType, marketplace string) ([]*domain.Checkpoint, error) {
	cps, err := m.checkpoints.ListNeedingAttention(ctx, source, marketplace)
	if err != nil {
		return nil, fmt.Errorf("listing units needing attention: %w", err)
	}
	return cps, nil
}

// Gaps returns the days in [from, to] with no completed pull for the source
// and marketplace.
func (m *Monitor) Gaps(ctx context.Context, source domain.SourceType, marketplace string, from, to time.Time) ([]time.Time, error) {
	days, err := m.checkpoints.FindGaps(ctx, source, marketplace, from, to)
	if err != nil {
		return nil, fmt.Errorf("finding gaps: %w", err)
	}
	return days, nil
}
