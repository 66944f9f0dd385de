package sync

import (
	"fmt"
	"time"
)

// Mode selects how the orchestrator treats existing progress for a work unit.
type Mode string

const (
	// ModeDaily pulls the regular recurring window, skipping units already done.
	ModeDaily Mode = "daily"
	// ModeBackfill walks a historical range, skipping units already done.
	ModeBackfill Mode = "backfill"
	// ModeRefresh re-pulls a trailing window even when the unit is done,
	// because the upstream restates attribution for roughly 48 hours.
	ModeRefresh Mode = "refresh"
)

const scopeDateLayout = "2006-01-02"

// Scope bounds one pull to a marketplace and a reporting period. A single
// day is expressed as a period whose start and end are equal.
type Scope struct {
	marketplace string
	periodStart time.Time
	periodEnd   time.Time
}

// NewScope creates a Scope, truncating the period bounds to whole days.
func NewScope(marketplace string, periodStart, periodEnd time.Time) (Scope, error) {
	if marketplace == "" {
		return Scope{}, fmt.Errorf("scope requires a marketplace")
	}
	start := periodStart.UTC().Truncate(24 * time.Hour)
	end := periodEnd.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return Scope{}, fmt.Errorf("scope period end %s precedes start %s",
			end.Format(scopeDateLayout), start.Format(scopeDateLayout))
	}
	return Scope{marketplace: marketplace, periodStart: start, periodEnd: end}, nil
}

// Getters for Scope.
func (s Scope) Marketplace() string    { return s.marketplace }
func (s Scope) PeriodStart() time.Time { return s.periodStart }
func (s Scope) PeriodEnd() time.Time   { return s.periodEnd }

// IsSingleDay reports whether the scope covers exactly one day.
func (s Scope) IsSingleDay() bool { return s.periodStart.Equal(s.periodEnd) }

// Key returns the canonical string form used in identity keys and
// persistence constraints.
func (s Scope) Key() string {
	return fmt.Sprintf("%s:%s:%s",
		s.marketplace,
		s.periodStart.Format(scopeDateLayout),
		s.periodEnd.Format(scopeDateLayout))
}

// WorkUnit is the atomic pull task: one source type over one scope, pulled
// in one mode. It is immutable once created; its identity is
// (source type, scope). Mode influences claim behavior but not identity.
type WorkUnit struct {
	sourceType SourceType
	scope      Scope
	mode       Mode
}

// NewWorkUnit creates a WorkUnit after validating its source type.
func NewWorkUnit(sourceType SourceType, scope Scope, mode Mode) (WorkUnit, error) {
	if !sourceType.IsValid() {
		return WorkUnit{}, fmt.Errorf("unknown source type %q", sourceType)
	}
	if mode == "" {
		mode = ModeDaily
	}
	return WorkUnit{sourceType: sourceType, scope: scope, mode: mode}, nil
}

// Getters for WorkUnit.
func (w WorkUnit) SourceType() SourceType { return w.sourceType }
func (w WorkUnit) Scope() Scope           { return w.scope }
func (w WorkUnit) Mode() Mode             { return w.mode }

// Key returns the canonical identity string `source:marketplace:start:end`.
// Two WorkUnits with the same key are the same unit of work regardless of
// the mode they were scheduled under.
func (w WorkUnit) Key() string {
	return fmt.Sprintf("%s:%s", w.sourceType, w.scope.Key())
}
