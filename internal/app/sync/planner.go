package sync

import (
	"time"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
)

// PlanDaily enumerates one single-day work unit per source and marketplace.
func PlanDaily(sources []domain.SourceType, marketplaces []string, day time.Time) ([]domain.WorkUnit, error) {
	return planDays(sources, marketplaces, []time.Time{day}, domain.ModeDaily)
}

// PlanBackfill enumerates single-day units for every day in [from, to],
// latest day first. Recent data is worth more than old data, so when an
// invocation budget cuts a backfill short the newest days are already in.
// Days already done are skipped at claim time, not here.
func PlanBackfill(sources []domain.SourceType, marketplaces []string, from, to time.Time) ([]domain.WorkUnit, error) {
	var days []time.Time
	for day := to.UTC().Truncate(24 * time.Hour); !day.Before(from.UTC().Truncate(24 * time.Hour)); day = day.AddDate(0, 0, -1) {
		days = append(days, day)
	}
	return planDays(sources, marketplaces, days, domain.ModeBackfill)
}

// PlanRefresh enumerates units for the trailing window days ending the day
// before asOf. The upstream restates attribution for roughly 48 hours, so
// refresh units re-pull even when already done.
func PlanRefresh(sources []domain.SourceType, marketplaces []string, asOf time.Time, windowDays int) ([]domain.WorkUnit, error) {
	var days []time.Time
	latest := asOf.UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
	for i := 0; i < windowDays; i++ {
		days = append(days, latest.AddDate(0, 0, -i))
	}
	return planDays(sources, marketplaces, days, domain.ModeRefresh)
}

func planDays(sources []domain.SourceType, marketplaces []string, days []time.Time, mode domain.Mode) ([]domain.WorkUnit, error) {
	units := make([]domain.WorkUnit, 0, len(sources)*len(marketplaces)*len(days))
	for _, day := range days {
		for _, mkt := range marketplaces {
			for _, src := range sources {
				scope, err := domain.NewScope(mkt, day, day)
				if err != nil {
					return nil, err
				}
				unit, err := domain.NewWorkUnit(src, scope, mode)
				if err != nil {
					return nil, err
				}
				units = append(units, unit)
			}
		}
	}
	return units, nil
}
