package sync

// SourceType identifies which upstream feed a record or work unit belongs to.
// It is implemented as a value object using a string type to ensure type safety
// and domain invariants.
type SourceType string

const (
	// SourceSalesTraffic is the delayed, attribution-corrected sales and
	// traffic report. It arrives 24-72h after the fact but carries the
	// authoritative numbers.
	SourceSalesTraffic SourceType = "sales_traffic"

	// SourceOrders is the near-real-time orders feed (~30 min delay).
	// Its numbers are provisional until the sales and traffic report
	// restates them.
	SourceOrders SourceType = "orders"

	// SourceSearchPerformance is the weekly/monthly search query
	// performance report, requested per batch of entity IDs.
	SourceSearchPerformance SourceType = "search_performance"

	// SourceFinancial is the financial transactions report (fees,
	// reimbursements). Its rows carry no upstream row identifier.
	SourceFinancial SourceType = "financial"
)

// sourceAuthority defines the total order of authority between sources that
// describe the same entity. A lower-authority source must never overwrite a
// higher-authority one for the same identity key.
var sourceAuthority = map[SourceType]int{
	SourceOrders:            10,
	SourceSalesTraffic:      20,
	SourceSearchPerformance: 20,
	SourceFinancial:         20,
}

// Authority returns the source's rank in the precedence order. Unknown
// sources rank lowest so they can never clobber known data.
func (s SourceType) Authority() int { return sourceAuthority[s] }

// IsValid reports whether the source type is one the engine knows how to pull.
func (s SourceType) IsValid() bool {
	_, ok := sourceAuthority[s]
	return ok
}

// Batched reports whether pulls for this source must be partitioned into
// entity-ID batches. The search performance report limits how many entity
// IDs fit in one request; every other source is pulled in a single request
// per scope.
func (s SourceType) Batched() bool { return s == SourceSearchPerformance }

func (s SourceType) String() string { return string(s) }
