package sync

import "time"

// CanonicalRecord is one ingested business row in its storage-ready form.
// The identity key decides upsert collisions; the source tag decides who
// wins them.
type CanonicalRecord struct {
	Identity    IdentityKey
	Source      SourceType
	Marketplace string
	EntityID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Fields      map[string]string
	IngestedAt  time.Time
}

// Authority returns the precedence rank of the record's source.
func (r CanonicalRecord) Authority() int { return r.Source.Authority() }

// Canonicalize converts a parsed raw record into its canonical form under
// the given work unit, computing the identity key.
func Canonicalize(unit WorkUnit, raw RawRecord, now time.Time) CanonicalRecord {
	return CanonicalRecord{
		Identity:    Identify(unit, raw),
		Source:      unit.SourceType(),
		Marketplace: unit.Scope().Marketplace(),
		EntityID:    raw.EntityID,
		PeriodStart: unit.Scope().PeriodStart(),
		PeriodEnd:   unit.Scope().PeriodEnd(),
		Fields:      raw.Fields,
		IngestedAt:  now,
	}
}
