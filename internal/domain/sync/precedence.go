package sync

// Decision is the outcome of resolving an incoming record against whatever
// is already stored under the same identity key.
type Decision string

const (
	// DecisionInsert means no record exists for the identity key.
	DecisionInsert Decision = "insert"
	// DecisionOverwrite means the incoming record replaces the stored one.
	DecisionOverwrite Decision = "overwrite"
	// DecisionSkip means the stored record wins and the incoming one is dropped.
	DecisionSkip Decision = "skip"
)

// Resolve decides whether an incoming record may land over an existing one
// for the same identity key. A strictly higher-authority source always
// overwrites; a lower-authority source never does. At equal authority the
// same source may restate its own row (the delayed feeds correct attribution
// for about 48 hours), but a different source of equal rank is skipped.
//
// Stored authority never decreases under these rules, which is the guarantee
// the derived aggregates depend on.
func Resolve(existing *CanonicalRecord, incoming CanonicalRecord) Decision {
	if existing == nil {
		return DecisionInsert
	}

	switch {
	case incoming.Authority() > existing.Authority():
		return DecisionOverwrite
	case incoming.Authority() == existing.Authority() && incoming.Source == existing.Source:
		return DecisionOverwrite
	default:
		return DecisionSkip
	}
}
