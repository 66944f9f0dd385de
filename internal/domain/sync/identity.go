package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// IdentityKind distinguishes how a record's identity key was derived.
// Downstream code branches on the kind, never on the source type.
type IdentityKind string

const (
	// IdentityNatural means the upstream row carries a natural unique key.
	IdentityNatural IdentityKind = "natural"
	// IdentityContent means the key is a stable hash over an enumerated,
	// ordered subset of the row's fields.
	IdentityContent IdentityKind = "content"
)

// IdentityKey is the deterministic key that decides whether two records are
// the same logical row for upsert purposes. It is a tagged variant: either a
// natural key or a content hash.
type IdentityKey struct {
	kind  IdentityKind
	value string
}

// Getters for IdentityKey.
func (k IdentityKey) Kind() IdentityKind { return k.kind }
func (k IdentityKey) Value() string      { return k.value }
func (k IdentityKey) IsZero() bool       { return k.value == "" }

func (k IdentityKey) String() string { return string(k.kind) + ":" + k.value }

// ReconstructIdentityKey rebuilds a key from its persisted kind and value.
func ReconstructIdentityKey(kind IdentityKind, value string) IdentityKey {
	return IdentityKey{kind: kind, value: value}
}

// NaturalKey builds an identity key from the parts of a natural unique key.
// Parts are joined in the order given; callers must pass them in a fixed
// order for the key to be deterministic.
func NaturalKey(parts ...string) IdentityKey {
	return IdentityKey{kind: IdentityNatural, value: strings.Join(parts, "|")}
}

// ContentKeySchemeVersion is baked into every content key. Changing the
// field list below without bumping this version would silently re-identify
// every previously ingested row; the version makes such a change an explicit
// breaking migration instead.
const ContentKeySchemeVersion = 1

// financialContentFields is the frozen, ordered field list hashed into the
// content key for financial transaction rows, which carry no upstream row
// identifier. This list is part of the sync contract for the financial
// source: never reorder or edit it without bumping ContentKeySchemeVersion
// and re-keying the stored records.
var financialContentFields = [...]string{
	"posted_date",
	"transaction_type",
	"order_id",
	"sku",
	"fnsku",
	"asin",
	"reason",
	"currency",
	"amount_per_unit",
	"amount_total",
	"quantity",
}

// ContentKey computes a stable hash key over the given fields in the exact
// order provided, prefixed with the scheme version.
func ContentKey(version int, fields []string) IdentityKey {
	h := sha256.New()
	fmt.Fprintf(h, "v%d", version)
	for _, f := range fields {
		h.Write([]byte{0x1f})
		h.Write([]byte(f))
	}
	return IdentityKey{kind: IdentityContent, value: hex.EncodeToString(h.Sum(nil))}
}

// RawRecord is one parsed upstream row before canonicalization. EntityID and
// EntityDate are the natural-key hints for sources that have them; Fields
// carries everything the parser extracted.
type RawRecord struct {
	EntityID   string
	EntityDate string
	Fields     map[string]string
}

// recordFamily groups sources that describe the same logical entity under a
// shared natural-key namespace. Orders and sales/traffic rows for the same
// (marketplace, entity, date) must collide on identity so the precedence
// resolver can arbitrate between them.
var recordFamily = map[SourceType]string{
	SourceOrders:            "daily_sales",
	SourceSalesTraffic:      "daily_sales",
	SourceSearchPerformance: "search_performance",
	SourceFinancial:         "financial",
}

// Identify computes the identity key for a raw record pulled under the given
// work unit. Sources with a natural key get family + marketplace + entity +
// date; the financial source gets a content hash over its frozen field list.
// Two raw records with identical chosen fields are the same logical record
// even when they arrive in different pulls.
func Identify(unit WorkUnit, raw RawRecord) IdentityKey {
	if unit.SourceType() == SourceFinancial {
		fields := make([]string, 0, len(financialContentFields)+1)
		fields = append(fields, unit.Scope().Marketplace())
		for _, name := range financialContentFields {
			fields = append(fields, raw.Fields[name])
		}
		return ContentKey(ContentKeySchemeVersion, fields)
	}

	date := raw.EntityDate
	if date == "" {
		date = unit.Scope().Key()
	}
	return NaturalKey(recordFamily[unit.SourceType()], unit.Scope().Marketplace(), raw.EntityID, date)
}
