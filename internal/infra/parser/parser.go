// Package parser implements the report payload parsers. Each source type
// gets one parser that extracts its row array from the report JSON, flattens
// nested objects, and emits raw records for canonicalization.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
)

// rowsParser extracts rows from one well-known array inside the report
// payload. Nested objects are flattened with underscore-joined snake_case
// keys, so `salesByAsin.orderedProductSales.amount` becomes
// `sales_by_asin_ordered_product_sales_amount`.
type rowsParser struct {
	rowsKey    string
	entityKeys []string
	dateKeys   []string
	// rename maps flattened keys to canonical field names. Only keys with
	// an entry are renamed; everything else keeps its flattened name.
	rename map[string]string
}

var _ domain.Parser = (*rowsParser)(nil)

// Parse extracts raw records from one report payload.
func (p *rowsParser) Parse(data []byte) ([]domain.RawRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	rowsRaw, ok := doc[p.rowsKey]
	if !ok {
		// A payload without the row array is an empty report, not a
		// malformed one.
		return nil, nil
	}

	var rows []map[string]any
	if err := json.Unmarshal(rowsRaw, &rows); err != nil {
		return nil, fmt.Errorf("row array %q is malformed: %w", p.rowsKey, err)
	}

	records := make([]domain.RawRecord, 0, len(rows))
	for i, row := range rows {
		fields := make(map[string]string)
		flatten("", row, fields)
		p.applyRenames(fields)

		rec := domain.RawRecord{Fields: fields}
		for _, key := range p.entityKeys {
			if v := fields[key]; v != "" {
				rec.EntityID = v
				break
			}
		}
		for _, key := range p.dateKeys {
			if v := fields[key]; v != "" {
				rec.EntityDate = dateOnly(v)
				break
			}
		}
		if rec.EntityID == "" && len(p.entityKeys) > 0 {
			return nil, fmt.Errorf("row %d is missing its entity identifier", i)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *rowsParser) applyRenames(fields map[string]string) {
	for from, to := range p.rename {
		if v, ok := fields[from]; ok {
			fields[to] = v
			delete(fields, from)
		}
	}
}

// flatten walks a decoded JSON value, writing leaves into out under
// underscore-joined snake_case keys. Arrays are indexed positionally.
func flatten(prefix string, value any, out map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			flatten(join(prefix, snakeCase(key)), child, out)
		}
	case []any:
		for i, child := range v {
			flatten(join(prefix, strconv.Itoa(i)), child, out)
		}
	case string:
		out[prefix] = v
	case float64:
		out[prefix] = strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(v)
	case nil:
		// Absent and null are the same thing downstream.
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dateOnly trims a timestamp to its date portion.
func dateOnly(s string) string {
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}

// NewSalesTrafficParser parses the sales and traffic business report, which
// carries one row per ASIN with nested sales and traffic sections.
func NewSalesTrafficParser() domain.Parser {
	return &rowsParser{
		rowsKey:    "salesAndTrafficByAsin",
		entityKeys: []string{"child_asin", "parent_asin"},
		dateKeys:   []string{"date"},
	}
}

// NewOrdersParser parses the flat-file orders report after JSON conversion:
// one row per ASIN and day with ordered units and sales.
func NewOrdersParser() domain.Parser {
	return &rowsParser{
		rowsKey:    "ordersByAsin",
		entityKeys: []string{"asin"},
		dateKeys:   []string{"purchase_date", "date"},
	}
}

// NewSearchPerformanceParser parses the search query performance report,
// requested per batch of ASINs.
func NewSearchPerformanceParser() domain.Parser {
	return &rowsParser{
		rowsKey:    "dataByAsin",
		entityKeys: []string{"asin"},
		dateKeys:   []string{"start_date", "date"},
	}
}

// NewFinancialParser parses the financial transactions report. Rows carry no
// upstream identifier; the renamed fields below are the exact set hashed
// into the content identity key.
func NewFinancialParser() domain.Parser {
	return &rowsParser{
		rowsKey:  "transactions",
		dateKeys: []string{"posted_date"},
		rename: map[string]string{
			"transaction_amount_currency_code": "currency",
			"transaction_amount_amount":        "amount_total",
			"amount_per_unit_amount":           "amount_per_unit",
		},
	}
}

// ForSource returns the parser for a source type.
func ForSource(source domain.SourceType) (domain.Parser, error) {
	switch source {
	case domain.SourceSalesTraffic:
		return NewSalesTrafficParser(), nil
	case domain.SourceOrders:
		return NewOrdersParser(), nil
	case domain.SourceSearchPerformance:
		return NewSearchPerformanceParser(), nil
	case domain.SourceFinancial:
		return NewFinancialParser(), nil
	default:
		return nil, fmt.Errorf("no parser registered for source %q", source)
	}
}
