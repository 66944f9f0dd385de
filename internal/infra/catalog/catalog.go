// Package catalog resolves configuration into the collaborators the
// orchestrator needs per source: report request shapes, payload parsers,
// and the tracked entity lists for batched sources.
package catalog

import (
	"context"
	"fmt"
	"time"

	appsync "github.com/rivertide/sellersync/internal/app/sync"
	"github.com/rivertide/sellersync/internal/config"
	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/internal/infra/parser"
)

var (
	_ appsync.SourceRegistry = (*Catalog)(nil)
	_ domain.EntityCatalog   = (*Catalog)(nil)
)

// Catalog is a config-backed source registry and entity catalog.
type Catalog struct {
	sources        map[domain.SourceType]config.SourceSpec
	marketplaceIDs map[string]string
	entities       map[string][]string
}

// NewCatalog builds a catalog from validated configuration.
func NewCatalog(cfg *config.Config) *Catalog {
	sources := make(map[domain.SourceType]config.SourceSpec, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[s.Type] = s
	}
	ids := make(map[string]string, len(cfg.Marketplaces))
	for _, m := range cfg.Marketplaces {
		ids[m.Code] = m.ID
	}
	return &Catalog{sources: sources, marketplaceIDs: ids, entities: cfg.TrackedEntities}
}

// ReportSpec builds the upstream request for one batch of a work unit. The
// period end is extended to the end of its day so single-day scopes cover
// the full day.
func (c *Catalog) ReportSpec(unit domain.WorkUnit, batch appsync.Batch) (domain.ReportSpec, error) {
	src, ok := c.sources[unit.SourceType()]
	if !ok {
		return domain.ReportSpec{}, fmt.Errorf("source %s is not configured", unit.SourceType())
	}
	mktID, ok := c.marketplaceIDs[unit.Scope().Marketplace()]
	if !ok {
		return domain.ReportSpec{}, fmt.Errorf("marketplace %s is not configured", unit.Scope().Marketplace())
	}

	options := make(map[string]string, len(src.Options)+1)
	for k, v := range src.Options {
		options[k] = v
	}
	if !batch.IsFullUnit() {
		options["asinList"] = batch.RequestList()
	}

	return domain.ReportSpec{
		ReportType:    src.ReportType,
		MarketplaceID: mktID,
		PeriodStart:   unit.Scope().PeriodStart(),
		PeriodEnd:     unit.Scope().PeriodEnd().Add(24*time.Hour - time.Second),
		Options:       options,
	}, nil
}

// Parser returns the payload parser for a source.
func (c *Catalog) Parser(source domain.SourceType) (domain.Parser, error) {
	return parser.ForSource(source)
}

// ActiveEntities lists the tracked entity IDs for a batched source.
func (c *Catalog) ActiveEntities(_ context.Context, source domain.SourceType, marketplace string) ([]string, error) {
	ids := c.entities[marketplace]
	if len(ids) == 0 {
		return nil, fmt.Errorf("no tracked entities configured for %s in %s", source, marketplace)
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}
