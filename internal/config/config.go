// Package config defines the sync engine's configuration surface: the
// upstream API, the database, the marketplace catalog, the source
// definitions, and the engine tuning knobs.
package config

import (
	"fmt"
	"time"

	domain "github.com/rivertide/sellersync/internal/domain/sync"
)

// Config represents the top-level configuration.
type Config struct {
	API          APIConfig       `yaml:"api"`
	Database     DatabaseConfig  `yaml:"database"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	Engine       EngineConfig    `yaml:"engine"`
	Marketplaces []Marketplace   `yaml:"marketplaces"`
	Sources      []SourceSpec    `yaml:"sources"`

	// TrackedEntities lists the entity IDs requested for batched sources,
	// keyed by marketplace code.
	TrackedEntities map[string][]string `yaml:"tracked_entities"`
}

// APIConfig configures the upstream reporting API client.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	MaxRetries uint64 `yaml:"max_retries,omitempty"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// TelemetryConfig configures trace and metric export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Probability float64 `yaml:"probability,omitempty"`
}

// EngineConfig tunes orchestration concurrency and budgets.
type EngineConfig struct {
	MaxWorkers            int           `yaml:"max_workers,omitempty"`
	MaxBatchChars         int           `yaml:"max_batch_chars,omitempty"`
	DrainMargin           time.Duration `yaml:"drain_margin,omitempty"`
	PollInterval          time.Duration `yaml:"poll_interval,omitempty"`
	PollBudget            time.Duration `yaml:"poll_budget,omitempty"`
	InvocationBudget      time.Duration `yaml:"invocation_budget,omitempty"`
	FatalAttemptThreshold int           `yaml:"fatal_attempt_threshold,omitempty"`
	RefreshWindowDays     int           `yaml:"refresh_window_days,omitempty"`
}

// Marketplace maps a short marketplace code to its upstream identifier.
type Marketplace struct {
	Code string `yaml:"code"`
	ID   string `yaml:"id"`
}

// SourceSpec defines one report source to pull.
type SourceSpec struct {
	Type       domain.SourceType `yaml:"type"`
	ReportType string            `yaml:"report_type"`
	Enabled    *bool             `yaml:"enabled,omitempty"`
	Options    map[string]string `yaml:"options,omitempty"`
}

// IsEnabled reports whether the source should be pulled. Sources are enabled
// unless explicitly switched off.
func (s SourceSpec) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Defaults applied by Validate when a knob is unset.
const (
	defaultMaxWorkers            = 4
	defaultMaxBatchChars         = 200
	defaultDrainMargin           = 5 * time.Minute
	defaultPollInterval          = 30 * time.Second
	defaultPollBudget            = 20 * time.Minute
	defaultInvocationBudget      = 50 * time.Minute
	defaultFatalAttemptThreshold = 3
	defaultRefreshWindowDays     = 2
	defaultAPIMaxRetries         = 5
)

// Validate checks required fields and fills in engine defaults.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if len(c.Marketplaces) == 0 {
		return fmt.Errorf("at least one marketplace is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	seen := make(map[string]bool, len(c.Marketplaces))
	for _, m := range c.Marketplaces {
		if m.Code == "" || m.ID == "" {
			return fmt.Errorf("marketplace entries require both code and id")
		}
		if seen[m.Code] {
			return fmt.Errorf("duplicate marketplace code %q", m.Code)
		}
		seen[m.Code] = true
	}

	for _, s := range c.Sources {
		if !s.Type.IsValid() {
			return fmt.Errorf("unknown source type %q", s.Type)
		}
		if s.ReportType == "" {
			return fmt.Errorf("source %s requires a report_type", s.Type)
		}
	}

	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = defaultAPIMaxRetries
	}
	if c.Engine.MaxWorkers <= 0 {
		c.Engine.MaxWorkers = defaultMaxWorkers
	}
	if c.Engine.MaxBatchChars <= 0 {
		c.Engine.MaxBatchChars = defaultMaxBatchChars
	}
	if c.Engine.DrainMargin <= 0 {
		c.Engine.DrainMargin = defaultDrainMargin
	}
	if c.Engine.PollInterval <= 0 {
		c.Engine.PollInterval = defaultPollInterval
	}
	if c.Engine.PollBudget <= 0 {
		c.Engine.PollBudget = defaultPollBudget
	}
	if c.Engine.InvocationBudget <= 0 {
		c.Engine.InvocationBudget = defaultInvocationBudget
	}
	if c.Engine.FatalAttemptThreshold <= 0 {
		c.Engine.FatalAttemptThreshold = defaultFatalAttemptThreshold
	}
	if c.Engine.RefreshWindowDays <= 0 {
		c.Engine.RefreshWindowDays = defaultRefreshWindowDays
	}
	return nil
}

// EnabledSources returns the source types to pull, in config order.
func (c *Config) EnabledSources() []domain.SourceType {
	var out []domain.SourceType
	for _, s := range c.Sources {
		if s.IsEnabled() {
			out = append(out, s.Type)
		}
	}
	return out
}

// MarketplaceCodes returns the configured marketplace codes, in config order.
func (c *Config) MarketplaceCodes() []string {
	out := make([]string, len(c.Marketplaces))
	for i, m := range c.Marketplaces {
		out[i] = m.Code
	}
	return out
}
