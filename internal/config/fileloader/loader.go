// Package fileloader loads configuration from a YAML file with environment
// variable overrides for deploy-time settings like the database URL.
package fileloader

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/rivertide/sellersync/internal/config"
)

// FileLoader loads configuration from a file on disk. Environment variables
// prefixed with SELLERSYNC_ override file values, with dots replaced by
// underscores (SELLERSYNC_DATABASE_URL overrides database.url).
type FileLoader struct {
	// path is the filesystem path to the configuration file.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from
// the specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads, parses, and validates the configuration file. The context
// parameter allows for cancellation of long-running operations.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	v.SetConfigFile(l.path)
	v.SetEnvPrefix("SELLERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Bind the env-overridable keys explicitly; AutomaticEnv alone does not
	// surface variables for keys absent from the file.
	for _, key := range []string{"database.url", "api.base_url", "telemetry.endpoint"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg config.Config
	// The config structs carry yaml tags; point the decoder at them.
	withYAMLTags := func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }
	if err := v.Unmarshal(&cfg, withYAMLTags); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
