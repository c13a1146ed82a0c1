package main

import (
	"fmt"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"gopkg.in/yaml.v2"
)

// configuration is the on-disk configuration of sblistd.
type configuration struct {
	// Storage selects and configures the chunk-state back-end.
	Storage *storageConfig `yaml:"storage"`

	// Lists are the list identifiers to mirror. If empty, the two
	// canonical lists are used.
	Lists []string `yaml:"lists"`

	// UpdateInterval is how often the refresh worker runs. The server's
	// own per-list wait windows still apply within each run.
	UpdateInterval timeutil.Duration `yaml:"update_interval"`

	// LookupCacheSize bounds the in-memory verdict cache.
	LookupCacheSize int `yaml:"lookup_cache_size"`

	// UseMac enables response authentication.
	UseMac bool `yaml:"use_mac"`
}

// storageConfig configures the chunk-state back-end.
type storageConfig struct {
	// Type is either "sqlite" or "memory".
	Type string `yaml:"type"`
}

// Storage back-end types.
const (
	storageTypeSQLite = "sqlite"
	storageTypeMemory = "memory"
)

// validate returns an error if the configuration is invalid.
func (c *configuration) validate() (err error) {
	switch {
	case c == nil:
		return errors.Error("no configuration")
	case c.Storage == nil:
		return errors.Error("no storage section")
	case c.Storage.Type != storageTypeSQLite && c.Storage.Type != storageTypeMemory:
		return fmt.Errorf("storage type %q is not %q or %q",
			c.Storage.Type, storageTypeSQLite, storageTypeMemory)
	case c.UpdateInterval.Duration <= 0:
		return errors.Error("update_interval must be positive")
	default:
		return nil
	}
}

// readConfig reads the configuration from path.
func readConfig(path string) (c *configuration, err error) {
	defer func() { err = errors.Annotate(err, "reading config from %q: %w", path) }()

	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c = &configuration{
		UpdateInterval: timeutil.Duration{Duration: 30 * time.Minute},
	}
	err = yaml.Unmarshal(yamlFile, c)
	if err != nil {
		return nil, err
	}

	err = c.validate()
	if err != nil {
		return nil, fmt.Errorf("validating: %w", err)
	}

	return c, nil
}
