package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

var (
	ErrMissingFeatureTable = errors.New("config: feature_table is required")
	ErrMissingRegionTable  = errors.New("config: region_table is required")
	ErrMissingDistrict     = errors.New("config: district_table is required")
)

// Config carries the run settings the core treats as opaque inputs.
// Values load from a YAML file, with the table names overridable from the
// environment for deploy-time wiring.
type Config struct {
	// Remote store tables.
	FeatureTable  string `yaml:"feature_table"`
	RegionTable   string `yaml:"region_table"`
	DistrictTable string `yaml:"district_table"`

	// SRID every table's geometry must carry. All processing happens in
	// this one CRS; a mismatch is fatal at preflight.
	SRID int `yaml:"srid"`

	// FallbackRadiusM bounds the nearest-boundary fallback, in metres.
	FallbackRadiusM float64 `yaml:"fallback_radius_m"`

	// Update batching and retry.
	BatchSize         int `yaml:"batch_size"`
	RetryAttempts     int `yaml:"retry_attempts"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`

	// EscalateThreshold is the candidate share at which an incremental run
	// switches to full. Zero disables escalation.
	EscalateThreshold float64 `yaml:"escalate_threshold"`

	// RateLimitPerSec paces update requests to the remote store.
	// Zero disables pacing.
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

// Default returns the documented defaults: 2000 m radius, batches of 100,
// three attempts five seconds apart.
func Default() Config {
	return Config{
		SRID:              4326,
		FallbackRadiusM:   2000,
		BatchSize:         100,
		RetryAttempts:     3,
		RetryDelaySeconds: 5,
		EscalateThreshold: 0.6,
	}
}

// Load builds the effective config: defaults, then the YAML file (if any),
// then environment overrides for the table names.
//
// Environment variables:
//   - FEATURE_TABLE: point feature table (schema-qualified)
//   - REGION_TABLE: region boundary layer table
//   - DISTRICT_TABLE: district boundary layer table
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("FEATURE_TABLE")); v != "" {
		cfg.FeatureTable = v
	}
	if v := strings.TrimSpace(os.Getenv("REGION_TABLE")); v != "" {
		cfg.RegionTable = v
	}
	if v := strings.TrimSpace(os.Getenv("DISTRICT_TABLE")); v != "" {
		cfg.DistrictTable = v
	}

	return cfg, nil
}

// Validate checks the settings a run cannot start without.
func (c Config) Validate() error {
	if c.FeatureTable == "" {
		return ErrMissingFeatureTable
	}
	if c.RegionTable == "" {
		return ErrMissingRegionTable
	}
	if c.DistrictTable == "" {
		return ErrMissingDistrict
	}
	if c.FallbackRadiusM < 0 {
		return errors.New("config: fallback_radius_m must not be negative")
	}
	if c.BatchSize < 1 {
		return errors.New("config: batch_size must be at least 1")
	}
	if c.RetryAttempts < 1 {
		return errors.New("config: retry_attempts must be at least 1")
	}
	if c.RetryDelaySeconds < 0 {
		return errors.New("config: retry_delay_seconds must not be negative")
	}
	return nil
}
