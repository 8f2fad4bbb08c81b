// Package config provides YAML configuration parsing and validation for the
// heap walker. Configuration governs which map regions are eligible for
// walking, overrides for assumptions the engine otherwise makes about the
// target (page size, shared-buffer capacity), and diagnostic verbosity.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegionPatterns describes which /proc/<pid>/maps backing paths are
// eligible for walking. A pattern is an exact match if listed in Exact and a
// prefix match if listed in Prefix (e.g. "[anon:scudo:" matching every
// numbered scudo region); its own text does not change how it is matched.
type RegionPatterns struct {
	// Exact lists paths that must match exactly, e.g. "[anon:libc_malloc]".
	Exact []string `yaml:"exact"`
	// Prefix lists path prefixes, e.g. "[anon:scudo:", "[anon:GWP-ASan".
	Prefix []string `yaml:"prefix"`
}

// defaultRegionPatterns is the three bionic heap region patterns this
// engine walks out of the box: libc's malloc arena, scudo's numbered
// regions, and GWP-ASan's guarded allocations.
func defaultRegionPatterns() RegionPatterns {
	return RegionPatterns{
		Exact:  []string{"[anon:libc_malloc]"},
		Prefix: []string{"[anon:scudo:", "[anon:GWP-ASan"},
	}
}

// Matches reports whether path is selected by p.
func (p RegionPatterns) Matches(path string) bool {
	for _, e := range p.Exact {
		if path == e {
			return true
		}
	}
	for _, pre := range p.Prefix {
		if strings.HasPrefix(path, pre) {
			return true
		}
	}
	return false
}

// Config is the heap walker's configuration document.
type Config struct {
	// Regions selects which map regions are eligible for walking.
	Regions RegionPatterns `yaml:"regions"`

	// PageSizeOverride, when non-zero, overrides the observer's own
	// getpagesize() result. The observer never queries the target's actual
	// page size; this lets an operator who knows the two differ work around
	// that limitation manually.
	PageSizeOverride int `yaml:"page_size_override"`

	// MaxBufferEntries, when non-zero, overrides the shared buffer's entry
	// count instead of deriving it from the page size.
	MaxBufferEntries int `yaml:"max_buffer_entries"`

	// MaxDrainCycles, when non-zero, caps the number of trap-driven drain
	// cycles a single region walk will tolerate before it is treated as a
	// protocol violation. Zero means unbounded: a pathological allocator
	// could otherwise keep the walk trapping forever.
	MaxDrainCycles int `yaml:"max_drain_cycles"`

	// Verbosity sets the diag.V() level threshold for this walk.
	Verbosity int `yaml:"verbosity"`
}

// applyDefaults fills in omitted fields with this engine's defaults. Called
// by Parse before Validate so validation can rely on defaults being
// present.
func applyDefaults(cfg *Config) {
	if len(cfg.Regions.Exact) == 0 && len(cfg.Regions.Prefix) == 0 {
		cfg.Regions = defaultRegionPatterns()
	}
}

// Default returns a Config populated the same way Parse would populate one
// decoded from an empty YAML document: the default region patterns, zero-
// value overrides. Callers driving the engine programmatically (not from a
// YAML file) use this instead of constructing a Config by hand.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// ParseFile reads the YAML file at path, applies defaults, and validates the
// resulting configuration.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates the
// configuration. Callers who already have the YAML in memory (tests, or an
// embedded default) should call this directly.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	applyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	return &cfg, nil
}

// Validate checks cfg for semantic errors and returns all of them at once so
// an operator sees every problem in a single pass. An empty slice means cfg
// is valid.
func Validate(cfg *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(cfg.Regions.Exact) == 0 && len(cfg.Regions.Prefix) == 0 {
		add("regions: at least one exact or prefix pattern is required")
	}
	if cfg.PageSizeOverride < 0 {
		add("page_size_override must not be negative")
	}
	if cfg.MaxBufferEntries < 0 {
		add("max_buffer_entries must not be negative")
	}
	if cfg.MaxDrainCycles < 0 {
		add("max_drain_cycles must not be negative")
	}
	if cfg.Verbosity < 0 {
		add("verbosity must not be negative")
	}

	return errs
}
