// Package config loads the heartwood.toml project configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gobwas/glob"
)

// Config is the project configuration.
type Config struct {
	// Roots are the directories scanned for .hw source files.
	Roots []string `toml:"roots"`

	// Entry is the symbol an executable artifact must export. Empty
	// disables the entry-point check.
	Entry string `toml:"entry"`

	// Artifact is the path of the SQLite output artifact.
	Artifact string `toml:"artifact"`

	// Exclude holds glob patterns for paths to skip while scanning.
	Exclude []string `toml:"exclude"`

	// RetainSources keeps scanned source text in memory after a clean
	// flush.
	RetainSources bool `toml:"retain_sources"`

	Watch Watch `toml:"watch"`
}

// Duration wraps time.Duration so TOML values like "250ms" decode.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Watch configures watch mode.
type Watch struct {
	// Debounce is how long to coalesce filesystem events before rebuilding.
	Debounce Duration `toml:"debounce"`

	// RebuildsPerSecond rate-limits rebuilds under sustained churn.
	RebuildsPerSecond float64 `toml:"rebuilds_per_second"`
	Burst             int     `toml:"burst"`
}

// Default returns the configuration used when no heartwood.toml exists.
func Default() *Config {
	return &Config{
		Roots:    []string{"."},
		Entry:    "main",
		Artifact: "heartwood.db",
		Watch: Watch{
			Debounce:          Duration{250 * time.Millisecond},
			RebuildsPerSecond: 2,
			Burst:             1,
		},
	}
}

// Load reads path and merges it over the defaults. A missing file is not an
// error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if len(c.Roots) == 0 {
		return fmt.Errorf("at least one root is required")
	}
	if c.Artifact == "" {
		return fmt.Errorf("artifact path is required")
	}
	if c.Watch.Debounce.Duration < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}
	if c.Watch.RebuildsPerSecond <= 0 {
		return fmt.Errorf("watch.rebuilds_per_second must be positive")
	}
	if _, err := c.CompiledExcludes(); err != nil {
		return err
	}
	return nil
}

// CompiledExcludes compiles the exclude patterns.
func (c *Config) CompiledExcludes() ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(c.Exclude))
	for _, pattern := range c.Exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}
