// Package config loads the videodup configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration.
type Config struct {
	// Index selects the index backend and its location.
	Index IndexConfig `json:"index"`

	// SourceDirs are scanned for incoming videos.
	SourceDirs []string `json:"source_dirs"`

	// ReviewDir receives suspected duplicates; GraveyardDir receives
	// rejected and ignored frames.
	ReviewDir    string `json:"review_dir"`
	GraveyardDir string `json:"graveyard_dir"`

	// IgnoreDir holds reference images that must never be indexed.
	IgnoreDir string `json:"ignore_dir,omitempty"`

	Dedup    DedupConfig    `json:"dedup"`
	Preproc  PreprocConfig  `json:"preproc,omitempty"`
	Sampling SamplingConfig `json:"sampling,omitempty"`

	// VideoExtensions limits which files under SourceDirs are treated
	// as videos.
	VideoExtensions []string `json:"video_extensions,omitempty"`

	Verbose bool `json:"verbose,omitempty"`
}

// IndexConfig selects where the similarity index lives.
type IndexConfig struct {
	// Backend is "heap" or "sqlite".
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

// DedupConfig tunes classification and routing.
type DedupConfig struct {
	TauDup          int     `json:"tau_dup,omitempty"`
	TauIgnore       int     `json:"tau_ignore,omitempty"`
	MinRunLength    int     `json:"min_run_length,omitempty"`
	MaxOffsetGapSec int     `json:"max_offset_gap_sec,omitempty"`
	MoveFraction    float64 `json:"move_fraction,omitempty"`
	Workers         int     `json:"workers,omitempty"`
}

// PreprocConfig tunes the frame gates in front of the hasher.
type PreprocConfig struct {
	// OneColorThreshold rejects frames where at least this percentage of
	// pixels shares one gray value. Negative disables the gate.
	OneColorThreshold float64 `json:"one_color_threshold,omitempty"`

	// OneColorTolerance is how far apart two gray values may be and still
	// count as the same color.
	OneColorTolerance int `json:"one_color_tolerance,omitempty"`
}

// SamplingConfig tunes how densely videos are sampled.
type SamplingConfig struct {
	MinFrames  int `json:"min_frames,omitempty"`
	MaxStepSec int `json:"max_step_sec,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Index:        IndexConfig{Backend: "heap", Path: "videodup.heap"},
		ReviewDir:    "review",
		GraveyardDir: "graveyard",
		Dedup: DedupConfig{
			TauDup:          5,
			TauIgnore:       3,
			MinRunLength:    3,
			MaxOffsetGapSec: 30,
			MoveFraction:    0.5,
			Workers:         4,
		},
		Preproc: PreprocConfig{
			OneColorThreshold: 90.0,
			OneColorTolerance: 20,
		},
		Sampling: SamplingConfig{MinFrames: 5, MaxStepSec: 10},
		VideoExtensions: []string{
			".mkv", ".mp4", ".avi", ".webm", ".mov", ".wmv", ".flv", ".m4v",
		},
	}
}

// Load reads the config at path, creating a default file if none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("save default config: %w", err)
		}
		fmt.Printf("Created default configuration at %s\n", path)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects configurations the run loop cannot work with.
func (c *Config) Validate() error {
	switch c.Index.Backend {
	case "heap", "sqlite":
	default:
		return fmt.Errorf("index.backend must be \"heap\" or \"sqlite\", got %q", c.Index.Backend)
	}
	if c.Index.Path == "" {
		return fmt.Errorf("index.path must be set")
	}
	if c.Dedup.TauDup < 0 || c.Dedup.TauDup > 64 {
		return fmt.Errorf("dedup.tau_dup must be in 0..64, got %d", c.Dedup.TauDup)
	}
	if c.Dedup.TauIgnore < 0 || c.Dedup.TauIgnore > 64 {
		return fmt.Errorf("dedup.tau_ignore must be in 0..64, got %d", c.Dedup.TauIgnore)
	}
	if c.Dedup.MoveFraction < 0 || c.Dedup.MoveFraction > 1 {
		return fmt.Errorf("dedup.move_fraction must be in 0..1, got %g", c.Dedup.MoveFraction)
	}
	if c.Dedup.Workers < 0 {
		return fmt.Errorf("dedup.workers must not be negative")
	}
	if c.Preproc.OneColorThreshold > 100 {
		return fmt.Errorf("preproc.one_color_threshold must not exceed 100, got %g", c.Preproc.OneColorThreshold)
	}
	if c.Preproc.OneColorTolerance < 0 || c.Preproc.OneColorTolerance > 255 {
		return fmt.Errorf("preproc.one_color_tolerance must be in 0..255, got %d", c.Preproc.OneColorTolerance)
	}
	if c.Sampling.MinFrames < 0 || c.Sampling.MaxStepSec < 0 {
		return fmt.Errorf("sampling values must not be negative")
	}
	return nil
}

// MaxOffsetGap returns the segment gap as a duration.
func (c *DedupConfig) MaxOffsetGap() time.Duration {
	return time.Duration(c.MaxOffsetGapSec) * time.Second
}

// MaxStep returns the sampling cap as a duration.
func (c *SamplingConfig) MaxStep() time.Duration {
	return time.Duration(c.MaxStepSec) * time.Second
}

// IsVideo reports whether path has one of the configured extensions.
func (c *Config) IsVideo(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range c.VideoExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
