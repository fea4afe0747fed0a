// Package config loads and saves hnsw.Config as YAML files, following
// this codebase's convention of a file-backed loader per config type.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/vectorlattice/hnswindex/pkg/hnsw"
)

// IndexFile is the YAML-friendly mirror of hnsw.Config. Durations are
// strings ("30s", "1h") rather than nanosecond integers so the file
// stays readable; Load converts them.
type IndexFile struct {
	Dim             int    `yaml:"dim"`
	M               int    `yaml:"m"`
	EfConstruction  int    `yaml:"ef_construction"`
	EfSearch        int    `yaml:"ef_search"`
	DistanceMetric  string `yaml:"distance_metric"`
	MaxElements     int    `yaml:"max_elements"`
	PersistPath     string `yaml:"persist_path"`
	PersistInterval string `yaml:"persist_interval"`
	PruneInterval   string `yaml:"prune_interval"`
	PruneMaxAge     string `yaml:"prune_max_age"`
	Seed            uint64 `yaml:"seed"`
}

// Load reads path and converts it into an hnsw.Config. Store and Logger
// are left unset; callers wire them in after Load returns.
func Load(path string) (hnsw.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return hnsw.Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f IndexFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return hnsw.Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := hnsw.Config{
		Dim:            f.Dim,
		M:              f.M,
		EfConstruction: f.EfConstruction,
		EfSearch:       f.EfSearch,
		MaxElements:    f.MaxElements,
		PersistPath:    f.PersistPath,
		Seed:           f.Seed,
	}

	switch f.DistanceMetric {
	case "", "cosine":
		cfg.DistanceMetric = hnsw.Cosine
	case "euclidean":
		cfg.DistanceMetric = hnsw.Euclidean
	default:
		return hnsw.Config{}, fmt.Errorf("config: unknown distance_metric %q", f.DistanceMetric)
	}

	if cfg.PersistInterval, err = parseDuration(f.PersistInterval); err != nil {
		return hnsw.Config{}, fmt.Errorf("config: persist_interval: %w", err)
	}
	if cfg.PruneInterval, err = parseDuration(f.PruneInterval); err != nil {
		return hnsw.Config{}, fmt.Errorf("config: prune_interval: %w", err)
	}
	if cfg.PruneMaxAge, err = parseDuration(f.PruneMaxAge); err != nil {
		return hnsw.Config{}, fmt.Errorf("config: prune_max_age: %w", err)
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Save writes cfg back out as YAML, for operators to inspect or hand-edit
// a running index's effective configuration.
func Save(path string, cfg hnsw.Config) error {
	f := IndexFile{
		Dim:            cfg.Dim,
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		EfSearch:       cfg.EfSearch,
		DistanceMetric: cfg.DistanceMetric.String(),
		MaxElements:    cfg.MaxElements,
		PersistPath:    cfg.PersistPath,
		Seed:           cfg.Seed,
	}
	if cfg.PersistInterval > 0 {
		f.PersistInterval = cfg.PersistInterval.String()
	}
	if cfg.PruneInterval > 0 {
		f.PruneInterval = cfg.PruneInterval.String()
	}
	if cfg.PruneMaxAge > 0 {
		f.PruneMaxAge = cfg.PruneMaxAge.String()
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
