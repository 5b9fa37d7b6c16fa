// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stmtstats

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// TrackLevel controls which statements are eligible for tracking.
type TrackLevel int32

const (
	// TrackNone disables tracking entirely.
	TrackNone TrackLevel = iota
	// TrackTop tracks only statements executed at the outermost nesting
	// level.
	TrackTop
	// TrackTopOrUnrecognized additionally tracks nested statements that
	// are not attributable to any known frontend.
	TrackTopOrUnrecognized
	// TrackAll tracks everything, nested statements included.
	TrackAll
)

func (l TrackLevel) String() string {
	switch l {
	case TrackNone:
		return "none"
	case TrackTop:
		return "top"
	case TrackTopOrUnrecognized:
		return "top-or-unrecognized"
	case TrackAll:
		return "all"
	default:
		return "unknown"
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *TrackLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "none":
		*l = TrackNone
	case "top":
		*l = TrackTop
	case "top-or-unrecognized":
		*l = TrackTopOrUnrecognized
	case "all":
		*l = TrackAll
	default:
		return errors.Newf("unknown tracking level %q", s)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (l TrackLevel) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}

// DefaultMaxTrackedStatements is the default table capacity.
const DefaultMaxTrackedStatements = 5000

// Config tunes the collector.
type Config struct {
	// MaxTrackedStatements is the hard capacity bound of the entry table.
	MaxTrackedStatements int `yaml:"max_tracked_statements"`
	// TrackingLevel selects which nesting levels are tracked.
	TrackingLevel TrackLevel `yaml:"tracking_level"`
	// TrackUtilityStatements enables tracking of non-optimizable
	// administrative statements.
	TrackUtilityStatements bool `yaml:"track_utility_statements"`
	// TrackPlanningTime enables the planning-phase counters.
	TrackPlanningTime bool `yaml:"track_planning_time"`
	// PersistAcrossRestarts snapshots the table at shutdown and restores
	// it at startup.
	PersistAcrossRestarts bool `yaml:"persist_across_restarts"`
	// StatsDir is where the query text file and snapshot live.
	StatsDir string `yaml:"stats_directory"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxTrackedStatements:   DefaultMaxTrackedStatements,
		TrackingLevel:          TrackTop,
		TrackUtilityStatements: true,
		TrackPlanningTime:      true,
		PersistAcrossRestarts:  true,
		StatsDir:               ".",
	}
}

// LoadConfig reads a YAML config file, filling unset fields from the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.MaxTrackedStatements <= 0 {
		return errors.Newf("max_tracked_statements must be positive, got %d", c.MaxTrackedStatements)
	}
	if c.TrackingLevel < TrackNone || c.TrackingLevel > TrackAll {
		return errors.Newf("invalid tracking level %d", c.TrackingLevel)
	}
	if c.StatsDir == "" {
		return errors.New("stats_directory must be set")
	}
	return nil
}
