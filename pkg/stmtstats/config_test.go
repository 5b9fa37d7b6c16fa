// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stmtstats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dbgrove/stmtstats/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	defer leaktest.AfterTest(t)()

	path := filepath.Join(t.TempDir(), "stmtstats.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_tracked_statements: 100
tracking_level: top-or-unrecognized
track_planning_time: false
stats_directory: /var/lib/stats
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 100, cfg.MaxTrackedStatements)
	require.Equal(t, TrackTopOrUnrecognized, cfg.TrackingLevel)
	require.False(t, cfg.TrackPlanningTime)
	require.Equal(t, "/var/lib/stats", cfg.StatsDir)

	// Unset fields keep their defaults.
	require.True(t, cfg.TrackUtilityStatements)
	require.True(t, cfg.PersistAcrossRestarts)
}

func TestLoadConfigErrors(t *testing.T) {
	defer leaktest.AfterTest(t)()

	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tracking_level: sometimes"), 0o644))
	_, err = LoadConfig(bad)
	require.ErrorContains(t, err, "unknown tracking level")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("max_tracked_statements: -5"), 0o644))
	_, err = LoadConfig(invalid)
	require.ErrorContains(t, err, "max_tracked_statements")
}

func TestTrackLevelYAMLRoundTrip(t *testing.T) {
	defer leaktest.AfterTest(t)()

	for _, level := range []TrackLevel{TrackNone, TrackTop, TrackTopOrUnrecognized, TrackAll} {
		data, err := yaml.Marshal(level)
		require.NoError(t, err)
		var got TrackLevel
		require.NoError(t, yaml.Unmarshal(data, &got))
		require.Equal(t, level, got)
	}
}

func TestConfigValidate(t *testing.T) {
	defer leaktest.AfterTest(t)()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxTrackedStatements = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.StatsDir = ""
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.TrackingLevel = TrackLevel(99)
	require.Error(t, cfg.Validate())
}
