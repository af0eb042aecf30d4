package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/flowcore/internal/bandit"
	"github.com/Rajchodisetti/flowcore/internal/cohort"
	"github.com/Rajchodisetti/flowcore/internal/gate"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, gate.ModeBandit, c.GateMode())
	assert.Equal(t, gate.DefaultThresholds(), c.ToThresholds())
	assert.Equal(t, bandit.DefaultConfig(), c.ToBandit())
	assert.Equal(t, cohort.ModeNormalized, c.ToCohort().Mode)
	assert.Equal(t, 10*time.Minute, c.ToCohort().HalfLife)
	assert.Equal(t, 3, c.ToSizer().CooldownBars)
	assert.Equal(t, 30*time.Minute, c.ToBreaker().MinPauseDuration)
	assert.Equal(t, filepath.Join("state", "breaker_events.jsonl"), c.ToBreaker().EventLogPath)
	assert.Equal(t, "file", c.Persist.Backend)
	assert.Equal(t, 480, c.ToHealth().ICBaseline)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
gate:
  mode: consensus
  allow_model_only: false
  pnn_min: 0.4
cohort:
  mode: raw
  window: 50
sizer:
  cooldown_bars: 0
breaker:
  min_pause_duration: 5m
bandit:
  optimism:
    model_bma: 0.05
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, gate.ModeConsensus, c.GateMode())
	thr := c.ToThresholds()
	assert.False(t, thr.AllowModelOnly)
	assert.InDelta(t, 0.4, thr.PNNMin, 1e-12)
	assert.InDelta(t, 0.60, thr.ConfDirMin, 1e-12, "untouched fields keep defaults")
	assert.Equal(t, cohort.ModeRaw, c.ToCohort().Mode)
	assert.Equal(t, 50, c.ToCohort().Window)
	assert.Zero(t, c.ToSizer().CooldownBars)
	assert.Equal(t, 5*time.Minute, c.ToBreaker().MinPauseDuration)
	assert.InDelta(t, 0.05, c.ToBandit().Optimism[bandit.ArmModelBMA], 1e-12)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLOWCORE_STATE_DIR", dir)
	t.Setenv("FLOWCORE_LOG_LEVEL", "DEBUG")
	t.Setenv("FLOWCORE_GATE_MODE", "consensus")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, dir, c.Persist.Dir)
	assert.Equal(t, filepath.Join(dir, "flowcore.db"), c.Persist.SQLitePath)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, gate.ModeConsensus, c.GateMode())
	assert.Equal(t, filepath.Join(dir, "breaker_events.jsonl"), c.ToBreaker().EventLogPath)
}

func TestValidation(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "recovery_not_below_drawdown", body: "bandit:\n  drawdown_threshold: 0.1\n  recovery_threshold: 0.1\n"},
		{name: "unknown_gate_mode", body: "gate:\n  mode: vibes\n"},
		{name: "unknown_optimism_arm", body: "bandit:\n  optimism:\n    whales: 0.1\n"},
		{name: "breaker_resume_below_floor", body: "breaker:\n  sharpe_floor: 0.5\n  sharpe_resume: 0.2\n"},
		{name: "conf_above_one", body: "gate:\n  conf_min: 1.5\n"},
		{name: "unknown_backend", body: "persist:\n  backend: etcd\n"},
		{name: "baseline_shorter_than_window", body: "health:\n  ic_window: 48\n  ic_baseline: 10\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
