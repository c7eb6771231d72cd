package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ntppool.org/optimizer/selector"
	"go.ntppool.org/optimizer/store"
)

func TestDefaults(t *testing.T) {
	s := Defaults()
	require.NoError(t, s.Validate())

	assert.Equal(t, 3, s.Probe.Samples)
	assert.Equal(t, 5*time.Second, s.Probe.Timeout)
	assert.Equal(t, 20, s.Catalog.MaxServers)
	assert.Equal(t, 60.0, s.Selection.MinScore)
	assert.Equal(t, 15.0, s.Selection.HysteresisPercent)
	assert.Equal(t, selector.Band{Min: 1, Max: 3}, s.Selection.Stratum)
	assert.Equal(t, 1.05, s.Scoring.RegionalBonus)
	assert.Equal(t, 3, s.Blacklist.Threshold)
	assert.Equal(t, 60*time.Second, s.Mutation.VerifyTimeout)
	assert.Equal(t, 6*time.Hour, s.Schedule.Interval)
}

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeSettings(t, `
probe:
  samples: 5
  timeout: 2s
scoring:
  weights:
    jitter: 0.2
    reachability: 0.2
    stratum: 0.2
    latency: 0.4
selection:
  hysteresis_percent: 25
history:
  backend: sqlite
notify:
  webhook:
    url: https://hooks.example.net/ntp
`)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, s.Probe.Samples)
	assert.Equal(t, 2*time.Second, s.Probe.Timeout)
	assert.Equal(t, 0.4, s.Scoring.Weights.Latency)
	assert.Equal(t, 25.0, s.Selection.HysteresisPercent)
	assert.Equal(t, store.BackendSQLite, s.History.Backend)
	assert.Equal(t, "https://hooks.example.net/ntp", s.Notify.Webhook.URL)

	// untouched settings keep their defaults
	assert.Equal(t, 60.0, s.Selection.MinScore)
	assert.Equal(t, 8, s.Probe.Workers)
	assert.Equal(t, 1.05, s.Scoring.RegionalBonus)
}

func TestLoadEmpty(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)

	s, err = Load(writeSettings(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown field", "probe:\n  sampels: 3\n", "sampels"},
		{"weights sum", "scoring:\n  weights:\n    jitter: 0.5\n", "sum to"},
		{"negative weight", "scoring:\n  weights:\n    jitter: -0.05\n    latency: 0.5\n", "jitter is negative"},
		{"samples", "probe:\n  samples: 0\n", "probe.samples"},
		{"band", "service:\n  verify_band:\n    min: 4\n    max: 2\n", "verify_band"},
		{"hysteresis", "selection:\n  hysteresis_percent: -1\n", "hysteresis"},
		{"selection stratum", "selection:\n  stratum:\n    min: 3\n    max: 1\n", "selection.stratum"},
		{"backend", "history:\n  backend: csv\n", "history.backend"},
		{"interval", "schedule:\n  interval: 10s\n", "interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeSettings(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveStateDir(t *testing.T) {
	t.Run("explicit", func(t *testing.T) {
		t.Setenv("NTP_OPTIMIZER_STATE_DIR", "/env/state")
		assert.Equal(t, "/explicit", ResolveStateDir("/explicit"))
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("NTP_OPTIMIZER_STATE_DIR", "/env/state")
		t.Setenv("STATE_DIRECTORY", "/systemd/state")
		assert.Equal(t, "/env/state", ResolveStateDir(""))
	})

	t.Run("systemd", func(t *testing.T) {
		t.Setenv("NTP_OPTIMIZER_STATE_DIR", "")
		t.Setenv("STATE_DIRECTORY", "/var/lib/ntp-optimizer:/var/lib/other")
		assert.Equal(t, "/var/lib/ntp-optimizer", ResolveStateDir(""))
	})

	t.Run("default", func(t *testing.T) {
		t.Setenv("NTP_OPTIMIZER_STATE_DIR", "")
		t.Setenv("STATE_DIRECTORY", "")
		assert.Equal(t, DefaultStateDir, ResolveStateDir(""))
	})
}
