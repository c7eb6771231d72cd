package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TrackRun(time.Now().Add(-2*time.Second), nil)
	m.TrackRun(time.Now(), errors.New("boom"))
	m.TrackDecision("switch", "improved")
	m.TrackDecision("keep", "within_hysteresis")
	m.TrackDecision("keep", "within_hysteresis")
	m.TrackMutation("committed")
	m.BestScore.Set(95)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("keep", "within_hysteresis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("committed")))
	assert.Equal(t, 95.0, testutil.ToFloat64(m.BestScore))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.BestScore.Set(88.5)

	path := filepath.Join(t.TempDir(), "collector", "ntp_optimizer.prom")
	require.NoError(t, WriteTextfile(path, reg))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "# TYPE ntp_optimizer_best_score gauge")
	assert.Contains(t, string(b), "ntp_optimizer_best_score 88.5")
}
