package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, r *Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return float64(m.GetHistogram().GetSampleCount())
		}
	}
	return 0
}

func TestRegistryCounters(t *testing.T) {
	r := New()
	r.AddSlots(BindingCaptured, 4)
	r.AddSlots(BindingMissing, 2)
	r.AddSlots(BindingMissing, 0)
	r.ObserveAcquisition(TierCopy, ResultOK)
	r.ObserveAcquisition(TierCopy, ResultOK)
	r.ObserveAcquisition(TierDownload, ResultFailed)
	r.ObserveNormalization(ActionPad)
	r.ObserveCameraRun(ResultOK)

	assert.Equal(t, 4.0, counterValue(t, r, "video_prepare_slots_total", map[string]string{"binding": "captured"}))
	assert.Equal(t, 2.0, counterValue(t, r, "video_prepare_slots_total", map[string]string{"binding": "missing"}))
	assert.Equal(t, 2.0, counterValue(t, r, "video_prepare_acquisitions_total", map[string]string{"tier": "copy", "result": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, r, "video_prepare_acquisitions_total", map[string]string{"tier": "download", "result": "failed"}))
	assert.Equal(t, 1.0, counterValue(t, r, "video_prepare_normalizations_total", map[string]string{"action": "pad"}))
	assert.Equal(t, 1.0, counterValue(t, r, "video_prepare_camera_runs_total", map[string]string{"result": "ok"}))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.AddSlots(BindingCaptured, 1)
	r.ObserveAcquisition(TierLocal, ResultOK)
	r.ObserveNormalization(ActionTrim)
	r.ObserveCameraRun(ResultFailed)
	r.ObserveStage("concat", time.Second)
	assert.Nil(t, r.Gatherer())
	assert.NoError(t, r.WriteTextfile("/nonexistent/metrics.prom"))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveCameraRun(ResultOK)
	path := filepath.Join(t.TempDir(), "video_prepare.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `video_prepare_camera_runs_total{result="ok"} 1`), string(data))
}

func TestStageTimer(t *testing.T) {
	r := New()
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	timer := NewStageTimer("cc01", r, zerolog.Nop())
	timer.now = func() time.Time { return clock }
	timer.StartTime = clock

	timer.Start("acquire")
	clock = clock.Add(3 * time.Second)
	timer.End("acquire")
	timer.Start("concat")
	clock = clock.Add(2 * time.Second)
	timer.End("concat")
	timer.End("segment")

	assert.Equal(t, 3*time.Second, timer.Duration("acquire"))
	assert.Equal(t, 2*time.Second, timer.Duration("concat"))
	assert.Zero(t, timer.Duration("segment"))
	assert.Equal(t, 5*time.Second, timer.Finalize())
	assert.Equal(t, "camera cc01 processed: total=5s acquire=3s concat=2s", timer.Summary())
	assert.Equal(t, 1.0, counterValue(t, r, "video_prepare_stage_duration_seconds", map[string]string{"stage": "concat"}))
}
