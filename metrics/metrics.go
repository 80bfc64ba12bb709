package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values.
const (
	BindingCaptured = "captured"
	BindingMissing  = "missing"

	TierLocal    = "local"
	TierCopy     = "copy"
	TierDownload = "download"

	ResultOK     = "ok"
	ResultFailed = "failed"

	ActionNone       = "none"
	ActionPad        = "pad"
	ActionTrim       = "trim"
	ActionSubstitute = "substitute"
)

// Registry holds the prepare pipeline's Prometheus collectors. A nil
// *Registry is valid and records nothing.
type Registry struct {
	registry       *prometheus.Registry
	slots          *prometheus.CounterVec
	acquisitions   *prometheus.CounterVec
	normalizations *prometheus.CounterVec
	cameraRuns     *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
}

// New creates and registers the collectors on a private registry.
func New() *Registry {
	registry := prometheus.NewRegistry()

	slots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "video_prepare_slots_total",
		Help: "Timeline slots by binding (captured or missing)",
	}, []string{"binding"})
	acquisitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "video_prepare_acquisitions_total",
		Help: "Clip acquisitions by tier and result",
	}, []string{"tier", "result"})
	normalizations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "video_prepare_normalizations_total",
		Help: "Frame normalization outcomes by action",
	}, []string{"action"})
	cameraRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "video_prepare_camera_runs_total",
		Help: "Per-camera pipeline runs by result",
	}, []string{"result"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "video_prepare_stage_duration_seconds",
		Help:    "Time spent in each per-camera stage",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"stage"})

	registry.MustRegister(slots, acquisitions, normalizations, cameraRuns, stageDuration)

	return &Registry{
		registry:       registry,
		slots:          slots,
		acquisitions:   acquisitions,
		normalizations: normalizations,
		cameraRuns:     cameraRuns,
		stageDuration:  stageDuration,
	}
}

// Gatherer exposes the underlying registry for /metrics.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.registry
}

// AddSlots counts n slots with the given binding.
func (r *Registry) AddSlots(binding string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.slots.WithLabelValues(binding).Add(float64(n))
}

// ObserveAcquisition counts one acquisition attempt.
func (r *Registry) ObserveAcquisition(tier, result string) {
	if r == nil {
		return
	}
	r.acquisitions.WithLabelValues(tier, result).Inc()
}

// ObserveNormalization counts one normalization outcome.
func (r *Registry) ObserveNormalization(action string) {
	if r == nil {
		return
	}
	r.normalizations.WithLabelValues(action).Inc()
}

// ObserveCameraRun counts one finished camera.
func (r *Registry) ObserveCameraRun(result string) {
	if r == nil {
		return
	}
	r.cameraRuns.WithLabelValues(result).Inc()
}

// ObserveStage records how long a stage took.
func (r *Registry) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// WriteTextfile writes the current values in the node_exporter textfile
// format.
func (r *Registry) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
