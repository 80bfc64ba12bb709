package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StageTimer tracks timing of the stages of one camera's pipeline run and
// feeds them into the stage duration histogram.
type StageTimer struct {
	Camera    string
	StartTime time.Time

	mu        sync.Mutex
	started   map[string]time.Time
	durations map[string]time.Duration
	order     []string
	total     time.Duration
	registry  *Registry
	log       zerolog.Logger
	now       func() time.Time
}

// NewStageTimer creates a timer for camera. registry may be nil.
func NewStageTimer(camera string, registry *Registry, logger zerolog.Logger) *StageTimer {
	return &StageTimer{
		Camera:    camera,
		StartTime: time.Now(),
		started:   make(map[string]time.Time),
		durations: make(map[string]time.Duration),
		registry:  registry,
		log:       logger,
		now:       time.Now,
	}
}

// Start marks the start of stage.
func (m *StageTimer) Start(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[stage] = m.now()
	m.log.Debug().Str("camera", m.Camera).Str("stage", stage).Msg("stage started")
}

// End marks the end of stage. Ending a stage that was never started is a
// no-op.
func (m *StageTimer) End(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, ok := m.started[stage]
	if !ok {
		return
	}
	delete(m.started, stage)
	d := m.now().Sub(start)
	if _, seen := m.durations[stage]; !seen {
		m.order = append(m.order, stage)
	}
	m.durations[stage] += d
	m.registry.ObserveStage(stage, d)
	m.log.Debug().Str("camera", m.Camera).Str("stage", stage).Dur("took", d).Msg("stage completed")
}

// Duration returns the accumulated time of stage.
func (m *StageTimer) Duration(stage string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durations[stage]
}

// Finalize calculates the total duration and logs a summary.
func (m *StageTimer) Finalize() time.Duration {
	m.mu.Lock()
	m.total = m.now().Sub(m.StartTime)
	m.mu.Unlock()
	m.log.Info().Str("camera", m.Camera).Dur("total", m.total).Msg(m.Summary())
	return m.total
}

// Summary returns the stage durations in the order they completed.
func (m *StageTimer) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := make([]string, 0, len(m.order)+1)
	parts = append(parts, fmt.Sprintf("total=%v", m.total.Round(time.Millisecond)))
	for _, stage := range m.order {
		parts = append(parts, fmt.Sprintf("%s=%v", stage, m.durations[stage].Round(time.Millisecond)))
	}
	return fmt.Sprintf("camera %s processed: %s", m.Camera, strings.Join(parts, " "))
}
