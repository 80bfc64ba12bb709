package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"video-prepare/config"
	"video-prepare/service"
)

type fakePreparer struct {
	mu      sync.Mutex
	reqs    []service.PrepareRequest
	block   chan struct{}
	entered chan struct{}
}

func (f *fakePreparer) Prepare(ctx context.Context, req service.PrepareRequest) (service.Summary, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return service.Summary{Succeeded: []string{"cc01"}}, nil
}

func (f *fakePreparer) requests() []service.PrepareRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]service.PrepareRequest(nil), f.reqs...)
}

func TestWindowAlignsToSlots(t *testing.T) {
	now := time.Date(2024, 1, 2, 10, 15, 7, 0, time.UTC)
	start, end := Window(now, 10*time.Minute, 2*time.Minute)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 3, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 13, 0, 0, time.UTC), end)
}

func TestRunName(t *testing.T) {
	start := time.Date(2024, 1, 2, 10, 3, 0, 0, time.UTC)
	assert.Equal(t, "auto-20240102T100300Z", RunName("auto", start))
}

func TestTickPreparesEveryEnvironment(t *testing.T) {
	p := &fakePreparer{}
	s := NewScheduler(config.ScheduleConfig{
		Window:       time.Minute,
		Lag:          time.Minute,
		Environments: []string{"room-a", "room-b"},
		Rewrite:      true,
	}, "/videos", p, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2024, 1, 2, 10, 5, 3, 0, time.UTC) }

	require.True(t, s.Tick(context.Background()))

	reqs := p.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "room-a", reqs[0].Environment)
	assert.Equal(t, "room-b", reqs[1].Environment)
	for _, r := range reqs {
		assert.Equal(t, "/videos", r.VideoDirectory)
		assert.Equal(t, "auto-20240102T100300Z", r.VideoName)
		assert.Equal(t, time.Date(2024, 1, 2, 10, 3, 0, 0, time.UTC), r.Start)
		assert.Equal(t, time.Date(2024, 1, 2, 10, 4, 0, 0, time.UTC), r.End)
		assert.True(t, r.Rewrite)
	}
}

func TestTickSkipsWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := &fakePreparer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := NewScheduler(config.ScheduleConfig{Window: time.Minute, Environments: []string{"room-a"}}, t.TempDir(), p, zerolog.Nop())

	done := make(chan bool)
	go func() { done <- s.Tick(context.Background()) }()
	<-p.entered

	assert.False(t, s.Tick(context.Background()))

	close(p.block)
	assert.True(t, <-done)
	assert.Len(t, p.requests(), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := &fakePreparer{}
	s := NewScheduler(config.ScheduleConfig{
		Spec:         "@every 1h",
		Window:       time.Minute,
		Environments: []string{"room-a"},
	}, t.TempDir(), p, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() { errc <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	p := &fakePreparer{}
	cases := map[string]config.ScheduleConfig{
		"no environments": {Spec: "@every 1m", Window: time.Minute},
		"short window":    {Spec: "@every 1m", Window: time.Second, Environments: []string{"a"}},
		"bad spec":        {Spec: "not a schedule", Window: time.Minute, Environments: []string{"a"}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			err := NewScheduler(cfg, t.TempDir(), p, zerolog.Nop()).Run(context.Background())
			assert.Error(t, err)
		})
	}
}
