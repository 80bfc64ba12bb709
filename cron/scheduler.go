package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"video-prepare/config"
	"video-prepare/service"
	"video-prepare/timeline"
)

// Preparer runs one prepare request.
type Preparer interface {
	Prepare(ctx context.Context, req service.PrepareRequest) (service.Summary, error)
}

// Scheduler prepares a rolling window for every configured environment on a
// cron schedule. A tick that fires while the previous one is still running
// is skipped.
type Scheduler struct {
	cfg      config.ScheduleConfig
	videoDir string
	preparer Preparer
	sem      *semaphore.Weighted
	log      zerolog.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler writing into videoDir.
func NewScheduler(cfg config.ScheduleConfig, videoDir string, preparer Preparer, logger zerolog.Logger) *Scheduler {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "auto"
	}
	return &Scheduler{
		cfg:      cfg,
		videoDir: videoDir,
		preparer: preparer,
		sem:      semaphore.NewWeighted(1),
		log:      logger,
		now:      time.Now,
	}
}

// Window returns the slot-aligned range a tick at now prepares:
// [now-lag-window, now-lag), both ends rounded down to the cadence.
func Window(now time.Time, window, lag time.Duration) (time.Time, time.Time) {
	end := timeline.AlignDown(now.Add(-lag), timeline.DefaultCadence)
	start := timeline.AlignDown(now.Add(-lag-window), timeline.DefaultCadence)
	return start, end
}

// RunName names the playset of a window.
func RunName(prefix string, start time.Time) string {
	return prefix + "-" + start.UTC().Format("20060102T150405Z")
}

// Tick prepares the current window for every environment. It reports false
// when another tick was still running.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.sem.TryAcquire(1) {
		s.log.Warn().Msg("previous scheduled run still in progress, skipping tick")
		return false
	}
	defer s.sem.Release(1)

	start, end := Window(s.now(), s.cfg.Window, s.cfg.Lag)
	name := RunName(s.cfg.NamePrefix, start)
	s.log.Info().Time("start", start).Time("end", end).Str("name", name).Msg("scheduled prepare started")

	for _, env := range s.cfg.Environments {
		if ctx.Err() != nil {
			return true
		}
		summary, err := s.preparer.Prepare(ctx, service.PrepareRequest{
			Environment:    env,
			VideoDirectory: s.videoDir,
			VideoName:      name,
			Start:          start,
			End:            end,
			Rewrite:        s.cfg.Rewrite,
		})
		log := s.log.With().Str("environment", env).Str("name", name).Logger()
		if err != nil {
			log.Error().Err(err).Msg("scheduled prepare failed")
			continue
		}
		if err := summary.Err(false); err != nil {
			log.Error().Err(err).Msg("scheduled prepare incomplete")
			continue
		}
		log.Info().
			Bool("skipped", summary.Skipped).
			Int("succeeded", len(summary.Succeeded)).
			Int("failed", len(summary.Failed)).
			Msg("scheduled prepare finished")
	}
	return true
}

// Run schedules ticks until ctx is cancelled, then waits for a running tick
// to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.cfg.Environments) == 0 {
		return errors.New("no environments configured for the scheduler")
	}
	if s.cfg.Window < timeline.DefaultCadence {
		return fmt.Errorf("schedule window %v is shorter than one slot", s.cfg.Window)
	}

	cronLog := cron.PrintfLogger(&s.log)
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLog)))
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.cfg.Spec, err)
	}

	c.Start()
	s.log.Info().
		Str("spec", s.cfg.Spec).
		Dur("window", s.cfg.Window).
		Dur("lag", s.cfg.Lag).
		Strs("environments", s.cfg.Environments).
		Msg("scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
	return nil
}
