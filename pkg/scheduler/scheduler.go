package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/metrics"
)

// RunFunc performs one full pipeline run.
type RunFunc func(ctx context.Context) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler triggers runs on a cron expression. At most one run is active at a
// time, both within this process and across processes sharing lockPath; a
// trigger that finds a run in progress is skipped.
type Scheduler struct {
	spec     string
	lockPath string
	run      RunFunc
	metrics  metrics.PipelineMetrics
	logger   zerolog.Logger

	mu sync.Mutex
}

// New validates spec. An empty spec means a single run.
func New(spec, lockPath string, run RunFunc, m metrics.PipelineMetrics, logger zerolog.Logger) (*Scheduler, error) {
	if spec != "" {
		if _, err := parser.Parse(spec); err != nil {
			return nil, config.Errorf("invalid cron expression %q: %w", spec, err)
		}
	}
	return &Scheduler{
		spec:     spec,
		lockPath: lockPath,
		run:      run,
		metrics:  m,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Run starts one run immediately and then one per cron firing until ctx is
// done. Without a cron expression it returns the result of the single run.
// Configuration errors are returned; other run failures are logged and the
// schedule continues.
func (s *Scheduler) Run(ctx context.Context) error {
	err := s.trigger(ctx)
	if s.spec == "" || config.IsConfigError(err) {
		return err
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled run failed")
	}

	c := cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{s.logger}))
	if _, err := c.AddFunc(s.spec, func() {
		if err := s.trigger(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled run failed")
		}
	}); err != nil {
		return config.Errorf("invalid cron expression %q: %w", s.spec, err)
	}

	s.logger.Info().Str("cron", s.spec).Msg("Scheduler started")
	c.Start()
	<-ctx.Done()

	s.logger.Info().Msg("Stopping scheduler, waiting for the active run")
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) trigger(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.mu.TryLock() {
		s.skip("previous run is still in progress")
		return nil
	}
	defer s.mu.Unlock()

	if s.lockPath != "" {
		fl := flock.New(s.lockPath)
		locked, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire run lock %s: %w", s.lockPath, err)
		}
		if !locked {
			s.skip("another process holds the run lock")
			return nil
		}
		defer fl.Unlock()
	}
	return s.run(ctx)
}

func (s *Scheduler) skip(reason string) {
	s.metrics.IncSkippedRuns()
	s.logger.Warn().Str("reason", reason).Msg("Skipping scheduled run")
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
