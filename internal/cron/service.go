package cron

import (
	"context"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
)

var scheduleParser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Locks    LockFactory
	Metrics  *metrics.CronJobMetrics
	Location *time.Location
}

// Service runs each registered job on its own schedule. A run is skipped when
// the previous run of the same job is still going, locally or on another
// worker.
type Service struct {
	logg     *logger.Logger
	entries  []Entry
	locks    map[string]Lock
	metrics  *metrics.CronJobMetrics
	location *time.Location
}

// NewService rejects unparsable schedules and duplicate job names.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	if params.Locks == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "lock factory required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	location := params.Location
	if location == nil {
		location = time.UTC
	}
	entries := registry.Entries()
	locks := make(map[string]Lock, len(entries))
	for _, entry := range entries {
		name := entry.Job.Name()
		if _, dup := locks[name]; dup {
			return nil, pkgerrors.New(pkgerrors.CodeConfiguration, fmt.Sprintf("job %s registered twice", name))
		}
		if _, err := scheduleParser.Parse(entry.Schedule); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, fmt.Sprintf("invalid schedule %q for job %s", entry.Schedule, name))
		}
		lock, err := params.Locks(name)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("build lock for job %s", name))
		}
		locks[name] = lock
	}
	return &Service{
		logg:     params.Logger,
		entries:  entries,
		locks:    locks,
		metrics:  params.Metrics,
		location: location,
	}, nil
}

// Run schedules every job and blocks until ctx is canceled, then waits for
// running jobs to return.
func (s *Service) Run(ctx context.Context) error {
	adapter := cronLogger{logg: s.logg, ctx: ctx}
	scheduler := robfig.New(
		robfig.WithParser(scheduleParser),
		robfig.WithLocation(s.location),
		robfig.WithLogger(adapter),
		robfig.WithChain(robfig.Recover(adapter), robfig.SkipIfStillRunning(adapter)),
	)
	for _, entry := range s.entries {
		job := entry.Job
		if _, err := scheduler.AddFunc(entry.Schedule, func() { _ = s.RunJob(ctx, job) }); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, "schedule job "+job.Name())
		}
	}
	scheduler.Start()
	s.logg.Info(s.logg.WithField(ctx, "jobs", len(s.entries)), "cron scheduler started")

	<-ctx.Done()
	stopped := scheduler.Stop()
	<-stopped.Done()
	s.logg.Info(ctx, "cron scheduler stopped")
	return ctx.Err()
}

// RunJob executes job once under its lock. It is what the scheduler calls and
// also backs one-off runs from the command line.
func (s *Service) RunJob(ctx context.Context, job Job) error {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	jobCtx = s.logg.WithField(jobCtx, "event", "cron.job")

	lock, ok := s.locks[job.Name()]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "job not registered: "+job.Name())
	}
	locked, err := lock.Acquire(jobCtx)
	if err != nil {
		s.logg.Error(jobCtx, "cron lock acquire failed", err)
		s.metrics.IncLockError(job.Name())
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire cron lock")
	}
	if !locked {
		s.logg.Info(jobCtx, "job already running on another worker; skipping")
		return nil
	}
	defer func() {
		if relErr := lock.Release(jobCtx); relErr != nil {
			s.logg.Error(jobCtx, "failed to release cron lock", relErr)
		}
	}()

	s.logg.Info(jobCtx, "job start")
	start := time.Now()
	err = job.Run(jobCtx)
	duration := time.Since(start)
	s.metrics.ObserveRun(job.Name(), duration, err)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		return err
	}
	s.logg.Info(jobCtx, "job completed")
	return nil
}

// cronLogger routes scheduler messages through the service logger.
type cronLogger struct {
	logg *logger.Logger
	ctx  context.Context
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logg.Debug(l.logg.WithFields(l.ctx, pairs(keysAndValues)), msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logg.Error(l.logg.WithFields(l.ctx, pairs(keysAndValues)), msg, err)
}

func pairs(keysAndValues []any) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
