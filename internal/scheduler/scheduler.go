package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/usagebuffer/internal/authority/redisstore"
	"github.com/smallbiznis/usagebuffer/internal/clock"
	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
	"github.com/smallbiznis/usagebuffer/internal/metering/policy"
	obslogger "github.com/smallbiznis/usagebuffer/internal/observability/logger"
	"github.com/smallbiznis/usagebuffer/internal/observability/metrics"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	jobStartupSync  = "startup_sync"
	jobStartupFlush = "startup_flush"
	jobTimeFlush    = "time_flush"
	jobRetention    = "retention_gc"

	minWake = time.Second
)

type Params struct {
	fx.In

	Buffer   domain.Service
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config                 `optional:"true"`
	Registry domain.FeatureRegistry `optional:"true"`
	Lease    *redisstore.Lease      `optional:"true"`
	Metrics  *metrics.BufferMetrics `optional:"true"`
}

type Scheduler struct {
	buffer   domain.Service
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      Config
	scopes   []SyncScope
	registry domain.FeatureRegistry
	lease    *redisstore.Lease
	metrics  *metrics.BufferMetrics

	lastFlush time.Time
	lastGC    time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Buffer == nil || p.Log == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()

	scopes := make([]SyncScope, 0, len(cfg.SyncScopes))
	for _, raw := range cfg.SyncScopes {
		scope, err := ParseSyncScope(raw)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}

	return &Scheduler{
		buffer:   p.Buffer,
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      cfg,
		scopes:   scopes,
		registry: p.Registry,
		lease:    p.Lease,
		metrics:  p.Metrics,
	}, nil
}

// Interval is the time-trigger period: the shortest configured feature
// interval, bounded by the min and max settings.
func (s *Scheduler) Interval() time.Duration {
	interval := s.cfg.DefaultInterval
	if s.registry != nil {
		if ms := s.registry.Defaults().IntervalMs; ms > 0 {
			interval = time.Duration(ms) * time.Millisecond
		}
		for _, f := range s.registry.Features() {
			if f.Trigger.IntervalMs == nil || *f.Trigger.IntervalMs <= 0 {
				continue
			}
			if d := time.Duration(*f.Trigger.IntervalMs) * time.Millisecond; d < interval {
				interval = d
			}
		}
	}
	return policy.ClampInterval(interval, s.cfg.MinInterval, s.cfg.MaxInterval)
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	run := s.newJobRun(name)
	ctx = obslogger.WithRunID(ctx, run.runID)
	s.logJobStart(ctx, run)

	err := fn(ctx, run)
	s.metrics.ObserveJob(name, time.Since(run.startedAt))
	if err != nil {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	log := s.logger(ctx).With(zap.String("job", name))
	switch {
	case errors.Is(err, domain.ErrFlushLeaseHeld):
		s.metrics.IncJobError(name, metrics.JobReasonLeaseHeld)
		log.Info("flush lease held by another process, skipping")
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// deadline is a soft timeout; remaining work is picked up next run
		s.metrics.IncJobError(name, metrics.JobReasonTimeout)
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}

	s.metrics.IncJobError(name, metrics.JobReasonError)
	return fmt.Errorf("%s: %w", name, err)
}

// Startup reconciles every configured scope and then drains whatever a
// previous process left unsynced.
func (s *Scheduler) Startup(ctx context.Context) error {
	var err error
	for _, scope := range s.scopes {
		err = errors.Join(err, s.runJob(ctx, jobStartupSync, s.cfg.SyncTimeout, s.syncJob(scope)))
	}
	err = errors.Join(err, s.runJob(ctx, jobStartupFlush, s.cfg.FlushTimeout, s.flushJob(domain.TriggerStartup)))
	s.lastFlush = s.clock.Now()
	return err
}

// RunOnce runs the jobs that are due at the current clock time.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.clock.Now()
	var err error

	if s.lastFlush.IsZero() || now.Sub(s.lastFlush) >= s.Interval() {
		err = errors.Join(err, s.runJob(ctx, jobTimeFlush, s.cfg.FlushTimeout, s.flushJob(domain.TriggerTime)))
		s.lastFlush = now
	}
	if s.lastGC.IsZero() || now.Sub(s.lastGC) >= s.cfg.GCInterval {
		err = errors.Join(err, s.runJob(ctx, jobRetention, s.cfg.SyncTimeout, s.retentionJob))
		s.lastGC = now
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	if err := s.Startup(ctx); err != nil {
		s.log.Warn("scheduler startup failed", zap.Error(err))
	}

	for {
		timer := time.NewTimer(s.nextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) nextWake() time.Duration {
	now := s.clock.Now()
	wait := s.Interval() - now.Sub(s.lastFlush)
	if gc := s.cfg.GCInterval - now.Sub(s.lastGC); gc < wait {
		wait = gc
	}
	if wait < minWake {
		wait = minWake
	}
	return wait
}

func (s *Scheduler) syncJob(scope SyncScope) func(context.Context, *jobRun) error {
	return func(ctx context.Context, run *jobRun) error {
		err := s.buffer.SyncFromAuthoritative(ctx, scope.Scope, scope.TenantID, scope.SubScopeID)
		if errors.Is(err, domain.ErrAuthorityRequired) {
			return nil
		}
		if err != nil {
			s.logger(ctx).Warn("startup reconcile failed", zap.String("scope", scope.String()), zap.Error(err))
			return err
		}
		run.AddProcessed(1)
		return nil
	}
}

func (s *Scheduler) flushJob(trigger domain.FlushTrigger) func(context.Context, *jobRun) error {
	return func(ctx context.Context, run *jobRun) error {
		release, err := s.acquireLease(ctx)
		if err != nil {
			return err
		}
		defer release()

		res, err := s.buffer.Flush(ctx, trigger)
		if errors.Is(err, domain.ErrAuthorityRequired) {
			s.logger(ctx).Debug("no authoritative store, flush skipped")
			return nil
		}
		if err != nil {
			return err
		}
		run.AddProcessed(res.EventsFlushed + res.EventsRejected)
		if !res.Success {
			run.IncError()
		}
		return nil
	}
}

func (s *Scheduler) retentionJob(ctx context.Context, run *jobRun) error {
	deleted, err := s.buffer.PurgeSynced(ctx, s.cfg.Retention)
	if err != nil {
		return err
	}
	run.AddProcessed(int(deleted))
	return nil
}

// acquireLease takes the cross-process flush lease when Redis is configured.
func (s *Scheduler) acquireLease(ctx context.Context) (func(), error) {
	if s.lease == nil {
		return func() {}, nil
	}
	token, ok, err := s.lease.TryAcquire(ctx, redisstore.FlushLeaseKey, s.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire flush lease: %w", err)
	}
	if !ok {
		return nil, domain.ErrFlushLeaseHeld
	}
	return func() {
		if err := s.lease.Release(context.WithoutCancel(ctx), redisstore.FlushLeaseKey, token); err != nil {
			s.logger(ctx).Warn("release flush lease failed", zap.Error(err))
		}
	}, nil
}
