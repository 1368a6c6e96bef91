package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/smallbiznis/usagebuffer/internal/clock"
	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
	"github.com/smallbiznis/usagebuffer/internal/metering/policy"
	meteringrepo "github.com/smallbiznis/usagebuffer/internal/metering/repository"
	"github.com/smallbiznis/usagebuffer/internal/observability/metrics"
	"github.com/smallbiznis/usagebuffer/internal/observability/tracing"
	pkgdb "github.com/smallbiznis/usagebuffer/pkg/db"
	"github.com/smallbiznis/usagebuffer/pkg/db/option"
	"github.com/smallbiznis/usagebuffer/pkg/repository"
)

const maxKeyAttempts = 3

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Authority domain.Authority       `optional:"true"`
	Registry  domain.FeatureRegistry `optional:"true"`
	Repo      domain.Repository      `optional:"true"`
	Metrics   *metrics.BufferMetrics `optional:"true"`
}

// Service is the local usage buffer. Track and reads only touch the embedded
// store; Flush and SyncFromAuthoritative talk to the authority.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo      domain.Repository
	flushLogs repository.Repository[domain.FlushLogEntry]
	authority domain.Authority
	registry  domain.FeatureRegistry
	metrics   *metrics.BufferMetrics
	tracer    trace.Tracer
	cfg       config.FlushConfig

	flights          singleflight.Group
	thresholdLimiter *rate.Limiter

	closeMu  sync.RWMutex
	closed   bool
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func NewService(p ServiceParam) *Service {
	repo := p.Repo
	if repo == nil {
		repo = meteringrepo.Provide()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	cfg := p.Config.Flush
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 10 * time.Second
	}
	if cfg.FlushAtPercent <= 0 {
		cfg.FlushAtPercent = 80
	}
	if cfg.CriticalPercent <= 0 {
		cfg.CriticalPercent = 95
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Service{
		db:               p.DB,
		log:              log.Named("usage.buffer"),
		genID:            p.GenID,
		clock:            clk,
		repo:             repo,
		flushLogs:        repository.ProvideStore[domain.FlushLogEntry](p.DB),
		authority:        p.Authority,
		registry:         p.Registry,
		metrics:          p.Metrics,
		tracer:           tracing.Tracer(),
		cfg:              cfg,
		thresholdLimiter: rate.NewLimiter(limit, 1),
		bgCtx:            bgCtx,
		bgCancel:         bgCancel,
	}
}

func (s *Service) Track(ctx context.Context, req domain.TrackRequest) (domain.UsageInfo, error) {
	if s.isClosed() {
		return domain.UsageInfo{}, domain.ErrBufferClosed
	}

	ref, err := normalizeRef(req.Ref())
	if err != nil {
		return domain.UsageInfo{}, err
	}

	feature := s.feature(ref.FeatureKey)
	ref.Period = feature.Period

	quantity := req.Quantity
	switch {
	case feature.MeteringType == domain.MeteringNone:
		return s.GetUsage(ctx, ref)
	case feature.MeteringType == domain.MeteringCount, feature.Aggregation == domain.AggregationCount:
		quantity = 1
	}

	now := s.clock.Now()
	bucket := bucketFor(ref, now)
	event := &domain.UsageEvent{
		Scope:       ref.Scope,
		TenantID:    ref.TenantID,
		SubScopeID:  ref.SubScopeID,
		FeatureKey:  ref.FeatureKey,
		Period:      bucket.Period,
		PeriodStart: bucket.PeriodStart,
		Quantity:    quantity,
		ActionKey:   strings.TrimSpace(req.ActionKey),
		Outcome:     domain.OutcomePending,
		CreatedAt:   now,
	}

	var (
		agg      *domain.UsageAggregate
		recorded bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if feature.Aggregation == domain.AggregationMax {
			current, err := s.repo.FindAggregate(ctx, tx, bucket)
			if err != nil {
				return err
			}
			event.Quantity = highWaterIncrement(current, quantity)
			if event.Quantity == 0 {
				agg = current
				return nil
			}
		}
		if err := s.appendEvent(ctx, tx, event); err != nil {
			return err
		}
		if err := s.repo.IncrementAggregate(ctx, tx, s.genID.Generate(), bucket, event.Quantity, now); err != nil {
			return err
		}
		recorded = true
		var err error
		agg, err = s.repo.FindAggregate(ctx, tx, bucket)
		return err
	})
	if err != nil {
		return domain.UsageInfo{}, storageErr("track", err)
	}

	if recorded {
		s.metrics.IncTrack(ref.FeatureKey)
	}

	info := s.usageInfo(bucket, agg, feature)
	s.kickAutoFlush(info)
	return info, nil
}

// highWaterIncrement is the amount a max-aggregated reading raises the bucket
// total by. Readings at or below the current total record nothing.
func highWaterIncrement(current *domain.UsageAggregate, reading int64) int64 {
	var total int64
	if current != nil {
		total = current.Total()
	}
	if reading <= total {
		return 0
	}
	return reading - total
}

// appendEvent inserts the event under a fresh ULID, retrying on the
// practically impossible key collision.
func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, event *domain.UsageEvent) error {
	var err error
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		event.ID = s.genID.Generate()
		event.IdempotencyKey = ulid.Make().String()
		err = s.repo.InsertEvent(ctx, tx, event)
		if err == nil || !pkgdb.IsDuplicateKeyErr(err) {
			return err
		}
		s.log.Warn("idempotency key collision, regenerating", zap.String("idempotency_key", event.IdempotencyKey))
	}
	return fmt.Errorf("append usage event: %w", err)
}

func (s *Service) GetUsage(ctx context.Context, ref domain.BucketRef) (domain.UsageInfo, error) {
	if s.isClosed() {
		return domain.UsageInfo{}, domain.ErrBufferClosed
	}
	ref, err := normalizeRef(ref)
	if err != nil {
		return domain.UsageInfo{}, err
	}

	feature := s.feature(ref.FeatureKey)
	if ref.Period == "" {
		ref.Period = feature.Period
	}

	bucket := bucketFor(ref, s.clock.Now())
	agg, err := s.repo.FindAggregate(ctx, s.db, bucket)
	if err != nil {
		return domain.UsageInfo{}, storageErr("get_usage", err)
	}
	return s.usageInfo(bucket, agg, feature), nil
}

func (s *Service) SetLimits(ctx context.Context, req domain.SetLimitsRequest) error {
	if s.isClosed() {
		return domain.ErrBufferClosed
	}

	ref, err := normalizeRef(req.BucketRef)
	if err != nil {
		return err
	}
	if req.Limit < 0 {
		return domain.ErrInvalidLimit
	}
	if !validPercent(req.FlushAtPercent) || !validPercent(req.CriticalPercent) {
		return domain.ErrInvalidPercent
	}

	feature := s.feature(ref.FeatureKey)
	if ref.Period == "" {
		ref.Period = feature.Period
	}

	now := s.clock.Now()
	bucket := bucketFor(ref, now)
	limits := domain.LimitsUpdate{
		Limit:           req.Limit,
		IsUnlimited:     req.IsUnlimited,
		FlushAtPercent:  req.FlushAtPercent,
		CriticalPercent: req.CriticalPercent,
	}
	if err := s.repo.UpsertLimits(ctx, s.db, s.genID.Generate(), bucket, limits, now); err != nil {
		return storageErr("set_limits", err)
	}
	return nil
}

func (s *Service) GetAllUsage(ctx context.Context, tenantID string) ([]domain.UsageInfo, error) {
	if s.isClosed() {
		return nil, domain.ErrBufferClosed
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}

	rows, err := s.repo.ListCurrentAggregates(ctx, s.db, tenantID, s.clock.Now())
	if err != nil {
		return nil, storageErr("get_all_usage", err)
	}

	out := make([]domain.UsageInfo, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		bucket := domain.BucketWindow{
			BucketKey: domain.BucketKey{
				Scope:      row.Scope,
				TenantID:   row.TenantID,
				SubScopeID: row.SubScopeID,
				FeatureKey: row.FeatureKey,
			},
			Period:      row.Period,
			PeriodStart: row.PeriodStart,
			PeriodEnd:   row.PeriodEnd,
		}
		out = append(out, s.usageInfo(bucket, row, s.feature(row.FeatureKey)))
	}
	return out, nil
}

func (s *Service) ListFlushLogs(ctx context.Context, limit int) ([]domain.FlushLogEntry, error) {
	if s.isClosed() {
		return nil, domain.ErrBufferClosed
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.flushLogs.Find(ctx, nil, option.OrderBy("created_at", true), option.Limit(limit))
	if err != nil {
		return nil, storageErr("list_flush_logs", err)
	}
	out := make([]domain.FlushLogEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

// Close stops background flushes. The store handle is closed last.
func (s *Service) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.bgCancel()
	s.bg.Wait()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Service) isClosed() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	return s.closed
}

// kickAutoFlush starts a background flush for a threshold crossing. Threshold
// kicks are rate limited to one per minimum interval; critical kicks are not.
func (s *Service) kickAutoFlush(info domain.UsageInfo) {
	if !s.cfg.AutoFlush || !info.NeedsFlush || s.authority == nil {
		return
	}
	if info.FlushTrigger == domain.TriggerThreshold && !s.thresholdLimiter.AllowN(s.clock.Now(), 1) {
		return
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}

	s.bg.Add(1)
	go func(trigger domain.FlushTrigger) {
		defer s.bg.Done()
		result, err := s.Flush(s.bgCtx, trigger)
		if err != nil {
			s.log.Error("auto flush failed", zap.String("trigger", string(trigger)), zap.Error(err))
			return
		}
		s.log.Debug("auto flush finished",
			zap.String("trigger", string(trigger)),
			zap.Int("events_flushed", result.EventsFlushed),
			zap.Bool("success", result.Success),
		)
	}(info.FlushTrigger)
}

func (s *Service) feature(key string) domain.FeatureConfig {
	fc := domain.FeatureConfig{Key: key}
	if s.registry != nil {
		if found, ok := s.registry.Feature(key); ok {
			fc = found
		}
	}
	if fc.MeteringType == "" {
		fc.MeteringType = domain.MeteringSum
	}
	if fc.Aggregation == "" {
		fc.Aggregation = domain.AggregationSum
	}
	if !fc.Period.Valid() {
		fc.Period = domain.PeriodMonthly
	}
	return fc
}

func (s *Service) triggerConfig(fc domain.FeatureConfig) domain.TriggerConfig {
	defaults := domain.TriggerConfig{
		FlushAtPercent:  s.cfg.FlushAtPercent,
		CriticalPercent: s.cfg.CriticalPercent,
		IntervalMs:      s.cfg.DefaultInterval.Milliseconds(),
	}
	if s.registry != nil {
		defaults = s.registry.Defaults()
	}
	return policy.EffectiveConfig(defaults, fc.Trigger)
}

// usageInfo builds the read model. A nil row yields the zeroed bucket.
// Row thresholds of 0 inherit the feature's effective configuration.
func (s *Service) usageInfo(b domain.BucketWindow, agg *domain.UsageAggregate, fc domain.FeatureConfig) domain.UsageInfo {
	trigger := s.triggerConfig(fc)
	info := domain.UsageInfo{
		Scope:           b.Scope,
		TenantID:        b.TenantID,
		SubScopeID:      b.SubScopeID,
		FeatureKey:      b.FeatureKey,
		Period:          b.Period,
		PeriodStart:     b.PeriodStart,
		PeriodEnd:       b.PeriodEnd,
		FlushAtPercent:  trigger.FlushAtPercent,
		CriticalPercent: trigger.CriticalPercent,
		RemoteAllowed:   true,
	}

	if agg != nil {
		info.FlushedUsage = agg.FlushedUsage
		info.UnflushedDelta = agg.UnflushedDelta
		info.RejectedUsage = agg.RejectedUsage
		info.Limit = agg.Limit
		info.IsUnlimited = agg.IsUnlimited
		info.RemoteAllowed = agg.RemoteAllowed
		info.LastEventAt = agg.LastEventAt
		info.LastFlushAt = agg.LastFlushAt
		info.LastSyncAt = agg.LastSyncAt
		if agg.FlushAtPercent > 0 {
			info.FlushAtPercent = agg.FlushAtPercent
		}
		if agg.CriticalPercent > 0 {
			info.CriticalPercent = agg.CriticalPercent
		}
	}

	info.Total = info.FlushedUsage + info.UnflushedDelta
	info.UsagePercent = policy.UsagePercent(info.Total, info.Limit, info.IsUnlimited)

	decision := policy.Decision{Trigger: domain.TriggerNone, Priority: domain.PriorityNormal}
	if info.UsagePercent > 0 {
		decision = policy.Decide(info.UsagePercent, info.FlushAtPercent, info.CriticalPercent)
	}
	info.NeedsFlush = decision.ShouldFlush
	info.FlushTrigger = decision.Trigger
	info.FlushPriority = decision.Priority
	return info
}

func normalizeRef(ref domain.BucketRef) (domain.BucketRef, error) {
	ref.TenantID = strings.TrimSpace(ref.TenantID)
	ref.SubScopeID = strings.TrimSpace(ref.SubScopeID)
	ref.FeatureKey = strings.TrimSpace(ref.FeatureKey)

	if !ref.Scope.Valid() {
		return ref, domain.ErrInvalidScope
	}
	if ref.TenantID == "" {
		return ref, domain.ErrInvalidTenant
	}
	if ref.FeatureKey == "" {
		return ref, domain.ErrInvalidFeature
	}
	switch ref.Scope {
	case domain.ScopeTenant:
		if ref.SubScopeID != "" {
			return ref, domain.ErrInvalidSubScope
		}
	case domain.ScopeSubTenant:
		if ref.SubScopeID == "" {
			return ref, domain.ErrInvalidSubScope
		}
	}
	if ref.Period != "" && !ref.Period.Valid() {
		return ref, domain.ErrInvalidPeriod
	}
	return ref, nil
}

func bucketFor(ref domain.BucketRef, at time.Time) domain.BucketWindow {
	start, end := ref.Period.Window(at)
	return domain.BucketWindow{
		BucketKey: domain.BucketKey{
			Scope:      ref.Scope,
			TenantID:   ref.TenantID,
			SubScopeID: ref.SubScopeID,
			FeatureKey: ref.FeatureKey,
		},
		Period:      ref.Period,
		PeriodStart: start,
		PeriodEnd:   end,
	}
}

func validPercent(v *float64) bool {
	return v == nil || (*v > 0 && *v <= 1000)
}

// storageErr classifies local store failures. Context cancellation is returned as is.
func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.Storage(op, err)
}
