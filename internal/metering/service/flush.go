package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
	"github.com/smallbiznis/usagebuffer/internal/observability/logger"
	"github.com/smallbiznis/usagebuffer/internal/observability/metrics"
)

const flushFlightKey = "flush"

// flushGroup is one remote consume call: every event of one bucket, sent
// under the idempotency key of its oldest event.
type flushGroup struct {
	bucket     domain.BucketWindow
	key        string
	ids        []snowflake.ID
	quantities []int64
	quantity   int64
	claimed    bool
}

// deltaAfter sums the quantities of events newer than a sync watermark.
func (g *flushGroup) deltaAfter(watermark int64) int64 {
	var delta int64
	for i, id := range g.ids {
		if id.Int64() > watermark {
			delta += g.quantities[i]
		}
	}
	return delta
}

// Flush pushes unsynced events to the authority. Concurrent callers share the
// in-flight run and its result.
func (s *Service) Flush(ctx context.Context, trigger domain.FlushTrigger) (domain.FlushResult, error) {
	if s.isClosed() {
		return domain.FlushResult{}, domain.ErrBufferClosed
	}
	if s.authority == nil {
		return domain.FlushResult{}, domain.ErrAuthorityRequired
	}
	if !trigger.Valid() || trigger == domain.TriggerNone {
		return domain.FlushResult{}, domain.ErrInvalidTrigger
	}

	v, err, shared := s.flights.Do(flushFlightKey, func() (any, error) {
		return s.runFlush(ctx, trigger)
	})
	if shared {
		s.log.Debug("flush coalesced onto in-flight run", zap.String("trigger", string(trigger)))
	}
	result, _ := v.(domain.FlushResult)
	return result, err
}

func (s *Service) runFlush(ctx context.Context, trigger domain.FlushTrigger) (domain.FlushResult, error) {
	start := time.Now()
	runID := s.genID.Generate()

	ctx = logger.WithRunID(ctx, runID.String())
	ctx, span := s.tracer.Start(ctx, "usagebuffer.flush", trace.WithAttributes(
		attribute.String("flush.trigger", string(trigger)),
	))
	defer span.End()
	log := logger.WithContext(ctx, s.log).With(zap.String("trigger", string(trigger)))

	result := domain.FlushResult{Trigger: trigger}

	var fatal error
	groups, err := s.collectGroups(ctx)
	if err != nil {
		fatal = storageErr("flush_read", err)
	} else if err := s.claimGroups(ctx, groups); err != nil {
		fatal = storageErr("flush_claim", err)
	}

	if fatal == nil {
		for _, g := range groups {
			if err := s.flushGroup(ctx, g, &result); err != nil {
				fatal = err
				break
			}
		}
	}
	if fatal != nil {
		result.Errors = append(result.Errors, fatal.Error())
	}

	result.DurationMs = time.Since(start).Milliseconds()
	result.Success = len(result.Errors) == 0

	if err := s.writeFlushLog(ctx, runID, result); err != nil {
		log.Error("write flush log", zap.Error(err))
		if fatal == nil {
			fatal = storageErr("flush_log", err)
		}
	}

	s.metrics.ObserveFlush(string(trigger), result.Success, time.Since(start))
	if !result.Success {
		s.metrics.IncFlushError(string(trigger))
		span.SetStatus(codes.Error, "flush incomplete")
	}
	span.SetAttributes(
		attribute.Int("flush.events_flushed", result.EventsFlushed),
		attribute.Int("flush.aggregates_updated", result.AggregatesUpdated),
	)

	log.Info("flush finished",
		zap.Bool("success", result.Success),
		zap.Int("groups", len(groups)),
		zap.Int("events_flushed", result.EventsFlushed),
		zap.Int("events_rejected", result.EventsRejected),
		zap.Int("aggregates_updated", result.AggregatesUpdated),
		zap.Int64("duration_ms", result.DurationMs),
		zap.Strings("errors", result.Errors),
	)

	return result, fatal
}

// collectGroups reads the oldest unsynced batch and completes every group a
// previous run already claimed, so a claimed key is always resent with the
// exact same event set.
func (s *Service) collectGroups(ctx context.Context) ([]*flushGroup, error) {
	batch, err := s.repo.ListUnsynced(ctx, s.db, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	var keys []string
	seenKey := make(map[string]struct{})
	for _, e := range batch {
		if e.FlushKey == nil {
			continue
		}
		if _, ok := seenKey[*e.FlushKey]; !ok {
			seenKey[*e.FlushKey] = struct{}{}
			keys = append(keys, *e.FlushKey)
		}
	}

	claimed, err := s.repo.ListClaimed(ctx, s.db, keys)
	if err != nil {
		return nil, err
	}

	events := make([]domain.UsageEvent, 0, len(batch)+len(claimed))
	seenID := make(map[snowflake.ID]struct{}, len(batch)+len(claimed))
	for _, list := range [][]domain.UsageEvent{batch, claimed} {
		for _, e := range list {
			if _, ok := seenID[e.ID]; ok {
				continue
			}
			seenID[e.ID] = struct{}{}
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})

	var groups []*flushGroup
	index := make(map[string]*flushGroup)
	for _, e := range events {
		id := groupID(e)
		g, ok := index[id]
		if !ok {
			_, end := e.Period.Window(e.PeriodStart)
			g = &flushGroup{
				bucket: domain.BucketWindow{
					BucketKey:   e.Bucket(),
					Period:      e.Period,
					PeriodStart: e.PeriodStart,
					PeriodEnd:   end,
				},
				key:     e.IdempotencyKey,
				claimed: e.FlushKey != nil,
			}
			if e.FlushKey != nil {
				g.key = *e.FlushKey
			}
			index[id] = g
			groups = append(groups, g)
		}
		g.ids = append(g.ids, e.ID)
		g.quantities = append(g.quantities, e.Quantity)
		g.quantity += e.Quantity
	}
	return groups, nil
}

func groupID(e domain.UsageEvent) string {
	if e.FlushKey != nil {
		return "claim|" + *e.FlushKey
	}
	return fmt.Sprintf("bucket|%s|%s|%s|%s|%s|%d",
		e.Scope, e.TenantID, e.SubScopeID, e.FeatureKey, e.Period, e.PeriodStart.Unix())
}

// claimGroups stamps unclaimed groups with their key before any remote call.
func (s *Service) claimGroups(ctx context.Context, groups []*flushGroup) error {
	pending := make([]*flushGroup, 0, len(groups))
	for _, g := range groups {
		if !g.claimed {
			pending = append(pending, g)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, g := range pending {
			if err := s.repo.ClaimEvents(ctx, tx, g.ids, g.key); err != nil {
				return err
			}
			g.claimed = true
		}
		return nil
	})
}

// flushGroup sends one group and folds the outcome back. Only local storage
// failures are returned; remote failures are recorded on result.
func (s *Service) flushGroup(ctx context.Context, g *flushGroup, result *domain.FlushResult) error {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("scope", string(g.bucket.Scope)),
		zap.String("tenant_id", g.bucket.TenantID),
		zap.String("sub_scope_id", g.bucket.SubScopeID),
		zap.String("feature_key", g.bucket.FeatureKey),
		zap.String("idempotency_key", g.key),
	)

	resp, err := s.consume(ctx, g)

	var outcome domain.EventOutcome
	switch {
	case err == nil && resp.Allowed:
		outcome = domain.OutcomeConfirmed
	case err == nil, errors.Is(err, domain.ErrRemoteRejected):
		outcome = domain.OutcomeRejected
	case errors.Is(err, domain.ErrRemoteDuplicate):
		outcome = domain.OutcomeDuplicate
	default:
		msg := fmt.Sprintf("%s/%s/%s/%s: %v", g.bucket.Scope, g.bucket.TenantID, g.bucket.SubScopeID, g.bucket.FeatureKey, err)
		result.Errors = append(result.Errors, msg)
		s.metrics.AddFlushEvents(metrics.OutcomeFailed, len(g.ids))
		log.Warn("flush group failed, events stay unsynced", zap.Int64("quantity", g.quantity), zap.Error(err))
		return nil
	}

	var remoteID *string
	if resp.RemoteEventID != "" {
		remoteID = &resp.RemoteEventID
	}

	moved, err := s.commitGroup(ctx, g, outcome, remoteID)
	if err != nil {
		return storageErr("flush_commit", err)
	}
	if !moved {
		return nil
	}

	result.AggregatesUpdated++
	switch outcome {
	case domain.OutcomeRejected:
		result.EventsRejected += len(g.ids)
		result.Errors = append(result.Errors, fmt.Sprintf("%s/%s/%s/%s: %v",
			g.bucket.Scope, g.bucket.TenantID, g.bucket.SubScopeID, g.bucket.FeatureKey, domain.ErrRemoteRejected))
		s.metrics.AddFlushEvents(metrics.OutcomeRejected, len(g.ids))
		log.Warn("authority rejected usage", zap.Int64("quantity", g.quantity))
	case domain.OutcomeDuplicate:
		result.EventsFlushed += len(g.ids)
		s.metrics.AddFlushEvents(metrics.OutcomeDuplicate, len(g.ids))
		log.Info("authority reported key already applied", zap.Int64("quantity", g.quantity))
	default:
		result.EventsFlushed += len(g.ids)
		s.metrics.AddFlushEvents(metrics.OutcomeConfirmed, len(g.ids))
	}
	return nil
}

func (s *Service) consume(ctx context.Context, g *flushGroup) (domain.ConsumeResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()

	callCtx, span := s.tracer.Start(callCtx, "usagebuffer.flush.consume", trace.WithAttributes(
		attribute.String("usage.scope", string(g.bucket.Scope)),
		attribute.String("usage.tenant_id", g.bucket.TenantID),
		attribute.String("usage.feature_key", g.bucket.FeatureKey),
		attribute.Int64("usage.quantity", g.quantity),
		attribute.Int("usage.events", len(g.ids)),
	))
	defer span.End()

	resp, err := s.authority.Consume(callCtx, domain.ConsumeRequest{
		Scope:          g.bucket.Scope,
		TenantID:       g.bucket.TenantID,
		SubScopeID:     g.bucket.SubScopeID,
		FeatureKey:     g.bucket.FeatureKey,
		Quantity:       g.quantity,
		IdempotencyKey: g.key,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

// commitGroup marks the group's events synced and moves the bucket counters in
// one short transaction. It reports false when the events were already synced.
// Events at or below the bucket's sync watermark were already dropped from the
// delta by a reconciliation, so only newer events are subtracted from it.
func (s *Service) commitGroup(ctx context.Context, g *flushGroup, outcome domain.EventOutcome, remoteID *string) (bool, error) {
	now := s.clock.Now()
	moved := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.MarkSynced(ctx, tx, g.ids, outcome, remoteID, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		moved = true

		agg, err := s.repo.FindAggregate(ctx, tx, g.bucket)
		if err != nil {
			return err
		}
		var watermark int64
		if agg != nil {
			watermark = agg.SyncWatermark
		}
		move := domain.CounterMove{Quantity: g.quantity, Delta: g.deltaAfter(watermark)}

		if outcome == domain.OutcomeRejected {
			return s.repo.ApplyRejection(ctx, tx, g.bucket, move, now)
		}
		return s.repo.ApplyFlush(ctx, tx, g.bucket, move, now)
	})
	return moved, err
}

func (s *Service) writeFlushLog(ctx context.Context, id snowflake.ID, result domain.FlushResult) error {
	errs := result.Errors
	if errs == nil {
		errs = []string{}
	}
	entry := &domain.FlushLogEntry{
		ID:                id,
		Trigger:           result.Trigger,
		EventsFlushed:     result.EventsFlushed,
		AggregatesUpdated: result.AggregatesUpdated,
		EventsRejected:    result.EventsRejected,
		DurationMs:        result.DurationMs,
		Success:           result.Success,
		Errors:            datatypes.JSONSlice[string](errs),
		CreatedAt:         s.clock.Now(),
	}
	// The run context may already be cancelled; the audit row is still written.
	return s.flushLogs.Create(context.WithoutCancel(ctx), entry)
}
