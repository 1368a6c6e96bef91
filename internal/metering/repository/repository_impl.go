package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

const bucketPredicate = `scope = ? AND tenant_id = ? AND sub_scope_id = ? AND feature_key = ? AND period = ? AND period_start = ?`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func bucketArgs(b domain.BucketWindow) []any {
	return []any{b.Scope, b.TenantID, b.SubScopeID, b.FeatureKey, b.Period, b.PeriodStart}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.UsageEvent) error {
	return db.WithContext(ctx).Create(event).Error
}

// previousLimits is the newest earlier window of the same bucket. New windows
// start from its limits and thresholds instead of zero.
const previousLimits = `LEFT JOIN (
		SELECT usage_limit, is_unlimited, flush_at_percent, critical_percent
		FROM usage_aggregates
		WHERE scope = ? AND tenant_id = ? AND sub_scope_id = ? AND feature_key = ? AND period = ? AND period_start < ?
		ORDER BY period_start DESC
		LIMIT 1
	) AS prev ON 1 = 1`

func (r *repo) IncrementAggregate(ctx context.Context, db *gorm.DB, id snowflake.ID, b domain.BucketWindow, quantity int64, at time.Time) error {
	args := []any{id, b.Scope, b.TenantID, b.SubScopeID, b.FeatureKey, b.Period, b.PeriodStart, b.PeriodEnd, quantity, at, at, at}
	args = append(args, bucketArgs(b)...)
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_aggregates (
			id, scope, tenant_id, sub_scope_id, feature_key, period, period_start, period_end,
			unflushed_delta, usage_limit, is_unlimited, flush_at_percent, critical_percent,
			remote_allowed, last_event_at, created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?,
			COALESCE(prev.usage_limit, 0), COALESCE(prev.is_unlimited, 0),
			COALESCE(prev.flush_at_percent, 0), COALESCE(prev.critical_percent, 0),
			1, ?, ?, ?
		FROM (SELECT 1) AS seed
		`+previousLimits+`
		WHERE 1
		ON CONFLICT (scope, tenant_id, sub_scope_id, feature_key, period, period_start) DO UPDATE
		SET unflushed_delta = usage_aggregates.unflushed_delta + excluded.unflushed_delta,
		    last_event_at = excluded.last_event_at,
		    updated_at = excluded.updated_at`,
		args...,
	).Error
}

func (r *repo) UpsertLimits(ctx context.Context, db *gorm.DB, id snowflake.ID, b domain.BucketWindow, l domain.LimitsUpdate, at time.Time) error {
	var (
		isUnlimited     any
		flushAtPercent  any
		criticalPercent any
	)
	if l.IsUnlimited != nil {
		isUnlimited = *l.IsUnlimited
	}
	if l.FlushAtPercent != nil {
		flushAtPercent = *l.FlushAtPercent
	}
	if l.CriticalPercent != nil {
		criticalPercent = *l.CriticalPercent
	}

	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_aggregates (
			id, scope, tenant_id, sub_scope_id, feature_key, period, period_start, period_end,
			usage_limit, is_unlimited, flush_at_percent, critical_percent, remote_allowed, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, 0), 1, ?, ?)
		ON CONFLICT (scope, tenant_id, sub_scope_id, feature_key, period, period_start) DO UPDATE
		SET usage_limit = excluded.usage_limit,
		    is_unlimited = COALESCE(?, usage_aggregates.is_unlimited),
		    flush_at_percent = COALESCE(?, usage_aggregates.flush_at_percent),
		    critical_percent = COALESCE(?, usage_aggregates.critical_percent),
		    updated_at = excluded.updated_at`,
		id, b.Scope, b.TenantID, b.SubScopeID, b.FeatureKey, b.Period, b.PeriodStart, b.PeriodEnd,
		l.Limit, isUnlimited, flushAtPercent, criticalPercent, at, at,
		isUnlimited, flushAtPercent, criticalPercent,
	).Error
}

func (r *repo) FindAggregate(ctx context.Context, db *gorm.DB, b domain.BucketWindow) (*domain.UsageAggregate, error) {
	var agg domain.UsageAggregate
	err := db.WithContext(ctx).Where(bucketPredicate, bucketArgs(b)...).Take(&agg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *repo) ListCurrentAggregates(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) ([]domain.UsageAggregate, error) {
	var rows []domain.UsageAggregate
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND period_start <= ? AND period_end > ?", tenantID, at, at).
		Order("feature_key, scope, sub_scope_id, period").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListUnsynced(ctx context.Context, db *gorm.DB, limit int) ([]domain.UsageEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []domain.UsageEvent
	err := db.WithContext(ctx).
		Where("synced = ?", false).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListClaimed(ctx context.Context, db *gorm.DB, flushKeys []string) ([]domain.UsageEvent, error) {
	if len(flushKeys) == 0 {
		return nil, nil
	}
	var rows []domain.UsageEvent
	err := db.WithContext(ctx).
		Where("synced = ? AND flush_key IN ?", false, flushKeys).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ClaimEvents(ctx context.Context, db *gorm.DB, ids []snowflake.ID, flushKey string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE usage_events SET flush_key = ? WHERE id IN ? AND synced = 0 AND flush_key IS NULL`,
		flushKey, ids,
	).Error
}

func (r *repo) MarkSynced(ctx context.Context, db *gorm.DB, ids []snowflake.ID, outcome domain.EventOutcome, remoteEventID *string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE usage_events
		 SET synced = 1, outcome = ?, remote_event_id = ?, synced_at = ?
		 WHERE id IN ? AND synced = 0`,
		outcome, remoteEventID, at, ids,
	)
	return res.RowsAffected, res.Error
}

// ApplyFlush moves a confirmed group from the delta into the baseline.
func (r *repo) ApplyFlush(ctx context.Context, db *gorm.DB, b domain.BucketWindow, m domain.CounterMove, at time.Time) error {
	args := append([]any{m.Quantity, m.Delta, at, at}, bucketArgs(b)...)
	return db.WithContext(ctx).Exec(
		`UPDATE usage_aggregates
		 SET flushed_usage = flushed_usage + ?,
		     unflushed_delta = unflushed_delta - ?,
		     remote_allowed = 1,
		     last_flush_at = ?,
		     updated_at = ?
		 WHERE `+bucketPredicate,
		args...,
	).Error
}

// ApplyRejection settles a denied group. The units stay in the local total
// (moved from the delta into the baseline) so enforcement keeps seeing them
// until the next reconciliation replaces the baseline.
func (r *repo) ApplyRejection(ctx context.Context, db *gorm.DB, b domain.BucketWindow, m domain.CounterMove, at time.Time) error {
	args := append([]any{m.Delta, m.Delta, m.Quantity, at, at}, bucketArgs(b)...)
	return db.WithContext(ctx).Exec(
		`UPDATE usage_aggregates
		 SET flushed_usage = flushed_usage + ?,
		     unflushed_delta = unflushed_delta - ?,
		     rejected_usage = rejected_usage + ?,
		     remote_allowed = 0,
		     last_flush_at = ?,
		     updated_at = ?
		 WHERE `+bucketPredicate,
		args...,
	).Error
}

func (r *repo) OverwriteBaseline(ctx context.Context, db *gorm.DB, id snowflake.ID, b domain.BucketWindow, flushed int64, at time.Time) error {
	args := []any{id, b.Scope, b.TenantID, b.SubScopeID, b.FeatureKey, b.Period, b.PeriodStart, b.PeriodEnd, flushed, at, at, at}
	args = append(args, bucketArgs(b)...)
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_aggregates (
			id, scope, tenant_id, sub_scope_id, feature_key, period, period_start, period_end,
			flushed_usage, unflushed_delta, usage_limit, is_unlimited, flush_at_percent, critical_percent,
			remote_allowed, sync_watermark, last_sync_at, created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, 0,
			COALESCE(prev.usage_limit, 0), COALESCE(prev.is_unlimited, 0),
			COALESCE(prev.flush_at_percent, 0), COALESCE(prev.critical_percent, 0),
			1, (SELECT COALESCE(MAX(id), 0) FROM usage_events), ?, ?, ?
		FROM (SELECT 1) AS seed
		`+previousLimits+`
		WHERE 1
		ON CONFLICT (scope, tenant_id, sub_scope_id, feature_key, period, period_start) DO UPDATE
		SET flushed_usage = excluded.flushed_usage,
		    unflushed_delta = 0,
		    remote_allowed = 1,
		    sync_watermark = excluded.sync_watermark,
		    last_sync_at = excluded.last_sync_at,
		    updated_at = excluded.updated_at`,
		args...,
	).Error
}

func (r *repo) PurgeSynced(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM usage_events WHERE synced = 1 AND synced_at IS NOT NULL AND synced_at < ?`,
		cutoff,
	)
	return res.RowsAffected, res.Error
}
