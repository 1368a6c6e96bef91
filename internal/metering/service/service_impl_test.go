package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

func setLimit(t *testing.T, svc *Service, tenant, feature string, limit int64) {
	t.Helper()
	require.NoError(t, svc.SetLimits(context.Background(), domain.SetLimitsRequest{
		BucketRef: tenantRef(tenant, feature),
		Limit:     limit,
	}))
}

func TestTrackThresholdScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	setLimit(t, env.svc, "t1", "gl.entries", 100)

	track(t, env.svc, "t1", "gl.entries", 85)
	info := usage(t, env.svc, "t1", "gl.entries")

	assert.Equal(t, int64(85), info.Total)
	assert.Equal(t, 85.0, info.UsagePercent)
	assert.True(t, info.NeedsFlush)
	assert.Equal(t, domain.PriorityHigh, info.FlushPriority)
	assert.Equal(t, domain.TriggerThreshold, info.FlushTrigger)
	assert.Equal(t, int64(0), info.FlushedUsage)
	assert.Equal(t, int64(85), info.UnflushedDelta)
}

func TestTrackRoundTripWithoutAuthority(t *testing.T) {
	env := newTestEnv(t, nil)

	info := track(t, env.svc, "t1", "api.calls", 7)
	assert.Equal(t, int64(7), info.Total)

	read := usage(t, env.svc, "t1", "api.calls")
	assert.Equal(t, int64(7), read.Total)
	assert.Equal(t, domain.PeriodMonthly, read.Period)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), read.PeriodStart.UTC())
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), read.PeriodEnd.UTC())
	require.NotNil(t, read.LastEventAt)
	assert.True(t, read.LastEventAt.Equal(testStart))
	assert.Nil(t, read.LastFlushAt)
	assert.True(t, read.RemoteAllowed)

	assert.Equal(t, int64(1), countRows(t, env.db, &domain.UsageEvent{}, "synced = ?", false))
}

func TestTrackAppendsUniqueEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	track(t, env.svc, "t1", "api.calls", 1)
	track(t, env.svc, "t1", "api.calls", 2)

	var events []domain.UsageEvent
	require.NoError(t, env.db.Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].IdempotencyKey, events[1].IdempotencyKey)
	assert.Len(t, events[0].IdempotencyKey, 26)
	assert.Less(t, events[0].ID.Int64(), events[1].ID.Int64())
	assert.Equal(t, domain.OutcomePending, events[0].Outcome)
	assert.Nil(t, events[0].FlushKey)
}

func TestGetUsageMissingBucketIsZeroed(t *testing.T) {
	env := newTestEnv(t, nil)

	info := usage(t, env.svc, "t1", "nothing")
	assert.Equal(t, int64(0), info.Total)
	assert.Equal(t, 80.0, info.FlushAtPercent)
	assert.Equal(t, 95.0, info.CriticalPercent)
	assert.False(t, info.NeedsFlush)
	assert.Equal(t, domain.PriorityNormal, info.FlushPriority)

	assert.Zero(t, countRows(t, env.db, &domain.UsageAggregate{}, ""))
}

func TestTrackPeriodRollover(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	critical := 90.0
	require.NoError(t, env.svc.SetLimits(ctx, domain.SetLimitsRequest{
		BucketRef:       tenantRef("t1", "gl.entries"),
		Limit:           100,
		CriticalPercent: &critical,
	}))
	track(t, env.svc, "t1", "gl.entries", 10)
	env.clock.Set(time.Date(2026, time.November, 1, 0, 0, 1, 0, time.UTC))
	track(t, env.svc, "t1", "gl.entries", 3)

	var rows []domain.UsageAggregate
	require.NoError(t, env.db.Order("period_start").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(10), rows[0].UnflushedDelta)
	assert.True(t, rows[0].PeriodEnd.Equal(rows[1].PeriodStart))
	assert.Equal(t, int64(3), rows[1].UnflushedDelta)

	info := usage(t, env.svc, "t1", "gl.entries")
	assert.Equal(t, int64(3), info.Total)
	assert.Equal(t, int64(100), info.Limit, "limits carry into the new period")
	assert.Equal(t, 90.0, info.CriticalPercent)

	env.clock.Set(time.Date(2026, time.November, 20, 0, 0, 0, 0, time.UTC))
	info = track(t, env.svc, "t1", "gl.entries", 96)
	assert.InDelta(t, 99.0, info.UsagePercent, 1e-9)
	assert.True(t, info.NeedsFlush)
	assert.Equal(t, domain.PriorityCritical, info.FlushPriority)
}

func TestNewPeriodInheritsNewestLimits(t *testing.T) {
	env := newTestEnv(t, nil)

	setLimit(t, env.svc, "t1", "seats", 50)
	env.clock.Set(time.Date(2026, time.November, 3, 0, 0, 0, 0, time.UTC))
	setLimit(t, env.svc, "t1", "seats", 80)
	env.clock.Set(time.Date(2026, time.December, 2, 0, 0, 0, 0, time.UTC))

	info := track(t, env.svc, "t1", "seats", 40)
	assert.Equal(t, int64(80), info.Limit)
	assert.Equal(t, 50.0, info.UsagePercent)

	other := track(t, env.svc, "t2", "seats", 40)
	assert.Equal(t, int64(0), other.Limit)
}

func TestSetLimitsLeavesCountersAlone(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	track(t, env.svc, "t1", "seats", 4)

	unlimited := true
	flushAt := 50.0
	require.NoError(t, env.svc.SetLimits(ctx, domain.SetLimitsRequest{
		BucketRef:      tenantRef("t1", "seats"),
		Limit:          10,
		IsUnlimited:    &unlimited,
		FlushAtPercent: &flushAt,
	}))

	info := usage(t, env.svc, "t1", "seats")
	assert.Equal(t, int64(4), info.UnflushedDelta)
	assert.Equal(t, int64(10), info.Limit)
	assert.True(t, info.IsUnlimited)
	assert.Equal(t, 0.0, info.UsagePercent)
	assert.Equal(t, 50.0, info.FlushAtPercent)
	assert.Equal(t, 95.0, info.CriticalPercent)

	require.NoError(t, env.svc.SetLimits(ctx, domain.SetLimitsRequest{BucketRef: tenantRef("t1", "seats"), Limit: 5}))
	info = usage(t, env.svc, "t1", "seats")
	assert.True(t, info.IsUnlimited, "omitted flag keeps stored value")
	assert.Equal(t, 50.0, info.FlushAtPercent)
	assert.Equal(t, int64(5), info.Limit)
}

func TestSetLimitsValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	err := env.svc.SetLimits(ctx, domain.SetLimitsRequest{BucketRef: tenantRef("t1", "seats"), Limit: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidLimit)

	bad := -5.0
	err = env.svc.SetLimits(ctx, domain.SetLimitsRequest{BucketRef: tenantRef("t1", "seats"), Limit: 1, CriticalPercent: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidPercent)
}

func TestTrackValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.TrackRequest
		want error
	}{
		{"scope", domain.TrackRequest{Scope: "ORG", TenantID: "t1", FeatureKey: "f"}, domain.ErrInvalidScope},
		{"tenant", domain.TrackRequest{Scope: domain.ScopeTenant, FeatureKey: "f"}, domain.ErrInvalidTenant},
		{"feature", domain.TrackRequest{Scope: domain.ScopeTenant, TenantID: "t1"}, domain.ErrInvalidFeature},
		{"tenant with sub scope", domain.TrackRequest{Scope: domain.ScopeTenant, TenantID: "t1", SubScopeID: "s1", FeatureKey: "f"}, domain.ErrInvalidSubScope},
		{"sub tenant without sub scope", domain.TrackRequest{Scope: domain.ScopeSubTenant, TenantID: "t1", FeatureKey: "f"}, domain.ErrInvalidSubScope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Track(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSubTenantBucketsAreSeparate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	track(t, env.svc, "t1", "storage", 5)
	_, err := env.svc.Track(ctx, domain.TrackRequest{Scope: domain.ScopeSubTenant, TenantID: "t1", SubScopeID: "ws-1", FeatureKey: "storage", Quantity: 2})
	require.NoError(t, err)

	sub, err := env.svc.GetUsage(ctx, domain.BucketRef{Scope: domain.ScopeSubTenant, TenantID: "t1", SubScopeID: "ws-1", FeatureKey: "storage"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sub.Total)
	assert.Equal(t, int64(5), usage(t, env.svc, "t1", "storage").Total)

	all, err := env.svc.GetAllUsage(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetAllUsageReturnsCurrentPeriodOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	track(t, env.svc, "t1", "gl.entries", 1)
	env.clock.Advance(31 * 24 * time.Hour)
	track(t, env.svc, "t1", "invoices", 2)
	track(t, env.svc, "t2", "invoices", 9)

	all, err := env.svc.GetAllUsage(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "invoices", all[0].FeatureKey)
	assert.Equal(t, int64(2), all[0].Total)

	_, err = env.svc.GetAllUsage(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
}

func TestMeteringTypes(t *testing.T) {
	registry := staticRegistry{
		defaults: domain.TriggerConfig{FlushAtPercent: 80, CriticalPercent: 95},
		features: map[string]domain.FeatureConfig{
			"logins":   {Key: "logins", MeteringType: domain.MeteringCount},
			"theme":    {Key: "theme", MeteringType: domain.MeteringNone},
			"exports":  {Key: "exports", MeteringType: domain.MeteringSum, Period: domain.PeriodDaily},
			"api.rows": {Key: "api.rows", MeteringType: domain.MeteringSum, Aggregation: domain.AggregationCount},
		},
	}
	env := newTestEnv(t, nil, withRegistry(registry))

	assert.Equal(t, int64(1), track(t, env.svc, "t1", "logins", 40).Total)
	assert.Equal(t, int64(2), track(t, env.svc, "t1", "logins", 3).Total)

	info := track(t, env.svc, "t1", "theme", 5)
	assert.Equal(t, int64(0), info.Total)
	assert.Zero(t, countRows(t, env.db, &domain.UsageEvent{}, "feature_key = ?", "theme"))

	info = track(t, env.svc, "t1", "exports", 6)
	assert.Equal(t, domain.PeriodDaily, info.Period)
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), info.PeriodStart.UTC())

	assert.Equal(t, int64(1), track(t, env.svc, "t1", "api.rows", 50).Total)
}

func TestMaxAggregationKeepsHighWaterMark(t *testing.T) {
	registry := staticRegistry{
		defaults: domain.TriggerConfig{FlushAtPercent: 80, CriticalPercent: 95},
		features: map[string]domain.FeatureConfig{
			"storage.gb": {Key: "storage.gb", MeteringType: domain.MeteringSum, Aggregation: domain.AggregationMax},
		},
	}
	env := newTestEnv(t, nil, withRegistry(registry))

	assert.Equal(t, int64(10), track(t, env.svc, "t1", "storage.gb", 10).Total)
	assert.Equal(t, int64(12), track(t, env.svc, "t1", "storage.gb", 12).Total)
	assert.Equal(t, int64(12), track(t, env.svc, "t1", "storage.gb", 7).Total)
	assert.Equal(t, int64(12), track(t, env.svc, "t1", "storage.gb", 12).Total)

	var events []domain.UsageEvent
	require.NoError(t, env.db.Where("feature_key = ?", "storage.gb").Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, int64(10), events[0].Quantity)
	assert.Equal(t, int64(2), events[1].Quantity)
}

func TestFeatureOverrideThresholds(t *testing.T) {
	flushAt := 10.0
	registry := staticRegistry{
		defaults: domain.TriggerConfig{FlushAtPercent: 80, CriticalPercent: 95},
		features: map[string]domain.FeatureConfig{
			"seats": {Key: "seats", Trigger: domain.TriggerOverride{FlushAtPercent: &flushAt}},
		},
	}
	env := newTestEnv(t, nil, withRegistry(registry))
	setLimit(t, env.svc, "t1", "seats", 100)

	info := track(t, env.svc, "t1", "seats", 10)
	assert.Equal(t, 10.0, info.FlushAtPercent)
	assert.True(t, info.NeedsFlush)
	assert.Equal(t, domain.TriggerThreshold, info.FlushTrigger)
}

func TestConcurrentTrackSameBucket(t *testing.T) {
	env := newTestEnv(t, nil)

	const workers, perWorker = 8, 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := env.svc.Track(context.Background(), domain.TrackRequest{
					Scope: domain.ScopeTenant, TenantID: "t1", FeatureKey: "api.calls", Quantity: 1,
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	info := usage(t, env.svc, "t1", "api.calls")
	assert.Equal(t, int64(workers*perWorker), info.UnflushedDelta)
	assert.Equal(t, int64(workers*perWorker), countRows(t, env.db, &domain.UsageEvent{}, ""))
	assert.Equal(t, int64(1), countRows(t, env.db, &domain.UsageAggregate{}, ""))
}

func TestStorageFailureIsFatalKind(t *testing.T) {
	env := newTestEnv(t, nil)
	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = env.svc.Track(context.Background(), domain.TrackRequest{
		Scope: domain.ScopeTenant, TenantID: "t1", FeatureKey: "api.calls", Quantity: 1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageFatal)

	var se *domain.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "track", se.Op)

	_, err = env.svc.GetUsage(context.Background(), tenantRef("t1", "api.calls"))
	assert.ErrorIs(t, err, domain.ErrStorageFatal)
}

func TestClosedServiceRejectsCalls(t *testing.T) {
	env := newTestEnv(t, newFakeAuthority())
	ctx := context.Background()
	track(t, env.svc, "t1", "api.calls", 1)
	require.NoError(t, env.svc.Close())
	require.NoError(t, env.svc.Close())

	_, err := env.svc.Track(ctx, domain.TrackRequest{
		Scope: domain.ScopeTenant, TenantID: "t1", FeatureKey: "api.calls", Quantity: 1,
	})
	assert.ErrorIs(t, err, domain.ErrBufferClosed)

	_, err = env.svc.Flush(ctx, domain.TriggerManual)
	assert.ErrorIs(t, err, domain.ErrBufferClosed)

	_, err = env.svc.GetUsage(ctx, tenantRef("t1", "api.calls"))
	assert.ErrorIs(t, err, domain.ErrBufferClosed)
	assert.NotErrorIs(t, err, domain.ErrStorageFatal)

	_, err = env.svc.GetAllUsage(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrBufferClosed)

	_, err = env.svc.ListFlushLogs(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrBufferClosed)

	_, err = env.svc.PurgeSynced(ctx, time.Hour)
	assert.ErrorIs(t, err, domain.ErrBufferClosed)
}

func TestAutoFlushThrottlesThresholdButNotCritical(t *testing.T) {
	authority := newFakeAuthority()
	env := newTestEnv(t, authority, withFlush(func(c *config.FlushConfig) {
		c.AutoFlush = true
		c.MinInterval = time.Hour
	}))
	setLimit(t, env.svc, "t1", "seats", 100)

	track(t, env.svc, "t1", "seats", 85)
	env.svc.bg.Wait()
	assert.Equal(t, 1, authority.callCount())
	assert.Equal(t, int64(85), usage(t, env.svc, "t1", "seats").FlushedUsage)

	track(t, env.svc, "t1", "seats", 1)
	env.svc.bg.Wait()
	assert.Equal(t, 1, authority.callCount(), "second threshold kick inside min interval is throttled")

	track(t, env.svc, "t1", "seats", 10)
	env.svc.bg.Wait()
	require.Equal(t, 2, authority.callCount())
	assert.Equal(t, int64(11), authority.calls[1].Quantity)

	info := usage(t, env.svc, "t1", "seats")
	assert.Equal(t, int64(96), info.FlushedUsage)
	assert.Equal(t, int64(0), info.UnflushedDelta)

	env.clock.Advance(2 * time.Hour)
	setLimit(t, env.svc, "t1", "seats", 120)
	track(t, env.svc, "t1", "seats", 1)
	env.svc.bg.Wait()
	assert.Equal(t, 3, authority.callCount(), "threshold kick allowed again after min interval")
}
