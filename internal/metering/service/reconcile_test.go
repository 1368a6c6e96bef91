package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

func TestSyncOverwritesBaselineAndDiscardsDelta(t *testing.T) {
	authority := newFakeAuthority()
	env := newTestEnv(t, authority)
	ctx := context.Background()

	setLimit(t, env.svc, "t1", "gl.entries", 100)
	track(t, env.svc, "t1", "gl.entries", 7)
	_, err := env.svc.Flush(ctx, domain.TriggerManual)
	require.NoError(t, err)
	track(t, env.svc, "t1", "gl.entries", 5)

	before := usage(t, env.svc, "t1", "gl.entries")
	require.Equal(t, int64(7), before.FlushedUsage)
	require.Equal(t, int64(5), before.UnflushedDelta)

	authority.set(func(f *fakeAuthority) {
		f.remote = []domain.RemoteUsage{{FeatureKey: "gl.entries", CurrentUsage: 40}}
	})
	require.NoError(t, env.svc.SyncFromAuthoritative(ctx, domain.ScopeTenant, "t1", ""))

	after := usage(t, env.svc, "t1", "gl.entries")
	assert.Equal(t, int64(40), after.FlushedUsage)
	assert.Equal(t, int64(0), after.UnflushedDelta)
	assert.Equal(t, int64(40), after.Total)
	assert.Equal(t, int64(100), after.Limit, "limits are not touched by sync")
	require.NotNil(t, after.LastSyncAt)

	require.NoError(t, env.svc.SyncFromAuthoritative(ctx, domain.ScopeTenant, "t1", ""))
	again := usage(t, env.svc, "t1", "gl.entries")
	assert.Equal(t, after.FlushedUsage, again.FlushedUsage)
	assert.Equal(t, after.UnflushedDelta, again.UnflushedDelta)
}

func TestSyncCreatesMissingBuckets(t *testing.T) {
	authority := newFakeAuthority()
	authority.remote = []domain.RemoteUsage{
		{FeatureKey: "invoices", CurrentUsage: 12},
		{FeatureKey: "", CurrentUsage: 99},
	}
	env := newTestEnv(t, authority)

	require.NoError(t, env.svc.SyncFromAuthoritative(context.Background(), domain.ScopeSubTenant, "t1", "ws-1"))

	info, err := env.svc.GetUsage(context.Background(), domain.BucketRef{
		Scope: domain.ScopeSubTenant, TenantID: "t1", SubScopeID: "ws-1", FeatureKey: "invoices",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.FlushedUsage)
	assert.Equal(t, int64(1), countRows(t, env.db, &domain.UsageAggregate{}, ""))
}

func TestSyncIntoNewPeriodKeepsLimits(t *testing.T) {
	authority := newFakeAuthority()
	env := newTestEnv(t, authority)
	ctx := context.Background()

	setLimit(t, env.svc, "t1", "invoices", 20)
	env.clock.Set(time.Date(2026, time.November, 1, 0, 0, 5, 0, time.UTC))

	authority.set(func(f *fakeAuthority) {
		f.remote = []domain.RemoteUsage{{FeatureKey: "invoices", CurrentUsage: 18}}
	})
	require.NoError(t, env.svc.SyncFromAuthoritative(ctx, domain.ScopeTenant, "t1", ""))

	info := usage(t, env.svc, "t1", "invoices")
	assert.Equal(t, int64(18), info.Total)
	assert.Equal(t, int64(20), info.Limit)
	assert.InDelta(t, 90.0, info.UsagePercent, 1e-9)
	assert.True(t, info.NeedsFlush)
}

func TestFlushAfterSyncKeepsDeltaExact(t *testing.T) {
	authority := newFakeAuthority()
	env := newTestEnv(t, authority)
	ctx := context.Background()

	track(t, env.svc, "t1", "gl.entries", 5)
	authority.set(func(f *fakeAuthority) {
		f.remote = []domain.RemoteUsage{{FeatureKey: "gl.entries", CurrentUsage: 40}}
	})
	require.NoError(t, env.svc.SyncFromAuthoritative(ctx, domain.ScopeTenant, "t1", ""))
	track(t, env.svc, "t1", "gl.entries", 2)

	info := usage(t, env.svc, "t1", "gl.entries")
	require.Equal(t, int64(42), info.Total)

	result, err := env.svc.Flush(ctx, domain.TriggerManual)
	require.NoError(t, err)
	require.True(t, result.Success)

	info = usage(t, env.svc, "t1", "gl.entries")
	assert.Equal(t, int64(47), info.FlushedUsage, "pending event still reaches the authority")
	assert.Equal(t, int64(0), info.UnflushedDelta)
}

func TestSyncPropagatesRemoteErrors(t *testing.T) {
	authority := newFakeAuthority()
	authority.queryErr = errors.Join(domain.ErrRemoteTransient, errors.New("connection refused"))
	env := newTestEnv(t, authority)

	err := env.svc.SyncFromAuthoritative(context.Background(), domain.ScopeTenant, "t1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemoteTransient)
	assert.NotErrorIs(t, err, domain.ErrStorageFatal)
}

func TestSyncValidation(t *testing.T) {
	env := newTestEnv(t, newFakeAuthority())
	ctx := context.Background()

	assert.ErrorIs(t, env.svc.SyncFromAuthoritative(ctx, "ORG", "t1", ""), domain.ErrInvalidScope)
	assert.ErrorIs(t, env.svc.SyncFromAuthoritative(ctx, domain.ScopeSubTenant, "t1", ""), domain.ErrInvalidSubScope)

	env = newTestEnv(t, nil)
	assert.ErrorIs(t, env.svc.SyncFromAuthoritative(ctx, domain.ScopeTenant, "t1", ""), domain.ErrAuthorityRequired)
}
