package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func consumeReq(key string, qty int64) domain.ConsumeRequest {
	return domain.ConsumeRequest{
		Scope:          domain.ScopeTenant,
		TenantID:       "t1",
		FeatureKey:     "gl.entries",
		Quantity:       qty,
		IdempotencyKey: key,
	}
}

func TestConsumeAccumulates(t *testing.T) {
	_, client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	res, err := store.Consume(ctx, consumeReq("k1", 5))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NotEmpty(t, res.RemoteEventID)
	assert.Equal(t, int64(5), res.CurrentUsage)

	res, err = store.Consume(ctx, consumeReq("k2", 7))
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.CurrentUsage)

	usage, err := store.QueryUsage(ctx, domain.ScopeTenant, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, []domain.RemoteUsage{{FeatureKey: "gl.entries", CurrentUsage: 12}}, usage)
}

func TestConsumeDuplicateKey(t *testing.T) {
	_, client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	first, err := store.Consume(ctx, consumeReq("k1", 5))
	require.NoError(t, err)

	_, err = store.Consume(ctx, consumeReq("k1", 5))
	require.ErrorIs(t, err, domain.ErrRemoteDuplicate)
	assert.Contains(t, err.Error(), first.RemoteEventID)

	usage, err := store.QueryUsage(ctx, domain.ScopeTenant, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage[0].CurrentUsage)
}

func TestConsumeRejectsOverLimit(t *testing.T) {
	_, client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	require.NoError(t, store.SetLimit(ctx, domain.ScopeTenant, "t1", "", "gl.entries", 10))

	_, err := store.Consume(ctx, consumeReq("k1", 8))
	require.NoError(t, err)

	res, err := store.Consume(ctx, consumeReq("k2", 3))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(8), res.CurrentUsage)

	// a rejected key may be retried once the cap is lifted
	require.NoError(t, store.SetLimit(ctx, domain.ScopeTenant, "t1", "", "gl.entries", -1))
	res, err = store.Consume(ctx, consumeReq("k2", 3))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(11), res.CurrentUsage)
}

func TestScopesAreSeparate(t *testing.T) {
	_, client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	req := consumeReq("k1", 4)
	req.Scope = domain.ScopeSubTenant
	req.SubScopeID = "ws-1"
	_, err := store.Consume(ctx, req)
	require.NoError(t, err)

	tenant, err := store.QueryUsage(ctx, domain.ScopeTenant, "t1", "")
	require.NoError(t, err)
	assert.Empty(t, tenant)

	sub, err := store.QueryUsage(ctx, domain.ScopeSubTenant, "t1", "ws-1")
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, int64(4), sub[0].CurrentUsage)

	require.NoError(t, store.Reset(ctx, domain.ScopeSubTenant, "t1", "ws-1"))
	sub, err = store.QueryUsage(ctx, domain.ScopeSubTenant, "t1", "ws-1")
	require.NoError(t, err)
	assert.Empty(t, sub)
}

func TestConnectionFailureIsTransient(t *testing.T) {
	mr, client := newTestClient(t)
	store := New(client)
	mr.Close()

	_, err := store.Consume(context.Background(), consumeReq("k1", 1))
	assert.ErrorIs(t, err, domain.ErrRemoteTransient)

	_, err = store.QueryUsage(context.Background(), domain.ScopeTenant, "t1", "")
	assert.ErrorIs(t, err, domain.ErrRemoteTransient)
}

func TestLease(t *testing.T) {
	mr, client := newTestClient(t)
	lease := NewLease(client)
	ctx := context.Background()

	token, ok, err := lease.TryAcquire(ctx, FlushLeaseKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lease.TryAcquire(ctx, FlushLeaseKey, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// a stale token must not release someone else's lease
	require.NoError(t, lease.Release(ctx, FlushLeaseKey, "other"))
	assert.True(t, mr.Exists(FlushLeaseKey))

	require.NoError(t, lease.Release(ctx, FlushLeaseKey, token))
	assert.False(t, mr.Exists(FlushLeaseKey))

	_, ok, err = lease.TryAcquire(ctx, FlushLeaseKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(FlushLeaseKey))

	_, _, err = lease.TryAcquire(ctx, "", time.Minute)
	assert.Error(t, err)
}
