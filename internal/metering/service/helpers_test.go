package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/usagebuffer/internal/clock"
	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
	"github.com/smallbiznis/usagebuffer/internal/migration"
	"github.com/smallbiznis/usagebuffer/internal/observability/metrics"
	"github.com/smallbiznis/usagebuffer/pkg/db"
)

var testStart = time.Date(2026, time.October, 16, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	svc   *Service
	db    *gorm.DB
	clock *clock.FakeClock
}

type envOption func(*config.Config, *ServiceParam)

func withFlush(fn func(*config.FlushConfig)) envOption {
	return func(cfg *config.Config, _ *ServiceParam) { fn(&cfg.Flush) }
}

func withRegistry(r domain.FeatureRegistry) envOption {
	return func(_ *config.Config, p *ServiceParam) { p.Registry = r }
}

func newTestEnv(t *testing.T, authority domain.Authority, opts ...envOption) *testEnv {
	t.Helper()

	conn, err := db.Open(db.Options{Path: filepath.Join(t.TempDir(), "buffer.db"), MaxOpenConns: 4}, zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	require.NoError(t, migration.RunMigrations(sqlDB))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(testStart)
	cfg := config.Config{
		Flush: config.FlushConfig{
			DefaultInterval: 4 * time.Hour,
			MinInterval:     5 * time.Minute,
			MaxInterval:     24 * time.Hour,
			FlushAtPercent:  80,
			CriticalPercent: 95,
			BatchSize:       500,
			RemoteTimeout:   time.Second,
			Retention:       24 * time.Hour,
		},
	}
	param := ServiceParam{
		DB:        conn,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Authority: authority,
		Metrics:   metrics.New(metrics.Config{ServiceName: "usagebuffer-test"}),
	}
	for _, opt := range opts {
		opt(&cfg, &param)
	}
	param.Config = cfg

	svc := NewService(param)
	t.Cleanup(func() { _ = svc.Close() })

	return &testEnv{svc: svc, db: conn, clock: clk}
}

func tenantRef(tenant, feature string) domain.BucketRef {
	return domain.BucketRef{Scope: domain.ScopeTenant, TenantID: tenant, FeatureKey: feature}
}

func track(t *testing.T, svc *Service, tenant, feature string, qty int64) domain.UsageInfo {
	t.Helper()
	info, err := svc.Track(context.Background(), domain.TrackRequest{
		Scope:      domain.ScopeTenant,
		TenantID:   tenant,
		FeatureKey: feature,
		Quantity:   qty,
	})
	require.NoError(t, err)
	return info
}

func usage(t *testing.T, svc *Service, tenant, feature string) domain.UsageInfo {
	t.Helper()
	info, err := svc.GetUsage(context.Background(), tenantRef(tenant, feature))
	require.NoError(t, err)
	return info
}

func countRows(t *testing.T, conn *gorm.DB, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	stmt := conn.Model(model)
	if where != "" {
		stmt = stmt.Where(where, args...)
	}
	require.NoError(t, stmt.Count(&n).Error)
	return n
}

// fakeAuthority is an in-memory authoritative store that dedups by key.
type fakeAuthority struct {
	mu       sync.Mutex
	applied  map[string]int64
	totals   map[string]int64
	calls    []domain.ConsumeRequest
	failures map[string]error
	rejects  map[string]bool
	// applyThenFail applies the consumption and still reports a transient failure.
	applyThenFail bool
	remote        []domain.RemoteUsage
	queryErr      error
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		applied:  make(map[string]int64),
		totals:   make(map[string]int64),
		failures: make(map[string]error),
		rejects:  make(map[string]bool),
	}
}

func totalKey(scope domain.Scope, tenant, sub, feature string) string {
	return fmt.Sprintf("%s|%s|%s|%s", scope, tenant, sub, feature)
}

func (f *fakeAuthority) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)
	if err, ok := f.failures[req.FeatureKey]; ok {
		return domain.ConsumeResult{}, err
	}
	if _, ok := f.applied[req.IdempotencyKey]; ok {
		return domain.ConsumeResult{}, domain.ErrRemoteDuplicate
	}
	if f.rejects[req.FeatureKey] {
		return domain.ConsumeResult{Allowed: false}, nil
	}

	key := totalKey(req.Scope, req.TenantID, req.SubScopeID, req.FeatureKey)
	f.applied[req.IdempotencyKey] = req.Quantity
	f.totals[key] += req.Quantity
	if f.applyThenFail {
		return domain.ConsumeResult{}, fmt.Errorf("%w: response lost", domain.ErrRemoteTransient)
	}
	return domain.ConsumeResult{Allowed: true, RemoteEventID: "rem_" + req.IdempotencyKey, CurrentUsage: f.totals[key]}, nil
}

func (f *fakeAuthority) QueryUsage(ctx context.Context, scope domain.Scope, tenantID, subScopeID string) ([]domain.RemoteUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return append([]domain.RemoteUsage(nil), f.remote...), nil
}

func (f *fakeAuthority) total(tenant, feature string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals[totalKey(domain.ScopeTenant, tenant, "", feature)]
}

func (f *fakeAuthority) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAuthority) set(fn func(*fakeAuthority)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type authorityMock struct {
	mock.Mock
}

func (m *authorityMock) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.ConsumeResult), args.Error(1)
}

func (m *authorityMock) QueryUsage(ctx context.Context, scope domain.Scope, tenantID, subScopeID string) ([]domain.RemoteUsage, error) {
	args := m.Called(ctx, scope, tenantID, subScopeID)
	usage, _ := args.Get(0).([]domain.RemoteUsage)
	return usage, args.Error(1)
}

type staticRegistry struct {
	features map[string]domain.FeatureConfig
	defaults domain.TriggerConfig
}

func (r staticRegistry) Feature(key string) (domain.FeatureConfig, bool) {
	fc, ok := r.features[key]
	return fc, ok
}

func (r staticRegistry) Features() []domain.FeatureConfig {
	out := make([]domain.FeatureConfig, 0, len(r.features))
	for _, fc := range r.features {
		out = append(out, fc)
	}
	return out
}

func (r staticRegistry) Defaults() domain.TriggerConfig { return r.defaults }
