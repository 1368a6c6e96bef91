package domain

import (
	"context"
	"time"
)

// UsageInfo is the single read model exposed to application code.
type UsageInfo struct {
	Scope           Scope         `json:"scope"`
	TenantID        string        `json:"tenant_id"`
	SubScopeID      string        `json:"sub_scope_id,omitempty"`
	FeatureKey      string        `json:"feature_key"`
	Period          Period        `json:"period"`
	PeriodStart     time.Time     `json:"period_start"`
	PeriodEnd       time.Time     `json:"period_end"`
	FlushedUsage    int64         `json:"flushed_usage"`
	UnflushedDelta  int64         `json:"unflushed_delta"`
	Total           int64         `json:"total"`
	RejectedUsage   int64         `json:"rejected_usage"`
	Limit           int64         `json:"limit"`
	IsUnlimited     bool          `json:"is_unlimited"`
	UsagePercent    float64       `json:"usage_percent"`
	FlushAtPercent  float64       `json:"flush_at_percent"`
	CriticalPercent float64       `json:"critical_percent"`
	NeedsFlush      bool          `json:"needs_flush"`
	FlushTrigger    FlushTrigger  `json:"flush_trigger"`
	FlushPriority   FlushPriority `json:"flush_priority"`
	RemoteAllowed   bool          `json:"remote_allowed"`
	LastEventAt     *time.Time    `json:"last_event_at,omitempty"`
	LastSyncAt      *time.Time    `json:"last_sync_at,omitempty"`
	LastFlushAt     *time.Time    `json:"last_flush_at,omitempty"`
}

// BucketRef addresses a bucket. An empty Period resolves through the feature registry.
type BucketRef struct {
	Scope      Scope  `json:"scope"`
	TenantID   string `json:"tenant_id"`
	SubScopeID string `json:"sub_scope_id,omitempty"`
	FeatureKey string `json:"feature_key"`
	Period     Period `json:"period,omitempty"`
}

type TrackRequest struct {
	Scope      Scope  `json:"scope"`
	TenantID   string `json:"tenant_id"`
	SubScopeID string `json:"sub_scope_id,omitempty"`
	FeatureKey string `json:"feature_key"`
	Quantity   int64  `json:"quantity"`
	ActionKey  string `json:"action_key,omitempty"`
}

func (r TrackRequest) Ref() BucketRef {
	return BucketRef{
		Scope:      r.Scope,
		TenantID:   r.TenantID,
		SubScopeID: r.SubScopeID,
		FeatureKey: r.FeatureKey,
	}
}

type SetLimitsRequest struct {
	BucketRef
	Limit           int64    `json:"limit"`
	IsUnlimited     *bool    `json:"is_unlimited,omitempty"`
	FlushAtPercent  *float64 `json:"flush_at_percent,omitempty"`
	CriticalPercent *float64 `json:"critical_percent,omitempty"`
}

type FlushResult struct {
	Trigger           FlushTrigger `json:"trigger"`
	Success           bool         `json:"success"`
	EventsFlushed     int          `json:"events_flushed"`
	EventsRejected    int          `json:"events_rejected"`
	AggregatesUpdated int          `json:"aggregates_updated"`
	DurationMs        int64        `json:"duration_ms"`
	Errors            []string     `json:"errors,omitempty"`
}

// Service is the local usage buffer.
type Service interface {
	Track(context.Context, TrackRequest) (UsageInfo, error)
	GetUsage(context.Context, BucketRef) (UsageInfo, error)
	SetLimits(context.Context, SetLimitsRequest) error
	GetAllUsage(ctx context.Context, tenantID string) ([]UsageInfo, error)
	Flush(ctx context.Context, trigger FlushTrigger) (FlushResult, error)
	SyncFromAuthoritative(ctx context.Context, scope Scope, tenantID, subScopeID string) error
	PurgeSynced(ctx context.Context, olderThan time.Duration) (int64, error)
	ListFlushLogs(ctx context.Context, limit int) ([]FlushLogEntry, error)
	Close() error
}

type ConsumeRequest struct {
	Scope          Scope  `json:"scope"`
	TenantID       string `json:"tenant_id"`
	SubScopeID     string `json:"sub_scope_id,omitempty"`
	FeatureKey     string `json:"feature_key"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ConsumeResult struct {
	Allowed       bool   `json:"allowed"`
	RemoteEventID string `json:"remote_event_id,omitempty"`
	CurrentUsage  int64  `json:"current_usage"`
}

type RemoteUsage struct {
	FeatureKey   string `json:"feature_key"`
	CurrentUsage int64  `json:"current_usage"`
}

// Authority is the authoritative remote usage store. Consume must be idempotent
// on IdempotencyKey and report an already applied key as ErrRemoteDuplicate.
// Failures map onto ErrRemoteTransient, ErrRemoteDuplicate or ErrRemoteRejected.
type Authority interface {
	Consume(context.Context, ConsumeRequest) (ConsumeResult, error)
	QueryUsage(ctx context.Context, scope Scope, tenantID, subScopeID string) ([]RemoteUsage, error)
}

type MeteringType string

const (
	MeteringNone  MeteringType = "none"
	MeteringCount MeteringType = "count"
	MeteringSum   MeteringType = "sum"
)

type Aggregation string

const (
	AggregationSum   Aggregation = "sum"
	AggregationCount Aggregation = "count"
	AggregationMax   Aggregation = "max"
)

type FeatureConfig struct {
	Key          string          `json:"key" mapstructure:"key"`
	MeteringType MeteringType    `json:"metering_type" mapstructure:"metering_type"`
	Aggregation  Aggregation     `json:"aggregation" mapstructure:"aggregation"`
	Period       Period          `json:"period" mapstructure:"period"`
	Trigger      TriggerOverride `json:"trigger" mapstructure:"trigger"`
}

// FeatureRegistry supplies per-feature metering metadata.
type FeatureRegistry interface {
	Feature(key string) (FeatureConfig, bool)
	Features() []FeatureConfig
	Defaults() TriggerConfig
}
