// Package domain contains the persistence models and contracts of the local usage buffer.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Scope string

const (
	ScopeTenant    Scope = "TENANT"
	ScopeSubTenant Scope = "SUB_TENANT"
)

func (s Scope) Valid() bool {
	return s == ScopeTenant || s == ScopeSubTenant
}

type EventOutcome string

const (
	OutcomePending   EventOutcome = "pending"
	OutcomeConfirmed EventOutcome = "confirmed"
	OutcomeDuplicate EventOutcome = "duplicate"
	OutcomeRejected  EventOutcome = "rejected"
)

// UsageAggregate is the best-known usage for one bucket.
// FlushedUsage only moves on flush commit or reconciliation; UnflushedDelta
// only grows on Track and shrinks on flush commit.
type UsageAggregate struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Scope           Scope        `gorm:"type:text;not null"`
	TenantID        string       `gorm:"type:text;not null"`
	SubScopeID      string       `gorm:"type:text;not null;default:''"`
	FeatureKey      string       `gorm:"type:text;not null"`
	Period          Period       `gorm:"type:text;not null"`
	PeriodStart     time.Time    `gorm:"not null"`
	PeriodEnd       time.Time    `gorm:"not null"`
	FlushedUsage    int64        `gorm:"not null;default:0"`
	UnflushedDelta  int64        `gorm:"not null;default:0"`
	RejectedUsage   int64        `gorm:"not null;default:0"`
	Limit           int64        `gorm:"column:usage_limit;not null;default:0"`
	IsUnlimited     bool         `gorm:"not null;default:false"`
	FlushAtPercent  float64      `gorm:"not null;default:0"`
	CriticalPercent float64      `gorm:"not null;default:0"`
	RemoteAllowed   bool         `gorm:"not null"`
	// SyncWatermark is the highest event id folded into FlushedUsage by the last
	// reconciliation. Older events no longer count toward UnflushedDelta.
	SyncWatermark   int64        `gorm:"not null;default:0"`
	LastEventAt     *time.Time
	LastFlushAt     *time.Time
	LastSyncAt      *time.Time
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (UsageAggregate) TableName() string { return "usage_aggregates" }

func (a UsageAggregate) Total() int64 {
	return a.FlushedUsage + a.UnflushedDelta
}

// UsageEvent is one immutable Track call. Only the sync bookkeeping columns change after insert.
type UsageEvent struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	Scope          Scope        `gorm:"type:text;not null"`
	TenantID       string       `gorm:"type:text;not null"`
	SubScopeID     string       `gorm:"type:text;not null;default:''"`
	FeatureKey     string       `gorm:"type:text;not null"`
	Period         Period       `gorm:"type:text;not null"`
	PeriodStart    time.Time    `gorm:"not null"`
	Quantity       int64        `gorm:"not null"`
	ActionKey      string       `gorm:"type:text;not null;default:''"`
	IdempotencyKey string       `gorm:"type:text;not null;uniqueIndex"`
	// FlushKey is the representative idempotency key of the flush group that claimed this event.
	FlushKey      *string      `gorm:"type:text"`
	Synced        bool         `gorm:"not null;default:false"`
	Outcome       EventOutcome `gorm:"type:text;not null;default:'pending'"`
	RemoteEventID *string      `gorm:"type:text"`
	CreatedAt     time.Time    `gorm:"not null"`
	SyncedAt      *time.Time
}

func (UsageEvent) TableName() string { return "usage_events" }

func (e UsageEvent) Bucket() BucketKey {
	return BucketKey{
		Scope:      e.Scope,
		TenantID:   e.TenantID,
		SubScopeID: e.SubScopeID,
		FeatureKey: e.FeatureKey,
	}
}

// FlushLogEntry audits one flush attempt. Never read by the hot path.
type FlushLogEntry struct {
	ID                snowflake.ID                `gorm:"primaryKey" json:"id"`
	Trigger           FlushTrigger                `gorm:"type:text;not null" json:"trigger"`
	EventsFlushed     int                         `gorm:"not null;default:0" json:"events_flushed"`
	AggregatesUpdated int                         `gorm:"not null;default:0" json:"aggregates_updated"`
	EventsRejected    int                         `gorm:"not null;default:0" json:"events_rejected"`
	DurationMs        int64                       `gorm:"not null;default:0" json:"duration_ms"`
	Success           bool                        `gorm:"not null" json:"success"`
	Errors            datatypes.JSONSlice[string] `gorm:"type:text" json:"errors,omitempty"`
	CreatedAt         time.Time                   `gorm:"not null" json:"created_at"`
}

func (FlushLogEntry) TableName() string { return "flush_logs" }

// BucketKey identifies a bucket independent of its period window.
type BucketKey struct {
	Scope      Scope
	TenantID   string
	SubScopeID string
	FeatureKey string
}
