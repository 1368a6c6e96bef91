package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// BucketWindow addresses one aggregate row.
type BucketWindow struct {
	BucketKey
	Period      Period
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// LimitsUpdate carries bucket metadata. Nil pointers keep the stored value.
type LimitsUpdate struct {
	Limit           int64
	IsUnlimited     *bool
	FlushAtPercent  *float64
	CriticalPercent *float64
}

// CounterMove is the effect of one committed flush group on its bucket.
// Quantity is what the authority saw; Delta is the part still counted in the
// unflushed delta, which excludes events a reconciliation already absorbed.
type CounterMove struct {
	Quantity int64
	Delta    int64
}

// Repository is the only writer of the aggregate and event tables.
type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *UsageEvent) error
	IncrementAggregate(ctx context.Context, db *gorm.DB, id snowflake.ID, bucket BucketWindow, quantity int64, at time.Time) error
	UpsertLimits(ctx context.Context, db *gorm.DB, id snowflake.ID, bucket BucketWindow, limits LimitsUpdate, at time.Time) error
	FindAggregate(ctx context.Context, db *gorm.DB, bucket BucketWindow) (*UsageAggregate, error)
	ListCurrentAggregates(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) ([]UsageAggregate, error)

	ListUnsynced(ctx context.Context, db *gorm.DB, limit int) ([]UsageEvent, error)
	ListClaimed(ctx context.Context, db *gorm.DB, flushKeys []string) ([]UsageEvent, error)
	ClaimEvents(ctx context.Context, db *gorm.DB, ids []snowflake.ID, flushKey string) error
	MarkSynced(ctx context.Context, db *gorm.DB, ids []snowflake.ID, outcome EventOutcome, remoteEventID *string, at time.Time) (int64, error)
	ApplyFlush(ctx context.Context, db *gorm.DB, bucket BucketWindow, move CounterMove, at time.Time) error
	ApplyRejection(ctx context.Context, db *gorm.DB, bucket BucketWindow, move CounterMove, at time.Time) error
	OverwriteBaseline(ctx context.Context, db *gorm.DB, id snowflake.ID, bucket BucketWindow, flushed int64, at time.Time) error
	PurgeSynced(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
