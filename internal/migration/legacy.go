package migration

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

const (
	legacyTable        = "usage_counters"
	legacyRenamedTable = "usage_counters_legacy"
)

type legacyCounter struct {
	TenantID    string
	FeatureKey  string
	Used        int64
	LimitValue  int64
	PeriodStart time.Time
	UpdatedAt   time.Time
}

// ImportLegacyLayout moves rows of the flat usage_counters table into MONTHLY
// TENANT buckets and renames the old table. Guarded by a buffer_state marker,
// so running it again is a no-op. Returns the number of buckets created.
func ImportLegacyLayout(ctx context.Context, db *gorm.DB, node *snowflake.Node, now time.Time) (int, error) {
	if db == nil || node == nil {
		return 0, fmt.Errorf("legacy import requires database and id generator")
	}

	imported := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, done, err := readState(tx, stateLegacyImport); err != nil || done {
			return err
		}

		if !tx.Migrator().HasTable(legacyTable) {
			return writeState(tx, stateLegacyImport, "absent", now)
		}

		var rows []legacyCounter
		if err := tx.Table(legacyTable).
			Select("tenant_id, feature_key, used, limit_value, period_start, updated_at").
			Order("tenant_id, feature_key, period_start").
			Scan(&rows).Error; err != nil {
			return fmt.Errorf("read legacy counters: %w", err)
		}

		for _, row := range rows {
			start, end := domain.PeriodMonthly.Window(row.PeriodStart)
			agg := domain.UsageAggregate{
				ID:            node.Generate(),
				Scope:         domain.ScopeTenant,
				TenantID:      row.TenantID,
				FeatureKey:    row.FeatureKey,
				Period:        domain.PeriodMonthly,
				PeriodStart:   start,
				PeriodEnd:     end,
				FlushedUsage:  row.Used,
				Limit:         row.LimitValue,
				IsUnlimited:   row.LimitValue < 0,
				RemoteAllowed: true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if agg.IsUnlimited {
				agg.Limit = 0
			}
			if !row.UpdatedAt.IsZero() {
				synced := row.UpdatedAt.UTC()
				agg.LastSyncAt = &synced
			}

			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&agg)
			if res.Error != nil {
				return fmt.Errorf("import legacy counter %s/%s: %w", row.TenantID, row.FeatureKey, res.Error)
			}
			imported += int(res.RowsAffected)
		}

		if err := tx.Migrator().RenameTable(legacyTable, legacyRenamedTable); err != nil {
			return fmt.Errorf("rename legacy table: %w", err)
		}

		return writeState(tx, stateLegacyImport, strconv.Itoa(imported), now)
	})
	if err != nil {
		return 0, err
	}
	return imported, nil
}
