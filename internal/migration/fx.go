package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/usagebuffer/internal/clock"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply brings the local store to the current schema and imports any legacy layout.
func Apply(conn *gorm.DB, node *snowflake.Node, clk clock.Clock, log *zap.Logger) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}

	if err := RunMigrations(sqlDB); err != nil {
		return err
	}

	now := clk.Now()
	if err := RecordSchemaState(conn, now); err != nil {
		return err
	}

	imported, err := ImportLegacyLayout(context.Background(), conn, node, now)
	if err != nil {
		return err
	}
	if imported > 0 {
		log.Info("imported legacy usage counters", zap.Int("buckets", imported))
	}
	return nil
}
