package main

import (
	"os"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/usagebuffer/internal/authority"
	"github.com/smallbiznis/usagebuffer/internal/clock"
	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/feature"
	"github.com/smallbiznis/usagebuffer/internal/metering"
	"github.com/smallbiznis/usagebuffer/internal/migration"
	"github.com/smallbiznis/usagebuffer/internal/observability"
	"github.com/smallbiznis/usagebuffer/pkg/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// storeModules opens and migrates the local store.
func storeModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
	)
}

// bufferModules wires the full buffer on top of the store.
func bufferModules() fx.Option {
	return fx.Options(
		storeModules(),
		feature.Module,
		authority.Module,
		metering.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
