package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
	"github.com/smallbiznis/usagebuffer/internal/migration"
	"github.com/smallbiznis/usagebuffer/internal/observability/metrics"
	"github.com/smallbiznis/usagebuffer/internal/scheduler"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 30 * time.Second
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "usagebuffer",
		Short:         "Local usage-metering buffer in front of an authoritative usage store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newRunCmd(),
		newMigrateCmd(),
		newTrackCmd(),
		newUsageCmd(),
		newLimitsCmd(),
		newFlushCmd(),
		newSyncCmd(),
		newGCCmd(),
		newFlushLogCmd(),
	)
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the buffer with its flush scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(bufferModules(), scheduler.Module)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and import the legacy counter table",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(storeModules(), fx.NopLogger)
			if err := startStop(cmd.Context(), app); err != nil {
				return err
			}
			version, checksum, err := migration.SchemaFingerprint()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"schema_version":  version,
				"schema_checksum": checksum,
			})
		},
	}
}

type scopeFlags struct {
	scope  string
	tenant string
	sub    string
}

func (f *scopeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.scope, "scope", string(domain.ScopeTenant), "TENANT or SUB_TENANT")
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.sub, "sub", "", "sub-scope id (SUB_TENANT only)")
	_ = cmd.MarkFlagRequired("tenant")
}

func (f *scopeFlags) value() domain.Scope {
	return domain.Scope(strings.ToUpper(strings.TrimSpace(f.scope)))
}

func newTrackCmd() *cobra.Command {
	var (
		scope    scopeFlags
		feature  string
		quantity int64
		action   string
	)
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record usage locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuffer(cmd, func(ctx context.Context, svc domain.Service) (any, error) {
				return svc.Track(ctx, domain.TrackRequest{
					Scope:      scope.value(),
					TenantID:   scope.tenant,
					SubScopeID: scope.sub,
					FeatureKey: feature,
					Quantity:   quantity,
					ActionKey:  action,
				})
			})
		},
	}
	scope.bind(cmd)
	cmd.Flags().StringVar(&feature, "feature", "", "feature key")
	cmd.Flags().Int64Var(&quantity, "qty", 1, "quantity, may be negative")
	cmd.Flags().StringVar(&action, "action", "", "optional action key")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func newUsageCmd() *cobra.Command {
	var (
		scope   scopeFlags
		feature string
		period  string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show usage for one bucket, or every current bucket of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuffer(cmd, func(ctx context.Context, svc domain.Service) (any, error) {
				if feature == "" {
					return svc.GetAllUsage(ctx, scope.tenant)
				}
				return svc.GetUsage(ctx, domain.BucketRef{
					Scope:      scope.value(),
					TenantID:   scope.tenant,
					SubScopeID: scope.sub,
					FeatureKey: feature,
					Period:     domain.Period(strings.ToUpper(period)),
				})
			})
		},
	}
	scope.bind(cmd)
	cmd.Flags().StringVar(&feature, "feature", "", "feature key; empty lists all")
	cmd.Flags().StringVar(&period, "period", "", "period override (DAILY, WEEKLY, MONTHLY, YEARLY, LIFETIME)")
	return cmd
}

func newLimitsCmd() *cobra.Command {
	var (
		scope     scopeFlags
		feature   string
		period    string
		limit     int64
		unlimited bool
		flushAt   float64
		critical  float64
	)
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Set the limit and thresholds of a bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.SetLimitsRequest{
				BucketRef: domain.BucketRef{
					Scope:      scope.value(),
					TenantID:   scope.tenant,
					SubScopeID: scope.sub,
					FeatureKey: feature,
					Period:     domain.Period(strings.ToUpper(period)),
				},
				Limit: limit,
			}
			if cmd.Flags().Changed("unlimited") {
				req.IsUnlimited = &unlimited
			}
			if cmd.Flags().Changed("flush-at") {
				req.FlushAtPercent = &flushAt
			}
			if cmd.Flags().Changed("critical") {
				req.CriticalPercent = &critical
			}
			return withBuffer(cmd, func(ctx context.Context, svc domain.Service) (any, error) {
				if err := svc.SetLimits(ctx, req); err != nil {
					return nil, err
				}
				return svc.GetUsage(ctx, req.BucketRef)
			})
		},
	}
	scope.bind(cmd)
	cmd.Flags().StringVar(&feature, "feature", "", "feature key")
	cmd.Flags().StringVar(&period, "period", "", "period override")
	cmd.Flags().Int64Var(&limit, "limit", 0, "usage limit")
	cmd.Flags().BoolVar(&unlimited, "unlimited", false, "mark the bucket unlimited")
	cmd.Flags().Float64Var(&flushAt, "flush-at", 0, "flush threshold percent")
	cmd.Flags().Float64Var(&critical, "critical", 0, "critical threshold percent")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func newFlushCmd() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Push unsynced events to the authoritative store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuffer(cmd, func(ctx context.Context, svc domain.Service) (any, error) {
				return svc.Flush(ctx, domain.FlushTrigger(strings.ToUpper(trigger)))
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", string(domain.TriggerManual), "trigger recorded in the flush log")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reset local baselines from the authoritative store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuffer(cmd, func(ctx context.Context, svc domain.Service) (any, error) {
				if err := svc.SyncFromAuthoritative(ctx, scope.value(), scope.tenant, scope.sub); err != nil {
					return nil, err
				}
				return svc.GetAllUsage(ctx, scope.tenant)
			})
		},
	}
	scope.bind(cmd)
	return cmd
}

func newGCCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Purge synced events past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuffer(cmd, func(ctx context.Context, svc domain.Service) (any, error) {
				deleted, err := svc.PurgeSynced(ctx, olderThan)
				if err != nil {
					return nil, err
				}
				return map[string]int64{"deleted": deleted}, nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window; 0 uses EVENT_RETENTION")
	return cmd
}

func newFlushLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "flush-log",
		Short: "Show recent flush runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuffer(cmd, func(ctx context.Context, svc domain.Service) (any, error) {
				return svc.ListFlushLogs(ctx, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

// withBuffer starts the buffer graph for one command, prints fn's result as
// JSON and pushes the run's metrics when a Pushgateway is configured.
func withBuffer(cmd *cobra.Command, fn func(context.Context, domain.Service) (any, error)) error {
	var (
		svc domain.Service
		cfg config.Config
		m   *metrics.BufferMetrics
		log *zap.Logger
	)
	app := fx.New(bufferModules(), fx.NopLogger, fx.Populate(&svc, &cfg, &m, &log))
	if err := app.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	out, err := fn(ctx, svc)
	if err != nil {
		return err
	}

	if cfg.Telemetry.PushgatewayURL != "" {
		labels := map[string]string{"command": cmd.Name(), "env": cfg.Environment}
		if err := m.Push(ctx, cfg.Telemetry.PushgatewayURL, cfg.AppName, labels); err != nil {
			log.Warn("metrics push failed", zap.Error(err))
		}
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func startStop(parent context.Context, app *fx.App) error {
	if err := app.Err(); err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	startCtx, cancel := context.WithTimeout(parent, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), stopTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
