package db

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormprom "gorm.io/plugin/prometheus"

	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/observability/logger"
)

var Module = fx.Module("db",
	fx.Provide(NewDB),
)

// Options configures the embedded store.
type Options struct {
	Path           string
	BusyTimeout    time.Duration
	MaxOpenConns   int
	SlowThreshold  time.Duration
	MetricsEnabled bool
	TracerProvider trace.TracerProvider
}

// DSN builds the sqlite3 DSN. Writers take the lock at BEGIN so concurrent
// transactions queue on busy_timeout instead of failing on upgrade.
func DSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	q.Set("_txlock", "immediate")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}

// Open opens the local store at opts.Path.
func Open(opts Options, log *zap.Logger) (*gorm.DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path not configured")
	}
	if log == nil {
		log = zap.NewNop()
	}

	gcfg := logger.DefaultGormLoggerConfig()
	if opts.SlowThreshold > 0 {
		gcfg.SlowThreshold = opts.SlowThreshold
	}

	db, err := gorm.Open(sqlite.Open(DSN(opts.Path, opts.BusyTimeout)), &gorm.Config{
		Logger:                 logger.NewGormLogger(log, gcfg).LogMode(gormlogger.Warn),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if opts.TracerProvider != nil {
		if err := db.Use(otelgorm.NewPlugin(
			otelgorm.WithDBName("usagebuffer"),
			otelgorm.WithTracerProvider(opts.TracerProvider),
		)); err != nil {
			return nil, fmt.Errorf("register otelgorm: %w", err)
		}
	}

	if opts.MetricsEnabled {
		if err := db.Use(gormprom.New(gormprom.Config{
			DBName:          "usagebuffer",
			RefreshInterval: 15,
			StartServer:     false,
		})); err != nil {
			return nil, fmt.Errorf("register gorm prometheus: %w", err)
		}
	}

	return db, nil
}

type Params struct {
	fx.In

	Lifecycle      fx.Lifecycle
	Config         config.Config
	Log            *zap.Logger
	TracerProvider *sdktrace.TracerProvider `optional:"true"`
}

// NewDB opens the store for the fx graph and closes it on stop.
func NewDB(p Params) (*gorm.DB, error) {
	opts := Options{
		Path:           p.Config.DB.Path,
		BusyTimeout:    p.Config.DB.BusyTimeout,
		MaxOpenConns:   4,
		SlowThreshold:  p.Config.DB.SlowThreshold,
		MetricsEnabled: p.Config.DB.MetricsEnabled,
	}
	if p.Config.Telemetry.OtelEnabled && p.TracerProvider != nil {
		opts.TracerProvider = p.TracerProvider
	}

	db, err := Open(opts, p.Log)
	if err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	p.Log.Info("local store opened", zap.String("path", opts.Path))
	return db, nil
}
