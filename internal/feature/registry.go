// Package feature loads per-feature metering settings from features.yml and
// keeps them current while the file changes.
package feature

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
	"github.com/smallbiznis/usagebuffer/internal/metering/policy"
)

type fileConfig struct {
	Defaults domain.TriggerOverride `mapstructure:"defaults"`
	Features []domain.FeatureConfig `mapstructure:"features"`
}

type snapshot struct {
	defaults domain.TriggerConfig
	byKey    map[string]domain.FeatureConfig
	ordered  []domain.FeatureConfig
}

// Registry implements domain.FeatureRegistry on top of a viper-backed file.
type Registry struct {
	v       *viper.Viper
	base    domain.TriggerConfig
	log     *zap.Logger
	current atomic.Value // holds snapshot
	mu      sync.Mutex
}

// DefaultsFromConfig turns the flush env settings into trigger defaults.
func DefaultsFromConfig(cfg config.Config) domain.TriggerConfig {
	return domain.TriggerConfig{
		FlushAtPercent:  cfg.Flush.FlushAtPercent,
		CriticalPercent: cfg.Flush.CriticalPercent,
		IntervalMs:      cfg.Flush.DefaultInterval.Milliseconds(),
	}
}

// NewRegistry loads the configured file and watches it for changes.
func NewRegistry(cfg config.Config, log *zap.Logger) (*Registry, error) {
	r, err := Load(cfg.FeaturesFile, DefaultsFromConfig(cfg), log)
	if err != nil {
		return nil, err
	}
	r.Watch()
	return r, nil
}

// Load reads path, or searches the standard locations when path is empty.
// A missing file in the search locations leaves only the defaults.
func Load(path string, base domain.TriggerConfig, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigType("yml")
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("features")
		v.AddConfigPath("/etc/usagebuffer")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("USAGEBUFFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	r := &Registry{v: v, base: base, log: log.Named("feature.registry")}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read feature registry: %w", err)
		}
	}

	snap, err := r.parse()
	if err != nil {
		return nil, err
	}
	r.current.Store(snap)
	return r, nil
}

// Watch reloads the registry whenever the file changes. It is a no-op when
// no file was found.
func (r *Registry) Watch() {
	if r.v.ConfigFileUsed() == "" {
		return
	}
	r.v.OnConfigChange(func(e fsnotify.Event) {
		if err := r.Reload(); err != nil {
			r.log.Warn("feature registry reload failed, keeping previous", zap.String("file", e.Name), zap.Error(err))
			return
		}
		r.log.Info("feature registry reloaded", zap.String("file", e.Name))
	})
	r.v.WatchConfig()
}

// Reload re-reads the file. An invalid file leaves the previous snapshot.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.v.ConfigFileUsed() != "" {
		if err := r.v.ReadInConfig(); err != nil {
			return err
		}
	}
	snap, err := r.parse()
	if err != nil {
		return err
	}
	r.current.Store(snap)
	return nil
}

func (r *Registry) Feature(key string) (domain.FeatureConfig, bool) {
	fc, ok := r.load().byKey[strings.TrimSpace(key)]
	return fc, ok
}

func (r *Registry) Features() []domain.FeatureConfig {
	ordered := r.load().ordered
	out := make([]domain.FeatureConfig, len(ordered))
	copy(out, ordered)
	return out
}

func (r *Registry) Defaults() domain.TriggerConfig {
	return r.load().defaults
}

func (r *Registry) load() snapshot {
	return r.current.Load().(snapshot)
}

func (r *Registry) parse() (snapshot, error) {
	var fc fileConfig
	if err := r.v.Unmarshal(&fc); err != nil {
		return snapshot{}, fmt.Errorf("decode feature registry: %w", err)
	}

	defaults := policy.EffectiveConfig(r.base, fc.Defaults)
	if err := validateTrigger(defaults); err != nil {
		return snapshot{}, fmt.Errorf("defaults: %w", err)
	}

	snap := snapshot{
		defaults: defaults,
		byKey:    make(map[string]domain.FeatureConfig, len(fc.Features)),
	}
	for i, f := range fc.Features {
		f, err := normalize(f)
		if err != nil {
			return snapshot{}, fmt.Errorf("features[%d]: %w", i, err)
		}
		if _, dup := snap.byKey[f.Key]; dup {
			return snapshot{}, fmt.Errorf("features[%d]: duplicate key %q", i, f.Key)
		}
		snap.byKey[f.Key] = f
		snap.ordered = append(snap.ordered, f)
	}
	sort.Slice(snap.ordered, func(i, j int) bool { return snap.ordered[i].Key < snap.ordered[j].Key })
	return snap, nil
}

func normalize(f domain.FeatureConfig) (domain.FeatureConfig, error) {
	f.Key = strings.TrimSpace(f.Key)
	if f.Key == "" {
		return f, domain.ErrInvalidFeature
	}

	switch f.MeteringType {
	case "":
		f.MeteringType = domain.MeteringSum
	case domain.MeteringNone, domain.MeteringCount, domain.MeteringSum:
	default:
		return f, fmt.Errorf("unknown metering_type %q", f.MeteringType)
	}

	switch f.Aggregation {
	case "":
		f.Aggregation = domain.AggregationSum
	case domain.AggregationSum, domain.AggregationCount, domain.AggregationMax:
	default:
		return f, fmt.Errorf("unknown aggregation %q", f.Aggregation)
	}

	period, err := domain.ParsePeriod(strings.ToUpper(string(f.Period)))
	if err != nil {
		return f, err
	}
	f.Period = period

	if p := f.Trigger.FlushAtPercent; p != nil && !validPercent(*p) {
		return f, domain.ErrInvalidPercent
	}
	if p := f.Trigger.CriticalPercent; p != nil && !validPercent(*p) {
		return f, domain.ErrInvalidPercent
	}
	if ms := f.Trigger.IntervalMs; ms != nil && *ms < 0 {
		return f, fmt.Errorf("interval_ms must not be negative")
	}
	return f, nil
}

func validateTrigger(t domain.TriggerConfig) error {
	if !validPercent(t.FlushAtPercent) || !validPercent(t.CriticalPercent) {
		return domain.ErrInvalidPercent
	}
	if t.IntervalMs < 0 {
		return errors.New("interval_ms must not be negative")
	}
	return nil
}

func validPercent(p float64) bool {
	return p > 0 && p <= 1000
}
