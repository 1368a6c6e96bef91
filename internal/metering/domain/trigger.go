package domain

type FlushTrigger string

const (
	TriggerNone      FlushTrigger = "NONE"
	TriggerThreshold FlushTrigger = "THRESHOLD"
	TriggerCritical  FlushTrigger = "CRITICAL"
	TriggerTime      FlushTrigger = "TIME"
	TriggerManual    FlushTrigger = "MANUAL"
	TriggerStartup   FlushTrigger = "STARTUP"
)

func (t FlushTrigger) Valid() bool {
	switch t {
	case TriggerNone, TriggerThreshold, TriggerCritical, TriggerTime, TriggerManual, TriggerStartup:
		return true
	default:
		return false
	}
}

type FlushPriority string

const (
	PriorityNormal   FlushPriority = "normal"
	PriorityHigh     FlushPriority = "high"
	PriorityCritical FlushPriority = "critical"
)

// TriggerConfig is the fully resolved flush trigger configuration of a feature.
type TriggerConfig struct {
	FlushAtPercent  float64 `json:"flush_at_percent" mapstructure:"flush_at_percent"`
	CriticalPercent float64 `json:"critical_percent" mapstructure:"critical_percent"`
	IntervalMs      int64   `json:"interval_ms" mapstructure:"interval_ms"`
}

// TriggerOverride carries per-feature overrides. A nil field inherits the default.
type TriggerOverride struct {
	FlushAtPercent  *float64 `json:"flush_at_percent,omitempty" mapstructure:"flush_at_percent"`
	CriticalPercent *float64 `json:"critical_percent,omitempty" mapstructure:"critical_percent"`
	IntervalMs      *int64   `json:"interval_ms,omitempty" mapstructure:"interval_ms"`
}
