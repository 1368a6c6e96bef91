// Package policy decides when buffered usage should be flushed.
package policy

import (
	"time"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

type Decision struct {
	ShouldFlush bool
	Trigger     domain.FlushTrigger
	Priority    domain.FlushPriority
}

// Decide maps a usage percentage onto a flush decision. Critical is checked
// first so it wins even when misconfigured below flushAtPercent.
func Decide(usagePercent, flushAtPercent, criticalPercent float64) Decision {
	if usagePercent >= criticalPercent {
		return Decision{ShouldFlush: true, Trigger: domain.TriggerCritical, Priority: domain.PriorityCritical}
	}
	if usagePercent >= flushAtPercent {
		return Decision{ShouldFlush: true, Trigger: domain.TriggerThreshold, Priority: domain.PriorityHigh}
	}
	return Decision{ShouldFlush: false, Trigger: domain.TriggerNone, Priority: domain.PriorityNormal}
}

// UsagePercent is 0 for unlimited or unknown limits.
func UsagePercent(total, limit int64, isUnlimited bool) float64 {
	if isUnlimited || limit <= 0 {
		return 0
	}
	return float64(total) / float64(limit) * 100
}

// EffectiveConfig merges a per-feature override onto defaults.
func EffectiveConfig(defaults domain.TriggerConfig, override domain.TriggerOverride) domain.TriggerConfig {
	out := defaults
	if override.FlushAtPercent != nil {
		out.FlushAtPercent = *override.FlushAtPercent
	}
	if override.CriticalPercent != nil {
		out.CriticalPercent = *override.CriticalPercent
	}
	if override.IntervalMs != nil {
		out.IntervalMs = *override.IntervalMs
	}
	return out
}

// ClampInterval bounds the time trigger interval. A non-positive interval yields max.
func ClampInterval(interval, min, max time.Duration) time.Duration {
	if max > 0 && min > max {
		min = max
	}
	if interval <= 0 {
		interval = max
	}
	if interval < min {
		return min
	}
	if max > 0 && interval > max {
		return max
	}
	return interval
}
