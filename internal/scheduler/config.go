package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

// Config controls the flush cadence and housekeeping jobs.
type Config struct {
	DefaultInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	GCInterval      time.Duration
	Retention       time.Duration
	LeaseTTL        time.Duration
	FlushTimeout    time.Duration
	SyncTimeout     time.Duration
	SyncScopes      []string
}

func DefaultConfig() Config {
	return Config{
		DefaultInterval: 4 * time.Hour,
		MinInterval:     5 * time.Minute,
		MaxInterval:     24 * time.Hour,
		GCInterval:      time.Hour,
		Retention:       30 * 24 * time.Hour,
		LeaseTTL:        2 * time.Minute,
		FlushTimeout:    5 * time.Minute,
		SyncTimeout:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = defaults.DefaultInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = defaults.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaults.MaxInterval
	}
	if c.GCInterval <= 0 {
		c.GCInterval = defaults.GCInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaults.Retention
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaults.FlushTimeout
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = defaults.SyncTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		DefaultInterval: cfg.Flush.DefaultInterval,
		MinInterval:     cfg.Flush.MinInterval,
		MaxInterval:     cfg.Flush.MaxInterval,
		Retention:       cfg.Flush.Retention,
		LeaseTTL:        cfg.Redis.LeaseTTL,
		SyncScopes:      cfg.SyncScopes,
	}.withDefaults()
}

// SyncScope is one tenant, or one sub-tenant, reconciled on startup.
type SyncScope struct {
	Scope      domain.Scope
	TenantID   string
	SubScopeID string
}

func (s SyncScope) String() string {
	if s.Scope == domain.ScopeSubTenant {
		return s.TenantID + "/" + s.SubScopeID
	}
	return s.TenantID
}

// ParseSyncScope accepts "tenant" or "tenant/sub".
func ParseSyncScope(raw string) (SyncScope, error) {
	raw = strings.TrimSpace(raw)
	tenant, sub, found := strings.Cut(raw, "/")
	tenant = strings.TrimSpace(tenant)
	sub = strings.TrimSpace(sub)
	if tenant == "" {
		return SyncScope{}, fmt.Errorf("sync scope %q: %w", raw, domain.ErrInvalidTenant)
	}
	if !found {
		return SyncScope{Scope: domain.ScopeTenant, TenantID: tenant}, nil
	}
	if sub == "" {
		return SyncScope{}, fmt.Errorf("sync scope %q: %w", raw, domain.ErrInvalidSubScope)
	}
	return SyncScope{Scope: domain.ScopeSubTenant, TenantID: tenant, SubScopeID: sub}, nil
}
