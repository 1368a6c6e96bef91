package service

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

// SyncFromAuthoritative overwrites the local baseline of every feature the
// authority reports for the scope and discards the unflushed delta. Limits
// are left alone. Meant for session start, not heavy concurrent writes.
func (s *Service) SyncFromAuthoritative(ctx context.Context, scope domain.Scope, tenantID, subScopeID string) (err error) {
	if s.isClosed() {
		return domain.ErrBufferClosed
	}
	if s.authority == nil {
		return domain.ErrAuthorityRequired
	}

	ref, err := normalizeRef(domain.BucketRef{
		Scope:      scope,
		TenantID:   tenantID,
		SubScopeID: subScopeID,
		FeatureKey: "*",
	})
	if err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "usagebuffer.sync", trace.WithAttributes(
		attribute.String("usage.scope", string(ref.Scope)),
		attribute.String("usage.tenant_id", ref.TenantID),
	))
	defer func() {
		s.metrics.IncSync(err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	remote, err := s.authority.QueryUsage(ctx, ref.Scope, ref.TenantID, ref.SubScopeID)
	if err != nil {
		return fmt.Errorf("query authoritative usage: %w", err)
	}

	now := s.clock.Now()
	applied := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, usage := range remote {
			featureKey := strings.TrimSpace(usage.FeatureKey)
			if featureKey == "" {
				continue
			}
			bucketRef := ref
			bucketRef.FeatureKey = featureKey
			bucketRef.Period = s.feature(featureKey).Period

			bucket := bucketFor(bucketRef, now)
			if err := s.repo.OverwriteBaseline(ctx, tx, s.genID.Generate(), bucket, usage.CurrentUsage, now); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return storageErr("sync", err)
	}

	s.log.Info("baseline reconciled",
		zap.String("scope", string(ref.Scope)),
		zap.String("tenant_id", ref.TenantID),
		zap.String("sub_scope_id", ref.SubScopeID),
		zap.Int("features", applied),
	)
	return nil
}
