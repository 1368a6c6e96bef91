package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

// PurgeSynced deletes synced events older than olderThan. Unsynced events are
// never deleted. A non-positive olderThan uses the configured retention.
func (s *Service) PurgeSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.isClosed() {
		return 0, domain.ErrBufferClosed
	}
	if olderThan <= 0 {
		olderThan = s.cfg.Retention
	}
	cutoff := s.clock.Now().Add(-olderThan)

	deleted, err := s.repo.PurgeSynced(ctx, s.db, cutoff)
	if err != nil {
		return 0, storageErr("purge_synced", err)
	}

	s.metrics.AddGCDeleted(deleted)
	if deleted > 0 {
		s.log.Info("purged synced usage events", zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}
