package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lovebeyondborders/call-service/internal/domain"
	"gorm.io/gorm"
)

// CallQualityLogRepository handles database operations for call quality logs.
// The table is append-only from the service's perspective.
type CallQualityLogRepository struct {
	db *gorm.DB
}

// NewCallQualityLogRepository creates a new call quality log repository
func NewCallQualityLogRepository(db *gorm.DB) *CallQualityLogRepository {
	return &CallQualityLogRepository{db: db}
}

// InsertBatch appends quality samples in one round trip. The recorder's
// flusher hands over its whole backlog at once.
func (r *CallQualityLogRepository) InsertBatch(ctx context.Context, samples []*domain.CallQualityLog) error {
	if len(samples) == 0 {
		return nil
	}

	now := time.Now()
	for _, s := range samples {
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
	}

	if err := r.db.WithContext(ctx).CreateInBatches(samples, 100).Error; err != nil {
		return fmt.Errorf("failed to insert call quality logs: %w", err)
	}
	return nil
}

// GetBySessionID retrieves all quality samples for one call session in
// chronological order.
func (r *CallQualityLogRepository) GetBySessionID(ctx context.Context, sessionID string) ([]*domain.CallQualityLog, error) {
	var samples []*domain.CallQualityLog
	if err := r.db.WithContext(ctx).
		Where("call_session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("failed to get call quality logs: %w", err)
	}
	return samples, nil
}
