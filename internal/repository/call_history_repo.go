package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lovebeyondborders/call-service/internal/domain"
	"gorm.io/gorm"
)

// CallHistoryRepository handles database operations for call history.
// One row per terminated call; call_session_id carries a unique constraint so
// a duplicate write surfaces as an error instead of a second row.
type CallHistoryRepository struct {
	db *gorm.DB
}

// NewCallHistoryRepository creates a new call history repository
func NewCallHistoryRepository(db *gorm.DB) *CallHistoryRepository {
	return &CallHistoryRepository{db: db}
}

// Insert appends one history row
func (r *CallHistoryRepository) Insert(ctx context.Context, history *domain.CallHistory) error {
	if history.ID == "" {
		history.ID = uuid.New().String()
	}
	if history.CreatedAt.IsZero() {
		history.CreatedAt = time.Now()
	}

	if err := r.db.WithContext(ctx).Create(history).Error; err != nil {
		return fmt.Errorf("failed to insert call history: %w", err)
	}
	return nil
}

// GetBySessionID retrieves the history row for one call session
func (r *CallHistoryRepository) GetBySessionID(ctx context.Context, sessionID string) (*domain.CallHistory, error) {
	var history domain.CallHistory
	if err := r.db.WithContext(ctx).Where("call_session_id = ?", sessionID).First(&history).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call history: %w", err)
	}
	return &history, nil
}

// FindByPairingID lists history rows for a pairing, most recent first.
func (r *CallHistoryRepository) FindByPairingID(ctx context.Context, pairingID string, limit int) ([]*domain.CallHistory, error) {
	if pairingID == "" {
		return nil, fmt.Errorf("pairing ID cannot be empty")
	}
	if limit <= 0 {
		limit = 50
	}

	var rows []*domain.CallHistory
	if err := r.db.WithContext(ctx).
		Where("pairing_id = ?", pairingID).
		Order("ended_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to find call history: %w", err)
	}
	return rows, nil
}
