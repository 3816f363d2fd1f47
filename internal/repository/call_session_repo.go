package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lovebeyondborders/call-service/internal/domain"
	"gorm.io/gorm"
)

// CallSessionRepository handles database operations for call sessions
type CallSessionRepository struct {
	db *gorm.DB
}

// NewCallSessionRepository creates a new call session repository
func NewCallSessionRepository(db *gorm.DB) *CallSessionRepository {
	return &CallSessionRepository{db: db}
}

// Create creates a new call session
func (r *CallSessionRepository) Create(ctx context.Context, session *domain.CallSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	session.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create call session: %w", err)
	}
	return nil
}

// UpdateFields applies a partial update to a call session. Sessions that have
// already ended are never touched.
func (r *CallSessionRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("id = ? AND status <> ?", id, domain.SessionStatusEnded).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update call session: %w", result.Error)
	}
	return nil
}

// GetByID retrieves a call session by ID
func (r *CallSessionRepository) GetByID(ctx context.Context, id string) (*domain.CallSession, error) {
	var session domain.CallSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	return &session, nil
}
