package repository

import (
	"context"

	"gorm.io/gorm"
)

// RepositoryManager combines all repositories
type RepositoryManager interface {
	CallSession() *CallSessionRepository
	CallQualityLog() *CallQualityLogRepository
	CallHistory() *CallHistoryRepository

	// Transaction support
	WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error

	// Health check
	Ping(ctx context.Context) error

	// Close connection
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM
type GormRepositoryManager struct {
	db              *gorm.DB
	callSessionRepo *CallSessionRepository
	qualityLogRepo  *CallQualityLogRepository
	callHistoryRepo *CallHistoryRepository
}

// NewGormRepositoryManager creates a new GORM repository manager
func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:              db,
		callSessionRepo: NewCallSessionRepository(db),
		qualityLogRepo:  NewCallQualityLogRepository(db),
		callHistoryRepo: NewCallHistoryRepository(db),
	}
}

// CallSession returns the call session repository
func (m *GormRepositoryManager) CallSession() *CallSessionRepository {
	return m.callSessionRepo
}

// CallQualityLog returns the call quality log repository
func (m *GormRepositoryManager) CallQualityLog() *CallQualityLogRepository {
	return m.qualityLogRepo
}

// CallHistory returns the call history repository
func (m *GormRepositoryManager) CallHistory() *CallHistoryRepository {
	return m.callHistoryRepo
}

// WithTx executes a function within a database transaction
func (m *GormRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormRepositoryManager(tx))
	})
}

// Ping checks the database connection
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
