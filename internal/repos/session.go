package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/types"
)

type SessionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, session *types.RealtimeSession) (*types.RealtimeSession, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.RealtimeSession, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessTerminal guards the active->terminal transition; a
	// session already terminal keeps its first terminal status.
	UpdateFieldsUnlessTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) (bool, error)
	ListActiveByWorker(ctx context.Context, tx *gorm.DB, workerID string) ([]*types.RealtimeSession, error)
	ListByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, before time.Time, limit int) ([]*types.RealtimeSession, error)
	ListEndedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]*types.RealtimeSession, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, baseLog *logger.Logger) SessionRepo {
	return &sessionRepo{
		db:  db,
		log: baseLog.With("repo", "SessionRepo"),
	}
}

func (r *sessionRepo) Create(ctx context.Context, tx *gorm.DB, session *types.RealtimeSession) (*types.RealtimeSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

func (r *sessionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.RealtimeSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var session types.RealtimeSession
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == uuid.Nil {
		return nil, nil
	}
	return &session, nil
}

func (r *sessionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.RealtimeSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *sessionRepo) UpdateFieldsUnlessTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	res := transaction.WithContext(ctx).
		Model(&types.RealtimeSession{}).
		Where("id = ? AND status = ?", id, types.SessionStatusActive).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *sessionRepo) ListActiveByWorker(ctx context.Context, tx *gorm.DB, workerID string) ([]*types.RealtimeSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.RealtimeSession
	if workerID == "" {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("worker_id = ? AND status = ?", workerID, types.SessionStatusActive).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) ListByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, before time.Time, limit int) ([]*types.RealtimeSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.RealtimeSession
	q := transaction.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("started_at DESC").
		Limit(limit)
	if !before.IsZero() {
		q = q.Where("started_at < ?", before)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) ListEndedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]*types.RealtimeSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.RealtimeSession
	err := transaction.WithContext(ctx).
		Where("ended_at IS NOT NULL AND ended_at < ?", cutoff).
		Order("ended_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id = ?", id).
		Delete(&types.RealtimeSession{}).Error
}
