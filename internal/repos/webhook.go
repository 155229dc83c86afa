package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/types"
)

type WebhookEndpointRepo interface {
	Create(ctx context.Context, tx *gorm.DB, endpoint *types.WebhookEndpoint) (*types.WebhookEndpoint, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.WebhookEndpoint, error)
	ListByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) ([]*types.WebhookEndpoint, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type WebhookDeliveryRepo interface {
	Create(ctx context.Context, tx *gorm.DB, delivery *types.WebhookDelivery) (*types.WebhookDelivery, error)
	// ClaimNextDue pops one due pending delivery using SKIP LOCKED so
	// dispatcher replicas never double-claim a row.
	ClaimNextDue(ctx context.Context, tx *gorm.DB, now time.Time, staleLock time.Duration) (*types.WebhookDelivery, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	ListRecent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.WebhookDelivery, error)
}

type webhookEndpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWebhookEndpointRepo(db *gorm.DB, baseLog *logger.Logger) WebhookEndpointRepo {
	return &webhookEndpointRepo{
		db:  db,
		log: baseLog.With("repo", "WebhookEndpointRepo"),
	}
}

func (r *webhookEndpointRepo) Create(ctx context.Context, tx *gorm.DB, endpoint *types.WebhookEndpoint) (*types.WebhookEndpoint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if endpoint.ID == uuid.Nil {
		endpoint.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(endpoint).Error; err != nil {
		return nil, err
	}
	return endpoint, nil
}

func (r *webhookEndpointRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.WebhookEndpoint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var endpoint types.WebhookEndpoint
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&endpoint).Error
	if err != nil {
		return nil, err
	}
	if endpoint.ID == uuid.Nil {
		return nil, nil
	}
	return &endpoint, nil
}

func (r *webhookEndpointRepo) ListByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) ([]*types.WebhookEndpoint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.WebhookEndpoint
	err := transaction.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *webhookEndpointRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.WebhookEndpoint{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *webhookEndpointRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id = ?", id).
		Delete(&types.WebhookEndpoint{}).Error
}

type webhookDeliveryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWebhookDeliveryRepo(db *gorm.DB, baseLog *logger.Logger) WebhookDeliveryRepo {
	return &webhookDeliveryRepo{
		db:  db,
		log: baseLog.With("repo", "WebhookDeliveryRepo"),
	}
}

func (r *webhookDeliveryRepo) Create(ctx context.Context, tx *gorm.DB, delivery *types.WebhookDelivery) (*types.WebhookDelivery, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(delivery).Error; err != nil {
		return nil, err
	}
	return delivery, nil
}

func (r *webhookDeliveryRepo) ClaimNextDue(ctx context.Context, tx *gorm.DB, now time.Time, staleLock time.Duration) (*types.WebhookDelivery, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	lockCutoff := now.Add(-staleLock)
	var claimed *types.WebhookDelivery
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var delivery types.WebhookDelivery
		q := txx
		// sqlite (tests) has no row locks; the claim still works, just
		// without replica protection.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		q = q.Where(`
				status = ?
				AND (next_retry_at IS NULL OR next_retry_at <= ?)
				AND (locked_at IS NULL OR locked_at < ?)
			`, types.DeliveryStatusPending, now, lockCutoff).
			Order("created_at ASC")
		qErr := q.First(&delivery).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.WebhookDelivery{}).
			Where("id = ?", delivery.ID).
			Updates(map[string]interface{}{
				"locked_at":  now,
				"updated_at": now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &delivery
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *webhookDeliveryRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *webhookDeliveryRepo) ListRecent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.WebhookDelivery, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.WebhookDelivery
	err := transaction.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
