package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Webhook delivery statuses.
const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
	DeliveryStatusDead      = "dead"
)

// WebhookEndpoint is a registered delivery target. The signing secret is
// shown once at creation and stored for HMAC signing.
type WebhookEndpoint struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	URL       string    `gorm:"column:url;not null" json:"url"`
	Secret    string    `gorm:"column:secret;not null" json:"-"`
	Disabled  bool      `gorm:"column:disabled;not null;default:false" json:"disabled"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (WebhookEndpoint) TableName() string { return "webhook_endpoint" }

// WebhookDelivery is one durable at-least-once delivery attempt series.
type WebhookDelivery struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	EndpointID     *uuid.UUID     `gorm:"type:uuid;column:endpoint_id;index" json:"endpoint_id,omitempty"`
	URLOverride    string         `gorm:"column:url_override" json:"url_override,omitempty"`
	EventType      string         `gorm:"column:event_type;not null;index" json:"event_type"`
	Payload        datatypes.JSON `gorm:"type:jsonb;column:payload;not null" json:"payload"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	NextRetryAt    *time.Time     `gorm:"column:next_retry_at;index" json:"next_retry_at,omitempty"`
	LastStatusCode int            `gorm:"column:last_status_code" json:"last_status_code,omitempty"`
	LastError      string         `gorm:"column:last_error" json:"last_error,omitempty"`
	LockedAt       *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (WebhookDelivery) TableName() string { return "webhook_delivery" }
