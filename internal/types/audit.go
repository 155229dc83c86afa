package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AuditEntry is append-only. There is no update or delete path anywhere in
// the codebase; the repo only exposes Append and List.
type AuditEntry struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   uuid.UUID      `gorm:"type:uuid;index" json:"tenant_id"`
	Action     string         `gorm:"column:action;not null;index" json:"action"`
	EntityType string         `gorm:"column:entity_type;not null" json:"entity_type"`
	EntityID   uuid.UUID      `gorm:"type:uuid;column:entity_id;index" json:"entity_id"`
	Detail     datatypes.JSON `gorm:"type:jsonb;column:detail" json:"detail,omitempty"`
	RequestID  string         `gorm:"column:request_id" json:"request_id,omitempty"`
	TraceID    string         `gorm:"column:trace_id" json:"trace_id,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;index" json:"created_at"`
}

func (AuditEntry) TableName() string { return "audit_entry" }
