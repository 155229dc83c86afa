package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobStatus names a job status value; statuses are stored as plain strings.
type JobStatus = string

// Job statuses.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

func JobStatusTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TranscriptionJob is the store-of-record row for one batch submission.
// Only the scheduler mutates it after creation; the retention sweeper
// destroys it at policy-determined time.
type TranscriptionJob struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	SubmitterID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"submitter_id"`
	Status          string         `gorm:"column:status;not null;index" json:"status"`
	Params          datatypes.JSON `gorm:"type:jsonb;column:params;not null" json:"params"`
	Retention       datatypes.JSON `gorm:"type:jsonb;column:retention;not null" json:"retention"`
	AudioURI        string         `gorm:"column:audio_uri;not null" json:"audio_uri"`
	AudioDurationMS int64          `gorm:"column:audio_duration_ms;not null;default:0" json:"audio_duration_ms"`
	RequestID       string         `gorm:"column:request_id;index" json:"request_id"`
	TraceID         string         `gorm:"column:trace_id" json:"trace_id"`
	WebhookURL      string         `gorm:"column:webhook_url" json:"webhook_url,omitempty"`
	Progress        int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Error           string         `gorm:"column:error" json:"error,omitempty"`
	TranscriptURI   string         `gorm:"column:transcript_uri" json:"transcript_uri,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;index" json:"updated_at"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	// ExpiresAt is derived from the retention snapshot at creation and never
	// recomputed, so later policy edits cannot move it.
	ExpiresAt *time.Time `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
}

func (TranscriptionJob) TableName() string { return "transcription_job" }
