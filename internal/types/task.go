package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TaskStatus names a task status value; statuses are stored as plain strings.
type TaskStatus = string

// Task statuses. Status advances monotonically; terminal statuses are never
// overwritten (the scheduler enforces this in its reducer).
const (
	TaskStatusPending   = "pending"
	TaskStatusReady     = "ready"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusSkipped   = "skipped"
	TaskStatusCancelled = "cancelled"
)

func TaskStatusTerminal(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	}
	return false
}

// PipelineTask is one node of a job's task graph. Created when the DAG is
// built, advanced by the scheduler, never deleted while the job exists.
type PipelineTask struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Stage       string         `gorm:"column:stage;not null;index" json:"stage"`
	EngineID    string         `gorm:"column:engine_id;not null" json:"engine_id"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Required    bool           `gorm:"column:required;not null;default:false" json:"required"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	DependsOn   datatypes.JSON `gorm:"type:jsonb;column:depends_on" json:"depends_on"`
	InputURI    string         `gorm:"column:input_uri" json:"input_uri,omitempty"`
	OutputURI   string         `gorm:"column:output_uri" json:"output_uri,omitempty"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	ErrorKind   string         `gorm:"column:error_kind" json:"error_kind,omitempty"`
	RequestID   string         `gorm:"column:request_id" json:"request_id"`
	TraceID     string         `gorm:"column:trace_id" json:"trace_id"`
	// NotBefore delays re-dispatch after a retryable failure. Null means
	// dispatchable immediately.
	NotBefore   *time.Time     `gorm:"column:not_before" json:"not_before,omitempty"`
	QueuedAt    *time.Time     `gorm:"column:queued_at" json:"queued_at,omitempty"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
}

func (PipelineTask) TableName() string { return "pipeline_task" }

// TaskDep is one dependency edge stored in PipelineTask.DependsOn. A
// non-required edge is an enrichment: the downstream task still runs when
// the upstream one was skipped.
type TaskDep struct {
	TaskID   uuid.UUID `json:"task_id"`
	Stage    string    `json:"stage"`
	Required bool      `json:"required"`
}
