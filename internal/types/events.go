package types

import (
	"time"

	"github.com/google/uuid"
)

// Pub/sub channel names on the KV coordinator.
const (
	ChannelJobCreated      = "job.created"
	ChannelTaskCompleted   = "task.completed"
	ChannelJobCancel       = "job.cancel_requested"
	ChannelEngineOffline   = "engine.offline"
	ChannelWorkerOffline   = "worker.offline"
	ChannelProgress        = "task.progress"
	ChannelSessionEvents   = "session.events"
	ChannelJobEventsPrefix = "job.events:"
	ChannelCancelPrefix    = "cancel:"
)

// JobEventsChannel is the per-job fan-out channel the SSE surface subscribes to.
func JobEventsChannel(jobID uuid.UUID) string { return ChannelJobEventsPrefix + jobID.String() }

// TaskCancelChannel carries best-effort cancellation to a running engine.
func TaskCancelChannel(taskID uuid.UUID) string { return ChannelCancelPrefix + taskID.String() }

// EngineQueue is the FIFO work queue for one engine variant.
func EngineQueue(engineID string) string { return "queue:" + engineID }

// Correlation is carried in every queue payload, pub/sub event and log
// record; binding happens at event dequeue.
type Correlation struct {
	RequestID  string `json:"request_id"`
	TraceID    string `json:"trace_id"`
	ParentSpan string `json:"parent_span,omitempty"`
}

// TaskPayload is the wire shape the scheduler pushes onto an engine queue.
type TaskPayload struct {
	TaskID       uuid.UUID         `json:"task_id"`
	JobID        uuid.UUID         `json:"job_id"`
	Stage        Stage             `json:"stage"`
	EngineID     string            `json:"engine_id"`
	AudioURI     string            `json:"audio_uri"`
	PriorOutputs map[string]string `json:"prior_outputs"`
	Config       JobParams         `json:"config"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	Correlation  Correlation       `json:"correlation"`
}

// TaskErrorInfo travels inside a completion event when the task failed.
type TaskErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TaskCompletion is published by the worker harness on task.completed for
// both success and failure.
type TaskCompletion struct {
	TaskID      uuid.UUID          `json:"task_id"`
	JobID       uuid.UUID          `json:"job_id"`
	Status      string             `json:"status"`
	OutputURI   string             `json:"output_uri,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Error       *TaskErrorInfo     `json:"error,omitempty"`
	DurationMS  int64              `json:"duration_ms"`
	Correlation Correlation        `json:"correlation"`
}

// ProgressEvent mirrors the per-task progress record in the KV store.
type ProgressEvent struct {
	TaskID    uuid.UUID `json:"task_id"`
	JobID     uuid.UUID `json:"job_id"`
	Stage     Stage     `json:"stage"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Heartbeat is the liveness signal from an engine or realtime worker.
type Heartbeat struct {
	EngineID    string    `json:"engine_id"`
	Status      string    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CancelRequest is the payload on job.cancel_requested.
type CancelRequest struct {
	JobID       uuid.UUID   `json:"job_id"`
	Correlation Correlation `json:"correlation"`
}

// JobCreated is the payload on job.created.
type JobCreated struct {
	JobID       uuid.UUID   `json:"job_id"`
	Correlation Correlation `json:"correlation"`
}

// EngineOffline is published by the registry sweeper.
type EngineOffline struct {
	EngineID string `json:"engine_id"`
	Stage    Stage  `json:"stage"`
}

// WorkerOffline is published once per interrupted session when the health
// loop declares a realtime worker dead, so the gateway can close the
// client's stream with a recovery hint.
type WorkerOffline struct {
	WorkerID    string    `json:"worker_id"`
	SessionID   uuid.UUID `json:"session_id"`
	Reason      string    `json:"reason"`
	Recoverable bool      `json:"recoverable"`
}

// Job event types carried on the per-job fan-out channel.
const (
	JobEventTaskStatus   = "task.status"
	JobEventTaskProgress = "task.progress"
	JobEventJobStatus    = "job.status"
)

// JobEvent is the frame the SSE surface relays to clients watching a job.
type JobEvent struct {
	Type      string    `json:"type"`
	JobID     uuid.UUID `json:"job_id"`
	TaskID    uuid.UUID `json:"task_id,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Status    string    `json:"status,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Percent   int       `json:"percent,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
