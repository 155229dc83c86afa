package services

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/scribehub-backend/internal/clients/gcp"
	"github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/dag"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/harness"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/scheduler"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// SubmitRequest is one batch transcription submission.
type SubmitRequest struct {
	TenantID        uuid.UUID
	SubmitterID     uuid.UUID
	AudioURI        string
	AudioDurationMS int64
	Params          types.JobParams
	Retention       types.RetentionPolicy
	RequestID       string
	TraceID         string
}

// TaskView is one pipeline task as the status endpoint reports it. Status is
// the presented status, not necessarily the stored one.
type TaskView struct {
	TaskID    uuid.UUID `json:"task_id"`
	Stage     string    `json:"stage"`
	EngineID  string    `json:"engine_id"`
	Status    string    `json:"status"`
	Required  bool      `json:"required"`
	Attempts  int       `json:"attempts"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	OutputURI string    `json:"output_uri,omitempty"`
}

// JobView is the full status response: the job row plus per-stage detail.
type JobView struct {
	Job   *types.TranscriptionJob `json:"job"`
	Tasks []TaskView              `json:"tasks"`
}

// JobService owns the submission-side API: create, inspect, cancel, retry.
// It never advances the pipeline itself; it hands jobs to the scheduler over
// the event bus and reads state back.
type JobService struct {
	log      *logger.Logger
	db       *gorm.DB
	kv       redis.KV
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	audit    repos.AuditRepo
	variants *dag.VariantTable
}

func NewJobService(log *logger.Logger, db *gorm.DB, kv redis.KV, jobs repos.JobRepo, tasks repos.TaskRepo, audit repos.AuditRepo, variants *dag.VariantTable) *JobService {
	return &JobService{
		log:      log.With("service", "JobService"),
		db:       db,
		kv:       kv,
		jobs:     jobs,
		tasks:    tasks,
		audit:    audit,
		variants: variants,
	}
}

// Submit validates the request, writes the job row and announces it on
// job.created. Parameter combinations the pipeline cannot run are rejected
// here, before anything durable exists.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*types.TranscriptionJob, error) {
	if req.AudioURI == "" {
		return nil, faults.New(faults.KindConfiguration, "jobs", "audio_uri is required")
	}
	if _, _, err := gcp.SplitURI(req.AudioURI); err != nil {
		return nil, faults.Wrap(faults.KindConfiguration, "jobs", err, "invalid audio_uri")
	}
	// Build the graph once as a preflight; the scheduler builds its own copy
	// when the event lands.
	if _, err := dag.Build(req.Params, s.variants); err != nil {
		return nil, err
	}

	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "jobs", err, "marshal params")
	}
	retention, err := json.Marshal(req.Retention)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "jobs", err, "marshal retention")
	}

	job := &types.TranscriptionJob{
		ID:              uuid.New(),
		TenantID:        req.TenantID,
		SubmitterID:     req.SubmitterID,
		Status:          types.JobStatusQueued,
		Params:          datatypes.JSON(params),
		Retention:       datatypes.JSON(retention),
		AudioURI:        req.AudioURI,
		AudioDurationMS: req.AudioDurationMS,
		RequestID:       req.RequestID,
		TraceID:         req.TraceID,
		WebhookURL:      req.Params.WebhookURL,
	}
	if req.Retention.TTL > 0 {
		expires := time.Now().UTC().Add(req.Retention.TTL)
		job.ExpiresAt = &expires
	}
	if _, err := s.jobs.Create(ctx, nil, job); err != nil {
		return nil, faults.Wrap(faults.KindInternal, "jobs", err, "create job row")
	}

	s.appendAudit(ctx, job, "job.submitted", map[string]any{
		"audio_uri": job.AudioURI,
		"language":  req.Params.Language,
		"model_id":  req.Params.ModelID,
	})

	correlation := types.Correlation{RequestID: req.RequestID, TraceID: req.TraceID}
	if err := s.kv.Publish(ctx, types.ChannelJobCreated, types.JobCreated{JobID: job.ID, Correlation: correlation}); err != nil {
		// The row exists; the scheduler's dispatch tick will not see it until
		// the event lands, so surface the failure to the caller.
		return nil, faults.Wrap(faults.KindInternal, "jobs", err, "publish job.created")
	}

	s.log.Info("Job submitted", "job_id", job.ID, "tenant_id", job.TenantID, "request_id", req.RequestID)
	return job, nil
}

// Get returns the bare job row.
func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*types.TranscriptionJob, error) {
	job, err := s.jobs.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, faults.New(faults.KindNotFound, "jobs", "job %s not found", id)
	}
	return job, nil
}

// Status assembles the status view: stored rows, presented statuses for
// tasks downstream of a failure, and live percent from the progress records.
func (s *JobService) Status(ctx context.Context, id uuid.UUID) (*JobView, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.GetByJob(ctx, nil, id)
	if err != nil {
		return nil, err
	}

	presented := scheduler.PresentedStatuses(tasks)
	view := &JobView{Job: job, Tasks: make([]TaskView, 0, len(tasks))}
	for _, task := range tasks {
		tv := TaskView{
			TaskID:    task.ID,
			Stage:     task.Stage,
			EngineID:  task.EngineID,
			Status:    presented[task.ID],
			Required:  task.Required,
			Attempts:  task.Attempts,
			Error:     task.Error,
			ErrorKind: task.ErrorKind,
			OutputURI: task.OutputURI,
		}
		switch task.Status {
		case types.TaskStatusCompleted:
			tv.Percent = 100
		case types.TaskStatusRunning:
			tv.Percent, tv.Message = s.liveProgress(ctx, task.ID)
		}
		view.Tasks = append(view.Tasks, tv)
	}
	return view, nil
}

func (s *JobService) liveProgress(ctx context.Context, taskID uuid.UUID) (int, string) {
	record, err := s.kv.HashGetAll(ctx, harness.ProgressKey(taskID.String()))
	if err != nil || len(record) == 0 {
		return 0, ""
	}
	percent, _ := strconv.Atoi(record["percent"])
	return percent, record["message"]
}

// List returns the tenant's jobs, newest first.
func (s *JobService) List(ctx context.Context, tenantID uuid.UUID, before time.Time, limit int) ([]*types.TranscriptionJob, error) {
	return s.jobs.ListByTenant(ctx, nil, tenantID, before, limit)
}

// Cancel requests cooperative cancellation. Terminal jobs are left alone;
// cancelling twice is a no-op.
func (s *JobService) Cancel(ctx context.Context, id uuid.UUID, requestID, traceID string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if types.JobStatusTerminal(job.Status) {
		s.log.Info("Cancel ignored for terminal job", "job_id", id, "status", job.Status)
		return nil
	}
	correlation := types.Correlation{RequestID: requestID, TraceID: traceID}
	if err := s.kv.Publish(ctx, types.ChannelJobCancel, types.CancelRequest{JobID: id, Correlation: correlation}); err != nil {
		return faults.Wrap(faults.KindInternal, "jobs", err, "publish cancel request")
	}
	s.appendAudit(ctx, job, "job.cancel_requested", nil)
	return nil
}

// RetryTask is the admin escape hatch for a task that exhausted its retry
// budget: it re-arms the failed task and reopens the job so the scheduler's
// dispatch tick picks it back up.
func (s *JobService) RetryTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return faults.New(faults.KindNotFound, "jobs", "task %s not found", taskID)
	}
	if task.Status != types.TaskStatusFailed {
		return faults.New(faults.KindConfiguration, "jobs", "task %s is %s, only failed tasks can be retried", taskID, task.Status)
	}
	job, err := s.Get(ctx, task.JobID)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.tasks.UpdateFields(ctx, tx, task.ID, map[string]interface{}{
			"status":       types.TaskStatusReady,
			"attempts":     0,
			"queued_at":    nil,
			"started_at":   nil,
			"completed_at": nil,
			"not_before":   nil,
			"error":        "",
			"error_kind":   "",
		}); err != nil {
			return err
		}
		return s.jobs.UpdateFields(ctx, tx, job.ID, map[string]interface{}{
			"status":       types.JobStatusRunning,
			"error":        "",
			"completed_at": nil,
		})
	})
	if err != nil {
		return faults.Wrap(faults.KindInternal, "jobs", err, "re-arm task %s", taskID)
	}

	s.appendAudit(ctx, job, "task.retried", map[string]any{
		"task_id": task.ID,
		"stage":   task.Stage,
	})
	s.log.Info("Task re-armed", "job_id", job.ID, "task_id", task.ID, "stage", task.Stage)
	return nil
}

// AuditTrail returns the job's append-only history.
func (s *JobService) AuditTrail(ctx context.Context, jobID uuid.UUID, limit int) ([]*types.AuditEntry, error) {
	return s.audit.ListByEntity(ctx, nil, "job", jobID, limit)
}

func (s *JobService) appendAudit(ctx context.Context, job *types.TranscriptionJob, action string, detail map[string]any) {
	entry := &types.AuditEntry{
		TenantID:   job.TenantID,
		Action:     action,
		EntityType: "job",
		EntityID:   job.ID,
		RequestID:  job.RequestID,
		TraceID:    job.TraceID,
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			entry.Detail = datatypes.JSON(raw)
		}
	}
	if err := s.audit.Append(ctx, nil, entry); err != nil {
		s.log.Warn("audit append failed", "job_id", job.ID, "action", action, "error", err)
	}
}
