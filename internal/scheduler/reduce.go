package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/scribehub-backend/internal/dag"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// handleJobCreated builds the job's task graph, persists it and marks the
// roots ready. Replays are harmless: an existing graph short-circuits.
func (s *Scheduler) handleJobCreated(ctx context.Context, ev types.JobCreated) error {
	job, err := s.jobs.GetByID(ctx, nil, ev.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		s.log.Warn("job.created for unknown job", "job_id", ev.JobID)
		return nil
	}
	if types.JobStatusTerminal(job.Status) {
		return nil
	}
	existing, err := s.tasks.GetByJob(ctx, nil, job.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	var params types.JobParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return s.failJob(ctx, job, fmt.Sprintf("unreadable job params: %v", err))
	}
	defs, err := dag.Build(params, s.variants)
	if err != nil {
		return s.failJob(ctx, job, err.Error())
	}

	// Stage -> task ID, in one pass; Build emits stages in pipeline order so
	// every dependency precedes its dependent.
	idByStage := map[types.Stage]uuid.UUID{}
	tasks := make([]*types.PipelineTask, 0, len(defs))
	for _, def := range defs {
		id := uuid.New()
		idByStage[def.Stage] = id
		deps := make([]types.TaskDep, 0, len(def.DependsOn))
		for _, edge := range def.DependsOn {
			deps = append(deps, types.TaskDep{
				TaskID:   idByStage[edge.Stage],
				Stage:    string(edge.Stage),
				Required: edge.Required,
			})
		}
		rawDeps, _ := json.Marshal(deps)
		status := types.TaskStatusPending
		if len(deps) == 0 {
			status = types.TaskStatusReady
		}
		tasks = append(tasks, &types.PipelineTask{
			ID:          id,
			JobID:       job.ID,
			Stage:       string(def.Stage),
			EngineID:    def.EngineID,
			Status:      status,
			Required:    def.Required,
			MaxAttempts: s.cfg.MaxAttempts,
			DependsOn:   datatypes.JSON(rawDeps),
			InputURI:    job.AudioURI,
			RequestID:   job.RequestID,
			TraceID:     job.TraceID,
		})
	}
	if _, err := s.tasks.CreateBatch(ctx, nil, tasks); err != nil {
		return err
	}
	if err := s.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"status": types.JobStatusRunning,
	}); err != nil {
		return err
	}
	_ = s.audit.Append(ctx, nil, auditEntry("job.graph_built", "job", job.ID, map[string]any{
		"tasks": len(tasks),
	}, job.RequestID, job.TraceID))

	s.publishJobEvent(ctx, types.JobEvent{
		Type:   types.JobEventJobStatus,
		JobID:  job.ID,
		Status: types.JobStatusRunning,
	})
	s.log.Info("Job graph built", "job_id", job.ID, "tasks", len(tasks))

	// Dispatch the roots without waiting for the next tick.
	now := time.Now().UTC()
	for _, task := range tasks {
		if task.Status == types.TaskStatusReady {
			if err := s.dispatch(ctx, task, now); err != nil {
				s.log.Warn("root dispatch failed", "task_id", task.ID, "error", err)
			}
		}
	}
	return nil
}

// dispatch pushes a ready task onto its engine queue, or expires it when its
// engine has stayed unavailable for the whole dispatch deadline.
func (s *Scheduler) dispatch(ctx context.Context, task *types.PipelineTask, now time.Time) error {
	available, err := s.reg.IsAvailable(ctx, task.EngineID)
	if err != nil {
		return err
	}
	if !available {
		// The task waits for its stamped variant, but never past the
		// dispatch deadline; live peers on the stage don't pause the clock.
		if now.Sub(task.UpdatedAt) > s.cfg.DispatchDeadline {
			anyEngine, err := s.reg.AnyAvailableForStage(ctx, task.Stage)
			if err != nil {
				return err
			}
			message := fmt.Sprintf("no engine available for stage %s within dispatch deadline", task.Stage)
			if anyEngine {
				message = fmt.Sprintf("engine variant %s stayed unavailable past the dispatch deadline", task.EngineID)
			}
			return s.terminalTaskFailure(ctx, task, &types.TaskErrorInfo{
				Kind:    string(faults.KindEngineUnavailable),
				Message: message,
			})
		}
		return nil
	}

	job, err := s.jobs.GetByID(ctx, nil, task.JobID)
	if err != nil {
		return err
	}
	if job == nil || types.JobStatusTerminal(job.Status) {
		return nil
	}
	var params types.JobParams
	_ = json.Unmarshal(job.Params, &params)

	prior, err := s.priorOutputs(ctx, task)
	if err != nil {
		return err
	}
	payload := types.TaskPayload{
		TaskID:       task.ID,
		JobID:        task.JobID,
		Stage:        types.Stage(task.Stage),
		EngineID:     task.EngineID,
		AudioURI:     job.AudioURI,
		PriorOutputs: prior,
		Config:       params,
		EnqueuedAt:   now,
		Correlation:  types.Correlation{RequestID: task.RequestID, TraceID: task.TraceID},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.kv.Push(ctx, types.EngineQueue(task.EngineID), raw); err != nil {
		return err
	}
	applied, err := s.tasks.UpdateFieldsUnlessTerminal(ctx, nil, task.ID, map[string]interface{}{
		"queued_at":  now,
		"not_before": nil,
	})
	if err != nil {
		return err
	}
	if applied {
		s.log.Info("Task dispatched", "task_id", task.ID, "job_id", task.JobID, "stage", task.Stage, "engine_id", task.EngineID)
	}
	return nil
}

// priorOutputs collects completed upstream outputs by stage for the queue
// payload. Skipped enriching dependencies are simply absent.
func (s *Scheduler) priorOutputs(ctx context.Context, task *types.PipelineTask) (map[string]string, error) {
	deps := decodeDeps(task)
	if len(deps) == 0 {
		return nil, nil
	}
	siblings, err := s.tasks.GetByJob(ctx, nil, task.JobID)
	if err != nil {
		return nil, err
	}
	byID := map[uuid.UUID]*types.PipelineTask{}
	for _, t := range siblings {
		byID[t.ID] = t
	}
	out := map[string]string{}
	for _, dep := range deps {
		if upstream := byID[dep.TaskID]; upstream != nil && upstream.Status == types.TaskStatusCompleted {
			out[upstream.Stage] = upstream.OutputURI
		}
	}
	return out, nil
}

// handleProgress moves a queued task to running on its first progress
// report and fans the event out to the job's watchers.
func (s *Scheduler) handleProgress(ctx context.Context, ev types.ProgressEvent) error {
	task, err := s.tasks.GetByID(ctx, nil, ev.TaskID)
	if err != nil || task == nil {
		return err
	}
	if task.Status == types.TaskStatusReady {
		now := time.Now().UTC()
		applied, err := s.tasks.UpdateFieldsUnlessTerminal(ctx, nil, task.ID, map[string]interface{}{
			"status":     types.TaskStatusRunning,
			"started_at": now,
		})
		if err != nil {
			return err
		}
		if applied {
			s.publishJobEvent(ctx, types.JobEvent{
				Type:   types.JobEventTaskStatus,
				JobID:  task.JobID,
				TaskID: task.ID,
				Stage:  types.Stage(task.Stage),
				Status: types.TaskStatusRunning,
			})
		}
	}
	s.publishJobEvent(ctx, types.JobEvent{
		Type:    types.JobEventTaskProgress,
		JobID:   ev.JobID,
		TaskID:  ev.TaskID,
		Stage:   ev.Stage,
		Percent: ev.Percent,
		Message: ev.Message,
	})
	return nil
}

// handleCompletion is the reducer step for task.completed, success or
// failure. Events for already-terminal tasks are dropped.
func (s *Scheduler) handleCompletion(ctx context.Context, ev types.TaskCompletion) error {
	task, err := s.tasks.GetByID(ctx, nil, ev.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		s.log.Warn("completion for unknown task", "task_id", ev.TaskID)
		return nil
	}
	if types.TaskStatusTerminal(task.Status) {
		s.log.Debug("duplicate completion ignored", "task_id", task.ID, "status", task.Status)
		return nil
	}

	if ev.Status == types.TaskStatusCompleted {
		return s.completeTask(ctx, task, ev)
	}
	return s.failTask(ctx, task, ev)
}

func (s *Scheduler) completeTask(ctx context.Context, task *types.PipelineTask, ev types.TaskCompletion) error {
	now := time.Now().UTC()
	applied, err := s.tasks.UpdateFieldsUnlessTerminal(ctx, nil, task.ID, map[string]interface{}{
		"status":       types.TaskStatusCompleted,
		"output_uri":   ev.OutputURI,
		"completed_at": now,
		"error":        "",
		"error_kind":   "",
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	task.Status = types.TaskStatusCompleted
	task.OutputURI = ev.OutputURI
	s.log.Info("Task completed", "task_id", task.ID, "job_id", task.JobID, "stage", task.Stage, "duration_ms", ev.DurationMS)
	s.publishJobEvent(ctx, types.JobEvent{
		Type:   types.JobEventTaskStatus,
		JobID:  task.JobID,
		TaskID: task.ID,
		Stage:  types.Stage(task.Stage),
		Status: types.TaskStatusCompleted,
	})
	return s.advance(ctx, task.JobID)
}

func (s *Scheduler) failTask(ctx context.Context, task *types.PipelineTask, ev types.TaskCompletion) error {
	attempts := task.Attempts + 1
	retryable := ev.Error != nil && ev.Error.Retryable
	if attempts < task.MaxAttempts && retryable {
		notBefore := time.Now().UTC().Add(s.backoff(attempts))
		applied, err := s.tasks.UpdateFieldsUnlessTerminal(ctx, nil, task.ID, map[string]interface{}{
			"status":     types.TaskStatusReady,
			"attempts":   attempts,
			"queued_at":  nil,
			"started_at": nil,
			"not_before": notBefore,
			"error":      errMessage(ev.Error),
			"error_kind": errKind(ev.Error),
		})
		if err != nil {
			return err
		}
		if applied {
			s.log.Warn("Task retry scheduled", "task_id", task.ID, "stage", task.Stage,
				"attempt", attempts, "max_attempts", task.MaxAttempts, "not_before", notBefore)
		}
		return nil
	}
	task.Attempts = attempts
	return s.terminalTaskFailure(ctx, task, ev.Error)
}

// terminalTaskFailure records a task's final failure. An optional task is
// marked skipped and the graph continues; a required one fails the job and
// cancels everything still in flight.
func (s *Scheduler) terminalTaskFailure(ctx context.Context, task *types.PipelineTask, info *types.TaskErrorInfo) error {
	now := time.Now().UTC()
	status := types.TaskStatusFailed
	if !task.Required {
		status = types.TaskStatusSkipped
	}
	applied, err := s.tasks.UpdateFieldsUnlessTerminal(ctx, nil, task.ID, map[string]interface{}{
		"status":       status,
		"attempts":     task.Attempts,
		"completed_at": now,
		"error":        errMessage(info),
		"error_kind":   errKind(info),
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.log.Warn("Task failed terminally", "task_id", task.ID, "job_id", task.JobID,
		"stage", task.Stage, "status", status, "kind", errKind(info))
	s.publishJobEvent(ctx, types.JobEvent{
		Type:   types.JobEventTaskStatus,
		JobID:  task.JobID,
		TaskID: task.ID,
		Stage:  types.Stage(task.Stage),
		Status: status,
		Error:  errMessage(info),
	})
	_ = s.audit.Append(ctx, nil, auditEntry("task.failed", "task", task.ID, map[string]any{
		"stage":  task.Stage,
		"status": status,
		"kind":   errKind(info),
	}, task.RequestID, task.TraceID))

	if task.Required && status == types.TaskStatusFailed {
		return s.failJobCascade(ctx, task, info)
	}
	return s.advance(ctx, task.JobID)
}

// failJobCascade fails the job after a required task's terminal failure and
// cancels every non-terminal sibling.
func (s *Scheduler) failJobCascade(ctx context.Context, failed *types.PipelineTask, info *types.TaskErrorInfo) error {
	siblings, err := s.tasks.GetByJob(ctx, nil, failed.JobID)
	if err != nil {
		return err
	}
	for _, t := range siblings {
		if t.ID == failed.ID || types.TaskStatusTerminal(t.Status) {
			continue
		}
		if err := s.cancelTask(ctx, t); err != nil {
			return err
		}
	}
	job, err := s.jobs.GetByID(ctx, nil, failed.JobID)
	if err != nil || job == nil {
		return err
	}
	return s.finishJob(ctx, job, types.JobStatusFailed, map[string]interface{}{
		"error": fmt.Sprintf("stage %s failed: %s", failed.Stage, errMessage(info)),
	})
}

func (s *Scheduler) cancelTask(ctx context.Context, task *types.PipelineTask) error {
	applied, err := s.tasks.UpdateFieldsUnlessTerminal(ctx, nil, task.ID, map[string]interface{}{
		"status":       types.TaskStatusCancelled,
		"completed_at": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if task.Status == types.TaskStatusRunning {
		// Best effort; the engine checks between I/O steps.
		_ = s.kv.Publish(ctx, types.TaskCancelChannel(task.ID), types.CancelRequest{
			JobID:       task.JobID,
			Correlation: types.Correlation{RequestID: task.RequestID, TraceID: task.TraceID},
		})
	}
	s.publishJobEvent(ctx, types.JobEvent{
		Type:   types.JobEventTaskStatus,
		JobID:  task.JobID,
		TaskID: task.ID,
		Stage:  types.Stage(task.Stage),
		Status: types.TaskStatusCancelled,
	})
	return nil
}

// handleCancel transitions every non-terminal task to cancelled and writes
// the job's terminal status. Completed work is preserved.
func (s *Scheduler) handleCancel(ctx context.Context, ev types.CancelRequest) error {
	job, err := s.jobs.GetByID(ctx, nil, ev.JobID)
	if err != nil || job == nil {
		return err
	}
	if types.JobStatusTerminal(job.Status) {
		return nil
	}
	tasks, err := s.tasks.GetByJob(ctx, nil, job.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if types.TaskStatusTerminal(t.Status) {
			continue
		}
		if err := s.cancelTask(ctx, t); err != nil {
			return err
		}
	}
	_ = s.audit.Append(ctx, nil, auditEntry("job.cancelled", "job", job.ID, nil, ev.Correlation.RequestID, ev.Correlation.TraceID))
	return s.finishJob(ctx, job, types.JobStatusCancelled, nil)
}

// advance re-evaluates schedulability across the job after any terminal
// transition, promotes eligible tasks and finalizes the job when every
// task is terminal.
func (s *Scheduler) advance(ctx context.Context, jobID uuid.UUID) error {
	tasks, err := s.tasks.GetByJob(ctx, nil, jobID)
	if err != nil {
		return err
	}
	byID := map[uuid.UUID]*types.PipelineTask{}
	terminal := 0
	for _, t := range tasks {
		byID[t.ID] = t
		if types.TaskStatusTerminal(t.Status) {
			terminal++
		}
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Status != types.TaskStatusPending {
			continue
		}
		eligible, skip := evalDeps(t, byID)
		if skip {
			if err := s.skipForDependency(ctx, t); err != nil {
				return err
			}
			terminal++
			continue
		}
		if !eligible {
			continue
		}
		applied, err := s.tasks.UpdateFieldsUnlessTerminal(ctx, nil, t.ID, map[string]interface{}{
			"status": types.TaskStatusReady,
		})
		if err != nil {
			return err
		}
		if applied {
			t.Status = types.TaskStatusReady
			t.UpdatedAt = now
			if err := s.dispatch(ctx, t, now); err != nil {
				s.log.Warn("eager dispatch failed", "task_id", t.ID, "error", err)
			}
		}
	}

	progress := 0
	if len(tasks) > 0 {
		progress = terminal * 100 / len(tasks)
	}
	if terminal < len(tasks) {
		return s.jobs.UpdateFields(ctx, nil, jobID, map[string]interface{}{"progress": progress})
	}
	return s.finalize(ctx, jobID, tasks)
}

// skipForDependency marks an optional task skipped because a required
// upstream dependency did not complete.
func (s *Scheduler) skipForDependency(ctx context.Context, task *types.PipelineTask) error {
	applied, err := s.tasks.UpdateFieldsUnlessTerminal(ctx, nil, task.ID, map[string]interface{}{
		"status":       types.TaskStatusSkipped,
		"completed_at": time.Now().UTC(),
		"error":        "required dependency did not complete",
		"error_kind":   string(faults.KindDependencySkipped),
	})
	if err != nil || !applied {
		return err
	}
	task.Status = types.TaskStatusSkipped
	s.publishJobEvent(ctx, types.JobEvent{
		Type:   types.JobEventTaskStatus,
		JobID:  task.JobID,
		TaskID: task.ID,
		Stage:  types.Stage(task.Stage),
		Status: types.TaskStatusSkipped,
	})
	return nil
}

// finalize writes the job's terminal state once every task is terminal.
func (s *Scheduler) finalize(ctx context.Context, jobID uuid.UUID, tasks []*types.PipelineTask) error {
	job, err := s.jobs.GetByID(ctx, nil, jobID)
	if err != nil || job == nil {
		return err
	}
	if types.JobStatusTerminal(job.Status) {
		return nil
	}
	transcriptURI := ""
	for _, t := range tasks {
		if t.Required && t.Status != types.TaskStatusCompleted {
			// failJobCascade or handleCancel already owns this outcome.
			return nil
		}
		if t.Stage == string(types.StageMerge) {
			transcriptURI = t.OutputURI
		}
	}
	return s.finishJob(ctx, job, types.JobStatusCompleted, map[string]interface{}{
		"transcript_uri": transcriptURI,
	})
}

func (s *Scheduler) finishJob(ctx context.Context, job *types.TranscriptionJob, status string, extra map[string]interface{}) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
	}
	if status == types.JobStatusCompleted {
		updates["progress"] = 100
	}
	for k, v := range extra {
		updates[k] = v
	}
	applied, err := s.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID,
		[]string{types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled}, updates)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	job.Status = status
	job.CompletedAt = &now
	if uri, ok := extra["transcript_uri"].(string); ok {
		job.TranscriptURI = uri
	}
	if msg, ok := extra["error"].(string); ok {
		job.Error = msg
	}
	s.log.Info("Job finished", "job_id", job.ID, "status", status)
	s.publishJobEvent(ctx, types.JobEvent{
		Type:   types.JobEventJobStatus,
		JobID:  job.ID,
		Status: status,
		Error:  job.Error,
	})
	_ = s.audit.Append(ctx, nil, auditEntry("job."+status, "job", job.ID, nil, job.RequestID, job.TraceID))
	if s.hook != nil {
		s.hook.JobFinished(ctx, job)
	}
	return nil
}

func (s *Scheduler) failJob(ctx context.Context, job *types.TranscriptionJob, msg string) error {
	return s.finishJob(ctx, job, types.JobStatusFailed, map[string]interface{}{"error": msg})
}

// evalDeps decides whether a pending task can run. skip=true means a
// required upstream dependency terminated without completing, so the task
// can never run; for optional tasks that means skipped, and required tasks
// never reach here because the job fails first.
func evalDeps(task *types.PipelineTask, byID map[uuid.UUID]*types.PipelineTask) (eligible, skip bool) {
	deps := decodeDeps(task)
	for _, dep := range deps {
		upstream := byID[dep.TaskID]
		if upstream == nil {
			return false, true
		}
		if dep.Required {
			switch upstream.Status {
			case types.TaskStatusCompleted:
			case types.TaskStatusFailed, types.TaskStatusSkipped, types.TaskStatusCancelled:
				return false, true
			default:
				return false, false
			}
			continue
		}
		// Enriching dependency: wait for it to settle, then run either way.
		if !types.TaskStatusTerminal(upstream.Status) {
			return false, false
		}
	}
	return true, false
}

func decodeDeps(task *types.PipelineTask) []types.TaskDep {
	if len(task.DependsOn) == 0 {
		return nil
	}
	var deps []types.TaskDep
	if err := json.Unmarshal(task.DependsOn, &deps); err != nil {
		return nil
	}
	return deps
}

func errMessage(info *types.TaskErrorInfo) string {
	if info == nil {
		return ""
	}
	return info.Message
}

func errKind(info *types.TaskErrorInfo) string {
	if info == nil {
		return string(faults.KindInternal)
	}
	return info.Kind
}

func auditEntry(action, entityType string, entityID uuid.UUID, detail map[string]any, requestID, traceID string) *types.AuditEntry {
	var raw datatypes.JSON
	if detail != nil {
		b, _ := json.Marshal(detail)
		raw = datatypes.JSON(b)
	}
	return &types.AuditEntry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     raw,
		RequestID:  requestID,
		TraceID:    traceID,
	}
}
