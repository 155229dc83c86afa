package harness

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/scribehub-backend/internal/types"
)

// ProgressKey is the KV hash holding a task's latest progress record.
func ProgressKey(taskID string) string { return "progress:" + taskID }

const progressTTL = 24 * time.Hour

// progressReporter throttles engine progress callbacks to at most one write
// per second, always letting the terminal 100% through. The latest
// suppressed value is flushed when the task ends.
type progressReporter struct {
	h       *Harness
	payload types.TaskPayload

	mu       sync.Mutex
	last     time.Time
	pending  *types.ProgressEvent
	lastSent int
}

func (h *Harness) newProgressReporter(_ context.Context, payload types.TaskPayload) *progressReporter {
	return &progressReporter{h: h, payload: payload, lastSent: -1}
}

func (r *progressReporter) report(ctx context.Context, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	ev := types.ProgressEvent{
		TaskID:    r.payload.TaskID,
		JobID:     r.payload.JobID,
		Stage:     r.payload.Stage,
		Percent:   percent,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	throttled := time.Since(r.last) < time.Second && percent != 100 && r.lastSent >= 0
	if throttled {
		r.pending = &ev
		r.mu.Unlock()
		return
	}
	r.last = time.Now()
	r.lastSent = percent
	r.pending = nil
	r.mu.Unlock()

	r.emit(ctx, ev)
}

// flush sends the most recent suppressed report, if any.
func (r *progressReporter) flush(ctx context.Context) {
	r.mu.Lock()
	ev := r.pending
	r.pending = nil
	r.mu.Unlock()
	if ev != nil {
		r.emit(ctx, *ev)
	}
}

func (r *progressReporter) emit(ctx context.Context, ev types.ProgressEvent) {
	key := ProgressKey(ev.TaskID.String())
	err := r.h.kv.HashSet(ctx, key, map[string]any{
		"task_id":    ev.TaskID.String(),
		"job_id":     ev.JobID.String(),
		"stage":      string(ev.Stage),
		"percent":    ev.Percent,
		"message":    ev.Message,
		"updated_at": ev.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		r.h.log.Warn("progress record write failed", "task_id", ev.TaskID, "error", err)
	} else {
		_ = r.h.kv.Expire(ctx, key, progressTTL)
	}
	if err := r.h.kv.Publish(ctx, types.ChannelProgress, ev); err != nil {
		r.h.log.Warn("progress publish failed", "task_id", ev.TaskID, "error", err)
	}
}
