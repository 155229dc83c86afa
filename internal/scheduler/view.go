package scheduler

import (
	"github.com/google/uuid"

	"github.com/yungbote/scribehub-backend/internal/types"
)

// StatusBlocked is a presentation-only status. It never appears in the
// store; the job-status view substitutes it for tasks downstream of a
// failed required stage so clients see why they stopped.
const StatusBlocked = "blocked"

// PresentedStatuses maps each task to the status the job-status view
// reports. Tasks transitively downstream of a failed required task show as
// blocked instead of their stored cancelled or skipped status.
func PresentedStatuses(tasks []*types.PipelineTask) map[uuid.UUID]string {
	out := make(map[uuid.UUID]string, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t.Status
	}

	failed := map[uuid.UUID]bool{}
	for _, t := range tasks {
		if t.Required && t.Status == types.TaskStatusFailed {
			failed[t.ID] = true
		}
	}
	if len(failed) == 0 {
		return out
	}

	// Propagate downstream in pipeline order; tasks are created in
	// dependency order so one forward pass settles the closure.
	downstream := map[uuid.UUID]bool{}
	for _, t := range tasks {
		for _, dep := range decodeDeps(t) {
			if failed[dep.TaskID] || downstream[dep.TaskID] {
				downstream[t.ID] = true
				break
			}
		}
	}
	for _, t := range tasks {
		if !downstream[t.ID] {
			continue
		}
		switch t.Status {
		case types.TaskStatusCancelled, types.TaskStatusSkipped, types.TaskStatusPending, types.TaskStatusReady:
			out[t.ID] = StatusBlocked
		}
	}
	return out
}
