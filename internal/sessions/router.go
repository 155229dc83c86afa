package sessions

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/realtime"
	"github.com/yungbote/scribehub-backend/internal/registry"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// Model tiers exposed to realtime clients.
const (
	TierStandard = "standard"
	TierEnhanced = "enhanced"
)

// tierModels resolves a client tier to the model a worker must have loaded.
var tierModels = map[string]string{
	TierStandard: "general-v2",
	TierEnhanced: "enhanced-v1",
}

type AcquireRequest struct {
	TenantID          uuid.UUID
	Language          string
	ModelTier         string
	Encoding          string
	SampleRate        int
	PreviousSessionID *uuid.UUID
}

type Allocation struct {
	SessionID uuid.UUID `json:"session_id"`
	WorkerID  string    `json:"worker_id"`
	Endpoint  string    `json:"endpoint"`
}

type ReleaseStats struct {
	Status          string
	AudioDurationMS int64
	UtteranceCount  int
	WordCount       int
	AudioURI        string
	TranscriptURI   string
}

type Config struct {
	WorkerStale   time.Duration // heartbeat age before a worker is declared dead, default 30s
	HealthPeriod  time.Duration // health loop period, default 10s
	RetryAfterSec int           // suggested client backoff on NoCapacity, default 5
}

func (c *Config) setDefaults() {
	if c.WorkerStale <= 0 {
		c.WorkerStale = 30 * time.Second
	}
	if c.HealthPeriod <= 0 {
		c.HealthPeriod = 10 * time.Second
	}
	if c.RetryAfterSec <= 0 {
		c.RetryAfterSec = 5
	}
}

// Router allocates realtime sessions onto workers and owns the
// active_sessions counters. Nothing else mutates them.
type Router struct {
	log      *logger.Logger
	kv       redisclient.KV
	reg      registry.Registry
	sessions repos.SessionRepo
	cfg      Config
}

func NewRouter(log *logger.Logger, kv redisclient.KV, reg registry.Registry, sessions repos.SessionRepo, cfg Config) *Router {
	cfg.setDefaults()
	return &Router{
		log:      log.With("component", "SessionRouter"),
		kv:       kv,
		reg:      reg,
		sessions: sessions,
		cfg:      cfg,
	}
}

// RetryAfter is the backoff hint returned alongside NoCapacity.
func (r *Router) RetryAfter() int { return r.cfg.RetryAfterSec }

// AcquireWorker picks the live worker with the most free slots that can
// serve the request, reserves a slot and writes the session row.
func (r *Router) AcquireWorker(ctx context.Context, req AcquireRequest) (*Allocation, error) {
	model, ok := tierModels[req.ModelTier]
	if !ok {
		return nil, faults.New(faults.KindConfiguration, "sessions", "unknown model tier: %s", req.ModelTier)
	}
	workers, err := r.reg.ListForStage(ctx, registry.StageRealtime)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	candidates := workers[:0]
	for _, w := range workers {
		if w.Status != registry.StatusReady && w.Status != registry.StatusBusy {
			continue
		}
		if !w.HeartbeatFresh(r.cfg.WorkerStale, now) {
			continue
		}
		if w.Capacity-w.ActiveSessions <= 0 {
			continue
		}
		if !hasModel(w, model) || !speaksLanguage(w, req.Language) {
			continue
		}
		candidates = append(candidates, w)
	}
	// Most free slots first; registration time breaks ties so the choice is
	// stable across routers.
	sort.SliceStable(candidates, func(i, j int) bool {
		fi := candidates[i].Capacity - candidates[i].ActiveSessions
		fj := candidates[j].Capacity - candidates[j].ActiveSessions
		if fi != fj {
			return fi > fj
		}
		return candidates[i].RegisteredAt.Before(candidates[j].RegisteredAt)
	})

	for _, w := range candidates {
		n, err := r.kv.Incr(ctx, registry.ActiveSessionsKey(w.EngineID), 1)
		if err != nil {
			return nil, err
		}
		if n > int64(w.Capacity) {
			// Lost the race for the last slot; hand it back and move on.
			_, _ = r.kv.Incr(ctx, registry.ActiveSessionsKey(w.EngineID), -1)
			continue
		}
		session, err := r.sessions.Create(ctx, nil, &types.RealtimeSession{
			TenantID:          req.TenantID,
			WorkerID:          w.EngineID,
			Language:          req.Language,
			ModelTier:         req.ModelTier,
			Encoding:          req.Encoding,
			SampleRate:        req.SampleRate,
			Status:            types.SessionStatusActive,
			PreviousSessionID: req.PreviousSessionID,
			StartedAt:         now,
		})
		if err != nil {
			_, _ = r.kv.Incr(ctx, registry.ActiveSessionsKey(w.EngineID), -1)
			return nil, err
		}
		if err := r.kv.SetAdd(ctx, registry.SessionSetKey(w.EngineID), session.ID.String()); err != nil {
			r.log.Warn("session audit set add failed", "worker_id", w.EngineID, "error", err)
		}
		r.log.Info("Session allocated", "session_id", session.ID, "worker_id", w.EngineID,
			"tier", req.ModelTier, "language", req.Language, "free_slots", int64(w.Capacity)-n)
		return &Allocation{SessionID: session.ID, WorkerID: w.EngineID, Endpoint: w.Endpoint}, nil
	}
	return nil, faults.New(faults.KindCapacityExhausted, "sessions",
		"no realtime worker has capacity for tier %s language %s", req.ModelTier, req.Language)
}

// Release ends a session, returns its worker slot and persists final
// stats. Releasing a session twice only decrements once; the terminal
// status guard tells us whether this call was the one that ended it.
func (r *Router) Release(ctx context.Context, sessionID uuid.UUID, stats ReleaseStats) error {
	session, err := r.sessions.GetByID(ctx, nil, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return faults.New(faults.KindInternal, "sessions", "unknown session %s", sessionID)
	}
	status := stats.Status
	if status == "" || status == types.SessionStatusActive {
		status = types.SessionStatusCompleted
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":   status,
		"ended_at": now,
	}
	if stats.AudioDurationMS > 0 {
		updates["audio_duration_ms"] = stats.AudioDurationMS
	}
	if stats.UtteranceCount > 0 {
		updates["utterance_count"] = stats.UtteranceCount
	}
	if stats.WordCount > 0 {
		updates["word_count"] = stats.WordCount
	}
	if stats.AudioURI != "" {
		updates["audio_uri"] = stats.AudioURI
	}
	if stats.TranscriptURI != "" {
		updates["transcript_uri"] = stats.TranscriptURI
	}
	applied, err := r.sessions.UpdateFieldsUnlessTerminal(ctx, nil, sessionID, updates)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	r.releaseSlot(ctx, session.WorkerID, sessionID)
	r.log.Info("Session released", "session_id", sessionID, "worker_id", session.WorkerID, "status", status)
	return nil
}

// Terminate is the operator path: the session is interrupted, the slot
// freed and the gateway told to close the client's stream without a
// recovery hint.
func (r *Router) Terminate(ctx context.Context, sessionID uuid.UUID, reason string) error {
	session, err := r.sessions.GetByID(ctx, nil, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return faults.New(faults.KindNotFound, "sessions", "session %s not found", sessionID)
	}
	if err := r.Release(ctx, sessionID, ReleaseStats{Status: types.SessionStatusInterrupted}); err != nil {
		return err
	}
	frame := realtime.NewFrame(realtime.EventSessionTerminated, sessionID)
	frame.Terminated = &realtime.TerminatedPayload{Reason: reason, Recoverable: false}
	if err := r.kv.Publish(ctx, types.ChannelSessionEvents, frame); err != nil {
		r.log.Warn("terminate frame publish failed", "session_id", sessionID, "error", err)
	}
	return r.kv.Publish(ctx, types.ChannelWorkerOffline, types.WorkerOffline{
		WorkerID:    session.WorkerID,
		SessionID:   sessionID,
		Reason:      reason,
		Recoverable: false,
	})
}

func (r *Router) releaseSlot(ctx context.Context, workerID string, sessionID uuid.UUID) {
	n, err := r.kv.Incr(ctx, registry.ActiveSessionsKey(workerID), -1)
	if err != nil {
		r.log.Warn("active_sessions decrement failed", "worker_id", workerID, "error", err)
		return
	}
	if n < 0 {
		// Counter drift; clamp rather than go negative.
		_, _ = r.kv.Incr(ctx, registry.ActiveSessionsKey(workerID), -n)
	}
	if err := r.kv.SetRemove(ctx, registry.SessionSetKey(workerID), sessionID.String()); err != nil {
		r.log.Warn("session audit set remove failed", "worker_id", workerID, "error", err)
	}
}

// RunHealthLoop sweeps realtime workers until ctx is done.
func (r *Router) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepWorkers(ctx); err != nil {
				r.log.Warn("worker sweep failed", "error", err)
			}
		}
	}
}

// SweepWorkers declares workers with stale heartbeats dead: the worker goes
// offline, every bound session is interrupted and a per-session offline
// event tells the gateway to send a terminated frame with a recovery hint.
func (r *Router) SweepWorkers(ctx context.Context) error {
	workers, err := r.reg.ListForStage(ctx, registry.StageRealtime)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, w := range workers {
		if w.Status == registry.StatusOffline {
			continue
		}
		if w.HeartbeatFresh(r.cfg.WorkerStale, now) {
			continue
		}
		applied, err := r.reg.MarkOfflineIfStale(ctx, w.EngineID, r.cfg.WorkerStale)
		if err != nil {
			return err
		}
		if !applied {
			// Heartbeat landed between the list and the flip.
			continue
		}
		r.log.Warn("Realtime worker lost", "worker_id", w.EngineID, "last_heartbeat", w.LastHeartbeat)
		bound, err := r.sessions.ListActiveByWorker(ctx, nil, w.EngineID)
		if err != nil {
			return err
		}
		for _, session := range bound {
			applied, err := r.sessions.UpdateFieldsUnlessTerminal(ctx, nil, session.ID, map[string]interface{}{
				"status":   types.SessionStatusInterrupted,
				"ended_at": now,
			})
			if err != nil {
				return err
			}
			if !applied {
				continue
			}
			_ = r.kv.Publish(ctx, types.ChannelWorkerOffline, types.WorkerOffline{
				WorkerID:    w.EngineID,
				SessionID:   session.ID,
				Reason:      "worker heartbeat lost",
				Recoverable: true,
			})
		}
		// The worker is gone; its slot accounting goes with it.
		_ = r.kv.Del(ctx, registry.ActiveSessionsKey(w.EngineID), registry.SessionSetKey(w.EngineID))
	}
	return nil
}

func hasModel(w *registry.EngineState, model string) bool {
	for _, m := range w.LoadedModels {
		if m == model {
			return true
		}
	}
	return false
}

func speaksLanguage(w *registry.EngineState, language string) bool {
	for _, l := range w.SupportedLanguages {
		if l == language || l == "auto" {
			return true
		}
	}
	return false
}
