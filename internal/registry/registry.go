package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// Engine statuses. Realtime workers reuse the same registry with
// StatusReady/StatusBusy in place of idle/processing.
const (
	StatusIdle       = "idle"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusBusy       = "busy"
	StatusDraining   = "draining"
	StatusOffline    = "offline"
)

// StageRealtime is the pseudo-stage realtime workers register under.
const StageRealtime = "realtime"

// EngineState is the volatile liveness record for one engine or realtime
// worker process. Identities (names, stages, capabilities) are authored
// configuration; this state is high-churn and fully recoverable, which is
// why it lives in the KV coordinator and not the durable store.
type EngineState struct {
	EngineID      string    `json:"engine_id"`
	Stage         string    `json:"stage"`
	Queue         string    `json:"queue"`
	Status        string    `json:"status"`
	CurrentTask   string    `json:"current_task,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`

	// Realtime worker fields.
	Endpoint           string   `json:"endpoint,omitempty"`
	Capacity           int      `json:"capacity,omitempty"`
	ActiveSessions     int      `json:"active_sessions,omitempty"`
	LoadedModels       []string `json:"loaded_models,omitempty"`
	SupportedLanguages []string `json:"supported_languages,omitempty"`
}

func (s *EngineState) HeartbeatFresh(staleAfter time.Duration, now time.Time) bool {
	return !s.LastHeartbeat.IsZero() && now.Sub(s.LastHeartbeat) <= staleAfter
}

// Registry tracks liveness, capability and capacity of all engine
// processes. All operations are idempotent.
type Registry interface {
	Register(ctx context.Context, state EngineState) error
	Heartbeat(ctx context.Context, engineID, status, currentTask string) error
	Unregister(ctx context.Context, engineID string) error
	Get(ctx context.Context, engineID string) (*EngineState, error)
	ListForStage(ctx context.Context, stage string) ([]*EngineState, error)
	ListAll(ctx context.Context) ([]*EngineState, error)
	// Drain stops new work from reaching the engine; in-flight work finishes.
	Drain(ctx context.Context, engineID string) error
	IsAvailable(ctx context.Context, engineID string) (bool, error)
	AnyAvailableForStage(ctx context.Context, stage string) (bool, error)
	// MarkOfflineIfStale flips status to offline only while the heartbeat is
	// still older than staleAfter, so a worker that resurrected in between
	// keeps its fresh state.
	MarkOfflineIfStale(ctx context.Context, engineID string, staleAfter time.Duration) (bool, error)
	SweepStale(ctx context.Context) (int, error)
}

type Config struct {
	HeartbeatStale time.Duration // offline threshold, default 60s
}

type registryService struct {
	log *logger.Logger
	kv  redisclient.KV
	cfg Config
}

func New(log *logger.Logger, kv redisclient.KV, cfg Config) Registry {
	if cfg.HeartbeatStale <= 0 {
		cfg.HeartbeatStale = 60 * time.Second
	}
	return &registryService{
		log: log.With("component", "EngineRegistry"),
		kv:  kv,
		cfg: cfg,
	}
}

func engineKey(engineID string) string { return "engine:" + engineID }

func stageSet(stage string) string { return "engines:stage:" + stage }

const allEnginesSet = "engines"

// legacyHeartbeatKey is the pre-registry liveness key some engine builds
// still write. IsAvailable falls back to it during the migration window.
func legacyHeartbeatKey(engineID string) string { return "heartbeat:" + engineID }

func activeSessionsKey(engineID string) string { return "worker:" + engineID + ":active_sessions" }

// SessionSetKey is the audit mirror of the active-session counter.
func SessionSetKey(engineID string) string { return "worker:" + engineID + ":sessions" }

// ActiveSessionsKey exposes the counter key for the session router, which
// owns all mutations of it.
func ActiveSessionsKey(engineID string) string { return activeSessionsKey(engineID) }

func (r *registryService) Register(ctx context.Context, state EngineState) error {
	if strings.TrimSpace(state.EngineID) == "" {
		return fmt.Errorf("engine_id required")
	}
	now := time.Now().UTC()
	if state.RegisteredAt.IsZero() {
		state.RegisteredAt = now
	}
	if state.Status == "" {
		state.Status = StatusIdle
	}
	state.LastHeartbeat = now

	fields := map[string]any{
		"engine_id":      state.EngineID,
		"stage":          state.Stage,
		"queue":          state.Queue,
		"status":         state.Status,
		"last_heartbeat": now.UnixMilli(),
		"registered_at":  state.RegisteredAt.UnixMilli(),
	}
	if len(state.Capabilities) > 0 {
		fields["capabilities"] = mustJSON(state.Capabilities)
	}
	if state.Endpoint != "" {
		fields["endpoint"] = state.Endpoint
	}
	if state.Capacity > 0 {
		fields["capacity"] = state.Capacity
	}
	if len(state.LoadedModels) > 0 {
		fields["loaded_models"] = mustJSON(state.LoadedModels)
	}
	if len(state.SupportedLanguages) > 0 {
		fields["supported_languages"] = mustJSON(state.SupportedLanguages)
	}
	if err := r.kv.HashSet(ctx, engineKey(state.EngineID), fields); err != nil {
		return fmt.Errorf("register %s: %w", state.EngineID, err)
	}
	if err := r.kv.SetAdd(ctx, allEnginesSet, state.EngineID); err != nil {
		return err
	}
	if state.Stage != "" {
		if err := r.kv.SetAdd(ctx, stageSet(state.Stage), state.EngineID); err != nil {
			return err
		}
	}
	r.log.Info("Engine registered", "engine_id", state.EngineID, "stage", state.Stage, "queue", state.Queue)
	return nil
}

func (r *registryService) Heartbeat(ctx context.Context, engineID, status, currentTask string) error {
	if strings.TrimSpace(engineID) == "" {
		return fmt.Errorf("engine_id required")
	}
	existing, err := r.kv.HashGetAll(ctx, engineKey(engineID))
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		// Tolerates registry restart ordering: the record is recreated from
		// the heartbeat alone, minus identity fields.
		r.log.Warn("Heartbeat for unknown engine; recreating liveness record", "engine_id", engineID)
		if err := r.kv.SetAdd(ctx, allEnginesSet, engineID); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	fields := map[string]any{
		"engine_id":      engineID,
		"status":         status,
		"last_heartbeat": now.UnixMilli(),
	}
	if currentTask != "" {
		fields["current_task"] = currentTask
	} else {
		fields["current_task"] = ""
	}
	return r.kv.HashSet(ctx, engineKey(engineID), fields)
}

func (r *registryService) Unregister(ctx context.Context, engineID string) error {
	if strings.TrimSpace(engineID) == "" {
		return nil
	}
	state, err := r.Get(ctx, engineID)
	if err != nil {
		return err
	}
	if err := r.kv.SetRemove(ctx, allEnginesSet, engineID); err != nil {
		return err
	}
	if state != nil && state.Stage != "" {
		if err := r.kv.SetRemove(ctx, stageSet(state.Stage), engineID); err != nil {
			return err
		}
	}
	if err := r.kv.HashSet(ctx, engineKey(engineID), map[string]any{"status": StatusOffline}); err != nil {
		return err
	}
	r.log.Info("Engine unregistered", "engine_id", engineID)
	return nil
}

func (r *registryService) Get(ctx context.Context, engineID string) (*EngineState, error) {
	fields, err := r.kv.HashGetAll(ctx, engineKey(engineID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	state := decodeState(fields)
	n, _, err := r.activeSessions(ctx, engineID)
	if err != nil {
		return nil, err
	}
	state.ActiveSessions = n
	return state, nil
}

func (r *registryService) ListForStage(ctx context.Context, stage string) ([]*EngineState, error) {
	ids, err := r.kv.SetMembers(ctx, stageSet(stage))
	if err != nil {
		return nil, err
	}
	out := make([]*EngineState, 0, len(ids))
	for _, id := range ids {
		state, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if state != nil {
			out = append(out, state)
		}
	}
	return out, nil
}

func (r *registryService) ListAll(ctx context.Context) ([]*EngineState, error) {
	ids, err := r.kv.SetMembers(ctx, allEnginesSet)
	if err != nil {
		return nil, err
	}
	out := make([]*EngineState, 0, len(ids))
	for _, id := range ids {
		state, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if state != nil {
			out = append(out, state)
		}
	}
	return out, nil
}

func (r *registryService) Drain(ctx context.Context, engineID string) error {
	state, err := r.Get(ctx, engineID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("engine %s not registered", engineID)
	}
	if err := r.kv.HashSet(ctx, engineKey(engineID), map[string]any{"status": StatusDraining}); err != nil {
		return err
	}
	r.log.Info("Engine draining", "engine_id", engineID, "stage", state.Stage)
	return nil
}

func (r *registryService) IsAvailable(ctx context.Context, engineID string) (bool, error) {
	state, err := r.Get(ctx, engineID)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if state != nil {
		if state.Status == StatusOffline || state.Status == StatusDraining {
			return false, nil
		}
		if state.HeartbeatFresh(r.cfg.HeartbeatStale, now) {
			return true, nil
		}
	}
	// Migration shim: some engine builds only refresh the legacy TTL'd
	// heartbeat key. Remove once every engine runs the current harness.
	_, found, err := r.kv.Get(ctx, legacyHeartbeatKey(engineID))
	if err != nil {
		return false, err
	}
	if found {
		r.log.Warn("Engine availability resolved via deprecated legacy heartbeat key", "engine_id", engineID)
		return true, nil
	}
	return false, nil
}

func (r *registryService) AnyAvailableForStage(ctx context.Context, stage string) (bool, error) {
	ids, err := r.kv.SetMembers(ctx, stageSet(stage))
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		ok, err := r.IsAvailable(ctx, id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *registryService) MarkOfflineIfStale(ctx context.Context, engineID string, staleAfter time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	return r.kv.HashSetIfFieldBefore(ctx, engineKey(engineID), "last_heartbeat", cutoff, map[string]any{
		"status": StatusOffline,
	})
}

// SweepStale marks engines whose heartbeat aged past the threshold as
// offline and publishes engine.offline. The conditional hash write avoids
// racing an engine that resurrected between the read and the write.
func (r *registryService) SweepStale(ctx context.Context) (int, error) {
	ids, err := r.kv.SetMembers(ctx, allEnginesSet)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-r.cfg.HeartbeatStale)
	swept := 0
	for _, id := range ids {
		fields, err := r.kv.HashGetAll(ctx, engineKey(id))
		if err != nil {
			return swept, err
		}
		if len(fields) == 0 {
			continue
		}
		state := decodeState(fields)
		if state.Status == StatusOffline {
			continue
		}
		if state.HeartbeatFresh(r.cfg.HeartbeatStale, time.Now().UTC()) {
			continue
		}
		applied, err := r.kv.HashSetIfFieldBefore(ctx, engineKey(id), "last_heartbeat", cutoff, map[string]any{
			"status": StatusOffline,
		})
		if err != nil {
			return swept, err
		}
		if !applied {
			continue
		}
		swept++
		r.log.Warn("Engine marked offline by sweeper", "engine_id", id, "stage", state.Stage, "last_heartbeat", state.LastHeartbeat)
		_ = r.kv.Publish(ctx, types.ChannelEngineOffline, types.EngineOffline{
			EngineID: id,
			Stage:    types.Stage(state.Stage),
		})
	}
	return swept, nil
}

// StartSweeper runs SweepStale on a ticker until ctx is done.
func StartSweeper(ctx context.Context, log *logger.Logger, reg Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := reg.SweepStale(ctx); err != nil {
					log.Warn("Registry sweep failed", "error", err)
				}
			}
		}
	}()
}

func (r *registryService) activeSessions(ctx context.Context, engineID string) (int, bool, error) {
	raw, found, err := r.kv.Get(ctx, activeSessionsKey(engineID))
	if err != nil || !found {
		return 0, found, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, nil
	}
	if n < 0 {
		n = 0
	}
	return n, true, nil
}

func decodeState(fields map[string]string) *EngineState {
	state := &EngineState{
		EngineID:    fields["engine_id"],
		Stage:       fields["stage"],
		Queue:       fields["queue"],
		Status:      fields["status"],
		CurrentTask: fields["current_task"],
		Endpoint:    fields["endpoint"],
	}
	if ms, err := strconv.ParseInt(fields["last_heartbeat"], 10, 64); err == nil {
		state.LastHeartbeat = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["registered_at"], 10, 64); err == nil {
		state.RegisteredAt = time.UnixMilli(ms).UTC()
	}
	if n, err := strconv.Atoi(fields["capacity"]); err == nil {
		state.Capacity = n
	}
	if raw := fields["capabilities"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &state.Capabilities)
	}
	if raw := fields["loaded_models"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &state.LoadedModels)
	}
	if raw := fields["supported_languages"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &state.SupportedLanguages)
	}
	return state
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
