package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scribehub-backend/internal/clients/gcp"
	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/registry"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// TaskInput is the narrow surface an engine implementation sees.
type TaskInput struct {
	TaskID       uuid.UUID
	JobID        uuid.UUID
	Stage        types.Stage
	Audio        []byte
	AudioURI     string
	PriorOutputs map[string]string
	Config       types.JobParams
	Correlation  types.Correlation

	// Fetch resolves a prior-output URI to its bytes.
	Fetch func(ctx context.Context, uri string) ([]byte, error)
	// Progress reports percent and message; the harness throttles it.
	Progress func(percent int, message string)
	// Cancelled is closed when a best-effort cancellation arrives. Engines
	// should check it between I/O steps.
	Cancelled <-chan struct{}
}

// Artifact is one output blob; Key is relative to the task's artifact
// prefix ("" means the bare deterministic key).
type Artifact struct {
	Suffix string
	Data   []byte
}

type TaskOutput struct {
	Artifacts []Artifact
	Metrics   map[string]float64
}

// Engine is the capability contract each stage binary implements.
type Engine interface {
	EngineID() string
	Stage() types.Stage
	Process(ctx context.Context, in TaskInput) (TaskOutput, error)
}

type Config struct {
	Heartbeat    time.Duration // default 10s
	Lease        time.Duration // queue visibility lease, default 5m
	PopBlock     time.Duration // blocking pop window, default 5s
	Capabilities []string
}

func (c *Config) setDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.PopBlock <= 0 {
		c.PopBlock = 5 * time.Second
	}
}

// Harness wraps an Engine with registration, heartbeats, the leased queue
// loop, artifact I/O and completion publishing. One harness per engine
// process.
type Harness struct {
	log    *logger.Logger
	kv     redisclient.KV
	store  gcp.ArtifactStore
	reg    registry.Registry
	engine Engine
	cfg    Config

	mu          sync.Mutex
	currentTask string
	draining    bool
}

func New(log *logger.Logger, kv redisclient.KV, store gcp.ArtifactStore, reg registry.Registry, engine Engine, cfg Config) *Harness {
	cfg.setDefaults()
	return &Harness{
		log:    log.With("component", "Harness", "engine_id", engine.EngineID(), "stage", engine.Stage()),
		kv:     kv,
		store:  store,
		reg:    reg,
		engine: engine,
		cfg:    cfg,
	}
}

func (h *Harness) queue() string { return types.EngineQueue(h.engine.EngineID()) }

// Run registers the engine and processes tasks until ctx is cancelled, then
// drains: the in-flight task finishes, no new one is popped.
func (h *Harness) Run(ctx context.Context) error {
	err := h.reg.Register(ctx, registry.EngineState{
		EngineID:     h.engine.EngineID(),
		Stage:        string(h.engine.Stage()),
		Queue:        h.queue(),
		Capabilities: h.cfg.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("harness register: %w", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go h.heartbeatLoop(heartbeatCtx)

	// Flip to draining as soon as shutdown is requested so heartbeats
	// report it while the in-flight task finishes.
	go func() {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.draining = true
			h.mu.Unlock()
		case <-heartbeatCtx.Done():
		}
	}()

	h.log.Info("Harness started")
	for {
		select {
		case <-ctx.Done():
			return h.shutdown()
		default:
		}
		entry, err := h.kv.PopLease(ctx, h.queue(), h.cfg.Lease, h.cfg.PopBlock)
		if err != nil {
			if ctx.Err() != nil {
				return h.shutdown()
			}
			h.log.Warn("queue pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if entry == nil {
			continue
		}
		h.runEntry(ctx, entry)
	}
}

func (h *Harness) shutdown() error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.reg.Heartbeat(ctx, h.engine.EngineID(), registry.StatusDraining, "")
	if err := h.reg.Unregister(ctx, h.engine.EngineID()); err != nil {
		h.log.Warn("unregister failed", "error", err)
	}
	h.log.Info("Harness drained")
	return nil
}

func (h *Harness) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			status := registry.StatusIdle
			if h.draining {
				status = registry.StatusDraining
			} else if h.currentTask != "" {
				status = registry.StatusProcessing
			}
			task := h.currentTask
			h.mu.Unlock()
			if err := h.reg.Heartbeat(ctx, h.engine.EngineID(), status, task); err != nil {
				h.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// runEntry executes one leased queue entry end to end. The entry is acked
// on success and on deterministic failure; on a crash the lease lapses and
// the task is reclaimed, which is why output keys are deterministic.
// The run ctx only gates popping: a shutdown mid-task must not abort the
// work or its completion publish, so the entry runs on a detached context
// bounded by the lease (past the lease the entry is reclaimable anyway,
// and finishing late would duplicate the completion).
func (h *Harness) runEntry(runCtx context.Context, entry *redisclient.LeasedEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), h.cfg.Lease)
	defer cancel()

	var payload types.TaskPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		h.log.Error("undecodable task payload; dropping", "error", err)
		_ = h.kv.Ack(ctx, entry)
		return
	}
	log := h.log.With("task_id", payload.TaskID, "job_id", payload.JobID,
		"request_id", payload.Correlation.RequestID, "trace_id", payload.Correlation.TraceID)

	h.mu.Lock()
	h.currentTask = payload.TaskID.String()
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.currentTask = ""
		h.mu.Unlock()
	}()

	started := time.Now()
	output, err := h.process(ctx, log, payload)
	duration := time.Since(started).Milliseconds()

	completion := types.TaskCompletion{
		TaskID:      payload.TaskID,
		JobID:       payload.JobID,
		DurationMS:  duration,
		Correlation: payload.Correlation,
	}
	if err != nil {
		completion.Status = types.TaskStatusFailed
		completion.Error = &types.TaskErrorInfo{
			Kind:      string(faults.KindOf(err)),
			Message:   err.Error(),
			Retryable: faults.IsRetryable(err),
		}
		log.Warn("Task failed", "kind", completion.Error.Kind, "retryable", completion.Error.Retryable, "error", err)
	} else {
		completion.Status = types.TaskStatusCompleted
		completion.OutputURI = output.uri
		completion.Metrics = output.metrics
		log.Info("Task succeeded", "duration_ms", duration, "output_uri", output.uri)
	}

	if pubErr := h.kv.Publish(ctx, types.ChannelTaskCompleted, completion); pubErr != nil {
		// Leave the entry leased; after expiry it is reclaimed and re-run.
		log.Error("completion publish failed; leaving lease to expire", "error", pubErr)
		return
	}
	if ackErr := h.kv.Ack(ctx, entry); ackErr != nil {
		log.Warn("queue ack failed", "error", ackErr)
	}
}

type processed struct {
	uri     string
	metrics map[string]float64
}

func (h *Harness) process(ctx context.Context, log *logger.Logger, payload types.TaskPayload) (*processed, error) {
	cancelCh, stopCancelWatch := h.watchCancellation(ctx, payload.TaskID)
	defer stopCancelWatch()

	audio, err := h.fetch(ctx, payload.AudioURI)
	if err != nil {
		return nil, faults.Wrap(faults.KindInputFetch, "harness", err, "fetch audio %s", payload.AudioURI)
	}

	reporter := h.newProgressReporter(ctx, payload)
	defer reporter.flush(ctx)
	reporter.report(ctx, 0, "started")

	out, err := h.engine.Process(ctx, TaskInput{
		TaskID:       payload.TaskID,
		JobID:        payload.JobID,
		Stage:        payload.Stage,
		Audio:        audio,
		AudioURI:     payload.AudioURI,
		PriorOutputs: payload.PriorOutputs,
		Config:       payload.Config,
		Correlation:  payload.Correlation,
		Fetch:        h.fetch,
		Progress: func(percent int, message string) {
			reporter.report(ctx, percent, message)
		},
		Cancelled: cancelCh,
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-cancelCh:
		return nil, faults.New(faults.KindCancelled, "harness", "task cancelled").WithRetryable(false)
	default:
	}

	uri := ""
	baseKey := gcp.ArtifactKey(payload.JobID, string(payload.Stage), payload.TaskID)
	for i, artifact := range out.Artifacts {
		key := baseKey + artifact.Suffix
		if err := h.store.Upload(ctx, gcp.BucketCategoryArtifact, key, bytes.NewReader(artifact.Data)); err != nil {
			return nil, faults.Wrap(faults.KindOutputUpload, "harness", err, "upload artifact %s", key)
		}
		if i == 0 {
			uri = h.store.URIFor(gcp.BucketCategoryArtifact, key)
		}
	}
	reporter.report(ctx, 100, "done")
	return &processed{uri: uri, metrics: out.Metrics}, nil
}

func (h *Harness) fetch(ctx context.Context, uri string) ([]byte, error) {
	rc, err := h.store.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// watchCancellation subscribes to the task's cancel channel and closes the
// returned channel on the first message.
func (h *Harness) watchCancellation(ctx context.Context, taskID uuid.UUID) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	sub, err := h.kv.Subscribe(ctx, types.TaskCancelChannel(taskID))
	if err != nil {
		h.log.Warn("cancel subscription failed", "task_id", taskID, "error", err)
		return ch, func() {}
	}
	done := make(chan struct{})
	go func() {
		defer sub.Close()
		select {
		case <-done:
		case <-ctx.Done():
		case _, ok := <-sub.C():
			if ok {
				close(ch)
			}
		}
	}()
	return ch, func() { close(done) }
}
