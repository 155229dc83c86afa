package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/dag"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/registry"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// TerminalHook is invoked once per job when the scheduler writes a terminal
// job status. The webhook dispatcher enqueues deliveries through it.
type TerminalHook interface {
	JobFinished(ctx context.Context, job *types.TranscriptionJob)
}

type Config struct {
	ReplicaID        string
	Shards           int           // scheduler shards; 1 disables sharding
	DispatchRetry    time.Duration // re-check interval for undispatchable ready tasks
	DispatchDeadline time.Duration // ready-with-no-engine gives up after this
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
	ShardLeaseTTL    time.Duration
	MaxAttempts      int
}

func (c *Config) setDefaults() {
	if c.ReplicaID == "" {
		c.ReplicaID = uuid.NewString()
	}
	if c.Shards <= 0 {
		c.Shards = 1
	}
	if c.DispatchRetry <= 0 {
		c.DispatchRetry = 2 * time.Second
	}
	if c.DispatchDeadline <= 0 {
		c.DispatchDeadline = 10 * time.Minute
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = time.Second
	}
	if c.RetryBackoffCap <= 0 {
		c.RetryBackoffCap = 4 * time.Second
	}
	if c.ShardLeaseTTL <= 0 {
		c.ShardLeaseTTL = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Scheduler is the single-writer reducer over jobs and tasks. All task
// status mutations in the system flow through its event loop; engines only
// request transitions by publishing events.
type Scheduler struct {
	log      *logger.Logger
	kv       redisclient.KV
	db       *gorm.DB
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	audit    repos.AuditRepo
	reg      registry.Registry
	variants *dag.VariantTable
	hook     TerminalHook
	cfg      Config

	owned map[int]bool
}

func New(
	log *logger.Logger,
	kv redisclient.KV,
	db *gorm.DB,
	jobs repos.JobRepo,
	tasks repos.TaskRepo,
	audit repos.AuditRepo,
	reg registry.Registry,
	variants *dag.VariantTable,
	hook TerminalHook,
	cfg Config,
) *Scheduler {
	cfg.setDefaults()
	if variants == nil {
		variants = dag.DefaultVariants()
	}
	return &Scheduler{
		log:      log.With("component", "Scheduler", "replica", cfg.ReplicaID),
		kv:       kv,
		db:       db,
		jobs:     jobs,
		tasks:    tasks,
		audit:    audit,
		reg:      reg,
		variants: variants,
		hook:     hook,
		cfg:      cfg,
		owned:    map[int]bool{},
	}
}

// Run blocks until ctx is done, processing events and the dispatch tick in
// a single goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	sub, err := s.kv.Subscribe(ctx,
		types.ChannelJobCreated,
		types.ChannelTaskCompleted,
		types.ChannelJobCancel,
		types.ChannelEngineOffline,
		types.ChannelProgress,
	)
	if err != nil {
		return fmt.Errorf("scheduler subscribe: %w", err)
	}
	defer sub.Close()

	s.renewShardLeases(ctx)

	dispatchTicker := time.NewTicker(s.cfg.DispatchRetry)
	defer dispatchTicker.Stop()
	leaseTicker := time.NewTicker(s.cfg.ShardLeaseTTL / 3)
	defer leaseTicker.Stop()

	s.log.Info("Scheduler started", "shards", s.cfg.Shards)
	for {
		select {
		case <-ctx.Done():
			s.releaseShardLeases()
			return ctx.Err()
		case <-leaseTicker.C:
			s.renewShardLeases(ctx)
		case <-dispatchTicker.C:
			s.tick(ctx)
		case msg, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("scheduler subscription closed")
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, msg redisclient.Message) {
	switch msg.Channel {
	case types.ChannelJobCreated:
		var ev types.JobCreated
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.log.Warn("Bad job.created payload", "error", err)
			return
		}
		if !s.ownsJob(ev.JobID) {
			return
		}
		if err := s.handleJobCreated(ctx, ev); err != nil {
			s.log.Error("job.created handling failed", "job_id", ev.JobID, "error", err)
		}
	case types.ChannelTaskCompleted:
		var ev types.TaskCompletion
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.log.Warn("Bad task.completed payload", "error", err)
			return
		}
		if !s.ownsJob(ev.JobID) {
			return
		}
		if err := s.handleCompletion(ctx, ev); err != nil {
			s.log.Error("task.completed handling failed", "task_id", ev.TaskID, "error", err)
		}
	case types.ChannelJobCancel:
		var ev types.CancelRequest
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.log.Warn("Bad cancel payload", "error", err)
			return
		}
		if !s.ownsJob(ev.JobID) {
			return
		}
		if err := s.handleCancel(ctx, ev); err != nil {
			s.log.Error("cancel handling failed", "job_id", ev.JobID, "error", err)
		}
	case types.ChannelEngineOffline:
		var ev types.EngineOffline
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return
		}
		// Leased entries on the dead engine's queue flow back via reclaim on
		// the next tick; nothing to mutate here.
		s.log.Warn("Engine offline", "engine_id", ev.EngineID, "stage", ev.Stage)
	case types.ChannelProgress:
		var ev types.ProgressEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return
		}
		if !s.ownsJob(ev.JobID) {
			return
		}
		if err := s.handleProgress(ctx, ev); err != nil {
			s.log.Warn("progress handling failed", "task_id", ev.TaskID, "error", err)
		}
	}
}

// tick runs the periodic work: dispatching due ready tasks, expiring the
// dispatch deadline, and reclaiming lapsed queue leases.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	tasks, err := s.tasks.ListDispatchable(ctx, nil, now, 0)
	if err != nil {
		s.log.Error("dispatch scan failed", "error", err)
		return
	}
	for _, task := range tasks {
		if !s.ownsJob(task.JobID) {
			continue
		}
		if err := s.dispatch(ctx, task, now); err != nil {
			s.log.Error("dispatch failed", "task_id", task.ID, "stage", task.Stage, "error", err)
		}
	}
	s.reclaimQueues(ctx)
}

func (s *Scheduler) reclaimQueues(ctx context.Context) {
	for _, stage := range types.StageOrder {
		engines, err := s.reg.ListForStage(ctx, string(stage))
		if err != nil {
			s.log.Warn("reclaim scan failed", "stage", stage, "error", err)
			continue
		}
		for _, engine := range engines {
			queue := engine.Queue
			if queue == "" {
				queue = types.EngineQueue(engine.EngineID)
			}
			n, err := s.kv.ReclaimExpired(ctx, queue)
			if err != nil {
				s.log.Warn("lease reclaim failed", "queue", queue, "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("Reclaimed expired queue leases", "queue", queue, "count", n)
			}
		}
	}
}

// -------------------- shard ownership --------------------

func shardLockKey(shard int) string { return fmt.Sprintf("scheduler:shard:%d", shard) }

func (s *Scheduler) renewShardLeases(ctx context.Context) {
	for shard := 0; shard < s.cfg.Shards; shard++ {
		if s.owned[shard] {
			ok, err := s.kv.RenewLock(ctx, shardLockKey(shard), s.cfg.ReplicaID, s.cfg.ShardLeaseTTL)
			if err != nil || !ok {
				s.owned[shard] = false
				s.log.Warn("Lost shard lease", "shard", shard, "error", err)
			}
			continue
		}
		ok, err := s.kv.AcquireLock(ctx, shardLockKey(shard), s.cfg.ReplicaID, s.cfg.ShardLeaseTTL)
		if err != nil {
			s.log.Warn("Shard lease acquire failed", "shard", shard, "error", err)
			continue
		}
		if ok {
			s.owned[shard] = true
			s.log.Info("Acquired shard lease", "shard", shard)
		}
	}
}

func (s *Scheduler) releaseShardLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for shard, held := range s.owned {
		if held {
			_ = s.kv.ReleaseLock(ctx, shardLockKey(shard), s.cfg.ReplicaID)
		}
	}
}

func (s *Scheduler) ownsJob(jobID uuid.UUID) bool {
	if s.cfg.Shards <= 1 {
		return s.owned[0]
	}
	return s.owned[jobShard(jobID, s.cfg.Shards)]
}

func jobShard(jobID uuid.UUID, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write(jobID[:])
	return int(h.Sum32() % uint32(shards))
}

// backoff is the retry delay before attempt n is re-dispatched.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.RetryBackoffCap {
			return s.cfg.RetryBackoffCap
		}
	}
	if d > s.cfg.RetryBackoffCap {
		d = s.cfg.RetryBackoffCap
	}
	return d
}

func (s *Scheduler) publishJobEvent(ctx context.Context, ev types.JobEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := s.kv.Publish(ctx, types.JobEventsChannel(ev.JobID), ev); err != nil {
		s.log.Warn("job event publish failed", "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}
