package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/google/uuid"

	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/dag"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/registry"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/types"
)

type testEnv struct {
	sched *Scheduler
	db    *gorm.DB
	kv    redisclient.KV
	reg   registry.Registry
	jobs  repos.JobRepo
	tasks repos.TaskRepo
}

type noopHook struct{ finished []*types.TranscriptionJob }

func (h *noopHook) JobFinished(_ context.Context, job *types.TranscriptionJob) {
	h.finished = append(h.finished, job)
}

func newTestEnv(t *testing.T) (*testEnv, *noopHook) {
	t.Helper()
	log := logger.NewNop()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	kv := redisclient.NewKVFromClient(log, rdb)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.TranscriptionJob{},
		&types.PipelineTask{},
		&types.AuditEntry{},
	))

	jobs := repos.NewJobRepo(db, log)
	tasks := repos.NewTaskRepo(db, log)
	audit := repos.NewAuditRepo(db, log)
	reg := registry.New(log, kv, registry.Config{HeartbeatStale: time.Minute})

	hook := &noopHook{}
	sched := New(log, kv, db, jobs, tasks, audit, reg, nil, hook, Config{
		ReplicaID: "test-replica",
	})
	sched.owned[0] = true
	return &testEnv{sched: sched, db: db, kv: kv, reg: reg, jobs: jobs, tasks: tasks}, hook
}

func registerStageEngines(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	for _, stage := range types.StageOrder {
		engineID := defaultEngineFor(t, stage)
		require.NoError(t, env.reg.Register(ctx, registry.EngineState{
			EngineID: engineID,
			Stage:    string(stage),
			Queue:    types.EngineQueue(engineID),
		}))
	}
}

func defaultEngineFor(t *testing.T, stage types.Stage) string {
	t.Helper()
	id, err := dag.DefaultVariants().Resolve(stage, "")
	require.NoError(t, err)
	return id
}

func submitJob(t *testing.T, env *testEnv, params types.JobParams) *types.TranscriptionJob {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	job, err := env.jobs.Create(context.Background(), nil, &types.TranscriptionJob{
		Status:    types.JobStatusQueued,
		Params:    raw,
		Retention: []byte(`{}`),
		AudioURI:  "gs://audio/test.wav",
		RequestID: "req-1",
	})
	require.NoError(t, err)
	require.NoError(t, env.sched.handleJobCreated(context.Background(), types.JobCreated{JobID: job.ID}))
	return job
}

func taskByStage(t *testing.T, env *testEnv, jobID uuid.UUID, stage types.Stage) *types.PipelineTask {
	t.Helper()
	all, err := env.tasks.GetByJob(context.Background(), nil, jobID)
	require.NoError(t, err)
	for _, task := range all {
		if task.Stage == string(stage) {
			return task
		}
	}
	t.Fatalf("no task for stage %s", stage)
	return nil
}

func completeStage(t *testing.T, env *testEnv, jobID uuid.UUID, stage types.Stage) {
	t.Helper()
	task := taskByStage(t, env, jobID, stage)
	require.NoError(t, env.sched.handleCompletion(context.Background(), types.TaskCompletion{
		TaskID:    task.ID,
		JobID:     task.JobID,
		Status:    types.TaskStatusCompleted,
		OutputURI: "gs://artifacts/jobs/" + task.JobID.String() + "/" + task.Stage,
	}))
}

func simpleParams() types.JobParams {
	return types.JobParams{
		Language:              "en",
		SpeakerDetection:      types.SpeakerDetectionNone,
		TimestampsGranularity: types.TimestampsSegment,
	}
}

func fullParams() types.JobParams {
	return types.JobParams{
		Language:              "en",
		SpeakerDetection:      types.SpeakerDetectionDiarize,
		TimestampsGranularity: types.TimestampsWord,
		PIIDetection:          types.PIIDetectionStandard,
		RedactPIIAudio:        types.RedactAudioSilence,
	}
}

func TestJobCreatedBuildsGraphAndDispatchesRoot(t *testing.T) {
	env, _ := newTestEnv(t)
	registerStageEngines(t, env)

	job := submitJob(t, env, simpleParams())

	all, err := env.tasks.GetByJob(context.Background(), nil, job.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)

	prepare := taskByStage(t, env, job.ID, types.StagePrepare)
	assert.Equal(t, types.TaskStatusReady, prepare.Status)
	assert.NotNil(t, prepare.QueuedAt, "root should be pushed immediately")

	n, err := env.kv.QueueLen(context.Background(), types.EngineQueue(prepare.EngineID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	fresh, err := env.jobs.GetByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, fresh.Status)
}

func TestJobCreatedIsIdempotent(t *testing.T) {
	env, _ := newTestEnv(t)
	registerStageEngines(t, env)

	job := submitJob(t, env, simpleParams())
	require.NoError(t, env.sched.handleJobCreated(context.Background(), types.JobCreated{JobID: job.ID}))

	all, err := env.tasks.GetByJob(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCompletionAdvancesAndFinalizes(t *testing.T) {
	env, hook := newTestEnv(t)
	registerStageEngines(t, env)
	job := submitJob(t, env, simpleParams())

	completeStage(t, env, job.ID, types.StagePrepare)
	transcribe := taskByStage(t, env, job.ID, types.StageTranscribe)
	assert.Equal(t, types.TaskStatusReady, transcribe.Status)

	completeStage(t, env, job.ID, types.StageTranscribe)
	completeStage(t, env, job.ID, types.StageMerge)

	fresh, err := env.jobs.GetByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, fresh.Status)
	assert.Equal(t, 100, fresh.Progress)
	assert.NotEmpty(t, fresh.TranscriptURI)
	assert.NotNil(t, fresh.CompletedAt)
	require.Len(t, hook.finished, 1)
	assert.Equal(t, types.JobStatusCompleted, hook.finished[0].Status)
}

func TestDuplicateCompletionIgnored(t *testing.T) {
	env, _ := newTestEnv(t)
	registerStageEngines(t, env)
	job := submitJob(t, env, simpleParams())

	prepare := taskByStage(t, env, job.ID, types.StagePrepare)
	completeStage(t, env, job.ID, types.StagePrepare)

	// Replay with a different output; the terminal row must not change.
	require.NoError(t, env.sched.handleCompletion(context.Background(), types.TaskCompletion{
		TaskID:    prepare.ID,
		JobID:     job.ID,
		Status:    types.TaskStatusCompleted,
		OutputURI: "gs://artifacts/other",
	}))
	fresh := taskByStage(t, env, job.ID, types.StagePrepare)
	assert.NotEqual(t, "gs://artifacts/other", fresh.OutputURI)
}

func TestRetryableFailureSchedulesBackoff(t *testing.T) {
	env, _ := newTestEnv(t)
	registerStageEngines(t, env)
	job := submitJob(t, env, simpleParams())
	completeStage(t, env, job.ID, types.StagePrepare)

	transcribe := taskByStage(t, env, job.ID, types.StageTranscribe)
	require.NoError(t, env.sched.handleCompletion(context.Background(), types.TaskCompletion{
		TaskID: transcribe.ID,
		JobID:  job.ID,
		Status: types.TaskStatusFailed,
		Error:  &types.TaskErrorInfo{Kind: string(faults.KindTimeout), Message: "engine timeout", Retryable: true},
	}))

	fresh := taskByStage(t, env, job.ID, types.StageTranscribe)
	assert.Equal(t, types.TaskStatusReady, fresh.Status)
	assert.Equal(t, 1, fresh.Attempts)
	require.NotNil(t, fresh.NotBefore)
	assert.True(t, fresh.NotBefore.After(time.Now().Add(500*time.Millisecond)))
	assert.Nil(t, fresh.QueuedAt)
}

func TestBackoffIsCapped(t *testing.T) {
	env, _ := newTestEnv(t)
	assert.Equal(t, time.Second, env.sched.backoff(1))
	assert.Equal(t, 2*time.Second, env.sched.backoff(2))
	assert.Equal(t, 4*time.Second, env.sched.backoff(3))
	assert.Equal(t, 4*time.Second, env.sched.backoff(7))
}

func TestRequiredFailureCascades(t *testing.T) {
	env, hook := newTestEnv(t)
	registerStageEngines(t, env)
	job := submitJob(t, env, fullParams())
	completeStage(t, env, job.ID, types.StagePrepare)

	transcribe := taskByStage(t, env, job.ID, types.StageTranscribe)
	require.NoError(t, env.sched.handleCompletion(context.Background(), types.TaskCompletion{
		TaskID: transcribe.ID,
		JobID:  job.ID,
		Status: types.TaskStatusFailed,
		Error:  &types.TaskErrorInfo{Kind: string(faults.KindConfiguration), Message: "bad model", Retryable: false},
	}))

	fresh, err := env.jobs.GetByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, fresh.Status)
	assert.Contains(t, fresh.Error, "transcribe")

	all, err := env.tasks.GetByJob(context.Background(), nil, job.ID)
	require.NoError(t, err)
	for _, task := range all {
		switch task.Stage {
		case string(types.StagePrepare):
			assert.Equal(t, types.TaskStatusCompleted, task.Status, "completed work is preserved")
		case string(types.StageTranscribe):
			assert.Equal(t, types.TaskStatusFailed, task.Status)
		default:
			assert.Equal(t, types.TaskStatusCancelled, task.Status, "stage %s", task.Stage)
		}
	}

	// Everything downstream of the failed transcribe presents as blocked;
	// diarize only depends on prepare, so it stays plain cancelled.
	view := PresentedStatuses(all)
	for _, task := range all {
		switch task.Stage {
		case string(types.StageAlign), string(types.StagePIIDetect), string(types.StageAudioRedact), string(types.StageMerge):
			assert.Equal(t, StatusBlocked, view[task.ID], "stage %s", task.Stage)
		case string(types.StageDiarize):
			assert.Equal(t, types.TaskStatusCancelled, view[task.ID])
		}
	}
	require.Len(t, hook.finished, 1)
}

func TestOptionalFailureSkipsAndGraphCompletes(t *testing.T) {
	env, _ := newTestEnv(t)
	registerStageEngines(t, env)
	job := submitJob(t, env, types.JobParams{
		SpeakerDetection:      types.SpeakerDetectionDiarize,
		TimestampsGranularity: types.TimestampsWord,
		PIIDetection:          types.PIIDetectionStandard,
	})

	completeStage(t, env, job.ID, types.StagePrepare)
	completeStage(t, env, job.ID, types.StageTranscribe)
	completeStage(t, env, job.ID, types.StageAlign)

	diarize := taskByStage(t, env, job.ID, types.StageDiarize)
	require.NoError(t, env.sched.handleCompletion(context.Background(), types.TaskCompletion{
		TaskID: diarize.ID,
		JobID:  job.ID,
		Status: types.TaskStatusFailed,
		Error:  &types.TaskErrorInfo{Kind: string(faults.KindProcessing), Message: "diarization crashed", Retryable: false},
	}))

	fresh := taskByStage(t, env, job.ID, types.StageDiarize)
	assert.Equal(t, types.TaskStatusSkipped, fresh.Status)

	// pii_detect runs without the speaker map.
	pii := taskByStage(t, env, job.ID, types.StagePIIDetect)
	assert.Equal(t, types.TaskStatusReady, pii.Status)

	completeStage(t, env, job.ID, types.StagePIIDetect)
	completeStage(t, env, job.ID, types.StageMerge)

	done, err := env.jobs.GetByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, done.Status)
}

func TestOptionalDependentSkipsWhenRequiredDepSkipped(t *testing.T) {
	env, _ := newTestEnv(t)
	registerStageEngines(t, env)
	job := submitJob(t, env, fullParams())

	completeStage(t, env, job.ID, types.StagePrepare)
	completeStage(t, env, job.ID, types.StageTranscribe)
	completeStage(t, env, job.ID, types.StageAlign)
	completeStage(t, env, job.ID, types.StageDiarize)

	pii := taskByStage(t, env, job.ID, types.StagePIIDetect)
	require.NoError(t, env.sched.handleCompletion(context.Background(), types.TaskCompletion{
		TaskID: pii.ID,
		JobID:  job.ID,
		Status: types.TaskStatusFailed,
		Error:  &types.TaskErrorInfo{Kind: string(faults.KindProcessing), Message: "nope", Retryable: false},
	}))

	// audio_redact declared pii_detect as required; it can never run.
	redact := taskByStage(t, env, job.ID, types.StageAudioRedact)
	assert.Equal(t, types.TaskStatusSkipped, redact.Status)
	assert.Equal(t, string(faults.KindDependencySkipped), redact.ErrorKind)

	completeStage(t, env, job.ID, types.StageMerge)
	done, err := env.jobs.GetByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, done.Status)
}

func TestCancelRequest(t *testing.T) {
	env, hook := newTestEnv(t)
	registerStageEngines(t, env)
	job := submitJob(t, env, fullParams())
	completeStage(t, env, job.ID, types.StagePrepare)

	require.NoError(t, env.sched.handleCancel(context.Background(), types.CancelRequest{JobID: job.ID}))

	fresh, err := env.jobs.GetByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, fresh.Status)

	all, err := env.tasks.GetByJob(context.Background(), nil, job.ID)
	require.NoError(t, err)
	for _, task := range all {
		if task.Stage == string(types.StagePrepare) {
			assert.Equal(t, types.TaskStatusCompleted, task.Status)
		} else {
			assert.Equal(t, types.TaskStatusCancelled, task.Status)
		}
	}

	// Cancelling twice is a no-op.
	require.NoError(t, env.sched.handleCancel(context.Background(), types.CancelRequest{JobID: job.ID}))
	require.Len(t, hook.finished, 1)
}

func TestDispatchWaitsWhenEngineDown(t *testing.T) {
	env, _ := newTestEnv(t)
	// No engines registered at all.
	job := submitJob(t, env, simpleParams())

	prepare := taskByStage(t, env, job.ID, types.StagePrepare)
	assert.Equal(t, types.TaskStatusReady, prepare.Status)
	assert.Nil(t, prepare.QueuedAt)

	// Deadline not reached: tick keeps it waiting.
	env.sched.tick(context.Background())
	fresh := taskByStage(t, env, job.ID, types.StagePrepare)
	assert.Equal(t, types.TaskStatusReady, fresh.Status)
}

func TestDispatchDeadlineFailsTask(t *testing.T) {
	env, _ := newTestEnv(t)
	job := submitJob(t, env, simpleParams())

	prepare := taskByStage(t, env, job.ID, types.StagePrepare)
	// Age the ready task past the deadline.
	require.NoError(t, env.db.Model(&types.PipelineTask{}).
		Where("id = ?", prepare.ID).
		UpdateColumn("updated_at", time.Now().Add(-11*time.Minute)).Error)

	env.sched.tick(context.Background())

	fresh, err := env.jobs.GetByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, fresh.Status)

	failed := taskByStage(t, env, job.ID, types.StagePrepare)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
	assert.Equal(t, string(faults.KindEngineUnavailable), failed.ErrorKind)
}

func TestDispatchDeadlineAppliesWhenStampedEngineDown(t *testing.T) {
	env, _ := newTestEnv(t)
	// A live peer serves the stage, but the stamped variant stays down.
	require.NoError(t, env.reg.Register(context.Background(), registry.EngineState{
		EngineID: "prepare-ffmpeg-canary",
		Stage:    string(types.StagePrepare),
		Queue:    types.EngineQueue("prepare-ffmpeg-canary"),
	}))
	job := submitJob(t, env, simpleParams())

	prepare := taskByStage(t, env, job.ID, types.StagePrepare)
	assert.Equal(t, types.TaskStatusReady, prepare.Status)
	assert.Nil(t, prepare.QueuedAt)

	// Age the ready task past the deadline; the live peer must not keep
	// it waiting forever on the down variant.
	require.NoError(t, env.db.Model(&types.PipelineTask{}).
		Where("id = ?", prepare.ID).
		UpdateColumn("updated_at", time.Now().Add(-11*time.Minute)).Error)

	env.sched.tick(context.Background())

	failed := taskByStage(t, env, job.ID, types.StagePrepare)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
	assert.Equal(t, string(faults.KindEngineUnavailable), failed.ErrorKind)

	fresh, err := env.jobs.GetByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, fresh.Status)
}

func TestEventReplayReconstructsState(t *testing.T) {
	// The recorded sequence job.created + three task.completed events, fed
	// to fresh stores, always lands in the same terminal state; feeding it
	// twice changes nothing.
	type snapshot struct {
		job    types.JobStatus
		stages map[string]types.TaskStatus
	}

	replay := func(t *testing.T, times int) snapshot {
		env, _ := newTestEnv(t)
		registerStageEngines(t, env)
		ctx := context.Background()
		job := submitJob(t, env, simpleParams())

		for i := 0; i < times; i++ {
			require.NoError(t, env.sched.handleJobCreated(ctx, types.JobCreated{JobID: job.ID}))
			for _, stage := range []types.Stage{types.StagePrepare, types.StageTranscribe, types.StageMerge} {
				task := taskByStage(t, env, job.ID, stage)
				require.NoError(t, env.sched.handleCompletion(ctx, types.TaskCompletion{
					TaskID:    task.ID,
					JobID:     job.ID,
					Status:    types.TaskStatusCompleted,
					OutputURI: "gs://artifacts/jobs/" + job.ID.String() + "/" + task.Stage,
				}))
			}
		}

		fresh, err := env.jobs.GetByID(ctx, nil, job.ID)
		require.NoError(t, err)
		all, err := env.tasks.GetByJob(ctx, nil, job.ID)
		require.NoError(t, err)
		stages := map[string]types.TaskStatus{}
		for _, task := range all {
			stages[task.Stage] = task.Status
		}
		return snapshot{job: fresh.Status, stages: stages}
	}

	var once, twice snapshot
	t.Run("once", func(t *testing.T) { once = replay(t, 1) })
	t.Run("twice", func(t *testing.T) { twice = replay(t, 2) })

	assert.Equal(t, types.JobStatusCompleted, once.job)
	assert.Equal(t, once, twice)
}

func TestTaskCountMatchesGraphAtCompletion(t *testing.T) {
	env, _ := newTestEnv(t)
	registerStageEngines(t, env)
	job := submitJob(t, env, fullParams())

	for _, stage := range types.StageOrder {
		completeStage(t, env, job.ID, stage)
	}
	all, err := env.tasks.GetByJob(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Len(t, all, len(types.StageOrder))
	for _, task := range all {
		assert.Equal(t, types.TaskStatusCompleted, task.Status)
	}
	n, err := env.tasks.CountNonTerminal(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
