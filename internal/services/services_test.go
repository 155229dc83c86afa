package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/scribehub-backend/internal/clients/gcp"
	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/dag"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/harness"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/types"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) bucketFor(category gcp.BucketCategory) string {
	if category == gcp.BucketCategoryAudio {
		return "test-audio"
	}
	return "test-artifacts"
}

func (s *fakeStore) path(category gcp.BucketCategory, key string) string {
	return s.bucketFor(category) + "/" + key
}

func (s *fakeStore) put(category gcp.BucketCategory, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[s.path(category, key)] = data
}

func (s *fakeStore) Upload(_ context.Context, category gcp.BucketCategory, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.put(category, key, data)
	return nil
}

func (s *fakeStore) Download(_ context.Context, category gcp.BucketCategory, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[s.path(category, key)]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) DownloadRange(ctx context.Context, category gcp.BucketCategory, key string, _, _ int64) (io.ReadCloser, error) {
	return s.Download(ctx, category, key)
}

func (s *fakeStore) Delete(_ context.Context, category gcp.BucketCategory, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(category, key)
	delete(s.objects, path)
	s.deleted = append(s.deleted, path)
	return nil
}

func (s *fakeStore) DeletePrefix(_ context.Context, category gcp.BucketCategory, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	full := s.path(category, prefix)
	for path := range s.objects {
		if strings.HasPrefix(path, full) {
			delete(s.objects, path)
			s.deleted = append(s.deleted, path)
		}
	}
	return nil
}

func (s *fakeStore) ListKeys(_ context.Context, category gcp.BucketCategory, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.bucketFor(category) + "/"
	var out []string
	for path := range s.objects {
		if strings.HasPrefix(path, bucket+prefix) {
			out = append(out, strings.TrimPrefix(path, bucket))
		}
	}
	return out, nil
}

func (s *fakeStore) PresignGET(category gcp.BucketCategory, key string, _ time.Duration) (string, error) {
	return s.URIFor(category, key) + "?signed", nil
}

func (s *fakeStore) PublicURL(category gcp.BucketCategory, key string) string {
	return "https://storage.test/" + s.path(category, key)
}

func (s *fakeStore) URIFor(category gcp.BucketCategory, key string) string {
	return "gs://" + s.path(category, key)
}

func (s *fakeStore) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := gcp.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	if bucket == "test-audio" {
		return s.Download(ctx, gcp.BucketCategoryAudio, key)
	}
	return s.Download(ctx, gcp.BucketCategoryArtifact, key)
}

type servicesEnv struct {
	kv       redisclient.KV
	db       *gorm.DB
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	sessions repos.SessionRepo
	audit    repos.AuditRepo
	svc      *JobService
	store    *fakeStore
}

func newServicesEnv(t *testing.T) *servicesEnv {
	t.Helper()
	log := logger.NewNop()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kv := redisclient.NewKVFromClient(log, rdb)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.TranscriptionJob{},
		&types.PipelineTask{},
		&types.RealtimeSession{},
		&types.AuditEntry{},
	))

	jobs := repos.NewJobRepo(db, log)
	tasks := repos.NewTaskRepo(db, log)
	sessions := repos.NewSessionRepo(db, log)
	audit := repos.NewAuditRepo(db, log)

	return &servicesEnv{
		kv:       kv,
		db:       db,
		jobs:     jobs,
		tasks:    tasks,
		sessions: sessions,
		audit:    audit,
		svc:      NewJobService(log, db, kv, jobs, tasks, audit, dag.DefaultVariants()),
		store:    newFakeStore(),
	}
}

func validSubmit() SubmitRequest {
	return SubmitRequest{
		TenantID:    uuid.New(),
		SubmitterID: uuid.New(),
		AudioURI:    "gs://test-audio/uploads/call.wav",
		Params: types.JobParams{
			Language:              "en",
			SpeakerDetection:      types.SpeakerDetectionNone,
			TimestampsGranularity: types.TimestampsSegment,
			PIIDetection:          types.PIIDetectionOff,
			RedactPIIAudio:        types.RedactAudioOff,
		},
		Retention: types.RetentionPolicy{KeepTranscripts: true, TTL: time.Hour},
		RequestID: "req-1",
	}
}

func TestSubmitCreatesAndAnnounces(t *testing.T) {
	env := newServicesEnv(t)
	ctx := context.Background()

	sub, err := env.kv.Subscribe(ctx, types.ChannelJobCreated)
	require.NoError(t, err)
	defer sub.Close()

	job, err := env.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	require.NotNil(t, job.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *job.ExpiresAt, 5*time.Second)

	select {
	case msg := <-sub.C():
		assert.Contains(t, string(msg.Payload), job.ID.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no job.created event")
	}

	trail, err := env.svc.AuditTrail(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "job.submitted", trail[0].Action)
}

func TestSubmitRejectsImpossibleParams(t *testing.T) {
	env := newServicesEnv(t)
	req := validSubmit()
	req.Params.PIIDetection = types.PIIDetectionStandard
	req.Params.TimestampsGranularity = types.TimestampsNone

	_, err := env.svc.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, faults.KindConfiguration, faults.KindOf(err))

	// Nothing durable was written.
	var n int64
	require.NoError(t, env.db.Model(&types.TranscriptionJob{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestSubmitRejectsBadAudioURI(t *testing.T) {
	env := newServicesEnv(t)
	req := validSubmit()
	req.AudioURI = "https://example.com/call.wav"

	_, err := env.svc.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, faults.KindConfiguration, faults.KindOf(err))
}

func TestCancelPublishesOnce(t *testing.T) {
	env := newServicesEnv(t)
	ctx := context.Background()

	job, err := env.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)

	sub, err := env.kv.Subscribe(ctx, types.ChannelJobCancel)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, env.svc.Cancel(ctx, job.ID, "req-2", ""))
	select {
	case msg := <-sub.C():
		assert.Contains(t, string(msg.Payload), job.ID.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no cancel event")
	}

	// Terminal jobs swallow the cancel.
	require.NoError(t, env.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"status": types.JobStatusCompleted,
	}))
	require.NoError(t, env.svc.Cancel(ctx, job.ID, "req-3", ""))
	select {
	case <-sub.C():
		t.Fatal("terminal cancel still published")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCancelMissingJob(t *testing.T) {
	env := newServicesEnv(t)
	err := env.svc.Cancel(context.Background(), uuid.New(), "", "")
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestRetryTaskReArmsFailedTask(t *testing.T) {
	env := newServicesEnv(t)
	ctx := context.Background()

	job, err := env.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)
	require.NoError(t, env.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"status": types.JobStatusFailed,
		"error":  "stage transcribe failed",
	}))

	now := time.Now().UTC()
	created, err := env.tasks.CreateBatch(ctx, nil, []*types.PipelineTask{{
		JobID:       job.ID,
		Stage:       string(types.StageTranscribe),
		EngineID:    "transcribe-general-v2",
		Status:      types.TaskStatusFailed,
		Required:    true,
		Attempts:    3,
		MaxAttempts: 3,
		Error:       "boom",
		ErrorKind:   string(faults.KindProcessing),
		QueuedAt:    &now,
		StartedAt:   &now,
	}})
	require.NoError(t, err)
	task := created[0]

	require.NoError(t, env.svc.RetryTask(ctx, task.ID))

	got, err := env.tasks.GetByID(ctx, nil, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusReady, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.QueuedAt)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.Error)

	reopened, err := env.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, reopened.Status)
	assert.Empty(t, reopened.Error)

	// Only failed tasks qualify.
	err = env.svc.RetryTask(ctx, task.ID)
	require.Error(t, err)
	assert.Equal(t, faults.KindConfiguration, faults.KindOf(err))
}

func TestStatusViewMergesLiveProgress(t *testing.T) {
	env := newServicesEnv(t)
	ctx := context.Background()

	job, err := env.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)

	created, err := env.tasks.CreateBatch(ctx, nil, []*types.PipelineTask{
		{
			JobID:    job.ID,
			Stage:    string(types.StagePrepare),
			EngineID: "prepare-ffmpeg",
			Status:   types.TaskStatusCompleted,
			Required: true,
		},
		{
			JobID:    job.ID,
			Stage:    string(types.StageTranscribe),
			EngineID: "transcribe-general-v2",
			Status:   types.TaskStatusRunning,
			Required: true,
		},
	})
	require.NoError(t, err)
	running := created[1]

	require.NoError(t, env.kv.HashSet(ctx, harness.ProgressKey(running.ID.String()), map[string]any{
		"percent": 42,
		"message": "decoding chunk 3",
	}))

	view, err := env.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, view.Tasks, 2)
	assert.Equal(t, 100, view.Tasks[0].Percent)
	assert.Equal(t, 42, view.Tasks[1].Percent)
	assert.Equal(t, "decoding chunk 3", view.Tasks[1].Message)
}

func TestRetentionSweepPurgesExpiredJobs(t *testing.T) {
	env := newServicesEnv(t)
	ctx := context.Background()
	log := logger.NewNop()

	req := validSubmit()
	job, err := env.svc.Submit(ctx, req)
	require.NoError(t, err)

	// Objects the purge must destroy.
	env.store.put(gcp.BucketCategoryAudio, "uploads/call.wav", []byte("audio"))
	env.store.put(gcp.BucketCategoryArtifact, gcp.ArtifactKey(job.ID, "merge", uuid.New())+".json", []byte("{}"))

	_, err = env.tasks.CreateBatch(ctx, nil, []*types.PipelineTask{{
		JobID:    job.ID,
		Stage:    string(types.StageMerge),
		EngineID: "merge-v1",
		Status:   types.TaskStatusCompleted,
	}})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, env.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"status":     types.JobStatusCompleted,
		"expires_at": past,
	}))

	// A second job with no expiry survives.
	keeper, err := env.svc.Submit(ctx, SubmitRequest{
		TenantID:    req.TenantID,
		SubmitterID: req.SubmitterID,
		AudioURI:    "gs://test-audio/uploads/keep.wav",
		Params:      req.Params,
	})
	require.NoError(t, err)

	sweeper := NewRetentionSweeper(log, env.store, env.jobs, env.tasks, env.sessions, RetentionConfig{})
	purged, err := sweeper.SweepOnce(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	gone, err := env.jobs.GetByID(ctx, nil, job.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := env.jobs.GetByID(ctx, nil, keeper.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)

	remaining, err := env.tasks.GetByJob(ctx, nil, job.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// KeepAudio was false, so both the artifacts and the source audio are gone.
	assert.Contains(t, env.store.deleted, "test-audio/uploads/call.wav")
	assert.Empty(t, env.store.objects)
}

func TestRetentionSweepPurgesStaleSessions(t *testing.T) {
	env := newServicesEnv(t)
	ctx := context.Background()
	log := logger.NewNop()

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	session, err := env.sessions.Create(ctx, nil, &types.RealtimeSession{
		TenantID:  uuid.New(),
		WorkerID:  "rt-1",
		Language:  "en",
		ModelTier: "standard",
		Status:    types.SessionStatusCompleted,
		AudioURI:  "gs://test-audio/sessions/rec",
		StartedAt: old,
		EndedAt:   &old,
	})
	require.NoError(t, err)
	env.store.put(gcp.BucketCategoryAudio, "sessions/rec", []byte("pcm"))

	fresh := time.Now().UTC().Add(-time.Hour)
	recent, err := env.sessions.Create(ctx, nil, &types.RealtimeSession{
		TenantID:  uuid.New(),
		WorkerID:  "rt-1",
		Language:  "en",
		ModelTier: "standard",
		Status:    types.SessionStatusCompleted,
		StartedAt: fresh,
		EndedAt:   &fresh,
	})
	require.NoError(t, err)

	sweeper := NewRetentionSweeper(log, env.store, env.jobs, env.tasks, env.sessions, RetentionConfig{})
	purged, err := sweeper.SweepOnce(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	gone, err := env.sessions.GetByID(ctx, nil, session.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := env.sessions.GetByID(ctx, nil, recent.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Contains(t, env.store.deleted, "test-audio/sessions/rec")
}
