package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/realtime"
	"github.com/yungbote/scribehub-backend/internal/registry"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/types"
)

type routerEnv struct {
	router   *Router
	kv       redisclient.KV
	reg      registry.Registry
	sessions repos.SessionRepo
}

func newRouterEnv(t *testing.T, cfg Config) *routerEnv {
	t.Helper()
	log := logger.NewNop()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	kv := redisclient.NewKVFromClient(log, rdb)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.RealtimeSession{}))

	sessions := repos.NewSessionRepo(db, log)
	reg := registry.New(log, kv, registry.Config{HeartbeatStale: time.Minute})
	return &routerEnv{
		router:   NewRouter(log, kv, reg, sessions, cfg),
		kv:       kv,
		reg:      reg,
		sessions: sessions,
	}
}

func (env *routerEnv) registerWorker(t *testing.T, id string, capacity int, registeredAt time.Time) {
	t.Helper()
	require.NoError(t, env.reg.Register(context.Background(), registry.EngineState{
		EngineID:           id,
		Stage:              registry.StageRealtime,
		Status:             registry.StatusReady,
		Endpoint:           "ws://" + id + ":9090",
		Capacity:           capacity,
		RegisteredAt:       registeredAt,
		LoadedModels:       []string{"general-v2"},
		SupportedLanguages: []string{"en", "auto"},
	}))
}

func acquireReq() AcquireRequest {
	return AcquireRequest{
		TenantID:  uuid.New(),
		Language:  "en",
		ModelTier: TierStandard,
	}
}

func TestAcquirePicksLeastLoadedWorker(t *testing.T) {
	env := newRouterEnv(t, Config{})
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	env.registerWorker(t, "rt-a", 4, base)
	env.registerWorker(t, "rt-b", 4, base.Add(time.Minute))

	// Pre-load rt-a with two sessions.
	_, err := env.kv.Incr(ctx, registry.ActiveSessionsKey("rt-a"), 2)
	require.NoError(t, err)

	alloc, err := env.router.AcquireWorker(ctx, acquireReq())
	require.NoError(t, err)
	assert.Equal(t, "rt-b", alloc.WorkerID)
	assert.Equal(t, "ws://rt-b:9090", alloc.Endpoint)

	session, err := env.sessions.GetByID(ctx, nil, alloc.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, types.SessionStatusActive, session.Status)
	assert.Equal(t, "rt-b", session.WorkerID)
}

func TestAcquireTieBreaksByRegistrationTime(t *testing.T) {
	env := newRouterEnv(t, Config{})
	older := time.Now().Add(-2 * time.Hour)
	env.registerWorker(t, "rt-new", 4, older.Add(time.Hour))
	env.registerWorker(t, "rt-old", 4, older)

	alloc, err := env.router.AcquireWorker(context.Background(), acquireReq())
	require.NoError(t, err)
	assert.Equal(t, "rt-old", alloc.WorkerID)
}

func TestAcquireNoCapacity(t *testing.T) {
	env := newRouterEnv(t, Config{})
	ctx := context.Background()
	env.registerWorker(t, "rt-a", 1, time.Now())
	_, err := env.kv.Incr(ctx, registry.ActiveSessionsKey("rt-a"), 1)
	require.NoError(t, err)

	_, err = env.router.AcquireWorker(ctx, acquireReq())
	require.Error(t, err)
	assert.Equal(t, faults.KindCapacityExhausted, faults.KindOf(err))
	assert.Positive(t, env.router.RetryAfter())
}

func TestAcquireFiltersCapabilities(t *testing.T) {
	env := newRouterEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, env.reg.Register(ctx, registry.EngineState{
		EngineID:           "rt-de-only",
		Stage:              registry.StageRealtime,
		Status:             registry.StatusReady,
		Capacity:           4,
		LoadedModels:       []string{"general-v2"},
		SupportedLanguages: []string{"de"},
	}))

	_, err := env.router.AcquireWorker(ctx, acquireReq())
	require.Error(t, err)
	assert.Equal(t, faults.KindCapacityExhausted, faults.KindOf(err))
}

func TestAcquireRejectsUnknownTier(t *testing.T) {
	env := newRouterEnv(t, Config{})
	req := acquireReq()
	req.ModelTier = "platinum"
	_, err := env.router.AcquireWorker(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, faults.KindConfiguration, faults.KindOf(err))
}

func TestReleaseBalancesCounter(t *testing.T) {
	env := newRouterEnv(t, Config{})
	ctx := context.Background()
	env.registerWorker(t, "rt-a", 4, time.Now())

	alloc, err := env.router.AcquireWorker(ctx, acquireReq())
	require.NoError(t, err)

	state, err := env.reg.Get(ctx, "rt-a")
	require.NoError(t, err)
	assert.Equal(t, 1, state.ActiveSessions)

	require.NoError(t, env.router.Release(ctx, alloc.SessionID, ReleaseStats{
		AudioDurationMS: 61_000,
		UtteranceCount:  12,
		WordCount:       180,
		TranscriptURI:   "gs://artifacts/sessions/x/transcript.json",
	}))

	state, err = env.reg.Get(ctx, "rt-a")
	require.NoError(t, err)
	assert.Zero(t, state.ActiveSessions, "allocation/release pairs leave the counter invariant")

	session, err := env.sessions.GetByID(ctx, nil, alloc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusCompleted, session.Status)
	assert.Equal(t, int64(61_000), session.AudioDurationMS)
	assert.NotNil(t, session.EndedAt)

	// Double release decrements only once.
	require.NoError(t, env.router.Release(ctx, alloc.SessionID, ReleaseStats{}))
	state, err = env.reg.Get(ctx, "rt-a")
	require.NoError(t, err)
	assert.Zero(t, state.ActiveSessions)
}

func TestSoftResumeLinksSessions(t *testing.T) {
	env := newRouterEnv(t, Config{})
	ctx := context.Background()
	env.registerWorker(t, "rt-a", 4, time.Now())

	first, err := env.router.AcquireWorker(ctx, acquireReq())
	require.NoError(t, err)
	require.NoError(t, env.router.Release(ctx, first.SessionID, ReleaseStats{Status: types.SessionStatusInterrupted}))

	req := acquireReq()
	req.PreviousSessionID = &first.SessionID
	second, err := env.router.AcquireWorker(ctx, req)
	require.NoError(t, err)

	session, err := env.sessions.GetByID(ctx, nil, second.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session.PreviousSessionID)
	assert.Equal(t, first.SessionID, *session.PreviousSessionID)
}

func TestSweepInterruptsSessionsOfDeadWorker(t *testing.T) {
	env := newRouterEnv(t, Config{WorkerStale: 50 * time.Millisecond})
	ctx := context.Background()
	env.registerWorker(t, "rt-a", 4, time.Now())

	alloc, err := env.router.AcquireWorker(ctx, acquireReq())
	require.NoError(t, err)

	sub, err := env.kv.Subscribe(ctx, types.ChannelWorkerOffline)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, env.router.SweepWorkers(ctx))

	session, err := env.sessions.GetByID(ctx, nil, alloc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusInterrupted, session.Status)

	select {
	case msg := <-sub.C():
		var ev types.WorkerOffline
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, "rt-a", ev.WorkerID)
		assert.Equal(t, alloc.SessionID, ev.SessionID)
		assert.True(t, ev.Recoverable)
	case <-time.After(time.Second):
		t.Fatal("no worker.offline event")
	}

	// Dead worker takes no further allocations.
	_, err = env.router.AcquireWorker(ctx, acquireReq())
	require.Error(t, err)
	assert.Equal(t, faults.KindCapacityExhausted, faults.KindOf(err))
}

func TestSweepSkipsFreshWorker(t *testing.T) {
	env := newRouterEnv(t, Config{WorkerStale: time.Minute})
	ctx := context.Background()
	env.registerWorker(t, "rt-a", 4, time.Now())

	alloc, err := env.router.AcquireWorker(ctx, acquireReq())
	require.NoError(t, err)
	require.NoError(t, env.router.SweepWorkers(ctx))

	session, err := env.sessions.GetByID(ctx, nil, alloc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusActive, session.Status)
}

func TestTerminatePublishesCloseFrame(t *testing.T) {
	env := newRouterEnv(t, Config{})
	ctx := context.Background()
	env.registerWorker(t, "rt-a", 4, time.Now())

	alloc, err := env.router.AcquireWorker(ctx, acquireReq())
	require.NoError(t, err)

	sub, err := env.kv.Subscribe(ctx, types.ChannelSessionEvents)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, env.router.Terminate(ctx, alloc.SessionID, "terminated by operator"))

	session, err := env.sessions.GetByID(ctx, nil, alloc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusInterrupted, session.Status)

	select {
	case msg := <-sub.C():
		var frame realtime.Frame
		require.NoError(t, json.Unmarshal(msg.Payload, &frame))
		assert.Equal(t, realtime.EventSessionTerminated, frame.Event)
		assert.Equal(t, alloc.SessionID, frame.SessionID)
		require.NotNil(t, frame.Terminated)
		assert.False(t, frame.Terminated.Recoverable)
	case <-time.After(time.Second):
		t.Fatal("no session termination frame")
	}
}

func TestTerminateMissingSession(t *testing.T) {
	env := newRouterEnv(t, Config{})
	err := env.router.Terminate(context.Background(), uuid.New(), "gone")
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}
