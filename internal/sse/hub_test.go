package sse

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/types"
)

func TestHubBroadcastReachesSubscribedClientsOnly(t *testing.T) {
	hub := NewHub(logger.NewNop())

	watcher := hub.NewClient(uuid.New())
	other := hub.NewClient(uuid.New())
	hub.AddChannel(watcher, "job.events:abc")
	hub.AddChannel(other, "job.events:def")

	hub.Broadcast(Message{Channel: "job.events:abc", Event: EventUpdate, Data: "hello"})

	select {
	case msg := <-watcher.Outbound:
		assert.Equal(t, "hello", msg.Data)
	case <-time.After(time.Second):
		t.Fatal("subscribed client got nothing")
	}
	select {
	case <-other.Outbound:
		t.Fatal("unrelated client received the message")
	default:
	}
}

func TestHubRemoveClient(t *testing.T) {
	hub := NewHub(logger.NewNop())
	client := hub.NewClient(uuid.New())
	hub.AddChannel(client, "job.events:abc")
	require.Equal(t, 1, hub.Subscribers("job.events:abc"))

	hub.RemoveClient(client)
	assert.Zero(t, hub.Subscribers("job.events:abc"))
}

func TestForwarderRelaysJobEvents(t *testing.T) {
	log := logger.NewNop()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	kv := redisclient.NewKVFromClient(log, rdb)

	hub := NewHub(log)
	fwd := NewForwarder(log, kv, hub)

	jobID := uuid.New()
	client := hub.NewClient(uuid.New())
	hub.AddChannel(client, types.JobEventsChannel(jobID))
	require.NoError(t, fwd.Attach(context.Background(), jobID))
	defer fwd.Detach(jobID)

	require.NoError(t, kv.Publish(context.Background(), types.JobEventsChannel(jobID), types.JobEvent{
		Type:   types.JobEventJobStatus,
		JobID:  jobID,
		Status: types.JobStatusRunning,
	}))

	select {
	case msg := <-client.Outbound:
		assert.Equal(t, EventUpdate, msg.Event)
		ev, ok := msg.Data.(types.JobEvent)
		require.True(t, ok)
		assert.Equal(t, types.JobStatusRunning, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no relayed event")
	}
}

func TestForwarderRefcounts(t *testing.T) {
	log := logger.NewNop()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	kv := redisclient.NewKVFromClient(log, rdb)

	fwd := NewForwarder(log, kv, NewHub(log))
	jobID := uuid.New()

	require.NoError(t, fwd.Attach(context.Background(), jobID))
	require.NoError(t, fwd.Attach(context.Background(), jobID))
	fwd.Detach(jobID)

	fwd.mu.Lock()
	_, stillWatched := fwd.watched[jobID]
	fwd.mu.Unlock()
	assert.True(t, stillWatched)

	fwd.Detach(jobID)
	fwd.mu.Lock()
	_, stillWatched = fwd.watched[jobID]
	fwd.mu.Unlock()
	assert.False(t, stillWatched)
}
