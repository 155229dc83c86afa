package sse

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// Forwarder bridges per-job pub/sub channels into the hub. A job's channel
// is subscribed while at least one SSE client watches it and dropped when
// the last one leaves, so an idle control plane holds no subscriptions.
type Forwarder struct {
	log *logger.Logger
	kv  redisclient.KV
	hub *Hub

	mu      sync.Mutex
	watched map[uuid.UUID]*jobWatch
}

type jobWatch struct {
	refs   int
	cancel context.CancelFunc
}

func NewForwarder(log *logger.Logger, kv redisclient.KV, hub *Hub) *Forwarder {
	return &Forwarder{
		log:     log.With("component", "SSEForwarder"),
		kv:      kv,
		hub:     hub,
		watched: make(map[uuid.UUID]*jobWatch),
	}
}

// Attach starts (or refcounts) the relay for one job. Callers must pair it
// with Detach.
func (f *Forwarder) Attach(ctx context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.watched[jobID]; ok {
		w.refs++
		return nil
	}
	relayCtx, cancel := context.WithCancel(context.Background())
	sub, err := f.kv.Subscribe(relayCtx, types.JobEventsChannel(jobID))
	if err != nil {
		cancel()
		return err
	}
	f.watched[jobID] = &jobWatch{refs: 1, cancel: cancel}
	go f.relay(relayCtx, jobID, sub)
	return nil
}

func (f *Forwarder) Detach(jobID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.watched[jobID]
	if !ok {
		return
	}
	w.refs--
	if w.refs <= 0 {
		w.cancel()
		delete(f.watched, jobID)
	}
}

func (f *Forwarder) relay(ctx context.Context, jobID uuid.UUID, sub *redisclient.Subscription) {
	defer sub.Close()
	channel := types.JobEventsChannel(jobID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			var ev types.JobEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				f.log.Warn("undecodable job event", "job_id", jobID, "error", err)
				continue
			}
			f.hub.Broadcast(Message{Channel: channel, Event: EventUpdate, Data: ev})
		}
	}
}
