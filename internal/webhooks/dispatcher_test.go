package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/types"
)

type webhookEnv struct {
	dispatcher *Dispatcher
	enqueuer   *Enqueuer
	deliveries repos.WebhookDeliveryRepo
	endpoints  repos.WebhookEndpointRepo
	db         *gorm.DB
}

func newWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()
	log := logger.NewNop()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.WebhookEndpoint{}, &types.WebhookDelivery{}))

	deliveries := repos.NewWebhookDeliveryRepo(db, log)
	endpoints := repos.NewWebhookEndpointRepo(db, log)
	return &webhookEnv{
		dispatcher: NewDispatcher(log, deliveries, endpoints, Config{}),
		enqueuer:   NewEnqueuer(log, deliveries, endpoints),
		deliveries: deliveries,
		endpoints:  endpoints,
		db:         db,
	}
}

func (env *webhookEnv) pendingDelivery(t *testing.T, url string, endpointID *uuid.UUID) *types.WebhookDelivery {
	t.Helper()
	now := time.Now().UTC()
	delivery, err := env.deliveries.Create(context.Background(), nil, &types.WebhookDelivery{
		EndpointID:  endpointID,
		URLOverride: url,
		EventType:   "job.completed",
		Payload:     []byte(`{"job_id":"abc","status":"completed"}`),
		Status:      types.DeliveryStatusPending,
		NextRetryAt: &now,
	})
	require.NoError(t, err)
	return delivery
}

func TestDeliverySuccess(t *testing.T) {
	env := newWebhookEnv(t)
	var got atomic.Int32
	var lastEvent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		lastEvent.Store(r.Header.Get("X-Scribehub-Event"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	delivery := env.pendingDelivery(t, srv.URL, nil)
	worked, err := env.dispatcher.DispatchOne(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, "job.completed", lastEvent.Load())

	rows, err := env.deliveries.ListRecent(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, delivery.ID, rows[0].ID)
	assert.Equal(t, types.DeliveryStatusDelivered, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, http.StatusNoContent, rows[0].LastStatusCode)
}

func TestDeliveryFailureSchedulesRetry(t *testing.T) {
	env := newWebhookEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	env.pendingDelivery(t, srv.URL, nil)
	worked, err := env.dispatcher.DispatchOne(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	rows, err := env.deliveries.ListRecent(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, types.DeliveryStatusPending, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Equal(t, http.StatusBadGateway, row.LastStatusCode)
	require.NotNil(t, row.NextRetryAt)
	// Second attempt waits the 30s step.
	assert.True(t, row.NextRetryAt.After(time.Now().Add(20*time.Second)))

	// Not due yet: nothing to claim.
	worked, err = env.dispatcher.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestDeliveryDeadAfterMaxAttempts(t *testing.T) {
	env := newWebhookEnv(t)
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		got.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	delivery := env.pendingDelivery(t, srv.URL, nil)
	for i := 0; i < MaxAttempts; i++ {
		// Force the row due again.
		require.NoError(t, env.deliveries.UpdateFields(context.Background(), nil, delivery.ID, map[string]interface{}{
			"next_retry_at": time.Now().UTC().Add(-time.Second),
			"locked_at":     nil,
		}))
		worked, err := env.dispatcher.DispatchOne(context.Background())
		require.NoError(t, err)
		require.True(t, worked)
	}

	rows, err := env.deliveries.ListRecent(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.DeliveryStatusDead, rows[0].Status)
	assert.Equal(t, MaxAttempts, rows[0].Attempts)
	assert.Equal(t, int32(MaxAttempts), got.Load(), "total attempts never exceed the cap")

	// A dead row is never claimed again.
	worked, err := env.dispatcher.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestEndpointSigning(t *testing.T) {
	env := newWebhookEnv(t)
	secret := EndpointSecret()
	endpoint, err := env.endpoints.Create(context.Background(), nil, &types.WebhookEndpoint{
		TenantID: uuid.New(),
		URL:      "placeholder",
		Secret:   secret,
	})
	require.NoError(t, err)

	var gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Scribehub-Signature")
		gotTS = r.Header.Get("X-Scribehub-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	require.NoError(t, env.db.Model(&types.WebhookEndpoint{}).
		Where("id = ?", endpoint.ID).
		Update("url", srv.URL).Error)

	env.pendingDelivery(t, "", &endpoint.ID)
	worked, err := env.dispatcher.DispatchOne(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	require.NotEmpty(t, gotSig)
	assert.Equal(t, Sign(secret, gotTS, gotBody), gotSig, "signature covers timestamp.payload")
}

func TestDisabledEndpointFails(t *testing.T) {
	env := newWebhookEnv(t)
	endpoint, err := env.endpoints.Create(context.Background(), nil, &types.WebhookEndpoint{
		TenantID: uuid.New(),
		URL:      "https://example.invalid/hook",
		Secret:   "s",
		Disabled: true,
	})
	require.NoError(t, err)

	env.pendingDelivery(t, "", &endpoint.ID)
	worked, err := env.dispatcher.DispatchOne(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	rows, err := env.deliveries.ListRecent(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusPending, rows[0].Status)
	assert.Contains(t, rows[0].LastError, "disabled")
}

func TestEnqueuerFansOut(t *testing.T) {
	env := newWebhookEnv(t)
	tenantID := uuid.New()
	_, err := env.endpoints.Create(context.Background(), nil, &types.WebhookEndpoint{
		TenantID: tenantID,
		URL:      "https://tenant.example/hook",
		Secret:   EndpointSecret(),
	})
	require.NoError(t, err)
	_, err = env.endpoints.Create(context.Background(), nil, &types.WebhookEndpoint{
		TenantID: tenantID,
		URL:      "https://tenant.example/disabled",
		Secret:   EndpointSecret(),
		Disabled: true,
	})
	require.NoError(t, err)

	now := time.Now()
	env.enqueuer.JobFinished(context.Background(), &types.TranscriptionJob{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Status:        types.JobStatusCompleted,
		WebhookURL:    "https://job.example/hook",
		TranscriptURI: "gs://artifacts/jobs/x/merge/t",
		CompletedAt:   &now,
	})

	rows, err := env.deliveries.ListRecent(context.Background(), nil, 10)
	require.NoError(t, err)
	// One for the job URL, one for the enabled endpoint; the disabled one
	// gets nothing.
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, "job.completed", row.EventType)
		assert.Equal(t, types.DeliveryStatusPending, row.Status)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(row.Payload, &payload))
		assert.Equal(t, "completed", payload["status"])
	}
}
