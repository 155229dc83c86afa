package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// Retry schedule: attempt n waits retrySchedule[n] after the previous one.
// After the last attempt the delivery is dead.
var retrySchedule = []time.Duration{0, 30 * time.Second, 2 * time.Minute, 10 * time.Minute, time.Hour}

const MaxAttempts = 5

const (
	headerSignature = "X-Scribehub-Signature"
	headerTimestamp = "X-Scribehub-Timestamp"
	headerEvent     = "X-Scribehub-Event"
)

// Sign computes the hex HMAC-SHA256 over timestamp + "." + payload.
func Sign(secret string, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type Config struct {
	PollInterval time.Duration // default 1s
	HTTPTimeout  time.Duration // per-attempt, default 10s
	StaleLock    time.Duration // claimed row considered abandoned after, default 2m
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.StaleLock <= 0 {
		c.StaleLock = 2 * time.Minute
	}
}

// Dispatcher drains due webhook deliveries. Replicas scale horizontally;
// the skip-locked claim keeps them off each other's rows.
type Dispatcher struct {
	log        *logger.Logger
	deliveries repos.WebhookDeliveryRepo
	endpoints  repos.WebhookEndpointRepo
	client     *http.Client
	cfg        Config
}

func NewDispatcher(log *logger.Logger, deliveries repos.WebhookDeliveryRepo, endpoints repos.WebhookEndpointRepo, cfg Config) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		log:        log.With("component", "WebhookDispatcher"),
		deliveries: deliveries,
		endpoints:  endpoints,
		client:     &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:        cfg,
	}
}

// Run polls for due deliveries until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				worked, err := d.DispatchOne(ctx)
				if err != nil {
					d.log.Error("dispatch failed", "error", err)
					break
				}
				if !worked {
					break
				}
			}
		}
	}
}

// DispatchOne claims and attempts a single due delivery. Returns false when
// nothing was due.
func (d *Dispatcher) DispatchOne(ctx context.Context) (bool, error) {
	delivery, err := d.deliveries.ClaimNextDue(ctx, nil, time.Now().UTC(), d.cfg.StaleLock)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	d.attempt(ctx, delivery)
	return true, nil
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *types.WebhookDelivery) {
	url, secret, err := d.target(ctx, delivery)
	if err != nil {
		d.settleFailure(ctx, delivery, 0, err.Error())
		return
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(delivery.Payload))
	if err != nil {
		d.settleFailure(ctx, delivery, 0, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, delivery.EventType)
	req.Header.Set(headerTimestamp, timestamp)
	if secret != "" {
		req.Header.Set(headerSignature, Sign(secret, timestamp, delivery.Payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.settleFailure(ctx, delivery, 0, err.Error())
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		err := d.deliveries.UpdateFields(ctx, nil, delivery.ID, map[string]interface{}{
			"status":           types.DeliveryStatusDelivered,
			"attempts":         delivery.Attempts + 1,
			"last_status_code": resp.StatusCode,
			"last_error":       "",
			"locked_at":        nil,
		})
		if err != nil {
			d.log.Error("delivered but row update failed", "delivery_id", delivery.ID, "error", err)
			return
		}
		d.log.Info("Webhook delivered", "delivery_id", delivery.ID, "event", delivery.EventType,
			"status_code", resp.StatusCode, "attempt", delivery.Attempts+1)
		return
	}
	d.settleFailure(ctx, delivery, resp.StatusCode, fmt.Sprintf("endpoint returned %d", resp.StatusCode))
}

func (d *Dispatcher) settleFailure(ctx context.Context, delivery *types.WebhookDelivery, statusCode int, msg string) {
	attempts := delivery.Attempts + 1
	updates := map[string]interface{}{
		"attempts":         attempts,
		"last_status_code": statusCode,
		"last_error":       msg,
		"locked_at":        nil,
	}
	if attempts >= MaxAttempts {
		updates["status"] = types.DeliveryStatusDead
		d.log.Warn("Webhook dead after final attempt", "delivery_id", delivery.ID,
			"event", delivery.EventType, "attempts", attempts, "error", msg)
	} else {
		next := time.Now().UTC().Add(retrySchedule[attempts])
		updates["status"] = types.DeliveryStatusPending
		updates["next_retry_at"] = next
		d.log.Warn("Webhook attempt failed; retry scheduled", "delivery_id", delivery.ID,
			"event", delivery.EventType, "attempt", attempts, "next_retry_at", next, "error", msg)
	}
	if err := d.deliveries.UpdateFields(ctx, nil, delivery.ID, updates); err != nil {
		d.log.Error("delivery row update failed", "delivery_id", delivery.ID, "error", err)
	}
}

func (d *Dispatcher) target(ctx context.Context, delivery *types.WebhookDelivery) (url, secret string, err error) {
	if delivery.EndpointID != nil {
		endpoint, err := d.endpoints.GetByID(ctx, nil, *delivery.EndpointID)
		if err != nil {
			return "", "", err
		}
		if endpoint == nil || endpoint.Disabled {
			return "", "", fmt.Errorf("endpoint %s missing or disabled", delivery.EndpointID)
		}
		return endpoint.URL, endpoint.Secret, nil
	}
	if delivery.URLOverride == "" {
		return "", "", fmt.Errorf("delivery %s has no target", delivery.ID)
	}
	return delivery.URLOverride, "", nil
}

// Enqueuer writes delivery rows when jobs reach a terminal state. It is
// wired in as the scheduler's terminal hook.
type Enqueuer struct {
	log        *logger.Logger
	deliveries repos.WebhookDeliveryRepo
	endpoints  repos.WebhookEndpointRepo
}

func NewEnqueuer(log *logger.Logger, deliveries repos.WebhookDeliveryRepo, endpoints repos.WebhookEndpointRepo) *Enqueuer {
	return &Enqueuer{
		log:        log.With("component", "WebhookEnqueuer"),
		deliveries: deliveries,
		endpoints:  endpoints,
	}
}

// JobFinished fans the terminal event out to the job's explicit webhook URL
// and every enabled tenant endpoint.
func (e *Enqueuer) JobFinished(ctx context.Context, job *types.TranscriptionJob) {
	payload, err := json.Marshal(map[string]any{
		"event":          "job." + job.Status,
		"job_id":         job.ID,
		"tenant_id":      job.TenantID,
		"status":         job.Status,
		"transcript_uri": job.TranscriptURI,
		"error":          job.Error,
		"completed_at":   job.CompletedAt,
		"request_id":     job.RequestID,
	})
	if err != nil {
		e.log.Error("payload marshal failed", "job_id", job.ID, "error", err)
		return
	}
	eventType := "job." + job.Status

	if job.WebhookURL != "" {
		e.enqueue(ctx, &types.WebhookDelivery{
			URLOverride: job.WebhookURL,
			EventType:   eventType,
			Payload:     payload,
		})
	}
	endpoints, err := e.endpoints.ListByTenant(ctx, nil, job.TenantID)
	if err != nil {
		e.log.Error("endpoint list failed", "tenant_id", job.TenantID, "error", err)
		return
	}
	for _, endpoint := range endpoints {
		if endpoint.Disabled {
			continue
		}
		id := endpoint.ID
		e.enqueue(ctx, &types.WebhookDelivery{
			EndpointID: &id,
			EventType:  eventType,
			Payload:    payload,
		})
	}
}

func (e *Enqueuer) enqueue(ctx context.Context, delivery *types.WebhookDelivery) {
	delivery.Status = types.DeliveryStatusPending
	now := time.Now().UTC()
	delivery.NextRetryAt = &now
	if _, err := e.deliveries.Create(ctx, nil, delivery); err != nil {
		e.log.Error("delivery enqueue failed", "event", delivery.EventType, "error", err)
		return
	}
	e.log.Info("Webhook enqueued", "delivery_id", delivery.ID, "event", delivery.EventType)
}

// EndpointSecret generates the per-endpoint signing secret shown once at
// creation time.
func EndpointSecret() string {
	return "whsec_" + uuid.NewString() + uuid.NewString()[:8]
}
