package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yungbote/scribehub-backend/internal/clients/gcp"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/types"
)

type RetentionConfig struct {
	Interval time.Duration // sweep period, default 1h
	// SessionTTL bounds how long ended realtime session rows survive.
	SessionTTL time.Duration // default 30 days
	BatchSize  int           // rows per sweep, default 100
}

func (c *RetentionConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// RetentionSweeper destroys expired jobs and stale ended sessions: objects
// first, rows last, so a crash mid-purge re-runs cleanly. The audit trail is
// the only thing that survives a purge.
type RetentionSweeper struct {
	log      *logger.Logger
	store    gcp.ArtifactStore
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	sessions repos.SessionRepo
	cfg      RetentionConfig
}

func NewRetentionSweeper(log *logger.Logger, store gcp.ArtifactStore, jobs repos.JobRepo, tasks repos.TaskRepo, sessions repos.SessionRepo, cfg RetentionConfig) *RetentionSweeper {
	cfg.setDefaults()
	return &RetentionSweeper{
		log:      log.With("component", "RetentionSweeper"),
		store:    store,
		jobs:     jobs,
		tasks:    tasks,
		sessions: sessions,
		cfg:      cfg,
	}
}

// Run sweeps on a ticker until ctx is done.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx, time.Now().UTC()); err != nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce purges one batch of expired jobs and stale sessions. Returns the
// number of rows destroyed.
func (s *RetentionSweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	purged := 0

	expired, err := s.jobs.ListExpired(ctx, nil, now, s.cfg.BatchSize)
	if err != nil {
		return purged, err
	}
	for _, job := range expired {
		if err := s.purgeJob(ctx, job); err != nil {
			s.log.Error("job purge failed", "job_id", job.ID, "error", err)
			continue
		}
		purged++
	}

	ended, err := s.sessions.ListEndedBefore(ctx, nil, now.Add(-s.cfg.SessionTTL), s.cfg.BatchSize)
	if err != nil {
		return purged, err
	}
	for _, session := range ended {
		if err := s.purgeSession(ctx, session); err != nil {
			s.log.Error("session purge failed", "session_id", session.ID, "error", err)
			continue
		}
		purged++
	}
	return purged, nil
}

func (s *RetentionSweeper) purgeJob(ctx context.Context, job *types.TranscriptionJob) error {
	var policy types.RetentionPolicy
	if len(job.Retention) > 0 {
		_ = json.Unmarshal(job.Retention, &policy)
	}

	if err := s.store.DeletePrefix(ctx, gcp.BucketCategoryArtifact, gcp.JobPrefix(job.ID)); err != nil {
		return err
	}
	if !policy.KeepAudio && job.AudioURI != "" {
		if _, key, err := gcp.SplitURI(job.AudioURI); err == nil {
			if err := s.store.Delete(ctx, gcp.BucketCategoryAudio, key); err != nil {
				// Already-gone audio is fine; anything else aborts so the next
				// sweep retries.
				s.log.Warn("audio delete failed", "job_id", job.ID, "error", err)
			}
		}
	}

	if err := s.tasks.DeleteByJob(ctx, nil, job.ID); err != nil {
		return err
	}
	if err := s.jobs.Delete(ctx, nil, job.ID); err != nil {
		return err
	}
	s.log.Info("Job purged", "job_id", job.ID, "tenant_id", job.TenantID, "expired_at", job.ExpiresAt)
	return nil
}

func (s *RetentionSweeper) purgeSession(ctx context.Context, session *types.RealtimeSession) error {
	if session.AudioURI != "" {
		if _, key, err := gcp.SplitURI(session.AudioURI); err == nil {
			if err := s.store.Delete(ctx, gcp.BucketCategoryAudio, key); err != nil {
				s.log.Warn("recording delete failed", "session_id", session.ID, "error", err)
			}
		}
	}
	if session.TranscriptURI != "" {
		if _, key, err := gcp.SplitURI(session.TranscriptURI); err == nil {
			if err := s.store.Delete(ctx, gcp.BucketCategoryArtifact, key); err != nil {
				s.log.Warn("session transcript delete failed", "session_id", session.ID, "error", err)
			}
		}
	}
	if err := s.sessions.Delete(ctx, nil, session.ID); err != nil {
		return err
	}
	s.log.Info("Session purged", "session_id", session.ID, "tenant_id", session.TenantID)
	return nil
}
