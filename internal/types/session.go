package types

import (
	"time"

	"github.com/google/uuid"
)

// Realtime session statuses.
const (
	SessionStatusActive      = "active"
	SessionStatusCompleted   = "completed"
	SessionStatusInterrupted = "interrupted"
	SessionStatusError       = "error"
)

func SessionStatusTerminal(status string) bool {
	return status != SessionStatusActive
}

// RealtimeSession is the store-of-record row for one streaming session.
// Created by the session router, mutated by the worker and the router,
// destroyed by the retention sweep.
type RealtimeSession struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID          uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	WorkerID          string     `gorm:"column:worker_id;not null;index" json:"worker_id"`
	Language          string     `gorm:"column:language;not null" json:"language"`
	ModelTier         string     `gorm:"column:model_tier;not null" json:"model_tier"`
	Encoding          string     `gorm:"column:encoding" json:"encoding"`
	SampleRate        int        `gorm:"column:sample_rate" json:"sample_rate"`
	Status            string     `gorm:"column:status;not null;index" json:"status"`
	PreviousSessionID *uuid.UUID `gorm:"type:uuid;column:previous_session_id" json:"previous_session_id,omitempty"`
	AudioDurationMS   int64      `gorm:"column:audio_duration_ms;not null;default:0" json:"audio_duration_ms"`
	UtteranceCount    int        `gorm:"column:utterance_count;not null;default:0" json:"utterance_count"`
	WordCount         int        `gorm:"column:word_count;not null;default:0" json:"word_count"`
	AudioURI          string     `gorm:"column:audio_uri" json:"audio_uri,omitempty"`
	TranscriptURI     string     `gorm:"column:transcript_uri" json:"transcript_uri,omitempty"`
	EnhancementJobID  *uuid.UUID `gorm:"type:uuid;column:enhancement_job_id" json:"enhancement_job_id,omitempty"`
	StartedAt         time.Time  `gorm:"not null;index" json:"started_at"`
	EndedAt           *time.Time `gorm:"column:ended_at" json:"ended_at,omitempty"`
}

func (RealtimeSession) TableName() string { return "realtime_session" }
