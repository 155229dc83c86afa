package types

import "time"

// Speaker detection modes.
const (
	SpeakerDetectionNone    = "none"
	SpeakerDetectionDiarize = "diarize"
)

// Word timestamp granularities.
const (
	TimestampsNone    = "none"
	TimestampsSegment = "segment"
	TimestampsWord    = "word"
)

// PII detection tiers.
const (
	PIIDetectionOff      = "off"
	PIIDetectionStandard = "standard"
	PIIDetectionStrict   = "strict"
)

// Audio redaction modes.
const (
	RedactAudioOff     = "off"
	RedactAudioSilence = "silence"
	RedactAudioBeep    = "beep"
)

// JobParams are the client-chosen pipeline parameters. They are immutable
// once the job row is written.
type JobParams struct {
	Language              string `json:"language"`
	ModelID               string `json:"model_id"`
	SpeakerDetection      string `json:"speaker_detection"`
	TimestampsGranularity string `json:"timestamps_granularity"`
	PIIDetection          string `json:"pii_detection"`
	RedactPIIAudio        string `json:"redact_pii_audio"`
	WebhookURL            string `json:"webhook_url,omitempty"`
}

// RetentionPolicy is snapshotted onto each job at creation. Later edits to
// the tenant policy never touch existing jobs.
type RetentionPolicy struct {
	KeepAudio       bool          `json:"keep_audio"`
	KeepTranscripts bool          `json:"keep_transcripts"`
	TTL             time.Duration `json:"ttl"`
}
