package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Server-to-client event names on the realtime stream.
const (
	EventSessionBegin      = "session.begin"
	EventVADSpeechStart    = "vad.speech_start"
	EventVADSpeechEnd      = "vad.speech_end"
	EventTranscriptPartial = "transcript.partial"
	EventTranscriptFinal   = "transcript.final"
	EventSessionEnd        = "session.end"
	EventSessionTerminated = "session.terminated"
	EventSessionRecovered  = "session.recovered"
)

// Client-to-server control messages. Audio travels as binary frames.
const (
	ControlFlush = "flush"
	ControlEnd   = "end"
)

// WebSocket close codes. These surface the outcome; the decision was made
// elsewhere (auth middleware, router, handler).
const (
	CloseInvalidAuth  = 4001
	CloseMissingScope = 4003
	CloseTimeout      = 4008
	CloseRateLimited  = 4029
	CloseInternal     = 4500
	CloseNoCapacity   = 4503
)

// Frame is the envelope for every server-to-client event.
type Frame struct {
	Event     string    `json:"event"`
	SessionID uuid.UUID `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	Begin      *BeginPayload      `json:"begin,omitempty"`
	VAD        *VADPayload        `json:"vad,omitempty"`
	Transcript *TranscriptPayload `json:"transcript,omitempty"`
	End        *EndPayload        `json:"end,omitempty"`
	Terminated *TerminatedPayload `json:"terminated,omitempty"`
	Recovered  *RecoveredPayload  `json:"recovered,omitempty"`
}

// BeginPayload acknowledges the session with the config the worker
// actually negotiated, plus any downgrade warnings.
type BeginPayload struct {
	Language   string   `json:"language"`
	ModelTier  string   `json:"model_tier"`
	Encoding   string   `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
	Warnings   []string `json:"warnings,omitempty"`
}

type VADPayload struct {
	OffsetMS int64 `json:"offset_ms"`
}

type Word struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TranscriptPayload carries partial and final hypotheses. Partials may be
// revised; finals are immutable once sent.
type TranscriptPayload struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Words      []Word  `json:"words,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Segment struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Speaker string `json:"speaker,omitempty"`
}

type EndPayload struct {
	AudioDurationMS int64     `json:"audio_duration_ms"`
	UtteranceCount  int       `json:"utterance_count"`
	WordCount       int       `json:"word_count"`
	Transcript      string    `json:"transcript"`
	Segments        []Segment `json:"segments,omitempty"`
	TranscriptURI   string    `json:"transcript_uri,omitempty"`
}

type TerminatedPayload struct {
	Reason                  string `json:"reason"`
	LastTranscriptOffsetMS  int64  `json:"last_transcript_offset_ms"`
	Recoverable             bool   `json:"recoverable"`
	RecoveryHint            string `json:"recovery_hint,omitempty"`
	SuggestedRetryAfterSecs int    `json:"suggested_retry_after_secs,omitempty"`
}

type RecoveredPayload struct {
	NewSessionID      uuid.UUID `json:"new_session_id"`
	PreviousSessionID uuid.UUID `json:"previous_session_id"`
	RecoveredOffsetMS int64     `json:"recovered_offset_ms"`
}

// NewFrame stamps the envelope.
func NewFrame(event string, sessionID uuid.UUID) Frame {
	return Frame{Event: event, SessionID: sessionID, Timestamp: time.Now().UTC()}
}
