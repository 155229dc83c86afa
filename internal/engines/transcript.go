package engines

// Stage artifact documents. Every engine that participates in a pipeline
// writes one of these as its primary artifact so downstream stages can
// decode it without knowing which engine produced it.

// Word is one recognized token with offsets in milliseconds.
type Word struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Speaker    int     `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Segment is a contiguous run of speech attributed to one speaker.
type Segment struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Speaker    int     `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// PIISpan marks a region of the transcript that carries personal data.
type PIISpan struct {
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Transcript is the primary output of the transcribe stage and, enriched,
// of the merge stage.
type Transcript struct {
	Language   string    `json:"language"`
	Text       string    `json:"text"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
	Words      []Word    `json:"words,omitempty"`
	PII        []PIISpan `json:"pii,omitempty"`

	RedactedAudioURI string `json:"redacted_audio_uri,omitempty"`
}

// SpeakerTurn is the diarize stage's output row.
type SpeakerTurn struct {
	Speaker int   `json:"speaker"`
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}
