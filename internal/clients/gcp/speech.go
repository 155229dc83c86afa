package gcp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/yungbote/scribehub-backend/internal/logger"
)

// Speech is the recognizer surface the transcribe engine uses. Results come
// back as flat word lists; segmenting is the caller's concern.
type Speech interface {
	RecognizeBytes(ctx context.Context, audio []byte, cfg SpeechConfig) (*SpeechResult, error)
	RecognizeGCS(ctx context.Context, gcsURI string, cfg SpeechConfig) (*SpeechResult, error)
	Close() error
}

type SpeechConfig struct {
	LanguageCode string
	Model        string

	WordTimeOffsets    bool
	SpeakerDiarization bool
	MinSpeakers        int
	MaxSpeakers        int

	SampleRateHertz int
	Encoding        speechpb.RecognitionConfig_AudioEncoding
}

// SpeechWord is one recognized word with offsets in milliseconds.
type SpeechWord struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	SpeakerTag int     `json:"speaker_tag,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type SpeechResult struct {
	Text  string       `json:"text"`
	Words []SpeechWord `json:"words,omitempty"`
}

type speechService struct {
	log        *logger.Logger
	client     *speech.Client
	maxRetries int
}

func NewSpeech(log *logger.Logger) (Speech, error) {
	client, err := speech.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &speechService{
		log:        log.With("service", "gcp.Speech"),
		client:     client,
		maxRetries: 4,
	}, nil
}

func (s *speechService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *speechService) RecognizeBytes(ctx context.Context, audio []byte, cfg SpeechConfig) (*SpeechResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	if len(audio) == 0 {
		return &SpeechResult{}, nil
	}
	req := &speechpb.LongRunningRecognizeRequest{
		Config: buildRecognitionConfig("", cfg),
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audio}},
	}
	resp, err := s.recognizeWithRetry(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("speech longrunningrecognize(bytes): %w", err)
	}
	return parseRecognizeResponse(resp, cfg.WordTimeOffsets), nil
}

func (s *speechService) RecognizeGCS(ctx context.Context, gcsURI string, cfg SpeechConfig) (*SpeechResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	if !strings.HasPrefix(gcsURI, "gs://") {
		return nil, fmt.Errorf("gcsURI must be gs://... got %q", gcsURI)
	}
	req := &speechpb.LongRunningRecognizeRequest{
		Config: buildRecognitionConfig(gcsURI, cfg),
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Uri{Uri: gcsURI}},
	}
	resp, err := s.recognizeWithRetry(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("speech longrunningrecognize(gcs): %w", err)
	}
	return parseRecognizeResponse(resp, cfg.WordTimeOffsets), nil
}

func buildRecognitionConfig(gcsURI string, cfg SpeechConfig) *speechpb.RecognitionConfig {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	enc := cfg.Encoding
	if enc == speechpb.RecognitionConfig_ENCODING_UNSPECIFIED {
		enc = inferEncoding(gcsURI)
	}
	rc := &speechpb.RecognitionConfig{
		LanguageCode:               cfg.LanguageCode,
		Model:                      cfg.Model,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      cfg.WordTimeOffsets,
		Encoding:                   enc,
		SampleRateHertz:            int32(cfg.SampleRateHertz),
	}
	if cfg.SpeakerDiarization {
		minSpk := cfg.MinSpeakers
		if minSpk <= 0 {
			minSpk = 1
		}
		maxSpk := cfg.MaxSpeakers
		if maxSpk <= 0 {
			maxSpk = 6
		}
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          int32(minSpk),
			MaxSpeakerCount:          int32(maxSpk),
		}
		// Diarization tags ride on the word entries.
		rc.EnableWordTimeOffsets = true
	}
	return rc
}

func inferEncoding(gcsURI string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(filepath.Ext(gcsURI)) {
	case ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case ".flac":
		return speechpb.RecognitionConfig_FLAC
	case ".mp3":
		return speechpb.RecognitionConfig_MP3
	case ".ogg", ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

func parseRecognizeResponse(resp *speechpb.LongRunningRecognizeResponse, wantWords bool) *SpeechResult {
	out := &SpeechResult{}
	if resp == nil || len(resp.Results) == 0 {
		return out
	}
	var full strings.Builder
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		alt := r.Alternatives[0]
		if strings.TrimSpace(alt.Transcript) == "" {
			continue
		}
		if full.Len() > 0 {
			full.WriteString(" ")
		}
		full.WriteString(strings.TrimSpace(alt.Transcript))

		if wantWords {
			for _, w := range alt.Words {
				if w == nil {
					continue
				}
				out.Words = append(out.Words, SpeechWord{
					Text:       w.Word,
					StartMS:    durToMS(w.StartTime),
					EndMS:      durToMS(w.EndTime),
					SpeakerTag: int(w.SpeakerTag),
					Confidence: float64(w.Confidence),
				})
			}
		}
	}
	out.Text = strings.TrimSpace(full.String())
	return out
}

func durToMS(d *durationpb.Duration) int64 {
	if d == nil {
		return 0
	}
	return d.Seconds*1000 + int64(d.Nanos)/1e6
}

func (s *speechService) recognizeWithRetry(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	backoff := 750 * time.Millisecond
	var last error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		op, err := s.client.LongRunningRecognize(ctx, req)
		var resp *speechpb.LongRunningRecognizeResponse
		if err == nil {
			resp, err = op.Wait(ctx)
		}
		if err == nil {
			return resp, nil
		}
		last = err

		code := status.Code(err)
		if code != codes.Unavailable && code != codes.ResourceExhausted && code != codes.DeadlineExceeded {
			return nil, err
		}
		if attempt == s.maxRetries {
			break
		}
		s.log.Warn("speech recognize retrying", "attempt", attempt+1, "code", code.String())
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, last
}
