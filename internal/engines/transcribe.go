package engines

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yungbote/scribehub-backend/internal/clients/gcp"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/harness"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// TranscribeEngine runs recognition through Google Cloud Speech. When the
// audio lives in GCS the recognizer reads it in place; otherwise the bytes
// the harness already fetched are sent inline.
type TranscribeEngine struct {
	id     string
	speech gcp.Speech
}

func NewTranscribeEngine(id string, speech gcp.Speech) *TranscribeEngine {
	return &TranscribeEngine{id: id, speech: speech}
}

func (e *TranscribeEngine) EngineID() string   { return e.id }
func (e *TranscribeEngine) Stage() types.Stage { return types.StageTranscribe }

func (e *TranscribeEngine) Process(ctx context.Context, in harness.TaskInput) (harness.TaskOutput, error) {
	cfg := gcp.SpeechConfig{
		LanguageCode:       in.Config.Language,
		Model:              in.Config.ModelID,
		WordTimeOffsets:    in.Config.TimestampsGranularity != types.TimestampsNone,
		SpeakerDiarization: in.Config.SpeakerDetection == types.SpeakerDetectionDiarize,
	}
	if manifestURI, ok := in.PriorOutputs[string(types.StagePrepare)]; ok {
		if m := e.fetchManifest(ctx, in, manifestURI); m != nil {
			cfg.SampleRateHertz = m.SampleRateHertz
		}
	}

	in.Progress(10, "recognizing")
	var result *gcp.SpeechResult
	var err error
	if strings.HasPrefix(in.AudioURI, "gs://") {
		result, err = e.speech.RecognizeGCS(ctx, in.AudioURI, cfg)
	} else {
		result, err = e.speech.RecognizeBytes(ctx, in.Audio, cfg)
	}
	if err != nil {
		return harness.TaskOutput{}, classifyRecognizeError(err)
	}

	select {
	case <-in.Cancelled:
		return harness.TaskOutput{}, faults.New(faults.KindCancelled, "transcribe", "cancelled during recognition").WithRetryable(false)
	default:
	}

	in.Progress(85, "building transcript")
	doc := buildTranscript(in.Config.Language, result)
	data, err := json.Marshal(doc)
	if err != nil {
		return harness.TaskOutput{}, faults.Wrap(faults.KindProcessing, "transcribe", err, "encode transcript")
	}
	return harness.TaskOutput{
		Artifacts: []harness.Artifact{{Suffix: "", Data: data}},
		Metrics: map[string]float64{
			"word_count":    float64(len(doc.Words)),
			"segment_count": float64(len(doc.Segments)),
		},
	}, nil
}

func (e *TranscribeEngine) fetchManifest(ctx context.Context, in harness.TaskInput, uri string) *AudioManifest {
	raw, err := in.Fetch(ctx, uri)
	if err != nil {
		return nil
	}
	var m AudioManifest
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return &m
}

func classifyRecognizeError(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return faults.Wrap(faults.KindConfiguration, "transcribe", err, "recognizer rejected request").WithRetryable(false)
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
		return faults.Wrap(faults.KindEngineUnavailable, "transcribe", err, "recognizer unavailable")
	default:
		return faults.Wrap(faults.KindProcessing, "transcribe", err, "recognition failed")
	}
}

// buildTranscript groups the recognizer's flat word list into segments,
// breaking on speaker change or a pause longer than two seconds.
func buildTranscript(language string, result *gcp.SpeechResult) *Transcript {
	doc := &Transcript{Language: language, Text: result.Text}
	if len(result.Words) == 0 {
		if result.Text != "" {
			doc.Segments = []Segment{{Text: result.Text}}
		}
		return doc
	}

	const pauseBreakMS = 2000
	var cur *Segment
	var buf strings.Builder
	var confSum float64
	var confN int

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = buf.String()
		if confN > 0 {
			cur.Confidence = confSum / float64(confN)
		}
		doc.Segments = append(doc.Segments, *cur)
		cur = nil
		buf.Reset()
		confSum, confN = 0, 0
	}

	for _, w := range result.Words {
		doc.Words = append(doc.Words, Word{
			Text:       w.Text,
			StartMS:    w.StartMS,
			EndMS:      w.EndMS,
			Speaker:    w.SpeakerTag,
			Confidence: w.Confidence,
		})
		if cur != nil && (w.SpeakerTag != cur.Speaker || w.StartMS-cur.EndMS > pauseBreakMS) {
			flush()
		}
		if cur == nil {
			cur = &Segment{StartMS: w.StartMS, Speaker: w.SpeakerTag}
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(w.Text)
		if w.EndMS > cur.EndMS {
			cur.EndMS = w.EndMS
		}
		if w.Confidence > 0 {
			confSum += w.Confidence
			confN++
		}
	}
	flush()

	if n := len(doc.Words); n > 0 {
		doc.DurationMS = doc.Words[n-1].EndMS
	}
	return doc
}
