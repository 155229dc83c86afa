package engines

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/harness"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// MergeEngine folds the upstream stage artifacts into the job's final
// transcript. Transcribe is the only hard dependency; align, diarize, pii
// and audio redaction outputs are overlaid when present.
type MergeEngine struct {
	id string
}

func NewMergeEngine(id string) *MergeEngine { return &MergeEngine{id: id} }

func (e *MergeEngine) EngineID() string   { return e.id }
func (e *MergeEngine) Stage() types.Stage { return types.StageMerge }

func (e *MergeEngine) Process(ctx context.Context, in harness.TaskInput) (harness.TaskOutput, error) {
	base, err := fetchDoc[Transcript](ctx, in, types.StageTranscribe)
	if err != nil {
		return harness.TaskOutput{}, err
	}
	if base == nil {
		return harness.TaskOutput{}, faults.New(faults.KindDependencySkipped, "merge", "transcribe output missing").WithRetryable(false)
	}
	in.Progress(20, "transcript loaded")

	if words, err := fetchDoc[[]Word](ctx, in, types.StageAlign); err != nil {
		return harness.TaskOutput{}, err
	} else if words != nil && len(*words) > 0 {
		base.Words = *words
	}

	if turns, err := fetchDoc[[]SpeakerTurn](ctx, in, types.StageDiarize); err != nil {
		return harness.TaskOutput{}, err
	} else if turns != nil && len(*turns) > 0 {
		overlaySpeakers(base, *turns)
	}
	in.Progress(50, "speakers applied")

	if spans, err := fetchDoc[[]PIISpan](ctx, in, types.StagePIIDetect); err != nil {
		return harness.TaskOutput{}, err
	} else if spans != nil {
		base.PII = *spans
	}
	if redacted, ok := in.PriorOutputs[string(types.StageAudioRedact)]; ok && redacted != "" {
		base.RedactedAudioURI = redacted
	}

	in.Progress(80, "writing final transcript")
	data, err := json.Marshal(base)
	if err != nil {
		return harness.TaskOutput{}, faults.Wrap(faults.KindProcessing, "merge", err, "encode final transcript")
	}
	return harness.TaskOutput{
		Artifacts: []harness.Artifact{
			{Suffix: "", Data: data},
			{Suffix: ".txt", Data: []byte(base.Text)},
		},
		Metrics: map[string]float64{
			"segment_count": float64(len(base.Segments)),
			"pii_count":     float64(len(base.PII)),
		},
	}, nil
}

// fetchDoc returns nil without error when the stage has no recorded output,
// which is how optional upstream stages look to merge.
func fetchDoc[T any](ctx context.Context, in harness.TaskInput, stage types.Stage) (*T, error) {
	uri, ok := in.PriorOutputs[string(stage)]
	if !ok || uri == "" {
		return nil, nil
	}
	raw, err := in.Fetch(ctx, uri)
	if err != nil {
		return nil, faults.Wrap(faults.KindInputFetch, "merge", err, "fetch %s output", stage)
	}
	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, faults.Wrap(faults.KindProcessing, "merge", err, "decode %s output", stage).WithRetryable(false)
	}
	return &doc, nil
}

// overlaySpeakers re-labels segments from the diarizer's turns; a segment
// takes the speaker whose turn covers most of it.
func overlaySpeakers(doc *Transcript, turns []SpeakerTurn) {
	sort.Slice(turns, func(i, j int) bool { return turns[i].StartMS < turns[j].StartMS })
	for i := range doc.Segments {
		doc.Segments[i].Speaker = dominantSpeaker(doc.Segments[i], turns)
	}
	for i := range doc.Words {
		w := &doc.Words[i]
		for _, t := range turns {
			if w.StartMS >= t.StartMS && w.StartMS < t.EndMS {
				w.Speaker = t.Speaker
				break
			}
		}
	}
}

func dominantSpeaker(seg Segment, turns []SpeakerTurn) int {
	overlap := map[int]int64{}
	for _, t := range turns {
		start := maxInt64(seg.StartMS, t.StartMS)
		end := minInt64(seg.EndMS, t.EndMS)
		if end > start {
			overlap[t.Speaker] += end - start
		}
	}
	best := seg.Speaker
	var bestLen int64 = -1
	for spk, n := range overlap {
		if n > bestLen {
			best, bestLen = spk, n
		}
	}
	return best
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
