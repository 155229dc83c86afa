package dag

import (
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// DepEdge is a stage-level dependency edge. Required=false marks an
// enriching input: the downstream stage still runs when the upstream one
// was skipped.
type DepEdge struct {
	Stage    types.Stage
	Required bool
}

// TaskDef is one node of the graph Build emits. The caller materializes
// these into task rows, mapping stage names to task IDs.
type TaskDef struct {
	Stage     types.Stage
	EngineID  string
	Required  bool
	DependsOn []DepEdge
}

// Build derives the task graph for a job from its parameters. It is pure
// and deterministic: the same parameters against the same variants table
// always yield the identical list, in pipeline order.
func Build(params types.JobParams, variants *VariantTable) ([]TaskDef, error) {
	if variants == nil {
		variants = DefaultVariants()
	}
	if err := validate(params); err != nil {
		return nil, err
	}

	wantAlign := params.TimestampsGranularity == types.TimestampsWord
	wantDiarize := params.SpeakerDetection == types.SpeakerDetectionDiarize
	wantPII := params.PIIDetection != "" && params.PIIDetection != types.PIIDetectionOff
	wantRedact := params.RedactPIIAudio != "" && params.RedactPIIAudio != types.RedactAudioOff

	// PII detection works over word-level spans.
	if wantPII && !wantAlign {
		wantAlign = true
	}

	include := map[types.Stage]bool{
		types.StagePrepare:     true,
		types.StageTranscribe:  true,
		types.StageAlign:       wantAlign,
		types.StageDiarize:     wantDiarize,
		types.StagePIIDetect:   wantPII,
		types.StageAudioRedact: wantRedact,
		types.StageMerge:       true,
	}

	deps := map[types.Stage][]DepEdge{
		types.StagePrepare:    nil,
		types.StageTranscribe: {{Stage: types.StagePrepare, Required: true}},
		types.StageAlign:      {{Stage: types.StageTranscribe, Required: true}},
		types.StageDiarize:    {{Stage: types.StagePrepare, Required: true}},
		types.StagePIIDetect: {
			{Stage: types.StageAlign, Required: true},
			// Diarization only enriches PII spans with speaker labels.
			{Stage: types.StageDiarize, Required: false},
		},
		types.StageAudioRedact: {{Stage: types.StagePIIDetect, Required: true}},
	}

	var defs []TaskDef
	for _, stage := range types.StageOrder {
		if !include[stage] {
			continue
		}
		engineID, err := variants.Resolve(stage, stageModel(stage, params))
		if err != nil {
			return nil, faults.Wrap(faults.KindConfiguration, "dag", err, "resolve engine variant for stage %s", stage)
		}
		def := TaskDef{
			Stage:    stage,
			EngineID: engineID,
			Required: stage == types.StagePrepare || stage == types.StageTranscribe || stage == types.StageMerge,
		}
		if stage == types.StageMerge {
			// Merge consumes the output of every produced stage before it.
			for _, prior := range types.StageOrder {
				if prior == types.StageMerge || !include[prior] {
					continue
				}
				required := prior == types.StagePrepare || prior == types.StageTranscribe
				def.DependsOn = append(def.DependsOn, DepEdge{Stage: prior, Required: required})
			}
		} else {
			for _, edge := range deps[stage] {
				if include[edge.Stage] {
					def.DependsOn = append(def.DependsOn, edge)
				}
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func validate(params types.JobParams) error {
	wantPII := params.PIIDetection != "" && params.PIIDetection != types.PIIDetectionOff
	wantRedact := params.RedactPIIAudio != "" && params.RedactPIIAudio != types.RedactAudioOff
	if wantPII && params.TimestampsGranularity == types.TimestampsNone {
		return faults.New(faults.KindConfiguration, "dag",
			"pii_detection requires timestamps; got timestamps_granularity=none")
	}
	if wantRedact && !wantPII {
		return faults.New(faults.KindConfiguration, "dag",
			"redact_pii_audio requires pii_detection to be enabled")
	}
	switch params.SpeakerDetection {
	case "", types.SpeakerDetectionNone, types.SpeakerDetectionDiarize:
	default:
		return faults.New(faults.KindConfiguration, "dag",
			"unknown speaker_detection mode: %s", params.SpeakerDetection)
	}
	switch params.TimestampsGranularity {
	case "", types.TimestampsNone, types.TimestampsSegment, types.TimestampsWord:
	default:
		return faults.New(faults.KindConfiguration, "dag",
			"unknown timestamps_granularity: %s", params.TimestampsGranularity)
	}
	switch params.PIIDetection {
	case "", types.PIIDetectionOff, types.PIIDetectionStandard, types.PIIDetectionStrict:
	default:
		return faults.New(faults.KindConfiguration, "dag",
			"unknown pii_detection tier: %s", params.PIIDetection)
	}
	switch params.RedactPIIAudio {
	case "", types.RedactAudioOff, types.RedactAudioSilence, types.RedactAudioBeep:
	default:
		return faults.New(faults.KindConfiguration, "dag",
			"unknown redact_pii_audio mode: %s", params.RedactPIIAudio)
	}
	return nil
}

// stageModel returns the user's model choice for stages where the choice
// applies. Only transcription variants are user-selectable today.
func stageModel(stage types.Stage, params types.JobParams) string {
	if stage == types.StageTranscribe {
		return params.ModelID
	}
	return ""
}
