package types

// Stage is one logical processing step of the batch pipeline.
type Stage string

const (
	StagePrepare     Stage = "prepare"
	StageTranscribe  Stage = "transcribe"
	StageAlign       Stage = "align"
	StageDiarize     Stage = "diarize"
	StagePIIDetect   Stage = "pii_detect"
	StageAudioRedact Stage = "audio_redact"
	StageMerge       Stage = "merge"
)

// StageOrder is the fixed pipeline ordering. The DAG builder emits a subset
// of these, always in this order.
var StageOrder = []Stage{
	StagePrepare,
	StageTranscribe,
	StageAlign,
	StageDiarize,
	StagePIIDetect,
	StageAudioRedact,
	StageMerge,
}

func (s Stage) Valid() bool {
	for _, known := range StageOrder {
		if s == known {
			return true
		}
	}
	return false
}
