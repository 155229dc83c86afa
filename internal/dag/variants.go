package dag

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/scribehub-backend/internal/types"
)

// VariantTable maps a user-facing model choice to the engine variant that
// serves it, per stage. Loaded from the deployment's variants file; the
// built-in table covers the stock engines.
type VariantTable struct {
	Stages map[string]StageVariants `yaml:"stages"`
}

type StageVariants struct {
	Default string            `yaml:"default"`
	Models  map[string]string `yaml:"models"`
}

// Resolve returns the engine_id serving modelID at the given stage. An
// empty modelID resolves to the stage default. Stages other than
// transcribe usually ignore the model choice entirely.
func (t *VariantTable) Resolve(stage types.Stage, modelID string) (string, error) {
	sv, ok := t.Stages[string(stage)]
	if !ok {
		return "", fmt.Errorf("no engine variants configured for stage %q", stage)
	}
	if modelID == "" {
		if sv.Default == "" {
			return "", fmt.Errorf("stage %q has no default engine variant", stage)
		}
		return sv.Default, nil
	}
	if engineID, ok := sv.Models[modelID]; ok {
		return engineID, nil
	}
	if sv.Default != "" {
		return sv.Default, nil
	}
	return "", fmt.Errorf("no engine variant for stage %q model %q", stage, modelID)
}

// DefaultVariants is the table shipped with the stock engine set.
func DefaultVariants() *VariantTable {
	return &VariantTable{
		Stages: map[string]StageVariants{
			string(types.StagePrepare): {Default: "prepare-ffmpeg"},
			string(types.StageTranscribe): {
				Default: "transcribe-general-v2",
				Models: map[string]string{
					"general-v2": "transcribe-general-v2",
					"general-v1": "transcribe-general-v1",
					"medical-v1": "transcribe-medical-v1",
					"cloud":      "transcribe-gcp-speech",
				},
			},
			string(types.StageAlign):       {Default: "align-forced-v1"},
			string(types.StageDiarize):     {Default: "diarize-cluster-v1"},
			string(types.StagePIIDetect):   {Default: "pii-detect-v1"},
			string(types.StageAudioRedact): {Default: "audio-redact-v1"},
			string(types.StageMerge):       {Default: "merge-v1"},
		},
	}
}

// LoadVariants reads a variants table from a YAML file, falling back to the
// built-in table when path is empty.
func LoadVariants(path string) (*VariantTable, error) {
	if path == "" {
		return DefaultVariants(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine variants %s: %w", path, err)
	}
	var table VariantTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse engine variants %s: %w", path, err)
	}
	if len(table.Stages) == 0 {
		return nil, fmt.Errorf("engine variants %s: no stages defined", path)
	}
	return &table, nil
}
