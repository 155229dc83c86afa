package engines

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/harness"
	"github.com/yungbote/scribehub-backend/internal/types"
)

// AudioManifest is the prepare stage's artifact. Downstream stages trust
// its format probe instead of re-sniffing the bytes.
type AudioManifest struct {
	Format          string `json:"format"`
	SizeBytes       int64  `json:"size_bytes"`
	SampleRateHertz int    `json:"sample_rate_hertz,omitempty"`
	Channels        int    `json:"channels,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
}

// PrepareEngine probes the uploaded audio and rejects what the pipeline
// cannot process. It never transcodes; unsupported containers fail here
// instead of half-way through a paid recognize call.
type PrepareEngine struct {
	id string
}

func NewPrepareEngine(id string) *PrepareEngine { return &PrepareEngine{id: id} }

func (e *PrepareEngine) EngineID() string  { return e.id }
func (e *PrepareEngine) Stage() types.Stage { return types.StagePrepare }

func (e *PrepareEngine) Process(ctx context.Context, in harness.TaskInput) (harness.TaskOutput, error) {
	if len(in.Audio) == 0 {
		return harness.TaskOutput{}, faults.New(faults.KindProcessing, "prepare", "audio object is empty").WithRetryable(false)
	}
	in.Progress(20, "probing container")

	manifest := AudioManifest{
		Format:    sniffFormat(in.Audio),
		SizeBytes: int64(len(in.Audio)),
	}
	if manifest.Format == "" {
		return harness.TaskOutput{}, faults.New(faults.KindProcessing, "prepare", "unrecognized audio container").WithRetryable(false)
	}
	if manifest.Format == "wav" {
		probeWAV(in.Audio, &manifest)
	}

	in.Progress(80, "writing manifest")
	data, err := json.Marshal(manifest)
	if err != nil {
		return harness.TaskOutput{}, faults.Wrap(faults.KindProcessing, "prepare", err, "encode manifest")
	}
	return harness.TaskOutput{
		Artifacts: []harness.Artifact{{Suffix: "", Data: data}},
		Metrics:   map[string]float64{"audio_bytes": float64(manifest.SizeBytes)},
	}, nil
}

func sniffFormat(audio []byte) string {
	switch {
	case len(audio) >= 12 && bytes.Equal(audio[0:4], []byte("RIFF")) && bytes.Equal(audio[8:12], []byte("WAVE")):
		return "wav"
	case len(audio) >= 4 && bytes.Equal(audio[0:4], []byte("fLaC")):
		return "flac"
	case len(audio) >= 4 && bytes.Equal(audio[0:4], []byte("OggS")):
		return "ogg"
	case len(audio) >= 3 && bytes.Equal(audio[0:3], []byte("ID3")):
		return "mp3"
	case len(audio) >= 2 && audio[0] == 0xFF && audio[1]&0xE0 == 0xE0:
		return "mp3"
	default:
		return ""
	}
}

// probeWAV walks the RIFF chunks for fmt and data. Malformed headers leave
// the manifest fields zero rather than failing the stage.
func probeWAV(audio []byte, m *AudioManifest) {
	pos := 12
	var byteRate uint32
	var dataLen uint32
	for pos+8 <= len(audio) {
		chunkID := string(audio[pos : pos+4])
		chunkLen := binary.LittleEndian.Uint32(audio[pos+4 : pos+8])
		body := pos + 8
		switch chunkID {
		case "fmt ":
			if body+16 <= len(audio) {
				m.Channels = int(binary.LittleEndian.Uint16(audio[body+2 : body+4]))
				m.SampleRateHertz = int(binary.LittleEndian.Uint32(audio[body+4 : body+8]))
				byteRate = binary.LittleEndian.Uint32(audio[body+8 : body+12])
			}
		case "data":
			dataLen = chunkLen
		}
		pos = body + int(chunkLen)
		if chunkLen%2 == 1 {
			pos++
		}
	}
	if byteRate > 0 && dataLen > 0 {
		m.DurationMS = int64(dataLen) * 1000 / int64(byteRate)
	}
}
