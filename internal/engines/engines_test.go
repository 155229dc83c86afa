package engines

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/scribehub-backend/internal/clients/gcp"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/harness"
	"github.com/yungbote/scribehub-backend/internal/types"
)

func testInput(priors map[string]string, docs map[string][]byte) harness.TaskInput {
	return harness.TaskInput{
		TaskID:       uuid.New(),
		JobID:        uuid.New(),
		PriorOutputs: priors,
		Progress:     func(int, string) {},
		Cancelled:    make(chan struct{}),
		Fetch: func(_ context.Context, uri string) ([]byte, error) {
			if raw, ok := docs[uri]; ok {
				return raw, nil
			}
			return nil, fmt.Errorf("no object at %s", uri)
		},
	}
}

func wavBytes(t *testing.T, sampleRate, channels int, dataLen int) []byte {
	t.Helper()
	byteRate := sampleRate * channels * 2
	buf := make([]byte, 0, 44+dataLen)
	buf = append(buf, []byte("RIFF")...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+dataLen))
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	buf = append(buf, []byte("data")...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataLen))
	buf = append(buf, make([]byte, dataLen)...)
	return buf
}

func TestPrepareProbesWAV(t *testing.T) {
	engine := NewPrepareEngine("prepare-test")
	in := testInput(nil, nil)
	in.Audio = wavBytes(t, 16000, 1, 64000)

	out, err := engine.Process(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out.Artifacts, 1)

	var m AudioManifest
	require.NoError(t, json.Unmarshal(out.Artifacts[0].Data, &m))
	assert.Equal(t, "wav", m.Format)
	assert.Equal(t, 16000, m.SampleRateHertz)
	assert.Equal(t, 1, m.Channels)
	// 64000 bytes at 32000 B/s is two seconds of audio.
	assert.Equal(t, int64(2000), m.DurationMS)
}

func TestPrepareRejectsUnknownContainer(t *testing.T) {
	engine := NewPrepareEngine("prepare-test")
	in := testInput(nil, nil)
	in.Audio = []byte("definitely not audio")

	_, err := engine.Process(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, faults.KindProcessing, faults.KindOf(err))
	assert.False(t, faults.IsRetryable(err))
}

func TestPrepareRejectsEmptyAudio(t *testing.T) {
	engine := NewPrepareEngine("prepare-test")
	_, err := engine.Process(context.Background(), testInput(nil, nil))
	require.Error(t, err)
	assert.False(t, faults.IsRetryable(err))
}

func TestBuildTranscriptSegmentsOnSpeakerAndPause(t *testing.T) {
	result := &gcp.SpeechResult{
		Text: "hello there general kenobi",
		Words: []gcp.SpeechWord{
			{Text: "hello", StartMS: 0, EndMS: 400, SpeakerTag: 1, Confidence: 0.9},
			{Text: "there", StartMS: 450, EndMS: 800, SpeakerTag: 1, Confidence: 0.8},
			{Text: "general", StartMS: 900, EndMS: 1300, SpeakerTag: 2, Confidence: 0.95},
			// long pause, same speaker
			{Text: "kenobi", StartMS: 4000, EndMS: 4500, SpeakerTag: 2, Confidence: 0.7},
		},
	}
	doc := buildTranscript("en", result)

	require.Len(t, doc.Segments, 3)
	assert.Equal(t, "hello there", doc.Segments[0].Text)
	assert.Equal(t, 1, doc.Segments[0].Speaker)
	assert.Equal(t, "general", doc.Segments[1].Text)
	assert.Equal(t, 2, doc.Segments[1].Speaker)
	assert.Equal(t, "kenobi", doc.Segments[2].Text)
	assert.Equal(t, int64(4500), doc.DurationMS)
	assert.InDelta(t, 0.85, doc.Segments[0].Confidence, 0.001)
}

func TestBuildTranscriptWithoutWords(t *testing.T) {
	doc := buildTranscript("en", &gcp.SpeechResult{Text: "just text"})
	require.Len(t, doc.Segments, 1)
	assert.Equal(t, "just text", doc.Segments[0].Text)
	assert.Empty(t, doc.Words)
}

func TestMergeOverlaysUpstreamOutputs(t *testing.T) {
	base := &Transcript{
		Language: "en",
		Text:     "good morning everyone",
		Segments: []Segment{
			{Text: "good morning", StartMS: 0, EndMS: 1000},
			{Text: "everyone", StartMS: 1200, EndMS: 2000},
		},
		Words: []Word{
			{Text: "good", StartMS: 0, EndMS: 400},
			{Text: "morning", StartMS: 500, EndMS: 1000},
			{Text: "everyone", StartMS: 1200, EndMS: 2000},
		},
	}
	turns := []SpeakerTurn{
		{Speaker: 1, StartMS: 0, EndMS: 1100},
		{Speaker: 2, StartMS: 1100, EndMS: 2500},
	}
	spans := []PIISpan{{Kind: "person_name", StartMS: 1200, EndMS: 2000}}

	docs := map[string][]byte{
		"gs://artifacts/transcribe": mustJSON(t, base),
		"gs://artifacts/diarize":    mustJSON(t, turns),
		"gs://artifacts/pii":        mustJSON(t, spans),
	}
	in := testInput(map[string]string{
		string(types.StageTranscribe): "gs://artifacts/transcribe",
		string(types.StageDiarize):    "gs://artifacts/diarize",
		string(types.StagePIIDetect):  "gs://artifacts/pii",
		string(types.StageAudioRedact): "gs://artifacts/redacted.wav",
	}, docs)

	out, err := NewMergeEngine("merge-test").Process(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out.Artifacts, 2)

	var final Transcript
	require.NoError(t, json.Unmarshal(out.Artifacts[0].Data, &final))
	assert.Equal(t, 1, final.Segments[0].Speaker)
	assert.Equal(t, 2, final.Segments[1].Speaker)
	assert.Equal(t, 2, final.Words[2].Speaker)
	require.Len(t, final.PII, 1)
	assert.Equal(t, "person_name", final.PII[0].Kind)
	assert.Equal(t, "gs://artifacts/redacted.wav", final.RedactedAudioURI)
	assert.Equal(t, "good morning everyone", string(out.Artifacts[1].Data))
}

func TestMergeFailsWithoutTranscribeOutput(t *testing.T) {
	in := testInput(map[string]string{}, nil)
	_, err := NewMergeEngine("merge-test").Process(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, faults.KindDependencySkipped, faults.KindOf(err))
}

func TestMergeSurvivesMissingOptionalStages(t *testing.T) {
	base := &Transcript{Language: "en", Text: "solo", Segments: []Segment{{Text: "solo"}}}
	docs := map[string][]byte{"gs://artifacts/transcribe": mustJSON(t, base)}
	in := testInput(map[string]string{
		string(types.StageTranscribe): "gs://artifacts/transcribe",
	}, docs)

	out, err := NewMergeEngine("merge-test").Process(context.Background(), in)
	require.NoError(t, err)

	var final Transcript
	require.NoError(t, json.Unmarshal(out.Artifacts[0].Data, &final))
	assert.Equal(t, "solo", final.Text)
	assert.Empty(t, final.PII)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
