package recorder

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hyperzoom/ringbus"
	"github.com/opd-ai/hyperzoom/video"
)

func recFrame(ms uint32) *video.Frame {
	f := &video.Frame{
		Width:     16,
		Height:    16,
		Format:    video.FormatI420,
		Data:      make([]byte, 16*16+2*8*8),
		SessionMs: ms,
	}
	for i := range f.Data {
		f.Data[i] = byte(ms)
	}
	return f
}

func TestRecorderEndToEnd(t *testing.T) {
	dir := t.TempDir()
	audioRing := ringbus.New[float32]("audio_rec", 48000, ringbus.DropNone)
	videoRing := ringbus.New[*video.Frame]("video_rec", 64, ringbus.DropNone)

	rec, err := Start(dir, audioRing, videoRing, NewSimpleAACEncoder(), NewSimpleH264Encoder(), 16, 16)
	require.NoError(t, err)

	// One second of audio and 30 frames of CFR video.
	for i := 0; i < AudioTimescale; i++ {
		require.Equal(t, ringbus.Accepted, audioRing.Push(0.1))
	}
	for i := 0; i < 30; i++ {
		require.Equal(t, ringbus.Accepted, videoRing.Push(recFrame(uint32(i*100/3))))
	}

	// Give the loops time to drain before stopping.
	require.Eventually(t, func() bool {
		return audioRing.Len() == 0 && videoRing.Len() == 0
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, rec.Stop())

	captured, synthesized, dropped := rec.Stats()
	assert.Equal(t, uint64(30), captured)
	assert.Equal(t, uint64(0), synthesized)
	assert.Equal(t, uint64(0), dropped)
	assert.False(t, rec.FinalizeFailed())

	// The file is ftyp + moov + fragments + final moov, with every frame
	// that entered the ring present as a sample.
	data, err := os.ReadFile(filepath.Join(dir, RecordingFilename))
	require.NoError(t, err)

	types := boxTypes(t, data)
	require.GreaterOrEqual(t, len(types), 4)
	assert.Equal(t, "ftyp", types[0])
	assert.Equal(t, "moov", types[1])
	assert.Equal(t, "moov", types[len(types)-1], "finalized file ends with conventional moov")
	assert.Contains(t, types, "moof")

	assert.Equal(t, 30, rec.muxer.VideoSampleCount())
	// 48000 samples = 46 full AAC frames + 1 padded, minus 1 priming frame.
	assert.Equal(t, 46, rec.muxer.AudioSampleCount())
}

func boxTypes(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	for len(data) >= 8 {
		size := binary.BigEndian.Uint32(data[:4])
		require.GreaterOrEqual(t, size, uint32(8))
		require.LessOrEqual(t, int(size), len(data))
		types = append(types, string(data[4:8]))
		data = data[size:]
	}
	return types
}

func TestRecorderDrainsRingsOnStop(t *testing.T) {
	dir := t.TempDir()
	audioRing := ringbus.New[float32]("audio_rec", 48000, ringbus.DropNone)
	videoRing := ringbus.New[*video.Frame]("video_rec", 64, ringbus.DropNone)

	rec, err := Start(dir, audioRing, videoRing, NewSimpleAACEncoder(), NewSimpleH264Encoder(), 16, 16)
	require.NoError(t, err)

	// Push and stop immediately: the drain must still consume everything.
	for i := 0; i < AACFrameDuration*3; i++ {
		audioRing.Push(0.2)
	}
	videoRing.Push(recFrame(0))

	require.NoError(t, rec.Stop())

	assert.Equal(t, 0, audioRing.Len())
	assert.Equal(t, 0, videoRing.Len())
	// 3 AAC frames minus 1 priming.
	assert.Equal(t, 2, rec.muxer.AudioSampleCount())
	assert.Equal(t, 1, rec.muxer.VideoSampleCount())
}

func TestSessionMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()

	meta := NewSessionMetadata(0xDEADBEEF12345678, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	meta.EndTime = "2026-03-01T12:10:00Z"
	meta.DurationSeconds = 600
	meta.Participants = []ParticipantInfo{
		{ID: 0, Name: "Host", ClockOffsetMs: 0},
		{ID: 1, Name: "Alice", ClockOffsetMs: -1234},
	}
	meta.Recording.FramesCaptured = 18000
	meta.Recording.Finalized = true

	require.NoError(t, meta.Write(dir))

	data, err := os.ReadFile(filepath.Join(dir, MetadataFilename))
	require.NoError(t, err)

	var parsed SessionMetadata
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, "DEADBEEF12345678", parsed.SessionID)
	assert.Equal(t, "direct-mix", parsed.Sync.ToneAuthoring)
	assert.Equal(t, "aac-lc", parsed.Recording.AudioCodec)
	assert.Equal(t, uint64(18000), parsed.Recording.FramesCaptured)
	assert.Len(t, parsed.Participants, 2)
	assert.NotEmpty(t, parsed.RecordingID)
}

func TestWriteTimecodes(t *testing.T) {
	dir := t.TempDir()
	participants := []ParticipantInfo{
		{ID: 1, Name: "Alice", ClockOffsetMs: 1234},
		{ID: 2, Name: "Bob", ClockOffsetMs: -87},
	}
	require.NoError(t, WriteTimecodes(dir, participants, map[uint8]int64{1: 20, 2: 35}))

	data, err := os.ReadFile(filepath.Join(dir, TimecodesFilename))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "1  Alice  +1234  20")
	assert.Contains(t, text, "2  Bob  -87  35")
}

func TestCreateSessionDir(t *testing.T) {
	root := t.TempDir()
	dir, err := CreateSessionDir(root, "2026-03-01_12-00-00")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "2026-03-01_12-00-00"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
