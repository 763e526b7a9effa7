package recorder

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufferWriter is an in-memory FlushWriter that records flush points.
type bufferWriter struct {
	buf        bytes.Buffer
	flushMarks []int
}

func (b *bufferWriter) Write(p []byte) (int, error) { return b.buf.Write(p) }

func (b *bufferWriter) Flush() error {
	b.flushMarks = append(b.flushMarks, b.buf.Len())
	return nil
}

// parseBoxes walks top-level boxes and returns their types in order.
func parseBoxes(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	for len(data) >= 8 {
		size := binary.BigEndian.Uint32(data[:4])
		require.GreaterOrEqual(t, size, uint32(8), "box size")
		require.LessOrEqual(t, int(size), len(data), "box extends past buffer")
		types = append(types, string(data[4:8]))
		data = data[size:]
	}
	assert.Empty(t, data, "trailing bytes after last box")
	return types
}

// findBox returns the payload of the first box of the given type at the top
// level of data.
func findBox(data []byte, boxType string) []byte {
	for len(data) >= 8 {
		size := binary.BigEndian.Uint32(data[:4])
		if string(data[4:8]) == boxType {
			return data[8:size]
		}
		data = data[size:]
	}
	return nil
}

func newTestMuxer(t *testing.T) (*Muxer, *bufferWriter) {
	t.Helper()
	w := &bufferWriter{}
	m, err := NewMuxer(w, ascAACLC48kMono, stubSPS, stubPPS, 854, 480)
	require.NoError(t, err)
	return m, w
}

func TestMuxerInitSegment(t *testing.T) {
	_, w := newTestMuxer(t)

	types := parseBoxes(t, w.buf.Bytes())
	assert.Equal(t, []string{"ftyp", "moov"}, types)

	moov := findBox(w.buf.Bytes(), "moov")
	require.NotNil(t, moov)

	// moov carries mvhd, two traks, and mvex.
	var traks int
	inner := parseBoxes(t, moov)
	for _, bt := range inner {
		if bt == "trak" {
			traks++
		}
	}
	assert.Equal(t, 2, traks)
	assert.Contains(t, inner, "mvhd")
	assert.Contains(t, inner, "mvex")
}

func TestMuxerFragmentLayout(t *testing.T) {
	m, w := newTestMuxer(t)
	initLen := w.buf.Len()

	m.AddVideoSample([]byte{1, 2, 3, 4}, true)
	m.AddVideoSample([]byte{5, 6}, false)
	m.AddAudioFrame([]byte{9, 9, 9})
	require.NoError(t, m.FlushFragment())

	frag := w.buf.Bytes()[initLen:]
	types := parseBoxes(t, frag)
	assert.Equal(t, []string{"moof", "mdat"}, types)

	// mdat payload: video samples then audio frames.
	mdat := findBox(frag, "mdat")
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 9, 9, 9}, mdat)

	// moof holds mfhd + one traf per populated track.
	moof := findBox(frag, "moof")
	inner := parseBoxes(t, moof)
	assert.Equal(t, []string{"mfhd", "traf", "traf"}, inner)

	// Fragment sequence starts at 1.
	mfhd := findBox(moof, "mfhd")
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(mfhd[4:8]))
}

func TestMuxerFragmentSequenceIncreases(t *testing.T) {
	m, w := newTestMuxer(t)

	for i := 0; i < 3; i++ {
		start := w.buf.Len()
		m.AddAudioFrame([]byte{byte(i)})
		require.NoError(t, m.FlushFragment())
		moof := findBox(w.buf.Bytes()[start:], "moof")
		mfhd := findBox(moof, "mfhd")
		assert.Equal(t, uint32(i+1), binary.BigEndian.Uint32(mfhd[4:8]))
	}
}

func TestMuxerEmptyFlushIsNoop(t *testing.T) {
	m, w := newTestMuxer(t)
	before := w.buf.Len()
	require.NoError(t, m.FlushFragment())
	assert.Equal(t, before, w.buf.Len())
}

func TestMuxerFinalizeAppendsMoov(t *testing.T) {
	m, w := newTestMuxer(t)

	m.AddVideoSample([]byte{1, 2, 3}, true)
	m.AddAudioFrame([]byte{4, 5})
	require.NoError(t, m.FlushFragment())
	require.NoError(t, m.Finalize())

	types := parseBoxes(t, w.buf.Bytes())
	assert.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moov"}, types)
	assert.Equal(t, 1, m.VideoSampleCount())
	assert.Equal(t, 1, m.AudioSampleCount())
}

func TestMuxerFinalizeFlushesPending(t *testing.T) {
	m, _ := newTestMuxer(t)
	m.AddAudioFrame([]byte{1})
	require.NoError(t, m.Finalize())
	assert.Equal(t, 1, m.AudioSampleCount())
	assert.Equal(t, 0, m.PendingAudio())
}

func TestMuxerCrashTruncationLeavesValidFMP4(t *testing.T) {
	m, w := newTestMuxer(t)

	var fragBoundaries []int
	for i := 0; i < 5; i++ {
		m.AddVideoSample(bytes.Repeat([]byte{byte(i)}, 100), i == 0)
		m.AddAudioFrame(bytes.Repeat([]byte{byte(i)}, 50))
		require.NoError(t, m.FlushFragment())
		fragBoundaries = append(fragBoundaries, w.buf.Len())
	}

	// Truncating at any fragment boundary yields whole top-level boxes:
	// ftyp, moov, then complete moof/mdat pairs up to that point.
	for i, boundary := range fragBoundaries {
		truncated := w.buf.Bytes()[:boundary]
		types := parseBoxes(t, truncated)
		expected := []string{"ftyp", "moov"}
		for j := 0; j <= i; j++ {
			expected = append(expected, "moof", "mdat")
		}
		assert.Equal(t, expected, types, "boundary %d", i)
	}
}

func TestMuxerCo64OffsetsPointIntoMdat(t *testing.T) {
	m, w := newTestMuxer(t)

	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	m.AddVideoSample(payload, true)
	require.NoError(t, m.FlushFragment())
	require.NoError(t, m.Finalize())

	// The single video sample's recorded offset must point at its bytes.
	require.Len(t, m.videoSamples, 1)
	off := m.videoSamples[0].fileOffset
	got := w.buf.Bytes()[off : off+uint64(len(payload))]
	assert.Equal(t, payload, got)
}

func TestMuxerFlushedAtEveryFragment(t *testing.T) {
	m, w := newTestMuxer(t)

	m.AddAudioFrame([]byte{1})
	require.NoError(t, m.FlushFragment())
	m.AddAudioFrame([]byte{2})
	require.NoError(t, m.FlushFragment())

	// Init + two fragments = at least three flush marks, each at a box
	// boundary.
	require.GreaterOrEqual(t, len(w.flushMarks), 3)
	for _, mark := range w.flushMarks {
		parseBoxes(t, w.buf.Bytes()[:mark])
	}
}
