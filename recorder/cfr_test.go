package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hyperzoom/video"
)

// collectEncoder records submitted frames.
type collectEncoder struct {
	frames []*video.Frame
}

func (c *collectEncoder) Submit(f *video.Frame) error {
	c.frames = append(c.frames, f)
	return nil
}

func (c *collectEncoder) Output() <-chan NALU { return nil }

func (c *collectEncoder) CodecConfig() ([]byte, []byte) { return stubSPS, stubPPS }

func (c *collectEncoder) Flush() {}

func (c *collectEncoder) Close() error { return nil }

func cfrFrame(ms uint32) *video.Frame {
	return &video.Frame{
		Width:     16,
		Height:    16,
		Format:    video.FormatI420,
		Data:      make([]byte, 16*16+2*8*8),
		SessionMs: ms,
	}
}

func TestCFRSteadyCadencePassesThrough(t *testing.T) {
	enc := &collectEncoder{}
	r := NewCFRRegulator(enc)

	for _, ms := range []uint32{0, 33, 67, 100, 133} {
		require.NoError(t, r.Submit(cfrFrame(ms)))
	}

	assert.Equal(t, uint64(5), r.Captured())
	assert.Equal(t, uint64(0), r.Synthesized())
	assert.Equal(t, uint64(0), r.Dropped())
	assert.Len(t, enc.frames, 5)
}

func TestCFRGapSynthesizesFrames(t *testing.T) {
	enc := &collectEncoder{}
	r := NewCFRRegulator(enc)

	require.NoError(t, r.Submit(cfrFrame(0)))
	// 100ms gap: two missed slots get the previous frame re-submitted.
	require.NoError(t, r.Submit(cfrFrame(100)))

	assert.Equal(t, uint64(2), r.Captured())
	assert.Equal(t, uint64(2), r.Synthesized())
	assert.Equal(t, uint64(0), r.Dropped())
	require.Len(t, enc.frames, 4)

	// Synthesized frames land on the missed slots, in order.
	assert.Equal(t, uint32(0), enc.frames[0].SessionMs)
	assert.Equal(t, uint32(33), enc.frames[1].SessionMs)
	assert.Equal(t, uint32(66), enc.frames[2].SessionMs)
	assert.Equal(t, uint32(100), enc.frames[3].SessionMs)
}

func TestCFRBurstDropsExcess(t *testing.T) {
	enc := &collectEncoder{}
	r := NewCFRRegulator(enc)

	require.NoError(t, r.Submit(cfrFrame(0)))
	// A burst well ahead of the cadence: dropped, counted.
	require.NoError(t, r.Submit(cfrFrame(5)))
	require.NoError(t, r.Submit(cfrFrame(10)))
	require.NoError(t, r.Submit(cfrFrame(33)))

	assert.Equal(t, uint64(2), r.Captured())
	assert.Equal(t, uint64(2), r.Dropped())
	assert.Len(t, enc.frames, 2)
}

func TestCFRSmallJitterTolerated(t *testing.T) {
	enc := &collectEncoder{}
	r := NewCFRRegulator(enc)

	// ±5ms of capture jitter around the cadence is neither a gap nor a
	// burst.
	for _, ms := range []uint32{0, 30, 70, 98, 135} {
		require.NoError(t, r.Submit(cfrFrame(ms)))
	}

	assert.Equal(t, uint64(5), r.Captured())
	assert.Equal(t, uint64(0), r.Synthesized())
	assert.Equal(t, uint64(0), r.Dropped())
}
