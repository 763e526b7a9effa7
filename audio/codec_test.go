package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineFrame(freq float64) []float32 {
	pcm := make([]float32, FrameSamples)
	for i := range pcm {
		pcm[i] = float32(0.8 * math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return pcm
}

func TestPCMCodecRoundTrip(t *testing.T) {
	enc := NewPCMEncoder()
	dec := NewPCMDecoder()

	original := sineFrame(440)
	data, err := enc.Encode(original)
	require.NoError(t, err)
	assert.Equal(t, FrameSamples*2, len(data))

	decoded, err := dec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, FrameSamples, len(decoded))

	for i := range original {
		assert.InDelta(t, original[i], decoded[i], 0.001, "sample %d", i)
	}
}

func TestPCMEncoderRejectsWrongFrameSize(t *testing.T) {
	enc := NewPCMEncoder()
	_, err := enc.Encode(make([]float32, FrameSamples-1))
	assert.Error(t, err)
}

func TestPCMEncoderClampsOutOfRange(t *testing.T) {
	enc := NewPCMEncoder()
	dec := NewPCMDecoder()

	pcm := make([]float32, FrameSamples)
	pcm[0] = 2.5
	pcm[1] = -2.5

	data, err := enc.Encode(pcm)
	require.NoError(t, err)
	decoded, err := dec.Decode(data)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, decoded[0], 0.001)
	assert.InDelta(t, -1.0, decoded[1], 0.001)
}

func TestPCMDecoderConcealmentDecays(t *testing.T) {
	enc := NewPCMEncoder()
	dec := NewPCMDecoder()

	data, err := enc.Encode(sineFrame(440))
	require.NoError(t, err)
	decoded, err := dec.Decode(data)
	require.NoError(t, err)

	peak := func(pcm []float32) float32 {
		var p float32
		for _, s := range pcm {
			if s > p {
				p = s
			}
		}
		return p
	}

	origPeak := peak(decoded)
	first := dec.DecodeLost()
	second := dec.DecodeLost()

	assert.Less(t, peak(first), origPeak)
	assert.Less(t, peak(second), peak(first))
}

func TestPCMDecoderConcealmentWithoutHistoryIsSilence(t *testing.T) {
	dec := NewPCMDecoder()
	out := dec.DecodeLost()
	require.Equal(t, FrameSamples, len(out))
	for _, s := range out {
		assert.Equal(t, float32(0), s)
	}
}

func TestOpusDecoderConcealmentWithoutHistoryIsSilence(t *testing.T) {
	dec := NewOpusDecoder()
	out := dec.DecodeLost()
	require.Equal(t, FrameSamples, len(out))
	for _, s := range out {
		assert.Equal(t, float32(0), s)
	}
}

func TestOpusDecoderRejectsEmptyPayload(t *testing.T) {
	dec := NewOpusDecoder()
	_, err := dec.Decode(nil)
	assert.Error(t, err)
}
