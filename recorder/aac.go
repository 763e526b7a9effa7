package recorder

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AACEncoder is the narrow seam in front of the AAC-LC encoder binding
// (48 kHz mono, 192 kbps CBR, raw frames without ADTS headers). Real
// encoders have a priming delay: early calls may return an empty slice,
// which the recorder skips rather than muxes.
type AACEncoder interface {
	// EncodeFrame encodes 1024 int16 PCM samples into one raw AAC frame.
	EncodeFrame(samples []int16) ([]byte, error)
	// AudioSpecificConfig returns the ASC bytes for the esds box.
	AudioSpecificConfig() []byte
	// Close releases encoder resources.
	Close() error
}

// ascAACLC48kMono is the AudioSpecificConfig for AAC-LC, 48 kHz, mono:
// audioObjectType 2, samplingFrequencyIndex 3, channelConfiguration 1.
var ascAACLC48kMono = []byte{0x11, 0x88}

// SimpleAACEncoder packages PCM frames behind the AAC interface, keeping the
// seam honest until an fdk-aac binding is linked. It reproduces the real
// encoder's priming behavior: the first call returns empty output.
type SimpleAACEncoder struct {
	frames uint64
}

// NewSimpleAACEncoder creates the built-in stand-in encoder.
func NewSimpleAACEncoder() *SimpleAACEncoder {
	logrus.WithFields(logrus.Fields{
		"function":    "NewSimpleAACEncoder",
		"sample_rate": AudioTimescale,
		"frame_len":   AACFrameDuration,
		"bitrate":     audioBitrate,
	}).Info("Simple AAC encoder created")
	return &SimpleAACEncoder{}
}

// EncodeFrame packages one 1024-sample frame. The first frame is consumed as
// priming and returns empty output.
func (e *SimpleAACEncoder) EncodeFrame(samples []int16) ([]byte, error) {
	if len(samples) != AACFrameDuration {
		return nil, fmt.Errorf("frame must be %d samples, got %d", AACFrameDuration, len(samples))
	}
	e.frames++
	if e.frames == 1 {
		return nil, nil
	}
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data, nil
}

// AudioSpecificConfig returns the 2-byte ASC for AAC-LC 48 kHz mono.
func (e *SimpleAACEncoder) AudioSpecificConfig() []byte {
	return ascAACLC48kMono
}

// Close releases encoder resources.
func (e *SimpleAACEncoder) Close() error { return nil }

// SampleToInt16 converts one f32 sample to int16 with clamping.
func SampleToInt16(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int16(s * 32767.0)
}
