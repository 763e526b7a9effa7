package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

const (
	// SampleRate is the fixed pipeline sample rate.
	SampleRate = 48000
	// FrameSamples is one live audio frame: 5 ms at 48 kHz mono.
	FrameSamples = 240
	// DefaultBitrate is the initial live audio bitrate in bps.
	DefaultBitrate = 32000
)

// Encoder converts 240-sample PCM frames to encoded packets. Implementations
// wrap an Opus library binding; the built-in PCM codec stands in where no
// binding is linked and in tests.
type Encoder interface {
	// Encode converts one FrameSamples-long PCM frame to a packet payload.
	Encode(pcm []float32) ([]byte, error)
	// SetBitrate updates the target encoding bit rate.
	SetBitrate(bps int) error
	// Close releases encoder resources.
	Close() error
}

// Decoder converts encoded packets back to 240-sample PCM frames.
// DecodeLost is the packet-loss-concealment entry point, invoked for a
// missing sequence in place of Decode.
type Decoder interface {
	Decode(data []byte) ([]float32, error)
	DecodeLost() []float32
	Close() error
}

// pcmCodec is the built-in passthrough codec: f32 samples as little-endian
// int16. It keeps the Encoder/Decoder seams honest until an Opus encoder
// binding is linked, mirroring the decode-only state of pure Go Opus.
type pcmCodec struct {
	bitrate  int
	lastPCM  []float32
	plcdecay float32
}

// NewPCMEncoder creates the built-in passthrough encoder.
func NewPCMEncoder() Encoder {
	return &pcmCodec{bitrate: DefaultBitrate}
}

// NewPCMDecoder creates the matching passthrough decoder with repeat-decay
// concealment.
func NewPCMDecoder() Decoder {
	return &pcmCodec{bitrate: DefaultBitrate, plcdecay: 1.0}
}

func (c *pcmCodec) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != FrameSamples {
		return nil, fmt.Errorf("frame must be %d samples, got %d", FrameSamples, len(pcm))
	}
	data := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		v := sampleToInt16(sample)
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data, nil
}

func (c *pcmCodec) Decode(data []byte) ([]float32, error) {
	if len(data) != FrameSamples*2 {
		return nil, fmt.Errorf("payload must be %d bytes, got %d", FrameSamples*2, len(data))
	}
	pcm := make([]float32, FrameSamples)
	for i := range pcm {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		pcm[i] = float32(v) / 32767.0
	}
	c.lastPCM = pcm
	c.plcdecayReset()
	return pcm, nil
}

// DecodeLost repeats the last good frame with geometric decay, fading to
// silence over a few frames.
func (c *pcmCodec) DecodeLost() []float32 {
	out := make([]float32, FrameSamples)
	if c.lastPCM == nil {
		return out
	}
	c.plcdecay *= 0.5
	for i, s := range c.lastPCM {
		out[i] = s * c.plcdecay
	}
	return out
}

func (c *pcmCodec) plcdecayReset() { c.plcdecay = 1.0 }

func (c *pcmCodec) SetBitrate(bps int) error {
	c.bitrate = bps
	return nil
}

func (c *pcmCodec) Close() error { return nil }

// OpusDecoder decodes Opus packets with the pure Go pion/opus decoder.
// Concealment falls back to repeat-decay because the pure Go decoder has no
// in-band PLC entry point.
type OpusDecoder struct {
	decoder  *opus.Decoder
	out      []byte
	lastPCM  []float32
	plcdecay float32
}

// NewOpusDecoder creates an Opus decoder for 48 kHz mono.
func NewOpusDecoder() *OpusDecoder {
	decoder := opus.NewDecoder()

	logrus.WithFields(logrus.Fields{
		"function":    "NewOpusDecoder",
		"sample_rate": SampleRate,
	}).Info("Opus decoder created")

	return &OpusDecoder{
		decoder:  &decoder,
		out:      make([]byte, 1920*2),
		plcdecay: 1.0,
	}
}

// Decode converts an Opus packet to one 240-sample PCM frame.
func (d *OpusDecoder) Decode(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}

	_, isStereo, err := d.decoder.Decode(data, d.out)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	step := 2
	if isStereo {
		step = 4
	}
	pcm := make([]float32, 0, FrameSamples)
	for i := 0; i+1 < len(d.out) && len(pcm) < FrameSamples; i += step {
		v := int16(d.out[i]) | int16(d.out[i+1])<<8
		pcm = append(pcm, float32(v)/32767.0)
	}
	for len(pcm) < FrameSamples {
		pcm = append(pcm, 0)
	}

	d.lastPCM = pcm
	d.plcdecay = 1.0
	return pcm, nil
}

// DecodeLost conceals a missing packet by repeating the last decoded frame
// with geometric decay.
func (d *OpusDecoder) DecodeLost() []float32 {
	out := make([]float32, FrameSamples)
	if d.lastPCM == nil {
		return out
	}
	d.plcdecay *= 0.5
	for i, s := range d.lastPCM {
		out[i] = s * d.plcdecay
	}
	return out
}

// Close releases decoder resources.
func (d *OpusDecoder) Close() error { return nil }

func sampleToInt16(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int16(s * 32767.0)
}
