package video

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	// KeyframeIntervalFrames forces a keyframe every 2 s at 24 fps.
	KeyframeIntervalFrames = 48
	// DefaultBitrate is the initial live video bitrate in bps.
	DefaultBitrate = 400000
	// MinBitrate and MaxBitrate give the full-quality VBR range; SetBitrate
	// does not clamp to them.
	MinBitrate = 300000
	MaxBitrate = 500000
)

// EncodedFrame is one encoder output unit before fragmentation.
type EncodedFrame struct {
	Data      []byte
	Keyframe  bool
	SessionMs uint32
}

// Encoder is the VP8-facing seam. Implementations wrap a VP8 library
// binding; the built-in raw encoder stands in where no binding is linked and
// in tests.
type Encoder interface {
	// Encode converts one I420 frame. The encoder decides keyframe
	// placement on its configured interval and after ForceKeyframe.
	Encode(frame *Frame) (*EncodedFrame, error)
	// ForceKeyframe makes the next encoded frame a keyframe, used when a
	// NACKed keyframe has left the retransmit cache.
	ForceKeyframe()
	// SetBitrate updates the VBR target, driven by the congestion ladder.
	SetBitrate(bps int) error
	// Flush returns any frames still buffered in the encoder.
	Flush() []*EncodedFrame
	// Close releases encoder resources.
	Close() error
}

// Decoder is the VP8-facing decode seam.
type Decoder interface {
	// Decode converts one complete encoded frame back to I420. A delta
	// frame arriving after a concealed miss may return nil until the next
	// keyframe restores state.
	Decode(data []byte) (*Frame, error)
	// Conceal tells the decoder a delta frame was lost; it freezes and
	// waits for a keyframe.
	Conceal()
	// Close releases decoder resources.
	Close() error
}

// rawCodec is the built-in codec: frames pass through uncompressed behind a
// 13-byte descriptor (geometry + keyframe flag). Delta frames carry the same
// payload as keyframes, so decode needs no inter-frame state; the descriptor
// keeps the keyframe cadence and concealment semantics observable. It keeps
// the Encoder/Decoder seams honest until a VP8 binding is linked.
type rawCodec struct {
	frameCount  uint64
	forceKey    atomic.Bool
	bitrate     atomic.Int64
	concealed   atomic.Bool
	gotKeyframe bool
}

const rawDescriptorSize = 13

// NewRawEncoder creates the built-in passthrough encoder.
func NewRawEncoder() Encoder {
	c := &rawCodec{}
	c.bitrate.Store(DefaultBitrate)
	logrus.WithFields(logrus.Fields{
		"function":    "NewRawEncoder",
		"keyframe_iv": KeyframeIntervalFrames,
		"bitrate":     DefaultBitrate,
	}).Info("Raw video encoder created")
	return c
}

// NewRawDecoder creates the matching decoder.
func NewRawDecoder() Decoder {
	return &rawCodec{}
}

func (c *rawCodec) Encode(frame *Frame) (*EncodedFrame, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if frame.Format != FormatI420 {
		return nil, fmt.Errorf("encoder expects I420 input, got format %d", frame.Format)
	}

	key := c.frameCount%KeyframeIntervalFrames == 0 || c.forceKey.Swap(false)
	c.frameCount++

	data := make([]byte, rawDescriptorSize+len(frame.Data))
	if key {
		data[0] = 1
	}
	binary.BigEndian.PutUint32(data[1:5], uint32(frame.Width))
	binary.BigEndian.PutUint32(data[5:9], uint32(frame.Height))
	binary.BigEndian.PutUint32(data[9:13], frame.SessionMs)
	copy(data[rawDescriptorSize:], frame.Data)

	return &EncodedFrame{Data: data, Keyframe: key, SessionMs: frame.SessionMs}, nil
}

func (c *rawCodec) ForceKeyframe() {
	c.forceKey.Store(true)
}

func (c *rawCodec) SetBitrate(bps int) error {
	if bps <= 0 {
		return fmt.Errorf("bitrate must be positive, got %d", bps)
	}
	c.bitrate.Store(int64(bps))
	return nil
}

func (c *rawCodec) Flush() []*EncodedFrame { return nil }

func (c *rawCodec) Decode(data []byte) (*Frame, error) {
	if len(data) < rawDescriptorSize {
		return nil, fmt.Errorf("encoded frame too short: %d bytes", len(data))
	}
	key := data[0] == 1
	w := int(binary.BigEndian.Uint32(data[1:5]))
	h := int(binary.BigEndian.Uint32(data[5:9]))
	ts := binary.BigEndian.Uint32(data[9:13])

	if key {
		c.gotKeyframe = true
		c.concealed.Store(false)
	}
	// After a concealed miss, deltas are unusable until a keyframe.
	if !key && (c.concealed.Load() || !c.gotKeyframe) {
		return nil, nil
	}

	frame := &Frame{
		Width:     w,
		Height:    h,
		Format:    FormatI420,
		Data:      make([]byte, len(data)-rawDescriptorSize),
		SessionMs: ts,
	}
	copy(frame.Data, data[rawDescriptorSize:])
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *rawCodec) Conceal() {
	c.concealed.Store(true)
}

func (c *rawCodec) Close() error { return nil }
