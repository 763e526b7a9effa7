package recorder

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/video"
)

// RecordGOP is the keyframe interval of the recording encoder (one per
// second at CFR 30).
const RecordGOP = 30

// NALU is one encoded H.264 access unit delivered by the asynchronous
// hardware encoder: length-prefixed NALUs ready for MP4 muxing.
type NALU struct {
	Data     []byte
	Keyframe bool
	// PtsMs is the monotonic capture timestamp of the source frame, used as
	// the MP4 decode timestamp.
	PtsMs uint32
}

// H264Encoder is the narrow seam in front of the platform hardware encoder
// (High Profile, Level 4.1, 15–20 Mbps VBR, CFR 30 fps, GOP 30). Submission
// is asynchronous: a submitted frame produces a later NALU on Output.
type H264Encoder interface {
	// Submit hands one raw frame to the encoder. It must not block beyond
	// the encoder's own bounded submission queue.
	Submit(frame *video.Frame) error
	// Output delivers encoded access units in submission order.
	Output() <-chan NALU
	// CodecConfig returns the SPS and PPS for the avcC box. Valid after the
	// first keyframe has been produced; the stand-in returns fixed stubs.
	CodecConfig() (sps, pps []byte)
	// Flush drains in-flight frames and closes Output.
	Flush()
	// Close releases encoder resources.
	Close() error
}

// SimpleH264Encoder emulates the asynchronous hardware encoder: frames pass
// through uncompressed as single length-prefixed NALUs with a GOP-30
// keyframe cadence. It keeps the seam honest until a platform binding
// (VideoToolbox, Media Foundation) is linked.
type SimpleH264Encoder struct {
	out    chan NALU
	frames atomic.Uint64
	closed atomic.Bool
}

// Stub parameter sets describing High Profile Level 4.1. A real encoder
// replaces these with the sets it emits.
var (
	stubSPS = []byte{0x67, 0x64, 0x00, 0x29, 0xAC, 0x1B, 0x1A, 0x50, 0x1E, 0x00, 0x89, 0xF9, 0x50}
	stubPPS = []byte{0x68, 0xEB, 0xE3, 0xCB, 0x22, 0xC0}
)

// NewSimpleH264Encoder creates the built-in stand-in encoder.
func NewSimpleH264Encoder() *SimpleH264Encoder {
	logrus.WithFields(logrus.Fields{
		"function": "NewSimpleH264Encoder",
		"gop":      RecordGOP,
		"fps":      video.CaptureFPS,
	}).Info("Simple H.264 encoder created")
	return &SimpleH264Encoder{out: make(chan NALU, 64)}
}

// Submit encodes synchronously but delivers through the channel, preserving
// the asynchronous contract callers must honor.
func (e *SimpleH264Encoder) Submit(frame *video.Frame) error {
	if e.closed.Load() {
		return fmt.Errorf("encoder closed")
	}
	if err := frame.Validate(); err != nil {
		return err
	}

	n := e.frames.Add(1) - 1
	key := n%RecordGOP == 0

	// One length-prefixed NALU per access unit.
	data := make([]byte, 4+len(frame.Data))
	binary.BigEndian.PutUint32(data, uint32(len(frame.Data)))
	copy(data[4:], frame.Data)

	e.out <- NALU{Data: data, Keyframe: key, PtsMs: frame.SessionMs}
	return nil
}

// Output delivers encoded access units.
func (e *SimpleH264Encoder) Output() <-chan NALU { return e.out }

// CodecConfig returns the stub SPS and PPS.
func (e *SimpleH264Encoder) CodecConfig() (sps, pps []byte) {
	return stubSPS, stubPPS
}

// Flush closes the output channel once in-flight frames are delivered.
func (e *SimpleH264Encoder) Flush() {
	if !e.closed.Swap(true) {
		close(e.out)
	}
}

// Close releases encoder resources.
func (e *SimpleH264Encoder) Close() error {
	e.Flush()
	return nil
}
