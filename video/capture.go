package video

import (
	"errors"
	"sync/atomic"

	"github.com/opd-ai/hyperzoom/ringbus"
)

// ErrCameraUnavailable is returned when the camera cannot be opened at
// startup. Fatal: the process exits with code 1.
var ErrCameraUnavailable = errors.New("camera unavailable")

// RingCapacityFrames sizes the video rings at a handful of full frames.
const RingCapacityFrames = 6

// FrameFunc receives one raw frame from the camera callback. It must copy
// out quickly and never block.
type FrameFunc func(frame *Frame)

// CameraSource is the narrow seam in front of the camera driver. The backend
// delivers frames at native resolution and ~30 fps.
type CameraSource interface {
	// Start opens the camera and begins delivering frames. Returns
	// ErrCameraUnavailable if the device cannot be opened.
	Start(cb FrameFunc) error
	// Stop halts delivery and releases the camera.
	Stop() error
}

// CaptureFanout routes camera frames into the two video rings. Toggling the
// camera off stops pushes into the live ring only; the recording ring keeps
// receiving while the camera is physically active.
type CaptureFanout struct {
	Live *ringbus.Ring[*Frame]
	Rec  *ringbus.Ring[*Frame]

	liveEnabled atomic.Bool
}

// NewCaptureFanout wires the fan-out over the two video rings with the live
// branch enabled.
func NewCaptureFanout(live, rec *ringbus.Ring[*Frame]) *CaptureFanout {
	f := &CaptureFanout{Live: live, Rec: rec}
	f.liveEnabled.Store(true)
	return f
}

// SetLiveEnabled toggles the live branch (camera on/off in the call).
func (f *CaptureFanout) SetLiveEnabled(enabled bool) {
	f.liveEnabled.Store(enabled)
}

// LiveEnabled reports the live branch state.
func (f *CaptureFanout) LiveEnabled() bool {
	return f.liveEnabled.Load()
}

// OnFrame is the FrameFunc: pushes into the recording ring always and the
// live ring only while enabled.
func (f *CaptureFanout) OnFrame(frame *Frame) {
	f.Rec.Push(frame)
	if f.liveEnabled.Load() {
		f.Live.Push(frame)
	}
}
