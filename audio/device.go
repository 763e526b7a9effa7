package audio

import "errors"

// ErrDeviceUnavailable is returned when an audio device cannot be opened at
// startup. Fatal: the process exits with code 1.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// CaptureFunc receives a batch of f32 mono 48 kHz samples from the OS device
// callback. It must not block.
type CaptureFunc func(samples []float32)

// PlaybackFunc fills out with f32 mono 48 kHz samples for the OS device
// callback. It must not block.
type PlaybackFunc func(out []float32)

// CaptureDevice is the narrow seam in front of the OS audio input. The
// PortAudio backend delivers the callback on PortAudio's own audio thread;
// no thread priority or scheduling policy is set by this package.
type CaptureDevice interface {
	// Start opens the device and begins delivering samples. Returns
	// ErrDeviceUnavailable if the device cannot be opened.
	Start(cb CaptureFunc) error
	// Stop halts delivery and releases the device.
	Stop() error
}

// PlaybackDevice is the narrow seam in front of the OS audio output.
type PlaybackDevice interface {
	Start(cb PlaybackFunc) error
	Stop() error
}
