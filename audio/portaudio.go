package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"
)

// PortAudio initialization is process-wide and reference counted across the
// capture and playback devices.
var (
	paMu   sync.Mutex
	paRefs int
)

func paAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}
	paRefs++
	return nil
}

func paRelease() {
	paMu.Lock()
	defer paMu.Unlock()
	paRefs--
	if paRefs == 0 {
		if err := portaudio.Terminate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "paRelease",
				"error":    err.Error(),
			}).Warn("PortAudio terminate failed")
		}
	}
}

// PortAudioCapture drives the default input device through PortAudio,
// delivering f32 mono 48 kHz batches to the capture callback.
type PortAudioCapture struct {
	stream *portaudio.Stream
}

// NewPortAudioCapture creates an unopened capture device.
func NewPortAudioCapture() *PortAudioCapture {
	return &PortAudioCapture{}
}

// Start opens the default input stream at 48 kHz mono and begins delivery.
func (c *PortAudioCapture) Start(cb CaptureFunc) error {
	if err := paAcquire(); err != nil {
		return err
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, SampleRate, FrameSamples,
		func(in []float32) {
			cb(in)
		})
	if err != nil {
		paRelease()
		return fmt.Errorf("%w: open input stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		paRelease()
		return fmt.Errorf("%w: start input stream: %v", ErrDeviceUnavailable, err)
	}

	c.stream = stream
	logrus.WithFields(logrus.Fields{
		"function":    "PortAudioCapture.Start",
		"sample_rate": SampleRate,
		"frame":       FrameSamples,
	}).Info("Audio capture started")
	return nil
}

// Stop halts the stream and releases the device.
func (c *PortAudioCapture) Stop() error {
	if c.stream == nil {
		return nil
	}
	err := c.stream.Stop()
	if cerr := c.stream.Close(); err == nil {
		err = cerr
	}
	c.stream = nil
	paRelease()

	logrus.WithFields(logrus.Fields{
		"function": "PortAudioCapture.Stop",
	}).Info("Audio capture stopped")
	return err
}

// PortAudioPlayback drives the default output device through PortAudio,
// pulling f32 mono 48 kHz batches from the playback callback.
type PortAudioPlayback struct {
	stream *portaudio.Stream
}

// NewPortAudioPlayback creates an unopened playback device.
func NewPortAudioPlayback() *PortAudioPlayback {
	return &PortAudioPlayback{}
}

// Start opens the default output stream at 48 kHz mono and begins pulling.
func (p *PortAudioPlayback) Start(cb PlaybackFunc) error {
	if err := paAcquire(); err != nil {
		return err
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, SampleRate, FrameSamples,
		func(out []float32) {
			cb(out)
		})
	if err != nil {
		paRelease()
		return fmt.Errorf("%w: open output stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		paRelease()
		return fmt.Errorf("%w: start output stream: %v", ErrDeviceUnavailable, err)
	}

	p.stream = stream
	logrus.WithFields(logrus.Fields{
		"function":    "PortAudioPlayback.Start",
		"sample_rate": SampleRate,
	}).Info("Audio playback started")
	return nil
}

// Stop halts the stream and releases the device.
func (p *PortAudioPlayback) Stop() error {
	if p.stream == nil {
		return nil
	}
	err := p.stream.Stop()
	if cerr := p.stream.Close(); err == nil {
		err = cerr
	}
	p.stream = nil
	paRelease()

	logrus.WithFields(logrus.Fields{
		"function": "PortAudioPlayback.Stop",
	}).Info("Audio playback stopped")
	return err
}
