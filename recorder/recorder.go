package recorder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/hyperzoom/ringbus"
	"github.com/opd-ai/hyperzoom/video"
)

const (
	// RecordingFilename is the fixed output name inside the session
	// directory.
	RecordingFilename = "local_recording.mp4"

	// FinalizeDeadline bounds shutdown: past it the finalizer is skipped
	// and the file stays valid-but-unfinalized fMP4.
	FinalizeDeadline = 10 * time.Second

	bufWriterSize    = 64 * 1024
	fragmentInterval = time.Second
)

// fileWriter adapts a buffered file to the muxer's FlushWriter.
type fileWriter struct {
	bw *bufio.Writer
}

func (f *fileWriter) Write(p []byte) (int, error) { return f.bw.Write(p) }

func (f *fileWriter) Flush() error { return f.bw.Flush() }

// Recorder drives the local recording branch: both recording rings drain
// through their encoders into the fragmented MP4 muxer. Samples are never
// dropped; the muxer task owns all disk I/O.
type Recorder struct {
	audioRing *ringbus.Ring[float32]
	videoRing *ringbus.Ring[*video.Frame]
	aac       AACEncoder
	h264      H264Encoder
	cfr       *CFRRegulator

	muxer *Muxer
	file  *os.File
	path  string

	audioCh chan []byte
	stop    chan struct{}
	group   *errgroup.Group

	encoderErrors  atomic.Uint64
	finalizeFailed atomic.Bool
}

// Start opens the recording file, writes the init segment, and launches the
// recording tasks. The rings are the audio_rec and video_rec SPSC rings; the
// recorder is their sole consumer.
func Start(dir string, audioRing *ringbus.Ring[float32], videoRing *ringbus.Ring[*video.Frame],
	aac AACEncoder, h264 H264Encoder, width, height int) (*Recorder, error) {
	path := filepath.Join(dir, RecordingFilename)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	sps, pps := h264.CodecConfig()
	muxer, err := NewMuxer(&fileWriter{bw: bufio.NewWriterSize(file, bufWriterSize)},
		aac.AudioSpecificConfig(), sps, pps, width, height)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	r := &Recorder{
		audioRing: audioRing,
		videoRing: videoRing,
		aac:       aac,
		h264:      h264,
		cfr:       NewCFRRegulator(h264),
		muxer:     muxer,
		file:      file,
		path:      path,
		audioCh:   make(chan []byte, 64),
		stop:      make(chan struct{}),
	}

	r.group, _ = errgroup.WithContext(context.Background())
	r.group.Go(r.audioLoop)
	r.group.Go(r.videoLoop)
	r.group.Go(r.muxLoop)

	logrus.WithFields(logrus.Fields{
		"function": "recorder.Start",
		"path":     path,
		"width":    width,
		"height":   height,
	}).Info("Local recorder started")

	return r, nil
}

// Path returns the recording file path.
func (r *Recorder) Path() string { return r.path }

// Stats returns the recording counters for metadata and invariant checks.
func (r *Recorder) Stats() (captured, synthesized, dropped uint64) {
	return r.cfr.Captured(), r.cfr.Synthesized(), r.cfr.Dropped()
}

// FinalizeFailed reports whether the final moov could not be written.
func (r *Recorder) FinalizeFailed() bool { return r.finalizeFailed.Load() }

// Stop drains both rings, flushes the encoders, finalizes the container
// within the 10-second deadline, and closes the file. Safe to call once.
func (r *Recorder) Stop() error {
	close(r.stop)
	err := r.group.Wait()

	if cerr := r.file.Close(); err == nil {
		err = cerr
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Recorder.Stop",
		"captured":    r.cfr.Captured(),
		"synthesized": r.cfr.Synthesized(),
		"dropped":     r.cfr.Dropped(),
		"finalized":   !r.finalizeFailed.Load(),
	}).Info("Local recorder stopped")
	return err
}

// audioLoop accumulates 1024-sample frames from the recording ring, encodes
// them, and feeds the muxer task. On stop it drains the ring completely and
// pads the final partial frame with silence.
func (r *Recorder) audioLoop() error {
	defer close(r.audioCh)

	buf := make([]int16, AACFrameDuration)
	pos := 0
	stopping := false

	for {
		sample, ok := r.audioRing.Pop()
		if !ok {
			if stopping {
				break
			}
			select {
			case <-r.stop:
				stopping = true
			case <-time.After(500 * time.Microsecond):
			}
			continue
		}

		buf[pos] = SampleToInt16(sample)
		pos++
		if pos < AACFrameDuration {
			continue
		}
		pos = 0
		r.encodeAudioFrame(buf)
	}

	// Pad the last partial frame with silence.
	if pos > 0 {
		for i := pos; i < AACFrameDuration; i++ {
			buf[i] = 0
		}
		r.encodeAudioFrame(buf)
	}
	return nil
}

func (r *Recorder) encodeAudioFrame(buf []int16) {
	data, err := r.aac.EncodeFrame(buf)
	if err != nil {
		// Local-pipeline encoder errors count as drops and log critically.
		n := r.encoderErrors.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Recorder.encodeAudioFrame",
			"errors":   n,
			"error":    err.Error(),
		}).Error("AAC encode failed, recording frame lost")
		return
	}
	// Empty output is the encoder's priming delay, not a frame.
	if len(data) == 0 {
		return
	}
	r.audioCh <- data
}

// videoLoop feeds captured frames through CFR regulation into the HW
// encoder, draining the ring completely on stop before flushing the encoder.
func (r *Recorder) videoLoop() error {
	stopping := false
	for {
		frame, ok := r.videoRing.Pop()
		if !ok {
			if stopping {
				break
			}
			select {
			case <-r.stop:
				stopping = true
			case <-time.After(time.Millisecond):
			}
			continue
		}

		if err := r.cfr.Submit(frame); err != nil {
			n := r.encoderErrors.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "Recorder.videoLoop",
				"errors":   n,
				"error":    err.Error(),
			}).Error("H.264 submit failed, recording frame lost")
		}
	}

	r.h264.Flush()
	return nil
}

// muxLoop owns the muxer: it interleaves encoder output into fragments and
// flushes one moof+mdat pair per second. When both encoder feeds close it
// finalizes within the deadline.
func (r *Recorder) muxLoop() error {
	ticker := time.NewTicker(fragmentInterval)
	defer ticker.Stop()

	audioCh := r.audioCh
	naluCh := r.h264.Output()

	for audioCh != nil || naluCh != nil {
		select {
		case data, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			r.muxer.AddAudioFrame(data)
		case nalu, ok := <-naluCh:
			if !ok {
				naluCh = nil
				continue
			}
			r.muxer.AddVideoSample(nalu.Data, nalu.Keyframe)
		case <-ticker.C:
			if err := r.muxer.FlushFragment(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Recorder.muxLoop",
					"error":    err.Error(),
				}).Error("Fragment flush failed")
			}
		}
	}

	return r.finalize()
}

// finalize writes the conventional moov, bounded by the 10-second deadline.
// On failure or timeout the file is left as valid fMP4 and the failure is
// surfaced for the session metadata.
func (r *Recorder) finalize() error {
	done := make(chan error, 1)
	go func() {
		done <- r.muxer.Finalize()
	}()

	select {
	case err := <-done:
		if err != nil {
			r.finalizeFailed.Store(true)
			logrus.WithFields(logrus.Fields{
				"function": "Recorder.finalize",
				"error":    err.Error(),
			}).Error("Finalize failed, file left as fMP4")
		}
		return nil
	case <-time.After(FinalizeDeadline):
		r.finalizeFailed.Store(true)
		logrus.WithFields(logrus.Fields{
			"function": "Recorder.finalize",
			"deadline": FinalizeDeadline,
		}).Error("Finalize deadline exceeded, file left as fMP4")
		return nil
	}
}
