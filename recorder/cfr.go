package recorder

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/video"
)

const (
	// frameIntervalUs is the expected capture cadence at 30 fps, in
	// microseconds to keep the 33.33 ms interval exact.
	frameIntervalUs = 33333
	// gapThresholdUs is 1.5 frame intervals: a larger capture gap is filled
	// by re-submitting the previous frame.
	gapThresholdUs = frameIntervalUs * 3 / 2
)

// CFRRegulator enforces constant frame rate on the recording branch. Capture
// gaps of at least 1.5 intervals are filled by re-submitting the previous
// frame (counted as synthesized); bursts beyond the cadence are dropped —
// the only allowed drop point on the local branch, expected to stay at zero
// and logged critically when it does not.
type CFRRegulator struct {
	encoder H264Encoder

	lastFrame *video.Frame
	nextDueUs int64
	started   bool

	captured    atomic.Uint64
	synthesized atomic.Uint64
	dropped     atomic.Uint64
}

// NewCFRRegulator wraps the recording encoder.
func NewCFRRegulator(encoder H264Encoder) *CFRRegulator {
	return &CFRRegulator{encoder: encoder}
}

// Submit feeds one captured frame, synthesizing or dropping as the cadence
// requires. The frame's SessionMs is its capture timestamp.
func (r *CFRRegulator) Submit(frame *video.Frame) error {
	nowUs := int64(frame.SessionMs) * 1000

	if !r.started {
		r.started = true
		r.nextDueUs = nowUs + frameIntervalUs
		r.lastFrame = frame
		r.captured.Add(1)
		return r.encoder.Submit(frame)
	}

	gap := nowUs - (r.nextDueUs - frameIntervalUs)
	if gap >= gapThresholdUs && r.lastFrame != nil {
		// Fill the gap by re-submitting the previous frame at each missed
		// slot.
		for r.nextDueUs+frameIntervalUs <= nowUs {
			fill := *r.lastFrame
			fill.SessionMs = uint32(r.nextDueUs / 1000)
			if err := r.encoder.Submit(&fill); err != nil {
				return err
			}
			r.synthesized.Add(1)
			r.nextDueUs += frameIntervalUs
			logrus.WithFields(logrus.Fields{
				"function": "CFRRegulator.Submit",
				"slot_ms":  fill.SessionMs,
			}).Debug("Synthesized frame for capture gap")
		}
	}

	// Burst: the frame arrived well before its slot.
	if nowUs < r.nextDueUs-frameIntervalUs/2 {
		n := r.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "CFRRegulator.Submit",
			"dropped":  n,
			"now_ms":   frame.SessionMs,
		}).Error("Recording frame burst dropped")
		return nil
	}

	r.lastFrame = frame
	r.nextDueUs += frameIntervalUs
	r.captured.Add(1)
	return r.encoder.Submit(frame)
}

// Captured returns frames accepted from capture.
func (r *CFRRegulator) Captured() uint64 { return r.captured.Load() }

// Synthesized returns gap-filling re-submissions.
func (r *CFRRegulator) Synthesized() uint64 { return r.synthesized.Load() }

// Dropped returns burst drops. Must be zero under normal load.
func (r *CFRRegulator) Dropped() uint64 { return r.dropped.Load() }
