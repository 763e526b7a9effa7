package audio

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/clock"
	"github.com/opd-ai/hyperzoom/transport"
)

const (
	// FrameDurationMs is the live audio frame duration.
	FrameDurationMs = 5

	minDepthMs     = 5
	maxDepthMs     = 30
	growStepMs     = 5
	shrinkStepMs   = 2
	adaptInterval  = 200 * time.Millisecond
	shrinkHoldTime = 2 * time.Second
	statsWindow    = 2 * time.Second

	// Hard cap on buffered frames before the oldest are evicted.
	maxBufferedFrames = 64
)

// PopResult reports what the jitter buffer produced for a playback slot.
type PopResult int

const (
	// PopPlayed means a received frame was returned.
	PopPlayed PopResult = iota
	// PopConcealed means the sequence was missing; the caller must run PLC.
	PopConcealed
	// PopStarved means playback has not started (buffer still filling).
	PopStarved
)

type arrivalRecord struct {
	seq uint16
	at  time.Time
}

// JitterBuffer is the per-participant adaptive reorder/delay queue. Target
// depth floats between 5 and 30 ms, driven by the rolling 2-second loss rate
// and the inter-arrival jitter (mean absolute deviation from the 5 ms
// cadence), re-evaluated once per 200 ms.
type JitterBuffer struct {
	mu sync.Mutex

	participantID uint8
	provider      clock.TimeProvider

	frames   map[uint16][]float32
	playhead uint16
	started  bool

	targetDepthMs int
	lastAdapt     time.Time
	calmSince     time.Time

	arrivals    []arrivalRecord
	lastArrival time.Time
	jitterMs    float64 // EWMA of |inter-arrival - 5ms|

	played    uint64
	concealed uint64
	discarded uint64
}

// NewJitterBuffer creates a buffer starting at the minimum 5 ms depth.
func NewJitterBuffer(participantID uint8, provider clock.TimeProvider) *JitterBuffer {
	if provider == nil {
		provider = clock.RealTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewJitterBuffer",
		"participant": participantID,
		"depth_ms":    minDepthMs,
	}).Info("Jitter buffer created")

	return &JitterBuffer{
		participantID: participantID,
		provider:      provider,
		frames:        make(map[uint16][]float32),
		targetDepthMs: minDepthMs,
	}
}

// Push inserts a decoded frame keyed by sequence. Frames older than the play
// head and duplicates are discarded.
func (jb *JitterBuffer) Push(seq uint16, pcm []float32) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	now := jb.provider.Now()
	jb.recordArrival(seq, now)

	if jb.started && !transport.SeqNewer(seq, jb.playhead) && seq != jb.playhead {
		jb.discarded++
		return
	}
	if _, dup := jb.frames[seq]; dup {
		jb.discarded++
		return
	}

	jb.frames[seq] = pcm

	// Evict the oldest entries if a stall let the buffer balloon.
	for len(jb.frames) > maxBufferedFrames {
		delete(jb.frames, jb.oldestSeq())
		jb.discarded++
	}

	jb.maybeAdapt(now)
}

// Pop returns the frame for the next playback slot. Playback does not start
// until target-depth frames are buffered; once running, a missing sequence
// yields PopConcealed and the play head advances regardless.
func (jb *JitterBuffer) Pop() ([]float32, PopResult) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.started {
		if len(jb.frames)*FrameDurationMs < jb.targetDepthMs {
			return nil, PopStarved
		}
		jb.playhead = jb.oldestSeq()
		jb.started = true
	}

	seq := jb.playhead
	jb.playhead++

	if pcm, ok := jb.frames[seq]; ok {
		delete(jb.frames, seq)
		jb.played++
		return pcm, PopPlayed
	}
	jb.concealed++
	return nil, PopConcealed
}

// TargetDepthMs returns the current adaptive target depth.
func (jb *JitterBuffer) TargetDepthMs() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.targetDepthMs
}

// Stats returns played, concealed, and discarded frame counts.
func (jb *JitterBuffer) Stats() (played, concealed, discarded uint64) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.played, jb.concealed, jb.discarded
}

// Reset clears all state, e.g. when a peer reconnects within the timeout.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	jb.frames = make(map[uint16][]float32)
	jb.started = false
	jb.targetDepthMs = minDepthMs
	jb.arrivals = nil
	jb.lastArrival = time.Time{}
	jb.jitterMs = 0
	jb.calmSince = time.Time{}
}

func (jb *JitterBuffer) oldestSeq() uint16 {
	var oldest uint16
	first := true
	for seq := range jb.frames {
		if first || transport.SeqNewer(oldest, seq) {
			oldest = seq
			first = false
		}
	}
	return oldest
}

func (jb *JitterBuffer) recordArrival(seq uint16, now time.Time) {
	if !jb.lastArrival.IsZero() {
		gapMs := float64(now.Sub(jb.lastArrival).Microseconds()) / 1000.0
		dev := gapMs - FrameDurationMs
		if dev < 0 {
			dev = -dev
		}
		// EWMA with 1/16 gain, the usual inter-arrival jitter estimator.
		jb.jitterMs += (dev - jb.jitterMs) / 16.0
	}
	jb.lastArrival = now

	jb.arrivals = append(jb.arrivals, arrivalRecord{seq: seq, at: now})
	cutoff := now.Add(-statsWindow)
	trim := 0
	for trim < len(jb.arrivals) && jb.arrivals[trim].at.Before(cutoff) {
		trim++
	}
	jb.arrivals = jb.arrivals[trim:]
}

// lossRate computes gaps in the 2-second arrival window against the expected
// contiguous sequence span.
func (jb *JitterBuffer) lossRate() float64 {
	if len(jb.arrivals) < 2 {
		return 0
	}
	lo := jb.arrivals[0].seq
	hi := lo
	for _, rec := range jb.arrivals[1:] {
		if transport.SeqNewer(rec.seq, hi) {
			hi = rec.seq
		}
		if transport.SeqNewer(lo, rec.seq) {
			lo = rec.seq
		}
	}
	expected := int(hi-lo) + 1
	if expected <= 0 || expected < len(jb.arrivals) {
		return 0
	}
	return float64(expected-len(jb.arrivals)) / float64(expected)
}

func (jb *JitterBuffer) maybeAdapt(now time.Time) {
	if now.Sub(jb.lastAdapt) < adaptInterval {
		return
	}
	jb.lastAdapt = now

	loss := jb.lossRate()
	jitter := jb.jitterMs

	switch {
	case loss > 0.02 || jitter > float64(jb.targetDepthMs)/2:
		jb.calmSince = time.Time{}
		if jb.targetDepthMs < maxDepthMs {
			jb.targetDepthMs += growStepMs
			if jb.targetDepthMs > maxDepthMs {
				jb.targetDepthMs = maxDepthMs
			}
			logrus.WithFields(logrus.Fields{
				"function":    "JitterBuffer.maybeAdapt",
				"participant": jb.participantID,
				"depth_ms":    jb.targetDepthMs,
				"loss":        loss,
				"jitter_ms":   jitter,
			}).Debug("Jitter buffer grew")
		}
	case loss < 0.005 && jitter < float64(jb.targetDepthMs)/4:
		if jb.calmSince.IsZero() {
			jb.calmSince = now
			return
		}
		if now.Sub(jb.calmSince) < shrinkHoldTime {
			return
		}
		if jb.targetDepthMs > minDepthMs {
			jb.targetDepthMs -= shrinkStepMs
			if jb.targetDepthMs < minDepthMs {
				jb.targetDepthMs = minDepthMs
			}
			logrus.WithFields(logrus.Fields{
				"function":    "JitterBuffer.maybeAdapt",
				"participant": jb.participantID,
				"depth_ms":    jb.targetDepthMs,
			}).Debug("Jitter buffer shrank")
		}
	default:
		jb.calmSince = time.Time{}
	}
}
