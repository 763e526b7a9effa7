// Package congestion implements the per-peer degradation ladder for outbound
// video. Loss is measured from sequence gaps in the peer's constant-rate
// audio stream over a rolling 2-second window; RTT comes from the periodic
// ping exchange ridden alongside heartbeats. Audio parameters are never
// touched.
package congestion

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/clock"
	"github.com/opd-ai/hyperzoom/transport"
	"github.com/opd-ai/hyperzoom/video"
)

// Level is a rung on the degradation ladder.
type Level int

const (
	// LevelFull is full quality: 300–500 kbps, 24 fps, 480p.
	LevelFull Level = iota
	// LevelReducedBitrate caps video at 200 kbps.
	LevelReducedBitrate
	// LevelReducedFPS drops to 15 fps.
	LevelReducedFPS
	// LevelReduced360p drops to 640×360.
	LevelReduced360p
	// LevelAudioOnly stops outgoing video to the peer.
	LevelAudioOnly
)

// String returns a human-readable level name.
func (l Level) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelReducedBitrate:
		return "reduced-bitrate"
	case LevelReducedFPS:
		return "reduced-fps"
	case LevelReduced360p:
		return "reduced-360p"
	case LevelAudioOnly:
		return "audio-only"
	default:
		return "unknown"
	}
}

const (
	// EvalInterval is how often the ladder re-evaluates each peer.
	EvalInterval = 500 * time.Millisecond

	lossWindow   = 2 * time.Second
	sustainTime  = 2 * time.Second
	recoveryTime = 5 * time.Second
	rttSamples   = 10

	reducedBitrate = 200000
	reducedFPS     = 15
)

// VideoControl is the surface the ladder drives, implemented by the video
// send pipeline.
type VideoControl interface {
	SetBitrate(bps int)
	SetFPS(fps int)
	SetResolution(w, h int)
	SetVideoStopped(addr string, stop bool)
}

type seqRecord struct {
	seq uint16
	at  time.Time
}

type peerState struct {
	addr     string
	arrivals []seqRecord
	rtts     []time.Duration

	level        Level
	triggerSince time.Time
	clearSince   time.Time
}

// Controller evaluates loss and RTT per peer every 500 ms and walks the
// ladder: one step up per 2 s of sustained trigger, one step down per 5 s of
// sustained recovery.
type Controller struct {
	mu       sync.Mutex
	provider clock.TimeProvider
	video    VideoControl
	peers    map[string]*peerState
	lastEval time.Time
}

// NewController creates a ladder controller over the video pipeline.
func NewController(videoCtl VideoControl, provider clock.TimeProvider) *Controller {
	if provider == nil {
		provider = clock.RealTimeProvider{}
	}
	return &Controller{
		provider: provider,
		video:    videoCtl,
		peers:    make(map[string]*peerState),
	}
}

// RecordAudioPacket feeds one received audio sequence from the peer into the
// loss window.
func (c *Controller) RecordAudioPacket(addr string, seq uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.peer(addr)
	now := c.provider.Now()
	p.arrivals = append(p.arrivals, seqRecord{seq: seq, at: now})

	cutoff := now.Add(-lossWindow)
	trim := 0
	for trim < len(p.arrivals) && p.arrivals[trim].at.Before(cutoff) {
		trim++
	}
	p.arrivals = p.arrivals[trim:]
}

// RecordRTT feeds one measured round trip for the peer, keeping the last 10.
func (c *Controller) RecordRTT(addr string, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.peer(addr)
	p.rtts = append(p.rtts, rtt)
	if len(p.rtts) > rttSamples {
		p.rtts = p.rtts[len(p.rtts)-rttSamples:]
	}
}

// RemovePeer forgets a departed peer and lifts its video gate.
func (c *Controller) RemovePeer(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, addr)
	c.video.SetVideoStopped(addr, false)
}

// PeerRTT returns the peer's current mean round trip, zero when unmeasured.
func (c *Controller) PeerRTT(addr string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[addr]; ok {
		return p.rttMean()
	}
	return 0
}

// PeerLevel returns the peer's current ladder level.
func (c *Controller) PeerLevel(addr string) Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[addr]; ok {
		return p.level
	}
	return LevelFull
}

// Tick evaluates every peer if the 500 ms interval has elapsed, then applies
// the worst connected peer's level to the shared encoder and per-peer gates.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.provider.Now()
	if now.Sub(c.lastEval) < EvalInterval {
		return
	}
	c.lastEval = now

	worst := LevelFull
	for _, p := range c.peers {
		c.evaluate(p, now)
		if p.level > worst {
			worst = p.level
		}
		c.video.SetVideoStopped(p.addr, p.level == LevelAudioOnly)
	}
	c.apply(worst)
}

func (c *Controller) peer(addr string) *peerState {
	p, ok := c.peers[addr]
	if !ok {
		p = &peerState{addr: addr, level: LevelFull}
		c.peers[addr] = p
	}
	return p
}

// lossRate computes gaps against the expected contiguous span in the window.
func (p *peerState) lossRate() float64 {
	if len(p.arrivals) < 2 {
		return 0
	}
	lo, hi := p.arrivals[0].seq, p.arrivals[0].seq
	for _, rec := range p.arrivals[1:] {
		if transport.SeqNewer(rec.seq, hi) {
			hi = rec.seq
		}
		if transport.SeqNewer(lo, rec.seq) {
			lo = rec.seq
		}
	}
	expected := int(hi-lo) + 1
	if expected <= 0 || expected < len(p.arrivals) {
		return 0
	}
	return float64(expected-len(p.arrivals)) / float64(expected)
}

// rttMean averages the retained RTT samples.
func (p *peerState) rttMean() time.Duration {
	if len(p.rtts) == 0 {
		return 0
	}
	var sum time.Duration
	for _, r := range p.rtts {
		sum += r
	}
	return sum / time.Duration(len(p.rtts))
}

// triggered reports whether the entry condition for the given level holds.
func triggered(level Level, loss float64, rtt time.Duration) bool {
	switch level {
	case LevelReducedBitrate:
		return loss >= 0.02 || rtt >= 150*time.Millisecond
	case LevelReducedFPS:
		return loss >= 0.05
	case LevelReduced360p:
		return loss >= 0.10
	case LevelAudioOnly:
		return loss >= 0.20
	default:
		return false
	}
}

func (c *Controller) evaluate(p *peerState, now time.Time) {
	loss := p.lossRate()
	rtt := p.rttMean()

	// Step up when the next rung's trigger has held for 2 s.
	if p.level < LevelAudioOnly && triggered(p.level+1, loss, rtt) {
		p.clearSince = time.Time{}
		if p.triggerSince.IsZero() {
			p.triggerSince = now
		} else if now.Sub(p.triggerSince) >= sustainTime {
			p.level++
			p.triggerSince = time.Time{}
			logrus.WithFields(logrus.Fields{
				"function": "Controller.evaluate",
				"peer":     p.addr,
				"level":    p.level.String(),
				"loss":     loss,
				"rtt_ms":   rtt.Milliseconds(),
			}).Warn("Congestion level raised")
		}
		return
	}
	p.triggerSince = time.Time{}

	// Step down when the current rung's trigger has been clear for 5 s.
	if p.level > LevelFull && !triggered(p.level, loss, rtt) {
		if p.clearSince.IsZero() {
			p.clearSince = now
		} else if now.Sub(p.clearSince) >= recoveryTime {
			p.level--
			p.clearSince = time.Time{}
			logrus.WithFields(logrus.Fields{
				"function": "Controller.evaluate",
				"peer":     p.addr,
				"level":    p.level.String(),
			}).Info("Congestion level lowered")
		}
		return
	}
	p.clearSince = time.Time{}
}

// apply pushes the level's video parameters. Bitrate, frame rate, and
// resolution act on the shared encoder, so the worst connected peer sets the
// pace; the audio-only gate is handled per peer in Tick.
func (c *Controller) apply(level Level) {
	switch level {
	case LevelFull:
		c.video.SetBitrate(video.DefaultBitrate)
		c.video.SetFPS(video.LiveFPS)
		c.video.SetResolution(video.EncodeWidth, video.EncodeHeight)
	case LevelReducedBitrate:
		c.video.SetBitrate(reducedBitrate)
		c.video.SetFPS(video.LiveFPS)
		c.video.SetResolution(video.EncodeWidth, video.EncodeHeight)
	case LevelReducedFPS:
		c.video.SetBitrate(reducedBitrate)
		c.video.SetFPS(reducedFPS)
		c.video.SetResolution(video.EncodeWidth, video.EncodeHeight)
	case LevelReduced360p, LevelAudioOnly:
		c.video.SetBitrate(reducedBitrate)
		c.video.SetFPS(reducedFPS)
		c.video.SetResolution(video.EncodeWidth360, video.EncodeHeight360)
	}
}
