package audio

import (
	"context"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/clock"
	"github.com/opd-ai/hyperzoom/ringbus"
	"github.com/opd-ai/hyperzoom/transport"
)

// RingCapacitySamples is ~200 ms of PCM at 48 kHz, the sizing for both the
// live and recording audio rings.
const RingCapacitySamples = SampleRate * 200 / 1000

// PeerDirectory supplies the current set of connected peer addresses. The
// session hands out immutable snapshots; the encode loop never touches the
// participant map itself.
type PeerDirectory interface {
	ConnectedPeerAddrs() []net.Addr
}

// CaptureFanout is the capture-callback sink: every sample batch is pushed
// into both the live ring (may drop) and the recording ring (must not drop).
// When a sync tone is armed under direct-mix authoring, the tone is summed
// into the recorded samples here, in the same frames the mixer plays it.
type CaptureFanout struct {
	Live *ringbus.Ring[float32]
	Rec  *ringbus.Ring[float32]

	clk  *clock.SessionClock
	tone atomic.Pointer[Tone]

	lastCaptureNs atomic.Int64
	recSamples    atomic.Uint64
}

// NewCaptureFanout wires the fan-out over the two audio rings.
func NewCaptureFanout(live, rec *ringbus.Ring[float32], clk *clock.SessionClock) *CaptureFanout {
	return &CaptureFanout{Live: live, Rec: rec, clk: clk}
}

// ScheduleTone arms the direct-mix tone for the recording branch.
func (f *CaptureFanout) ScheduleTone(tone *Tone) {
	f.tone.Store(tone)
}

// OnCapture is the CaptureFunc: called from the real-time device callback.
// It only pushes to SPSC rings and touches atomics; it never blocks.
func (f *CaptureFanout) OnCapture(samples []float32) {
	f.lastCaptureNs.Store(time.Now().UnixNano())

	tone := f.tone.Load()
	var toneBuf []float32
	if tone != nil {
		toneBuf = make([]float32, len(samples))
		copy(toneBuf, samples)
		if active := tone.AddTo(toneBuf, f.clk.NowMs64()); !active {
			f.tone.Store(nil)
			toneBuf = nil
		}
	}

	for i, s := range samples {
		f.Live.Push(s)
		rec := s
		if toneBuf != nil {
			rec = toneBuf[i]
		}
		f.Rec.Push(rec)
	}
	f.recSamples.Add(uint64(len(samples)))
}

// LastCapture returns the instant of the most recent device callback, for
// stall detection.
func (f *CaptureFanout) LastCapture() time.Time {
	ns := f.lastCaptureNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LiveEncoder consumes the live ring, accumulates 5 ms frames, encodes them,
// and hands packets to the transport at high priority. It runs on a dedicated
// goroutine locked to its own OS thread; no thread priority is set.
type LiveEncoder struct {
	ring    *ringbus.Ring[float32]
	encoder Encoder
	trans   transport.Transport
	seq     *transport.SequenceCounters
	clk     *clock.SessionClock
	peers   PeerDirectory
	localID uint8

	encodeErrors atomic.Uint64
	framesSent   atomic.Uint64
}

// NewLiveEncoder wires the live audio encode path.
func NewLiveEncoder(ring *ringbus.Ring[float32], encoder Encoder, trans transport.Transport,
	seq *transport.SequenceCounters, clk *clock.SessionClock, peers PeerDirectory, localID uint8) *LiveEncoder {
	return &LiveEncoder{
		ring:    ring,
		encoder: encoder,
		trans:   trans,
		seq:     seq,
		clk:     clk,
		peers:   peers,
		localID: localID,
	}
}

// Run loops until the context is cancelled, then drains the ring and exits.
// The loop pins itself to a dedicated OS thread so the platform scheduler can
// elevate it; PortAudio's own callbacks already run at the OS audio class.
func (e *LiveEncoder) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logrus.WithFields(logrus.Fields{
		"function": "LiveEncoder.Run",
		"local_id": e.localID,
	}).Info("Live audio encoder started")

	frame := make([]float32, 0, FrameSamples)
	for {
		sample, ok := e.ring.Pop()
		if !ok {
			if ctx.Err() != nil {
				break
			}
			time.Sleep(500 * time.Microsecond)
			continue
		}

		frame = append(frame, sample)
		if len(frame) < FrameSamples {
			continue
		}

		e.encodeAndSend(frame)
		frame = frame[:0]
	}

	logrus.WithFields(logrus.Fields{
		"function": "LiveEncoder.Run",
		"frames":   e.framesSent.Load(),
		"errors":   e.encodeErrors.Load(),
	}).Info("Live audio encoder stopped")
}

// FramesSent returns the number of encoded frames handed to the transport.
func (e *LiveEncoder) FramesSent() uint64 { return e.framesSent.Load() }

func (e *LiveEncoder) encodeAndSend(frame []float32) {
	encoded, err := e.encoder.Encode(frame)
	if err != nil {
		// Live encoder errors are absorbed; the next frame is re-attempted.
		n := e.encodeErrors.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "LiveEncoder.encodeAndSend",
			"errors":   n,
			"error":    err.Error(),
		}).Warn("Audio encode failed")
		return
	}

	addrs := e.peers.ConnectedPeerAddrs()
	if len(addrs) == 0 {
		return
	}

	packet := &transport.Packet{
		Header: transport.NewHeader(transport.PacketAudio, e.localID,
			e.seq.Next(transport.PacketAudio), e.clk.NowMs(), 0),
		Payload: encoded,
	}
	for _, addr := range addrs {
		if err := e.trans.Send(packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "LiveEncoder.encodeAndSend",
				"peer":     addr.String(),
				"error":    err.Error(),
			}).Debug("Audio send failed")
		}
	}
	e.framesSent.Add(1)
}

// ReceiveStream is the per-participant decode path: packets are decoded on
// arrival and the PCM enqueued into the adaptive jitter buffer; playback pops
// run concealment for missing sequences.
type ReceiveStream struct {
	participantID uint8
	decoder       Decoder
	jitter        *JitterBuffer
}

// NewReceiveStream creates the decode path for one participant.
func NewReceiveStream(participantID uint8, decoder Decoder, provider clock.TimeProvider) *ReceiveStream {
	return &ReceiveStream{
		participantID: participantID,
		decoder:       decoder,
		jitter:        NewJitterBuffer(participantID, provider),
	}
}

// HandlePacket decodes an Audio packet and inserts it into the jitter buffer.
func (s *ReceiveStream) HandlePacket(pkt *transport.Packet) {
	pcm, err := s.decoder.Decode(pkt.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "ReceiveStream.HandlePacket",
			"participant": s.participantID,
			"sequence":    pkt.Header.Sequence,
			"error":       err.Error(),
		}).Debug("Audio decode failed, dropping packet")
		return
	}
	s.jitter.Push(pkt.Header.Sequence, pcm)
}

// NextFrame implements FrameSource for the mixer. A missing sequence invokes
// the decoder's loss concealment; a starved buffer yields nil so the mixer
// skips this participant for the slot.
func (s *ReceiveStream) NextFrame() []float32 {
	pcm, res := s.jitter.Pop()
	switch res {
	case PopPlayed:
		return pcm
	case PopConcealed:
		return s.decoder.DecodeLost()
	default:
		return nil
	}
}

// Jitter exposes the stream's buffer for stats and tests.
func (s *ReceiveStream) Jitter() *JitterBuffer { return s.jitter }

// Playback pumps mixed frames into the playback ring at the 5 ms cadence and
// serves the device callback from that ring. The ring is pre-filled with
// ~10 ms of silence so the first callbacks never underrun.
type Playback struct {
	ring  *ringbus.Ring[float32]
	mixer *Mixer
	clk   *clock.SessionClock

	underruns atomic.Uint64
}

// NewPlayback creates the playback pump with a pre-filled ring.
func NewPlayback(mixer *Mixer, clk *clock.SessionClock) *Playback {
	ring := ringbus.New[float32]("audio_playback", RingCapacitySamples, ringbus.DropOldest)
	for i := 0; i < SampleRate*10/1000; i++ {
		ring.Push(0)
	}
	return &Playback{ring: ring, mixer: mixer, clk: clk}
}

// Run refills the playback ring once per frame interval until cancelled.
func (p *Playback) Run(ctx context.Context) {
	ticker := time.NewTicker(FrameDurationMs * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keep roughly two frames of headroom in the ring.
			for p.ring.Len() < FrameSamples*2 {
				frame := p.mixer.MixFrame(p.clk.NowMs64())
				for _, s := range frame {
					p.ring.Push(s)
				}
			}
		}
	}
}

// OnPlayback is the PlaybackFunc: fills the device buffer from the ring,
// substituting silence on underrun.
func (p *Playback) OnPlayback(out []float32) {
	for i := range out {
		s, ok := p.ring.Pop()
		if !ok {
			out[i] = 0
			p.underruns.Add(1)
			continue
		}
		out[i] = s
	}
}

// Underruns returns how many playback samples were replaced with silence.
func (p *Playback) Underruns() uint64 { return p.underruns.Load() }
