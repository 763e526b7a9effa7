package video

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/clock"
	"github.com/opd-ai/hyperzoom/protocol"
	"github.com/opd-ai/hyperzoom/ringbus"
	"github.com/opd-ai/hyperzoom/transport"
)

// PeerDirectory supplies the current set of connected peer addresses.
type PeerDirectory interface {
	ConnectedPeerAddrs() []net.Addr
}

// SendPipeline consumes the live video ring, downscales, encodes, fragments,
// and hands fragments to the transport at low priority. The congestion
// controller drives its bitrate, frame rate, resolution, and per-peer video
// stop through the setter surface.
type SendPipeline struct {
	ring    *ringbus.Ring[*Frame]
	encoder Encoder
	trans   transport.Transport
	seq     *transport.SequenceCounters
	clk     *clock.SessionClock
	peers   PeerDirectory
	localID uint8
	cache   *KeyframeCache
	cacheMu sync.Mutex

	fps    atomic.Int32
	width  atomic.Int32
	height atomic.Int32

	stoppedMu sync.Mutex
	stopped   map[string]bool

	framesEncoded atomic.Uint64
	encodeErrors  atomic.Uint64
	retransmits   atomic.Uint64
}

// NewSendPipeline wires the live video encode path at full quality.
func NewSendPipeline(ring *ringbus.Ring[*Frame], encoder Encoder, trans transport.Transport,
	seq *transport.SequenceCounters, clk *clock.SessionClock, peers PeerDirectory, localID uint8) *SendPipeline {
	p := &SendPipeline{
		ring:    ring,
		encoder: encoder,
		trans:   trans,
		seq:     seq,
		clk:     clk,
		peers:   peers,
		localID: localID,
		cache:   NewKeyframeCache(),
		stopped: make(map[string]bool),
	}
	p.fps.Store(LiveFPS)
	p.width.Store(EncodeWidth)
	p.height.Store(EncodeHeight)
	return p
}

// SetBitrate forwards the congestion target to the encoder.
func (p *SendPipeline) SetBitrate(bps int) {
	if err := p.encoder.SetBitrate(bps); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendPipeline.SetBitrate",
			"bps":      bps,
			"error":    err.Error(),
		}).Warn("Encoder rejected bitrate")
	}
}

// SetFPS updates the live encode frame rate.
func (p *SendPipeline) SetFPS(fps int) {
	if fps < 1 {
		fps = 1
	}
	p.fps.Store(int32(fps))
}

// SetResolution updates the encode geometry. Takes effect on the next frame;
// the encoder emits a keyframe so decoders can follow the change.
func (p *SendPipeline) SetResolution(w, h int) {
	old := p.width.Swap(int32(w))
	p.height.Store(int32(h))
	if old != int32(w) {
		p.encoder.ForceKeyframe()
	}
}

// SetVideoStopped gates outgoing video toward one peer (ladder level 4).
func (p *SendPipeline) SetVideoStopped(addr string, stop bool) {
	p.stoppedMu.Lock()
	defer p.stoppedMu.Unlock()
	if stop {
		p.stopped[addr] = true
	} else {
		delete(p.stopped, addr)
	}
}

func (p *SendPipeline) videoStopped(addr string) bool {
	p.stoppedMu.Lock()
	defer p.stoppedMu.Unlock()
	return p.stopped[addr]
}

// Run loops until cancelled, then flushes the encoder's remaining frames.
func (p *SendPipeline) Run(ctx context.Context) {
	logrus.WithFields(logrus.Fields{
		"function": "SendPipeline.Run",
		"local_id": p.localID,
	}).Info("Live video encoder started")

	var lastEncode time.Time
	for ctx.Err() == nil {
		frame, ok := p.ring.Pop()
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		// Pace to the configured frame rate by skipping excess frames.
		interval := time.Second / time.Duration(p.fps.Load())
		now := time.Now()
		if !lastEncode.IsZero() && now.Sub(lastEncode) < interval {
			continue
		}
		lastEncode = now

		p.encodeAndSend(frame)
	}

	for _, ef := range p.encoder.Flush() {
		p.sendEncoded(ef)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendPipeline.Run",
		"frames":   p.framesEncoded.Load(),
		"errors":   p.encodeErrors.Load(),
	}).Info("Live video encoder stopped")
}

func (p *SendPipeline) encodeAndSend(frame *Frame) {
	w, h := int(p.width.Load()), int(p.height.Load())
	if frame.Format == FormatRGB {
		if frame.Width != w || frame.Height != h {
			frame = DownscaleRGB(frame, w, h)
		}
		frame = RGBToI420(frame)
	}

	ef, err := p.encoder.Encode(frame)
	if err != nil {
		// Live encoder errors are absorbed; the next frame is re-attempted.
		n := p.encodeErrors.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "SendPipeline.encodeAndSend",
			"errors":   n,
			"error":    err.Error(),
		}).Warn("Video encode failed")
		return
	}
	p.framesEncoded.Add(1)
	p.sendEncoded(ef)
}

func (p *SendPipeline) sendEncoded(ef *EncodedFrame) {
	fragments := FragmentPayload(ef.Data)
	seq := p.seq.Next(transport.PacketVideoKeyframe)

	pt := transport.PacketVideoDelta
	if ef.Keyframe {
		pt = transport.PacketVideoKeyframe
		p.cacheMu.Lock()
		p.cache.Store(seq, ef.SessionMs, fragments)
		p.cacheMu.Unlock()
	}

	addrs := p.peers.ConnectedPeerAddrs()
	total := uint8(len(fragments))

	for fragID, data := range fragments {
		packet := &transport.Packet{
			Header: transport.Header{
				Version:       transport.ProtocolVersion,
				Type:          pt,
				ParticipantID: p.localID,
				Sequence:      seq,
				TimestampMs:   ef.SessionMs,
				FragmentID:    uint8(fragID),
				FragmentTotal: total,
			},
			Payload: data,
		}
		for _, addr := range addrs {
			if p.videoStopped(addr.String()) {
				continue
			}
			if err := p.trans.Send(packet, addr); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "SendPipeline.sendEncoded",
					"peer":     addr.String(),
					"error":    err.Error(),
				}).Debug("Video send failed")
			}
		}
	}
}

// HandleNack serves a keyframe retransmission request. Cached fragments from
// the NACKed fragment onward are re-sent to the requester; an evicted
// keyframe forces a fresh one instead.
func (p *SendPipeline) HandleNack(nack protocol.Nack, from net.Addr) {
	p.cacheMu.Lock()
	fragments, tsMs, ok := p.cache.Lookup(nack.Sequence)
	p.cacheMu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "SendPipeline.HandleNack",
			"sequence": nack.Sequence,
			"peer":     from.String(),
		}).Info("NACKed keyframe evicted from cache, forcing fresh keyframe")
		p.encoder.ForceKeyframe()
		return
	}

	total := uint8(len(fragments))
	for fragID := int(nack.FragmentID); fragID < len(fragments); fragID++ {
		packet := &transport.Packet{
			Header: transport.Header{
				Version:       transport.ProtocolVersion,
				Type:          transport.PacketVideoKeyframe,
				ParticipantID: p.localID,
				Sequence:      nack.Sequence,
				TimestampMs:   tsMs,
				FragmentID:    uint8(fragID),
				FragmentTotal: total,
			},
			Payload: fragments[fragID],
		}
		if err := p.trans.Send(packet, from); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SendPipeline.HandleNack",
				"peer":     from.String(),
				"error":    err.Error(),
			}).Debug("Keyframe retransmit failed")
			return
		}
		p.retransmits.Add(1)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SendPipeline.HandleNack",
		"sequence":  nack.Sequence,
		"from_frag": nack.FragmentID,
		"total":     total,
		"peer":      from.String(),
	}).Debug("Keyframe fragments retransmitted")
}

// Retransmits returns the number of retransmitted keyframe fragments.
func (p *SendPipeline) Retransmits() uint64 { return p.retransmits.Load() }

// FramesEncoded returns the number of frames encoded.
func (p *SendPipeline) FramesEncoded() uint64 { return p.framesEncoded.Load() }

// ReceiveStream is the per-participant decode path: fragments reassemble,
// complete frames decode, missed deltas conceal, and missing keyframe
// fragments raise NACKs through the provided emit function.
type ReceiveStream struct {
	participantID uint8
	asm           *Assembler
	decoder       Decoder
	emitNack      func(NackRequest)

	mu     sync.Mutex
	latest *Frame

	framesDecoded atomic.Uint64
	nacksSent     atomic.Uint64
}

// NewReceiveStream creates the decode path for one participant. emitNack is
// called for each keyframe NACK due; it sends the control packet.
func NewReceiveStream(participantID uint8, decoder Decoder, provider clock.TimeProvider, emitNack func(NackRequest)) *ReceiveStream {
	return &ReceiveStream{
		participantID: participantID,
		asm:           NewAssembler(participantID, provider),
		decoder:       decoder,
		emitNack:      emitNack,
	}
}

// HandlePacket feeds one video fragment through reassembly and decode.
func (s *ReceiveStream) HandlePacket(pkt *transport.Packet) {
	complete := s.asm.Push(pkt.Header, pkt.Payload)
	if complete == nil {
		return
	}

	frame, err := s.decoder.Decode(complete.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "ReceiveStream.HandlePacket",
			"participant": s.participantID,
			"sequence":    complete.Sequence,
			"keyframe":    complete.Keyframe,
			"error":       err.Error(),
		}).Debug("Video decode failed")
		return
	}
	if frame == nil {
		// Decoder is waiting out a concealment window.
		return
	}

	s.framesDecoded.Add(1)
	s.mu.Lock()
	s.latest = frame
	s.mu.Unlock()
}

// Tick runs the periodic reassembly housekeeping: expires stale sets,
// conceals lost deltas, and emits due keyframe NACKs. Call every ~50 ms with
// the current RTT estimate for this peer.
func (s *ReceiveStream) Tick(rtt time.Duration) {
	for _, dropped := range s.asm.Expire() {
		if !dropped.Keyframe {
			s.decoder.Conceal()
		}
	}
	for _, nack := range s.asm.NacksDue(rtt) {
		s.nacksSent.Add(1)
		if s.emitNack != nil {
			s.emitNack(nack)
		}
	}
}

// Latest returns the most recently decoded frame, or nil.
func (s *ReceiveStream) Latest() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Stats returns decoded frame and sent NACK counts.
func (s *ReceiveStream) Stats() (decoded, nacks uint64) {
	return s.framesDecoded.Load(), s.nacksSent.Load()
}
