package hyperzoom

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/hyperzoom/audio"
	"github.com/opd-ai/hyperzoom/clock"
	"github.com/opd-ai/hyperzoom/config"
	"github.com/opd-ai/hyperzoom/congestion"
	"github.com/opd-ai/hyperzoom/metrics"
	"github.com/opd-ai/hyperzoom/protocol"
	"github.com/opd-ai/hyperzoom/recorder"
	"github.com/opd-ai/hyperzoom/ringbus"
	"github.com/opd-ai/hyperzoom/session"
	"github.com/opd-ai/hyperzoom/transport"
	"github.com/opd-ai/hyperzoom/video"
)

// captureStallLimit terminates the call when the capture callback has been
// silent this long.
const captureStallLimit = 5 * time.Second

// Options configures a Node. Nil codec members fall back to the built-in
// implementations; nil devices are not started, and nil Camera disables the
// live video send path.
type Options struct {
	Config *config.Config

	CaptureDevice  audio.CaptureDevice
	PlaybackDevice audio.PlaybackDevice
	Camera         video.CameraSource

	AudioEncoder        audio.Encoder
	AudioDecoderFactory func() audio.Decoder
	VideoEncoder        video.Encoder
	VideoDecoderFactory func() video.Decoder
	AACEncoder          recorder.AACEncoder
	H264Encoder         recorder.H264Encoder

	Metrics *metrics.Metrics
}

// Node is the process-wide media core instance.
type Node struct {
	opts Options
	cfg  *config.Config

	clk   *clock.SessionClock
	trans *transport.UDPTransport
	sess  *session.Session

	audioLive *ringbus.Ring[float32]
	audioRec  *ringbus.Ring[float32]
	videoLive *ringbus.Ring[*video.Frame]
	videoRec  *ringbus.Ring[*video.Frame]

	audioFanout *audio.CaptureFanout
	videoFanout *video.CaptureFanout
	mixer       *audio.Mixer
	playback    *audio.Playback
	audioSend   *audio.LiveEncoder
	videoSend   *video.SendPipeline
	ladder      *congestion.Controller
	rec         *recorder.Recorder

	streamsMu    sync.Mutex
	audioStreams map[uint8]*audio.ReceiveStream
	videoStreams map[uint8]*video.ReceiveStream
	peerAddrs    map[uint8]net.Addr

	sessionDir string
	endOnce    sync.Once
	cancel     context.CancelFunc
	group      *errgroup.Group
	finalErr   error
}

// NewNode builds an unstarted node: rings, clock, and codec seams, with the
// UDP socket bound. Returns transport.ErrBindFailed (fatal) when the port
// cannot be bound.
func NewNode(opts Options) (*Node, error) {
	if opts.Config == nil {
		opts.Config = config.Load()
	}
	if opts.AudioEncoder == nil {
		opts.AudioEncoder = audio.NewPCMEncoder()
	}
	if opts.AudioDecoderFactory == nil {
		opts.AudioDecoderFactory = audio.NewPCMDecoder
	}
	if opts.VideoEncoder == nil {
		opts.VideoEncoder = video.NewRawEncoder()
	}
	if opts.VideoDecoderFactory == nil {
		opts.VideoDecoderFactory = video.NewRawDecoder
	}
	if opts.AACEncoder == nil {
		opts.AACEncoder = recorder.NewSimpleAACEncoder()
	}
	if opts.H264Encoder == nil {
		opts.H264Encoder = recorder.NewSimpleH264Encoder()
	}

	trans, err := transport.NewUDPTransport(fmt.Sprintf("0.0.0.0:%d", opts.Config.BindPort))
	if err != nil {
		return nil, err
	}

	clk := clock.NewSessionClock(nil)
	n := &Node{
		opts:         opts,
		cfg:          opts.Config,
		clk:          clk,
		trans:        trans,
		audioLive:    ringbus.New[float32]("audio_live", audio.RingCapacitySamples, ringbus.DropOldest),
		audioRec:     ringbus.New[float32]("audio_rec", audio.RingCapacitySamples, ringbus.DropNone),
		videoLive:    ringbus.New[*video.Frame]("video_live", video.RingCapacityFrames, ringbus.DropOldest),
		videoRec:     ringbus.New[*video.Frame]("video_rec", video.RingCapacityFrames*2, ringbus.DropNone),
		mixer:        audio.NewMixer(),
		audioStreams: make(map[uint8]*audio.ReceiveStream),
		videoStreams: make(map[uint8]*video.ReceiveStream),
		peerAddrs:    make(map[uint8]net.Addr),
	}
	n.audioFanout = audio.NewCaptureFanout(n.audioLive, n.audioRec, clk)
	n.videoFanout = video.NewCaptureFanout(n.videoLive, n.videoRec)
	n.playback = audio.NewPlayback(n.mixer, clk)

	opts.Metrics.Serve(opts.Config.MetricsAddr)

	return n, nil
}

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() net.Addr { return n.trans.LocalAddr() }

// Session exposes the session for UI state.
func (n *Node) Session() *session.Session { return n.sess }

// Host starts a hosting session and the media pipelines.
func (n *Node) Host(ctx context.Context) error {
	sess, err := session.NewHost(n.cfg.DisplayName, n.trans, n.clk, nil, n.events())
	if err != nil {
		return err
	}
	n.sess = sess
	return n.start(ctx)
}

// Join connects to a host and starts the media pipelines. Returns
// session.ErrJoinTimeout or session.ErrSessionFull (exit 2).
func (n *Node) Join(ctx context.Context, hostAddr string) error {
	addr, err := net.ResolveUDPAddr("udp4", hostAddr)
	if err != nil {
		return fmt.Errorf("resolve host address: %w", err)
	}

	n.sess = session.NewGuest(n.cfg.DisplayName, n.trans, n.clk, nil, n.events())
	if err := n.sess.Join(ctx, addr); err != nil {
		return err
	}

	if err := n.start(ctx); err != nil {
		return err
	}
	n.sess.StartSyncExchange(ctx)
	return nil
}

// start spins up pipelines, recorder, and control loops once the session
// exists.
func (n *Node) start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.group, ctx = errgroup.WithContext(ctx)

	// Recording directory and recorder come up first: local is sacred.
	dir, err := recorder.CreateSessionDir(n.cfg.RecordingRoot, n.clk.DirectoryName())
	if err != nil {
		return err
	}
	n.sessionDir = dir
	rec, err := recorder.Start(dir, n.audioRec, n.videoRec,
		n.opts.AACEncoder, n.opts.H264Encoder, video.EncodeWidth, video.EncodeHeight)
	if err != nil {
		return err
	}
	n.rec = rec

	n.audioSend = audio.NewLiveEncoder(n.audioLive, n.opts.AudioEncoder, n.trans,
		n.sess.SequenceCounters(), n.clk, n.sess, n.sess.LocalID())
	n.videoSend = video.NewSendPipeline(n.videoLive, n.opts.VideoEncoder, n.trans,
		n.sess.SequenceCounters(), n.clk, n.sess, n.sess.LocalID())
	n.ladder = congestion.NewController(n.videoSend, nil)
	n.sess.SetRTTObserver(n.ladder)

	group := n.group
	group.Go(func() error { n.audioSend.Run(ctx); return nil })
	group.Go(func() error { n.videoSend.Run(ctx); return nil })
	group.Go(func() error { n.playback.Run(ctx); return nil })
	group.Go(func() error { n.controlLoop(ctx); return nil })

	if n.opts.CaptureDevice != nil {
		if err := n.opts.CaptureDevice.Start(n.audioFanout.OnCapture); err != nil {
			return err
		}
	}
	if n.opts.PlaybackDevice != nil {
		if err := n.opts.PlaybackDevice.Start(n.playback.OnPlayback); err != nil {
			return err
		}
	}
	if n.opts.Camera != nil {
		if err := n.opts.Camera.Start(n.onCameraFrame); err != nil {
			return err
		}
	}

	n.sess.Start(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "Node.start",
		"addr":     n.trans.LocalAddr().String(),
		"dir":      dir,
	}).Info("Media core started")
	return nil
}

// onCameraFrame stamps capture frames with the session clock and fans out.
func (n *Node) onCameraFrame(frame *video.Frame) {
	frame.SessionMs = n.clk.NowMs()
	n.videoFanout.OnFrame(frame)
}

// SetCameraEnabled toggles the live video branch; recording continues.
func (n *Node) SetCameraEnabled(enabled bool) {
	n.videoFanout.SetLiveEnabled(enabled)
}

// StartTone triggers the host's sync tone across all participants.
func (n *Node) StartTone(delay time.Duration) {
	n.sess.ScheduleTone(delay)
}

// controlLoop drives the periodic work: congestion evaluation, video
// reassembly ticks, capture stall detection, and metric gauges.
func (n *Node) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	stallTicks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.ladder.Tick()
			n.tickVideoStreams()

			stallTicks++
			if stallTicks >= 20 { // once per second
				stallTicks = 0
				if n.captureStalled() {
					logrus.WithFields(logrus.Fields{
						"function": "Node.controlLoop",
						"limit":    captureStallLimit,
					}).Error("Audio capture stalled, terminating call")
					go n.End()
					return
				}
				n.publishGauges()
			}
		}
	}
}

func (n *Node) tickVideoStreams() {
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	for id, stream := range n.videoStreams {
		rtt := 50 * time.Millisecond
		if addr, ok := n.peerAddrs[id]; ok {
			if measured := n.ladder.PeerRTT(addr.String()); measured > 0 {
				rtt = measured
			}
		}
		stream.Tick(rtt)
	}
}

func (n *Node) captureStalled() bool {
	if n.opts.CaptureDevice == nil {
		return false
	}
	last := n.audioFanout.LastCapture()
	return !last.IsZero() && time.Since(last) > captureStallLimit
}

func (n *Node) publishGauges() {
	m := n.opts.Metrics
	if m == nil {
		return
	}
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	for id, stream := range n.audioStreams {
		m.SetJitterDepth(fmt.Sprintf("%d", id), stream.Jitter().TargetDepthMs())
	}
	for _, addr := range n.peerAddrs {
		m.SetCongestionLevel(addr.String(), int(n.ladder.PeerLevel(addr.String())))
	}
}

// events wires the session callbacks into the media pipelines.
func (n *Node) events() session.Events {
	return session.Events{
		OnAudio: func(pkt *transport.Packet, from net.Addr) {
			n.opts.Metrics.IncPacketsReceived(pkt.Header.Type.String())
			n.audioStreamFor(pkt.Header.ParticipantID, from).HandlePacket(pkt)
		},
		OnVideo: func(pkt *transport.Packet, from net.Addr) {
			n.opts.Metrics.IncPacketsReceived(pkt.Header.Type.String())
			n.videoStreamFor(pkt.Header.ParticipantID, from).HandlePacket(pkt)
		},
		OnNack: func(nack protocol.Nack, from net.Addr) {
			if n.videoSend == nil {
				return
			}
			n.opts.Metrics.IncNacksReceived()
			before := n.videoSend.Retransmits()
			n.videoSend.HandleNack(nack, from)
			n.opts.Metrics.AddRetransmissions(n.videoSend.Retransmits() - before)
		},
		OnPlayTone: func(localMs uint64) {
			// Direct-mix authoring: the same instant drives the playback
			// mix and the recording branch.
			n.mixer.ScheduleTone(audio.NewSyncTone(localMs))
			n.audioFanout.ScheduleTone(audio.NewSyncTone(localMs))
		},
		OnPeerDisconnected: func(p session.Participant) {
			n.dropPeer(p)
		},
	}
}

func (n *Node) audioStreamFor(id uint8, from net.Addr) *audio.ReceiveStream {
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	stream, ok := n.audioStreams[id]
	if !ok {
		stream = audio.NewReceiveStream(id, n.opts.AudioDecoderFactory(), nil)
		n.audioStreams[id] = stream
		n.mixer.AddSource(id, stream)
	}
	n.peerAddrs[id] = from
	return stream
}

func (n *Node) videoStreamFor(id uint8, from net.Addr) *video.ReceiveStream {
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	stream, ok := n.videoStreams[id]
	if !ok {
		peer := from
		stream = video.NewReceiveStream(id, n.opts.VideoDecoderFactory(), nil,
			func(req video.NackRequest) {
				n.opts.Metrics.IncNacksSent()
				payload, err := (protocol.Nack{
					StreamType: uint8(transport.PacketVideoKeyframe),
					Sequence:   req.Sequence,
					FragmentID: req.FragmentID,
				}).Marshal()
				if err != nil {
					return
				}
				if err := n.sess.SendControl(payload, peer); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Node.videoStreamFor",
						"peer":     peer.String(),
						"error":    err.Error(),
					}).Debug("NACK send failed")
				}
			})
		n.videoStreams[id] = stream
	}
	n.peerAddrs[id] = from
	return stream
}

// RemoteFrame returns the latest decoded frame for a participant, for the
// render layer.
func (n *Node) RemoteFrame(id uint8) *video.Frame {
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	if stream, ok := n.videoStreams[id]; ok {
		return stream.Latest()
	}
	return nil
}

func (n *Node) dropPeer(p session.Participant) {
	n.streamsMu.Lock()
	delete(n.audioStreams, p.ID)
	delete(n.videoStreams, p.ID)
	delete(n.peerAddrs, p.ID)
	n.streamsMu.Unlock()

	n.mixer.RemoveSource(p.ID)
	if p.Addr != nil && n.ladder != nil {
		n.ladder.RemovePeer(p.Addr.String())
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Node.dropPeer",
		"participant": p.ID,
		"name":        p.Name,
	}).Info("Peer released")
}

// End performs the full shutdown sequence: BYE, device stop, pipeline drain,
// recorder finalize, metadata. Safe to call more than once. Returns
// recorder finalize failure (exit 3) after everything else completed.
func (n *Node) End() error {
	n.endOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "Node.End",
		}).Info("Ending call")

		if n.sess != nil {
			n.sess.End()
		}

		if n.opts.CaptureDevice != nil {
			_ = n.opts.CaptureDevice.Stop()
		}
		if n.opts.PlaybackDevice != nil {
			_ = n.opts.PlaybackDevice.Stop()
		}
		if n.opts.Camera != nil {
			_ = n.opts.Camera.Stop()
		}

		if n.cancel != nil {
			n.cancel()
			_ = n.group.Wait()
		}

		if n.rec != nil {
			if err := n.rec.Stop(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Node.End",
					"error":    err.Error(),
				}).Error("Recorder stop failed")
			}
			n.writeSessionArtifacts()
			if n.rec.FinalizeFailed() {
				n.finalErr = fmt.Errorf("recording finalize failed, file left as fMP4")
			}
		}

		_ = n.trans.Close()
	})
	return n.finalErr
}

// writeSessionArtifacts emits session_metadata.json and sync_timecodes.txt.
func (n *Node) writeSessionArtifacts() {
	captured, synthesized, dropped := n.rec.Stats()

	meta := recorder.NewSessionMetadata(n.sess.SessionID(), n.clk.StartUTC())
	meta.EndTime = time.Now().UTC().Format(time.RFC3339)
	meta.DurationSeconds = n.clk.Elapsed().Seconds()
	meta.Recording.FramesCaptured = captured
	meta.Recording.FramesSynthesized = synthesized
	meta.Recording.FramesDropped = dropped
	meta.Recording.Finalized = !n.rec.FinalizeFailed()

	rtts := make(map[uint8]int64)
	for _, p := range n.sess.Participants() {
		meta.Participants = append(meta.Participants, recorder.ParticipantInfo{
			ID:            p.ID,
			Name:          p.Name,
			ClockOffsetMs: p.ClockOffsetMs,
		})
		if p.Addr != nil && n.ladder != nil {
			rtts[p.ID] = n.ladder.PeerRTT(p.Addr.String()).Milliseconds()
		}
	}
	if n.sess.Role() == session.RoleGuest {
		meta.Participants = append(meta.Participants, recorder.ParticipantInfo{
			ID:            n.sess.LocalID(),
			Name:          n.cfg.DisplayName,
			ClockOffsetMs: n.sess.Sync().OffsetMs(),
		})
	}

	if err := meta.Write(n.sessionDir); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.writeSessionArtifacts",
			"error":    err.Error(),
		}).Error("Metadata write failed")
	}
	if err := recorder.WriteTimecodes(n.sessionDir, meta.Participants, rtts); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.writeSessionArtifacts",
			"error":    err.Error(),
		}).Error("Timecodes write failed")
	}

	// The local-branch zero-drop invariant is checked at every teardown.
	if dropped > 0 || n.audioRec.Overflows() > 0 || n.videoRec.Overflows() > 0 {
		logrus.WithFields(logrus.Fields{
			"function":       "Node.writeSessionArtifacts",
			"frames_dropped": dropped,
			"audio_overflow": n.audioRec.Overflows(),
			"video_overflow": n.videoRec.Overflows(),
		}).Error("Local recording dropped data")
		n.opts.Metrics.IncFramesDropped()
	}
}
