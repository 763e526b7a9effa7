// Package session owns the peer table and the control protocol: handshake,
// heartbeats, BYE, silence timeouts, and the clock-sync and play-tone
// orchestration. All mutation of the participant map happens on the session's
// goroutines; pipelines see immutable snapshots through PeerDirectory.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/clock"
	"github.com/opd-ai/hyperzoom/protocol"
	"github.com/opd-ai/hyperzoom/timesync"
	"github.com/opd-ai/hyperzoom/transport"
)

// Role distinguishes the session creator from joiners.
type Role int

const (
	// RoleHost created the session and assigns participant IDs.
	RoleHost Role = iota
	// RoleGuest joined via Hello/Welcome.
	RoleGuest
)

const (
	// MaxParticipants bounds the mesh, host included.
	MaxParticipants = 4
	// HeartbeatInterval paces keepalives to every connected peer.
	HeartbeatInterval = time.Second
	// PeerTimeout moves a silent peer to Disconnected.
	PeerTimeout = 5 * time.Second
	// JoinAttempts and JoinRetryInterval bound the guest handshake.
	JoinAttempts      = 3
	JoinRetryInterval = time.Second
	// ByeRepeats and ByeInterval shape the departure burst.
	ByeRepeats  = 3
	ByeInterval = 50 * time.Millisecond
	// WireVersion is sent in Hello.
	WireVersion = 1
)

var (
	// ErrJoinTimeout means no Welcome arrived after all retries. Exit 2.
	ErrJoinTimeout = errors.New("join timeout: no Welcome from host")
	// ErrSessionFull means the host rejected the join. Exit 2.
	ErrSessionFull = errors.New("session full")
)

// Events are the session's upward callbacks into the media pipelines. Nil
// members are skipped.
type Events struct {
	OnAudio            func(pkt *transport.Packet, from net.Addr)
	OnVideo            func(pkt *transport.Packet, from net.Addr)
	OnNack             func(nack protocol.Nack, from net.Addr)
	OnPlayTone         func(localMs uint64)
	OnPeerConnected    func(p Participant)
	OnPeerDisconnected func(p Participant)
}

// Session is the process-wide call state.
type Session struct {
	mu sync.RWMutex

	role      Role
	sessionID uint64
	localID   uint8
	localName string
	peers     map[uint8]*Participant
	nextID    uint8

	trans    transport.Transport
	seq      *transport.SequenceCounters
	clk      *clock.SessionClock
	provider clock.TimeProvider
	sync     *timesync.Engine
	events   Events

	hostAddr    *net.UDPAddr // guests only
	joinResult  chan error
	rttObserver RTTObserver

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHost creates a hosting session with a random 64-bit session ID and
// participant ID 0.
func NewHost(name string, trans transport.Transport, clk *clock.SessionClock,
	provider clock.TimeProvider, events Events) (*Session, error) {
	var idBytes [8]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	s := newSession(RoleHost, binary.BigEndian.Uint64(idBytes[:]), 0, name, trans, clk, provider, events)

	logrus.WithFields(logrus.Fields{
		"function":   "NewHost",
		"session_id": fmt.Sprintf("%016X", s.sessionID),
		"name":       name,
		"addr":       trans.LocalAddr().String(),
	}).Info("Hosting session")
	return s, nil
}

// NewGuest creates a joining session. The session ID and local participant
// ID arrive with Welcome.
func NewGuest(name string, trans transport.Transport, clk *clock.SessionClock,
	provider clock.TimeProvider, events Events) *Session {
	return newSession(RoleGuest, 0, 0, name, trans, clk, provider, events)
}

func newSession(role Role, sessionID uint64, localID uint8, name string,
	trans transport.Transport, clk *clock.SessionClock, provider clock.TimeProvider, events Events) *Session {
	if provider == nil {
		provider = clock.RealTimeProvider{}
	}
	s := &Session{
		role:      role,
		sessionID: sessionID,
		localID:   localID,
		localName: name,
		peers:     make(map[uint8]*Participant),
		nextID:    1,
		trans:     trans,
		seq:       transport.NewSequenceCounters(),
		clk:       clk,
		provider:  provider,
		sync:      timesync.NewEngine(clk),
		events:    events,
		done:      make(chan struct{}),
	}
	trans.RegisterHandler(transport.PacketControl, s.handleControl)
	trans.RegisterHandler(transport.PacketAudio, s.handleAudio)
	trans.RegisterHandler(transport.PacketVideoKeyframe, s.handleVideo)
	trans.RegisterHandler(transport.PacketVideoDelta, s.handleVideo)
	trans.RegisterHandler(transport.PacketBye, s.handleBye)
	return s
}

// Role returns the session role.
func (s *Session) Role() Role { return s.role }

// SessionID returns the 64-bit session identifier.
func (s *Session) SessionID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// LocalID returns the local participant ID.
func (s *Session) LocalID() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localID
}

// Sync exposes the clock-sync engine.
func (s *Session) Sync() *timesync.Engine { return s.sync }

// SequenceCounters exposes the local sequence issuance shared with the
// pipelines.
func (s *Session) SequenceCounters() *transport.SequenceCounters { return s.seq }

// ConnectedPeerAddrs implements PeerDirectory for the pipelines: addresses of
// all non-disconnected peers, so media flows immediately after handshake.
func (s *Session) ConnectedPeerAddrs() []net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]net.Addr, 0, len(s.peers))
	for _, p := range s.peers {
		if p.State != StateDisconnected {
			addrs = append(addrs, p.Addr)
		}
	}
	return addrs
}

// Participants returns a snapshot of all peers, for UI and metadata.
func (s *Session) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.snapshot())
	}
	return out
}

// Start launches the heartbeat/timeout loop.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.runLoop(ctx)
}

// Join performs the guest handshake: Hello to the host, Welcome within the
// retry budget, then Hello to every listed peer for full-mesh symmetry.
func (s *Session) Join(ctx context.Context, hostAddr *net.UDPAddr) error {
	welcome := make(chan error, 1)
	s.mu.Lock()
	s.hostAddr = hostAddr
	s.joinResult = welcome
	s.mu.Unlock()

	hello, err := (protocol.Hello{Name: s.localName, Version: WireVersion}).Marshal()
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= JoinAttempts; attempt++ {
		if err := s.sendControl(hello, hostAddr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.Join",
				"attempt":  attempt,
				"error":    err.Error(),
			}).Warn("Hello send failed")
		}

		select {
		case err := <-welcome:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(JoinRetryInterval):
		}
	}
	return ErrJoinTimeout
}

// End performs the departure sequence: Bye three times at 50 ms intervals to
// every peer, then stops the run loop.
func (s *Session) End() {
	addrs := s.ConnectedPeerAddrs()
	bye := &transport.Packet{
		Header: transport.NewHeader(transport.PacketBye, s.LocalID(),
			s.seq.Next(transport.PacketBye), s.clk.NowMs(), 0),
	}
	for i := 0; i < ByeRepeats; i++ {
		for _, addr := range addrs {
			if err := s.trans.Send(bye, addr); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Session.End",
					"peer":     addr.String(),
					"error":    err.Error(),
				}).Debug("Bye send failed")
			}
		}
		if i < ByeRepeats-1 {
			time.Sleep(ByeInterval)
		}
	}

	s.mu.Lock()
	for _, p := range s.peers {
		p.State = StateDisconnected
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.End",
		"peers":    len(addrs),
	}).Info("Session ended")
}

// StartSyncExchange runs the guest's eight-round clock exchange against the
// host. No-op on the host.
func (s *Session) StartSyncExchange(ctx context.Context) {
	if s.role != RoleGuest {
		return
	}
	s.mu.RLock()
	host := s.hostAddr
	s.mu.RUnlock()
	if host == nil {
		return
	}

	go func() {
		for i := 0; i < timesync.SampleCount; i++ {
			if ctx.Err() != nil || s.sync.Synced() {
				return
			}
			payload, err := s.sync.MakePing().Marshal()
			if err != nil {
				return
			}
			if err := s.sendControl(payload, host); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Session.StartSyncExchange",
					"error":    err.Error(),
				}).Debug("SyncPing send failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(timesync.PingInterval):
			}
		}
	}()
}

// ScheduleTone is the host's sync-tone trigger: broadcast PlayTone at a
// host-clock instant delay ms from now, and fire the local callback.
func (s *Session) ScheduleTone(delay time.Duration) {
	if s.role != RoleHost {
		return
	}
	tPlay := s.clk.NowMs64() + uint64(delay.Milliseconds())
	payload, err := (protocol.PlayTone{TPlayMs: tPlay}).Marshal()
	if err != nil {
		return
	}
	for _, addr := range s.ConnectedPeerAddrs() {
		if err := s.sendControl(payload, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.ScheduleTone",
				"peer":     addr.String(),
				"error":    err.Error(),
			}).Warn("PlayTone send failed")
		}
	}
	if s.events.OnPlayTone != nil {
		s.events.OnPlayTone(tPlay)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Session.ScheduleTone",
		"t_play_ms": tPlay,
	}).Info("Sync tone scheduled for all participants")
}

// SendControl wraps a control payload in a Control packet toward addr, for
// components that originate their own control traffic (keyframe NACKs).
func (s *Session) SendControl(payload []byte, addr net.Addr) error {
	return s.sendControl(payload, addr)
}

// sendControl wraps a control payload in a packet and queues it.
func (s *Session) sendControl(payload []byte, addr net.Addr) error {
	pkt := &transport.Packet{
		Header: transport.NewHeader(transport.PacketControl, s.LocalID(),
			s.seq.Next(transport.PacketControl), s.clk.NowMs(), 0),
		Payload: payload,
	}
	return s.trans.Send(pkt, addr)
}
