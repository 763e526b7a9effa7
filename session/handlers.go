package session

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/protocol"
	"github.com/opd-ai/hyperzoom/transport"
)

// RTTObserver receives round-trip measurements per peer, implemented by the
// congestion controller.
type RTTObserver interface {
	RecordRTT(addr string, rtt time.Duration)
	RecordAudioPacket(addr string, seq uint16)
}

// SetRTTObserver wires the congestion controller's measurement feed.
func (s *Session) SetRTTObserver(obs RTTObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rttObserver = obs
}

func (s *Session) handleAudio(pkt *transport.Packet, from net.Addr) error {
	s.touchPeer(pkt.Header.ParticipantID, from)
	s.mu.RLock()
	obs := s.rttObserver
	s.mu.RUnlock()
	if obs != nil {
		obs.RecordAudioPacket(from.String(), pkt.Header.Sequence)
	}
	if s.events.OnAudio != nil {
		s.events.OnAudio(pkt, from)
	}
	return nil
}

func (s *Session) handleVideo(pkt *transport.Packet, from net.Addr) error {
	s.touchPeer(pkt.Header.ParticipantID, from)
	if s.events.OnVideo != nil {
		s.events.OnVideo(pkt, from)
	}
	return nil
}

func (s *Session) handleBye(pkt *transport.Packet, from net.Addr) error {
	s.mu.Lock()
	p, ok := s.peers[pkt.Header.ParticipantID]
	var snap Participant
	if ok && p.State != StateDisconnected {
		p.State = StateDisconnected
		snap = p.snapshot()
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		logrus.WithFields(logrus.Fields{
			"function":    "Session.handleBye",
			"participant": snap.ID,
			"name":        snap.Name,
		}).Info("Peer sent BYE")
		if s.events.OnPeerDisconnected != nil {
			s.events.OnPeerDisconnected(snap)
		}
	}
	return nil
}

func (s *Session) handleControl(pkt *transport.Packet, from net.Addr) error {
	// Receive instant for sync replies, captured before any processing.
	t1 := s.clk.NowMs64()

	ct, err := protocol.Type(pkt.Payload)
	if err != nil {
		return err
	}

	switch ct {
	case protocol.ControlHello:
		return s.handleHello(pkt, from)
	case protocol.ControlWelcome:
		return s.handleWelcome(pkt, from)
	case protocol.ControlPeerJoined:
		return s.handlePeerJoined(pkt)
	case protocol.ControlHeartbeat:
		s.touchPeer(pkt.Header.ParticipantID, from)
	case protocol.ControlNack:
		s.touchPeer(pkt.Header.ParticipantID, from)
		nack, err := protocol.ParseNack(pkt.Payload)
		if err != nil {
			return err
		}
		if s.events.OnNack != nil {
			s.events.OnNack(nack, from)
		}
	case protocol.ControlSyncPing:
		return s.handleSyncPing(pkt, from, t1)
	case protocol.ControlSyncPong:
		return s.handleSyncPong(pkt, from)
	case protocol.ControlSyncReport:
		report, err := protocol.ParseSyncReport(pkt.Payload)
		if err != nil {
			return err
		}
		s.sync.RecordPeerOffset(pkt.Header.ParticipantID, report.OffsetMs)
		s.setPeerOffset(pkt.Header.ParticipantID, int64(report.OffsetMs))
	case protocol.ControlPlayTone:
		tone, err := protocol.ParsePlayTone(pkt.Payload)
		if err != nil {
			return err
		}
		localMs := s.sync.TranslateHostMs(tone.TPlayMs)
		logrus.WithFields(logrus.Fields{
			"function": "Session.handleControl",
			"t_play":   tone.TPlayMs,
			"local_ms": localMs,
		}).Info("PlayTone received")
		if s.events.OnPlayTone != nil {
			s.events.OnPlayTone(localMs)
		}
	case protocol.ControlSessionFull:
		s.mu.Lock()
		if s.joinResult != nil {
			s.joinResult <- ErrSessionFull
			s.joinResult = nil
		}
		s.mu.Unlock()
	}
	return nil
}

// handleHello is both the host's assignment path and, on guests, the
// full-mesh symmetry path when a new peer introduces itself.
func (s *Session) handleHello(pkt *transport.Packet, from net.Addr) error {
	hello, err := protocol.ParseHello(pkt.Payload)
	if err != nil {
		return err
	}
	udpFrom, ok := from.(*net.UDPAddr)
	if !ok {
		return nil
	}

	if s.role == RoleGuest {
		// A peer we learned about via Welcome/PeerJoined says hello
		// directly; its ID rides in the header.
		s.addPeer(pkt.Header.ParticipantID, hello.Name, udpFrom, StateConnected)
		return nil
	}

	s.mu.Lock()
	// Idempotent: a retried Hello from a known address re-sends Welcome.
	var existingID uint8
	known := false
	for id, p := range s.peers {
		if p.Addr.String() == udpFrom.String() && p.State != StateDisconnected {
			existingID = id
			known = true
			break
		}
	}

	if !known {
		if s.activePeersLocked() >= MaxParticipants-1 {
			s.mu.Unlock()
			payload, _ := (protocol.SessionFull{}).Marshal()
			logrus.WithFields(logrus.Fields{
				"function": "Session.handleHello",
				"from":     from.String(),
				"name":     hello.Name,
			}).Warn("Rejecting join, session full")
			return s.sendControl(payload, from)
		}
		existingID = s.nextFreeIDLocked()
		s.peers[existingID] = &Participant{
			ID:       existingID,
			Name:     hello.Name,
			Addr:     udpFrom,
			State:    StateConnected,
			LastSeen: s.provider.Now(),
		}
	}

	// Welcome carries the other guests so the joiner can mesh with them.
	welcome := protocol.Welcome{
		SessionID:  s.sessionID,
		AssignedID: existingID,
		Peers:      s.peerListLocked(existingID),
	}
	snap := s.peers[existingID].snapshot()
	s.mu.Unlock()

	payload, err := welcome.Marshal()
	if err != nil {
		return err
	}
	if err := s.sendControl(payload, from); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Session.handleHello",
		"participant": existingID,
		"name":        hello.Name,
		"addr":        from.String(),
	}).Info("Guest welcomed")

	if !known {
		s.broadcastPeerJoined(snap)
		if s.events.OnPeerConnected != nil {
			s.events.OnPeerConnected(snap)
		}
	}
	return nil
}

func (s *Session) handleWelcome(pkt *transport.Packet, from net.Addr) error {
	welcome, err := protocol.ParseWelcome(pkt.Payload)
	if err != nil {
		return err
	}
	udpFrom, ok := from.(*net.UDPAddr)
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.joinResult == nil {
		s.mu.Unlock()
		return nil // duplicate Welcome
	}
	s.sessionID = welcome.SessionID
	s.localID = welcome.AssignedID
	result := s.joinResult
	s.joinResult = nil
	s.mu.Unlock()

	// The host is the sender; its participant ID rides in the header.
	s.addPeer(pkt.Header.ParticipantID, "Host", udpFrom, StateConnected)

	logrus.WithFields(logrus.Fields{
		"function":    "Session.handleWelcome",
		"session_id":  welcome.SessionID,
		"assigned_id": welcome.AssignedID,
		"peers":       len(welcome.Peers),
	}).Info("Welcome received")

	// Full-mesh symmetry: hello every existing guest directly.
	hello, err := (protocol.Hello{Name: s.localName, Version: WireVersion}).Marshal()
	if err == nil {
		for _, info := range welcome.Peers {
			s.addPeer(info.ID, "", info.Addr(), StateConnecting)
			if err := s.sendControl(hello, info.Addr()); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Session.handleWelcome",
					"peer":     info.Addr().String(),
					"error":    err.Error(),
				}).Warn("Mesh Hello failed")
			}
		}
	}

	result <- nil
	return nil
}

func (s *Session) handlePeerJoined(pkt *transport.Packet) error {
	joined, err := protocol.ParsePeerJoined(pkt.Payload)
	if err != nil {
		return err
	}
	s.addPeer(joined.Peer.ID, joined.Name, joined.Peer.Addr(), StateConnecting)

	// Open our side of the mesh immediately.
	hello, err := (protocol.Hello{Name: s.localName, Version: WireVersion}).Marshal()
	if err != nil {
		return err
	}
	return s.sendControl(hello, joined.Peer.Addr())
}

func (s *Session) handleSyncPing(pkt *transport.Packet, from net.Addr, t1 uint64) error {
	ping, err := protocol.ParseSyncPing(pkt.Payload)
	if err != nil {
		return err
	}
	s.touchPeer(pkt.Header.ParticipantID, from)
	payload, err := s.sync.MakePong(ping, t1).Marshal()
	if err != nil {
		return err
	}
	return s.sendControl(payload, from)
}

func (s *Session) handleSyncPong(pkt *transport.Packet, from net.Addr) error {
	pong, err := protocol.ParseSyncPong(pkt.Payload)
	if err != nil {
		return err
	}

	// RTT feeds congestion for every peer; offsets only come from the host
	// exchange.
	t3 := s.clk.NowMs64()
	rtt := time.Duration(int64(t3)-int64(pong.T0)-(int64(pong.T2)-int64(pong.T1))) * time.Millisecond
	if rtt < 0 {
		rtt = 0
	}
	s.mu.RLock()
	obs := s.rttObserver
	isHost := s.hostAddr != nil && s.hostAddr.String() == from.String()
	s.mu.RUnlock()
	if obs != nil {
		obs.RecordRTT(from.String(), rtt)
	}

	if s.role == RoleGuest && isHost && !s.sync.Synced() {
		if done := s.sync.HandlePong(pong); done {
			report, err := (protocol.SyncReport{OffsetMs: int32(s.sync.OffsetMs())}).Marshal()
			if err == nil {
				if err := s.sendControl(report, from); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Session.handleSyncPong",
						"error":    err.Error(),
					}).Warn("SyncReport send failed")
				}
			}
		}
	}
	return nil
}

// runLoop drives heartbeats, RTT probes, and timeout sweeps.
func (s *Session) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := s.provider.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeats()
			s.sweepTimeouts()
		}
	}
}

func (s *Session) sendHeartbeats() {
	hb, err := (protocol.Heartbeat{}).Marshal()
	if err != nil {
		return
	}
	ping, _ := s.sync.MakePing().Marshal()

	for _, addr := range s.ConnectedPeerAddrs() {
		if err := s.sendControl(hb, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.sendHeartbeats",
				"peer":     addr.String(),
				"error":    err.Error(),
			}).Debug("Heartbeat send failed")
			continue
		}
		// Ride an RTT probe alongside each heartbeat.
		if ping != nil {
			_ = s.sendControl(ping, addr)
		}
	}
}

func (s *Session) sweepTimeouts() {
	now := s.provider.Now()

	var dropped []Participant
	s.mu.Lock()
	for _, p := range s.peers {
		if p.State != StateDisconnected && now.Sub(p.LastSeen) > PeerTimeout {
			p.State = StateDisconnected
			dropped = append(dropped, p.snapshot())
		}
	}
	s.mu.Unlock()

	for _, p := range dropped {
		logrus.WithFields(logrus.Fields{
			"function":    "Session.sweepTimeouts",
			"participant": p.ID,
			"name":        p.Name,
		}).Warn("Peer timed out")
		if s.events.OnPeerDisconnected != nil {
			s.events.OnPeerDisconnected(p)
		}
	}
}

// touchPeer refreshes last-seen and promotes Connecting peers to Connected.
// Any received packet counts.
func (s *Session) touchPeer(participantID uint8, from net.Addr) {
	var connected *Participant
	s.mu.Lock()
	p, ok := s.peers[participantID]
	if ok && p.State != StateDisconnected {
		p.LastSeen = s.provider.Now()
		if p.State == StateConnecting {
			p.State = StateConnected
			snap := p.snapshot()
			connected = &snap
		}
	}
	s.mu.Unlock()

	if connected != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Session.touchPeer",
			"participant": connected.ID,
			"name":        connected.Name,
		}).Info("Peer connected")
		if s.events.OnPeerConnected != nil {
			s.events.OnPeerConnected(*connected)
		}
	}
}

func (s *Session) addPeer(id uint8, name string, addr *net.UDPAddr, state PeerState) {
	var snap *Participant
	s.mu.Lock()
	if existing, ok := s.peers[id]; ok && existing.State != StateDisconnected {
		if name != "" && existing.Name == "" {
			existing.Name = name
		}
		existing.LastSeen = s.provider.Now()
		if state == StateConnected && existing.State == StateConnecting {
			existing.State = StateConnected
			sn := existing.snapshot()
			snap = &sn
		}
		s.mu.Unlock()
	} else {
		p := &Participant{
			ID:       id,
			Name:     name,
			Addr:     addr,
			State:    state,
			LastSeen: s.provider.Now(),
		}
		s.peers[id] = p
		if state == StateConnected {
			sn := p.snapshot()
			snap = &sn
		}
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":    "Session.addPeer",
			"participant": id,
			"name":        name,
			"addr":        addr.String(),
			"state":       state.String(),
		}).Info("Peer added")
	}

	if snap != nil && s.events.OnPeerConnected != nil {
		s.events.OnPeerConnected(*snap)
	}
}

func (s *Session) setPeerOffset(id uint8, offsetMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		p.ClockOffsetMs = offsetMs
	}
}

// activePeersLocked counts non-disconnected peers. Caller holds mu.
func (s *Session) activePeersLocked() int {
	n := 0
	for _, p := range s.peers {
		if p.State != StateDisconnected {
			n++
		}
	}
	return n
}

// nextFreeIDLocked returns the lowest unused participant ID. Caller holds mu
// and has verified capacity.
func (s *Session) nextFreeIDLocked() uint8 {
	for id := uint8(0); id < MaxParticipants; id++ {
		if id == s.localID {
			continue
		}
		if p, ok := s.peers[id]; !ok || p.State == StateDisconnected {
			return id
		}
	}
	return MaxParticipants - 1
}

// peerListLocked builds the Welcome peer list: every active guest except the
// newcomer. Caller holds mu.
func (s *Session) peerListLocked(exclude uint8) []protocol.PeerInfo {
	var list []protocol.PeerInfo
	for id, p := range s.peers {
		if id == exclude || p.State == StateDisconnected {
			continue
		}
		list = append(list, protocol.PeerInfoFromAddr(id, p.Addr))
	}
	return list
}

func (s *Session) broadcastPeerJoined(newPeer Participant) {
	payload, err := (protocol.PeerJoined{
		Peer: protocol.PeerInfoFromAddr(newPeer.ID, newPeer.Addr),
		Name: newPeer.Name,
	}).Marshal()
	if err != nil {
		return
	}

	s.mu.RLock()
	var addrs []net.Addr
	for id, p := range s.peers {
		if id != newPeer.ID && p.State != StateDisconnected {
			addrs = append(addrs, p.Addr)
		}
	}
	s.mu.RUnlock()

	for _, addr := range addrs {
		if err := s.sendControl(payload, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.broadcastPeerJoined",
				"peer":     addr.String(),
				"error":    err.Error(),
			}).Warn("PeerJoined broadcast failed")
		}
	}
}
