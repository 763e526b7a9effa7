// Package protocol defines the control messages carried inside Control
// packets. The first payload byte selects the subtype; the remainder is the
// big-endian body described per message.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ControlType identifies a control message subtype.
type ControlType byte

const (
	// ControlHello opens a handshake: guest → host, then guest → each peer.
	ControlHello ControlType = 0x01
	// ControlWelcome is the host's accept, carrying the session and peer list.
	ControlWelcome ControlType = 0x02
	// ControlPeerJoined announces a new guest to the existing peers.
	ControlPeerJoined ControlType = 0x03
	// ControlHeartbeat keeps the peer alive. Empty body.
	ControlHeartbeat ControlType = 0x04
	// ControlNack requests retransmission of a keyframe fragment.
	ControlNack ControlType = 0x05
	// ControlSyncPing starts one clock-sync round trip: guest → host for the
	// offset exchange, and from every peer alongside heartbeats for RTT.
	ControlSyncPing ControlType = 0x06
	// ControlSyncPong is the host's reply with receive and send instants.
	ControlSyncPong ControlType = 0x07
	// ControlSyncReport publishes the guest's measured offset to the host.
	ControlSyncReport ControlType = 0x08
	// ControlPlayTone schedules the sync tone at a host-clock instant.
	ControlPlayTone ControlType = 0x09
	// ControlSessionFull rejects a join when four participants exist.
	ControlSessionFull ControlType = 0x0A
)

// String returns a human-readable control type name.
func (ct ControlType) String() string {
	switch ct {
	case ControlHello:
		return "hello"
	case ControlWelcome:
		return "welcome"
	case ControlPeerJoined:
		return "peer-joined"
	case ControlHeartbeat:
		return "heartbeat"
	case ControlNack:
		return "nack"
	case ControlSyncPing:
		return "sync-ping"
	case ControlSyncPong:
		return "sync-pong"
	case ControlSyncReport:
		return "sync-report"
	case ControlPlayTone:
		return "play-tone"
	case ControlSessionFull:
		return "session-full"
	default:
		return fmt.Sprintf("unknown(%#02x)", byte(ct))
	}
}

var (
	// ErrTruncated is returned when a control body is shorter than its
	// declared fields.
	ErrTruncated = errors.New("control message truncated")
	// ErrUnknownControl is returned for an unrecognized subtype byte.
	ErrUnknownControl = errors.New("unknown control type")
	// ErrNameTooLong is returned when a display name exceeds 64 bytes.
	ErrNameTooLong = errors.New("display name exceeds 64 bytes")
)

// MaxNameLen bounds the UTF-8 display name on the wire.
const MaxNameLen = 64

// Type parses a control payload's first byte.
func Type(payload []byte) (ControlType, error) {
	if len(payload) == 0 {
		return 0, ErrTruncated
	}
	ct := ControlType(payload[0])
	if ct < ControlHello || ct > ControlSessionFull {
		return 0, fmt.Errorf("%w: %#02x", ErrUnknownControl, payload[0])
	}
	return ct, nil
}

// PeerInfo is the wire form of a peer entry in Welcome and PeerJoined: a
// 1-byte participant ID, 4-byte IPv4 address, and 2-byte port.
type PeerInfo struct {
	ID   uint8
	IP   [4]byte
	Port uint16
}

// Addr converts the wire entry to a UDP address.
func (p PeerInfo) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(p.IP[0], p.IP[1], p.IP[2], p.IP[3]), Port: int(p.Port)}
}

// PeerInfoFromAddr converts a UDP address to the wire entry.
func PeerInfoFromAddr(id uint8, addr *net.UDPAddr) PeerInfo {
	info := PeerInfo{ID: id, Port: uint16(addr.Port)}
	if v4 := addr.IP.To4(); v4 != nil {
		copy(info.IP[:], v4)
	}
	return info
}

func appendPeerInfo(buf []byte, p PeerInfo) []byte {
	buf = append(buf, p.ID)
	buf = append(buf, p.IP[:]...)
	return binary.BigEndian.AppendUint16(buf, p.Port)
}

func readPeerInfo(buf []byte) (PeerInfo, []byte, error) {
	if len(buf) < 7 {
		return PeerInfo{}, nil, ErrTruncated
	}
	var p PeerInfo
	p.ID = buf[0]
	copy(p.IP[:], buf[1:5])
	p.Port = binary.BigEndian.Uint16(buf[5:7])
	return p, buf[7:], nil
}

// Hello is sent by a joining guest.
// Body: name_len u8, name bytes, version u16.
type Hello struct {
	Name    string
	Version uint16
}

// Marshal encodes the message with its subtype byte.
func (m Hello) Marshal() ([]byte, error) {
	if len(m.Name) > MaxNameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(m.Name))
	}
	buf := make([]byte, 0, 4+len(m.Name))
	buf = append(buf, byte(ControlHello), byte(len(m.Name)))
	buf = append(buf, m.Name...)
	return binary.BigEndian.AppendUint16(buf, m.Version), nil
}

// ParseHello decodes a Hello body (including the subtype byte).
func ParseHello(payload []byte) (Hello, error) {
	if len(payload) < 2 {
		return Hello{}, ErrTruncated
	}
	nameLen := int(payload[1])
	if nameLen > MaxNameLen {
		return Hello{}, ErrNameTooLong
	}
	if len(payload) < 2+nameLen+2 {
		return Hello{}, ErrTruncated
	}
	return Hello{
		Name:    string(payload[2 : 2+nameLen]),
		Version: binary.BigEndian.Uint16(payload[2+nameLen:]),
	}, nil
}

// Welcome is the host's handshake accept.
// Body: session_id u64, assigned_id u8, peer_count u8, peer entries.
type Welcome struct {
	SessionID  uint64
	AssignedID uint8
	Peers      []PeerInfo
}

// Marshal encodes the message with its subtype byte.
func (m Welcome) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 11+7*len(m.Peers))
	buf = append(buf, byte(ControlWelcome))
	buf = binary.BigEndian.AppendUint64(buf, m.SessionID)
	buf = append(buf, m.AssignedID, byte(len(m.Peers)))
	for _, p := range m.Peers {
		buf = appendPeerInfo(buf, p)
	}
	return buf, nil
}

// ParseWelcome decodes a Welcome body.
func ParseWelcome(payload []byte) (Welcome, error) {
	if len(payload) < 11 {
		return Welcome{}, ErrTruncated
	}
	m := Welcome{
		SessionID:  binary.BigEndian.Uint64(payload[1:9]),
		AssignedID: payload[9],
	}
	count := int(payload[10])
	rest := payload[11:]
	for i := 0; i < count; i++ {
		p, r, err := readPeerInfo(rest)
		if err != nil {
			return Welcome{}, err
		}
		m.Peers = append(m.Peers, p)
		rest = r
	}
	return m, nil
}

// PeerJoined announces a new guest to existing peers.
// Body: peer entry (7 bytes), name_len u8, name bytes.
type PeerJoined struct {
	Peer PeerInfo
	Name string
}

// Marshal encodes the message with its subtype byte.
func (m PeerJoined) Marshal() ([]byte, error) {
	if len(m.Name) > MaxNameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(m.Name))
	}
	buf := make([]byte, 0, 9+len(m.Name))
	buf = append(buf, byte(ControlPeerJoined))
	buf = appendPeerInfo(buf, m.Peer)
	buf = append(buf, byte(len(m.Name)))
	return append(buf, m.Name...), nil
}

// ParsePeerJoined decodes a PeerJoined body.
func ParsePeerJoined(payload []byte) (PeerJoined, error) {
	if len(payload) < 1 {
		return PeerJoined{}, ErrTruncated
	}
	p, rest, err := readPeerInfo(payload[1:])
	if err != nil {
		return PeerJoined{}, err
	}
	if len(rest) < 1 {
		return PeerJoined{}, ErrTruncated
	}
	nameLen := int(rest[0])
	if nameLen > MaxNameLen {
		return PeerJoined{}, ErrNameTooLong
	}
	if len(rest) < 1+nameLen {
		return PeerJoined{}, ErrTruncated
	}
	return PeerJoined{Peer: p, Name: string(rest[1 : 1+nameLen])}, nil
}

// Heartbeat keeps a peer alive. Empty body.
type Heartbeat struct{}

// Marshal encodes the message with its subtype byte.
func (Heartbeat) Marshal() ([]byte, error) {
	return []byte{byte(ControlHeartbeat)}, nil
}

// Nack requests retransmission of a missing keyframe fragment.
// Body: stream_type u8, sequence u16, fragment_id u8.
type Nack struct {
	StreamType uint8
	Sequence   uint16
	FragmentID uint8
}

// Marshal encodes the message with its subtype byte.
func (m Nack) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 5)
	buf = append(buf, byte(ControlNack), m.StreamType)
	buf = binary.BigEndian.AppendUint16(buf, m.Sequence)
	return append(buf, m.FragmentID), nil
}

// ParseNack decodes a Nack body.
func ParseNack(payload []byte) (Nack, error) {
	if len(payload) < 5 {
		return Nack{}, ErrTruncated
	}
	return Nack{
		StreamType: payload[1],
		Sequence:   binary.BigEndian.Uint16(payload[2:4]),
		FragmentID: payload[4],
	}, nil
}

// SyncPing carries the sender's send instant t0. Body: t0 u64.
type SyncPing struct {
	T0 uint64
}

// Marshal encodes the message with its subtype byte.
func (m SyncPing) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 9)
	buf = append(buf, byte(ControlSyncPing))
	return binary.BigEndian.AppendUint64(buf, m.T0), nil
}

// ParseSyncPing decodes a SyncPing body.
func ParseSyncPing(payload []byte) (SyncPing, error) {
	if len(payload) < 9 {
		return SyncPing{}, ErrTruncated
	}
	return SyncPing{T0: binary.BigEndian.Uint64(payload[1:9])}, nil
}

// SyncPong echoes t0 and adds the host's receive instant t1 and send
// instant t2. Body: t0 u64, t1 u64, t2 u64.
type SyncPong struct {
	T0 uint64
	T1 uint64
	T2 uint64
}

// Marshal encodes the message with its subtype byte.
func (m SyncPong) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 25)
	buf = append(buf, byte(ControlSyncPong))
	buf = binary.BigEndian.AppendUint64(buf, m.T0)
	buf = binary.BigEndian.AppendUint64(buf, m.T1)
	return binary.BigEndian.AppendUint64(buf, m.T2), nil
}

// ParseSyncPong decodes a SyncPong body.
func ParseSyncPong(payload []byte) (SyncPong, error) {
	if len(payload) < 25 {
		return SyncPong{}, ErrTruncated
	}
	return SyncPong{
		T0: binary.BigEndian.Uint64(payload[1:9]),
		T1: binary.BigEndian.Uint64(payload[9:17]),
		T2: binary.BigEndian.Uint64(payload[17:25]),
	}, nil
}

// SyncReport publishes the guest's measured clock offset back to the host.
// Body: offset_ms i32.
type SyncReport struct {
	OffsetMs int32
}

// Marshal encodes the message with its subtype byte.
func (m SyncReport) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 5)
	buf = append(buf, byte(ControlSyncReport))
	return binary.BigEndian.AppendUint32(buf, uint32(m.OffsetMs)), nil
}

// ParseSyncReport decodes a SyncReport body.
func ParseSyncReport(payload []byte) (SyncReport, error) {
	if len(payload) < 5 {
		return SyncReport{}, ErrTruncated
	}
	return SyncReport{OffsetMs: int32(binary.BigEndian.Uint32(payload[1:5]))}, nil
}

// PlayTone schedules the sync tone at a host-clock instant.
// Body: t_play_ms u64.
type PlayTone struct {
	TPlayMs uint64
}

// Marshal encodes the message with its subtype byte.
func (m PlayTone) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 9)
	buf = append(buf, byte(ControlPlayTone))
	return binary.BigEndian.AppendUint64(buf, m.TPlayMs), nil
}

// ParsePlayTone decodes a PlayTone body.
func ParsePlayTone(payload []byte) (PlayTone, error) {
	if len(payload) < 9 {
		return PlayTone{}, ErrTruncated
	}
	return PlayTone{TPlayMs: binary.BigEndian.Uint64(payload[1:9])}, nil
}

// SessionFull rejects a join when the session already holds four
// participants. Empty body.
type SessionFull struct{}

// Marshal encodes the message with its subtype byte.
func (SessionFull) Marshal() ([]byte, error) {
	return []byte{byte(ControlSessionFull)}, nil
}
