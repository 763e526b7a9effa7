package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType identifies the type of a HyperZoom packet, carried in the low
// five bits of the first header byte.
type PacketType byte

const (
	// PacketAudio carries one Opus frame. Never fragmented.
	PacketAudio PacketType = 0x01
	// PacketVideoKeyframe carries a fragment of a VP8 keyframe.
	PacketVideoKeyframe PacketType = 0x02
	// PacketVideoDelta carries a fragment of a VP8 delta frame.
	PacketVideoDelta PacketType = 0x03
	// PacketControl carries a control message (subtype in first payload byte).
	PacketControl PacketType = 0x04
	// PacketBye announces departure. Empty payload.
	PacketBye PacketType = 0x05
)

// String returns a human-readable packet type name.
func (pt PacketType) String() string {
	switch pt {
	case PacketAudio:
		return "audio"
	case PacketVideoKeyframe:
		return "video-keyframe"
	case PacketVideoDelta:
		return "video-delta"
	case PacketControl:
		return "control"
	case PacketBye:
		return "bye"
	default:
		return fmt.Sprintf("unknown(%d)", byte(pt))
	}
}

// IsVideo reports whether the type is a video fragment type.
func (pt PacketType) IsVideo() bool {
	return pt == PacketVideoKeyframe || pt == PacketVideoDelta
}

const (
	// HeaderSize is the fixed wire header length in bytes.
	HeaderSize = 12
	// MaxPayloadSize is the payload MTU. Larger media units are fragmented.
	MaxPayloadSize = 1200
	// MaxPacketSize is the largest datagram the transport will ever emit.
	MaxPacketSize = HeaderSize + MaxPayloadSize
	// ProtocolVersion is carried in the top two bits of the first byte.
	ProtocolVersion = 1
)

var (
	// ErrPacketTooShort is returned when a datagram is smaller than the header.
	ErrPacketTooShort = errors.New("packet too short")
	// ErrBadVersion is returned for datagrams with an unknown protocol version.
	ErrBadVersion = errors.New("unsupported protocol version")
	// ErrBadType is returned for datagrams with an unknown packet type.
	ErrBadType = errors.New("unknown packet type")
	// ErrBadFragment is returned when fragment fields violate the header
	// invariants (total >= 1, id < total, unfragmented types).
	ErrBadFragment = errors.New("invalid fragment fields")
	// ErrPayloadTooLarge is returned when a payload exceeds the MTU.
	ErrPayloadTooLarge = errors.New("payload exceeds MTU")
)

// Header is the 12-byte big-endian wire header.
//
//	byte 0 bits 7..6  version (=1)
//	byte 0 bit  5     padding
//	byte 0 bits 4..0  type
//	byte 1            participant_id (0..3)
//	bytes 2..3        sequence (u16, per (sender,type), wraps)
//	bytes 4..7        timestamp_ms (u32, session-relative, wraps)
//	bytes 8..9        payload_len (u16)
//	byte 10           fragment_id
//	byte 11           fragment_total (>=1; 1 = unfragmented)
type Header struct {
	Version       uint8
	Type          PacketType
	ParticipantID uint8
	Sequence      uint16
	TimestampMs   uint32
	PayloadLen    uint16
	FragmentID    uint8
	FragmentTotal uint8
}

// NewHeader builds an unfragmented header with the current protocol version.
func NewHeader(pt PacketType, participantID uint8, sequence uint16, timestampMs uint32, payloadLen uint16) Header {
	return Header{
		Version:       ProtocolVersion,
		Type:          pt,
		ParticipantID: participantID,
		Sequence:      sequence,
		TimestampMs:   timestampMs,
		PayloadLen:    payloadLen,
		FragmentID:    0,
		FragmentTotal: 1,
	}
}

// Validate checks the header invariants.
func (h *Header) Validate() error {
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	switch h.Type {
	case PacketAudio, PacketVideoKeyframe, PacketVideoDelta, PacketControl, PacketBye:
	default:
		return fmt.Errorf("%w: %d", ErrBadType, byte(h.Type))
	}
	if h.FragmentTotal < 1 {
		return fmt.Errorf("%w: fragment total 0", ErrBadFragment)
	}
	if h.FragmentID >= h.FragmentTotal {
		return fmt.Errorf("%w: id %d >= total %d", ErrBadFragment, h.FragmentID, h.FragmentTotal)
	}
	if !h.Type.IsVideo() && h.FragmentTotal != 1 {
		return fmt.Errorf("%w: type %s must be unfragmented", ErrBadFragment, h.Type)
	}
	if h.PayloadLen > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLen)
	}
	return nil
}

// Marshal writes the header into a fresh 12-byte slice.
func (h *Header) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = (h.Version&0x03)<<6 | byte(h.Type)&0x1F
	buf[1] = h.ParticipantID
	binary.BigEndian.PutUint16(buf[2:4], h.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], h.TimestampMs)
	binary.BigEndian.PutUint16(buf[8:10], h.PayloadLen)
	buf[10] = h.FragmentID
	buf[11] = h.FragmentTotal
	return buf
}

// ParseHeader decodes and validates a wire header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(buf))
	}
	h := Header{
		Version:       (buf[0] >> 6) & 0x03,
		Type:          PacketType(buf[0] & 0x1F),
		ParticipantID: buf[1],
		Sequence:      binary.BigEndian.Uint16(buf[2:4]),
		TimestampMs:   binary.BigEndian.Uint32(buf[4:8]),
		PayloadLen:    binary.BigEndian.Uint16(buf[8:10]),
		FragmentID:    buf[10],
		FragmentTotal: buf[11],
	}
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Packet is a complete wire unit: header plus payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}
	p.Header.PayloadLen = uint16(len(p.Payload))
	if err := p.Header.Validate(); err != nil {
		return nil, err
	}

	hdr := p.Header.Marshal()
	result := make([]byte, HeaderSize+len(p.Payload))
	copy(result, hdr[:])
	copy(result[HeaderSize:], p.Payload)
	return result, nil
}

// ParsePacket converts a received datagram to a Packet. The payload is copied
// so the caller may reuse the read buffer.
func ParsePacket(buf []byte) (*Packet, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(buf) < end {
		return nil, fmt.Errorf("%w: payload truncated (%d < %d)", ErrPacketTooShort, len(buf), end)
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[HeaderSize:end])
	return &Packet{Header: h, Payload: payload}, nil
}

// SeqNewer reports whether sequence a is newer than b under 16-bit wraparound,
// using signed 16-bit delta comparison. A packet with sequence 0 arriving
// after 65535 is newer.
func SeqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}
