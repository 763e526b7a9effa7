package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{
			name:   "audio",
			header: NewHeader(PacketAudio, 2, 4242, 123456, 80),
		},
		{
			name: "fragmented keyframe",
			header: Header{
				Version:       ProtocolVersion,
				Type:          PacketVideoKeyframe,
				ParticipantID: 3,
				Sequence:      65535,
				TimestampMs:   0xFFFFFFFF,
				PayloadLen:    1200,
				FragmentID:    7,
				FragmentTotal: 12,
			},
		},
		{
			name:   "bye",
			header: NewHeader(PacketBye, 0, 0, 0, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.header.Marshal()
			parsed, err := ParseHeader(buf[:])
			require.NoError(t, err)
			assert.Equal(t, tt.header, parsed)

			// to_bytes . from_bytes is the identity on valid headers.
			again := parsed.Marshal()
			assert.Equal(t, buf, again)
		})
	}
}

func TestParseHeaderRejectsInvalid(t *testing.T) {
	valid := NewHeader(PacketAudio, 1, 10, 1000, 40)

	tests := []struct {
		name    string
		mutate  func(*Header)
		wantErr error
	}{
		{
			name:    "wrong version",
			mutate:  func(h *Header) { h.Version = 3 },
			wantErr: ErrBadVersion,
		},
		{
			name:    "unknown type",
			mutate:  func(h *Header) { h.Type = 0x1F },
			wantErr: ErrBadType,
		},
		{
			name:    "zero fragment total",
			mutate:  func(h *Header) { h.FragmentTotal = 0 },
			wantErr: ErrBadFragment,
		},
		{
			name: "fragment id out of range",
			mutate: func(h *Header) {
				h.Type = PacketVideoDelta
				h.FragmentID = 4
				h.FragmentTotal = 4
			},
			wantErr: ErrBadFragment,
		},
		{
			name: "fragmented audio",
			mutate: func(h *Header) {
				h.FragmentID = 0
				h.FragmentTotal = 2
			},
			wantErr: ErrBadFragment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := valid
			tt.mutate(&h)
			buf := h.Marshal()
			_, err := ParseHeader(buf[:])
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseHeaderTooShort(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrPacketTooShort)
}

func TestPacketSerializeRoundTrip(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	p := &Packet{
		Header:  NewHeader(PacketAudio, 1, 77, 5000, 0),
		Payload: payload,
	}

	data, err := p.Serialize()
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+len(payload), len(data))
	assert.LessOrEqual(t, len(data), MaxPacketSize)

	parsed, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, payload, parsed.Payload)
	assert.Equal(t, uint16(len(payload)), parsed.Header.PayloadLen)
}

func TestPacketSerializeEnforcesMTU(t *testing.T) {
	p := &Packet{
		Header:  NewHeader(PacketVideoKeyframe, 1, 1, 1, 0),
		Payload: make([]byte, MaxPayloadSize+1),
	}
	_, err := p.Serialize()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestParsePacketTruncatedPayload(t *testing.T) {
	p := &Packet{
		Header:  NewHeader(PacketAudio, 1, 1, 1, 0),
		Payload: make([]byte, 100),
	}
	data, err := p.Serialize()
	require.NoError(t, err)

	_, err = ParsePacket(data[:HeaderSize+50])
	assert.ErrorIs(t, err, ErrPacketTooShort)
}

func TestSeqNewerWraparound(t *testing.T) {
	tests := []struct {
		name  string
		a, b  uint16
		newer bool
	}{
		{name: "simple increase", a: 10, b: 9, newer: true},
		{name: "equal", a: 5, b: 5, newer: false},
		{name: "older", a: 9, b: 10, newer: false},
		{name: "wrap: 0 after 65535", a: 0, b: 65535, newer: true},
		{name: "wrap: 5 after 65530", a: 5, b: 65530, newer: true},
		{name: "half window forward", a: 32767, b: 0, newer: true},
		{name: "past half window", a: 32769, b: 0, newer: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.newer, SeqNewer(tt.a, tt.b))
		})
	}
}

func TestSequenceCountersPerStream(t *testing.T) {
	c := NewSequenceCounters()

	assert.Equal(t, uint16(0), c.Next(PacketAudio))
	assert.Equal(t, uint16(1), c.Next(PacketAudio))

	// Keyframe and delta share the video stream counter.
	assert.Equal(t, uint16(0), c.Next(PacketVideoKeyframe))
	assert.Equal(t, uint16(1), c.Next(PacketVideoDelta))
	assert.Equal(t, uint16(2), c.Next(PacketVideoKeyframe))

	// Audio counter unaffected by video issuance.
	assert.Equal(t, uint16(2), c.Next(PacketAudio))
	assert.Equal(t, uint16(3), c.Peek(PacketAudio))
}
