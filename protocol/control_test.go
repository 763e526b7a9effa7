package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloRoundTrip(t *testing.T) {
	m := Hello{Name: "Alice", Version: 1}

	data, err := m.Marshal()
	require.NoError(t, err)

	ct, err := Type(data)
	require.NoError(t, err)
	assert.Equal(t, ControlHello, ct)

	parsed, err := ParseHello(data)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func TestHelloRejectsLongName(t *testing.T) {
	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := Hello{Name: string(long)}.Marshal()
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestWelcomeRoundTrip(t *testing.T) {
	m := Welcome{
		SessionID:  0xDEADBEEFCAFEF00D,
		AssignedID: 2,
		Peers: []PeerInfo{
			{ID: 0, IP: [4]byte{192, 168, 1, 10}, Port: 40001},
			{ID: 1, IP: [4]byte{10, 0, 0, 7}, Port: 40002},
		},
	}

	data, err := m.Marshal()
	require.NoError(t, err)

	parsed, err := ParseWelcome(data)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func TestWelcomeEmptyPeerList(t *testing.T) {
	m := Welcome{SessionID: 42, AssignedID: 1}

	data, err := m.Marshal()
	require.NoError(t, err)

	parsed, err := ParseWelcome(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), parsed.SessionID)
	assert.Empty(t, parsed.Peers)
}

func TestWelcomeTruncatedPeerList(t *testing.T) {
	m := Welcome{
		SessionID:  1,
		AssignedID: 1,
		Peers:      []PeerInfo{{ID: 0, IP: [4]byte{1, 2, 3, 4}, Port: 5}},
	}
	data, err := m.Marshal()
	require.NoError(t, err)

	_, err = ParseWelcome(data[:len(data)-2])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestPeerJoinedRoundTrip(t *testing.T) {
	m := PeerJoined{
		Peer: PeerInfo{ID: 3, IP: [4]byte{172, 16, 0, 9}, Port: 51000},
		Name: "Dana",
	}

	data, err := m.Marshal()
	require.NoError(t, err)

	parsed, err := ParsePeerJoined(data)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func TestNackRoundTrip(t *testing.T) {
	m := Nack{StreamType: 2, Sequence: 100, FragmentID: 0}

	data, err := m.Marshal()
	require.NoError(t, err)
	assert.Equal(t, 5, len(data))

	parsed, err := ParseNack(data)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func TestSyncMessagesRoundTrip(t *testing.T) {
	ping := SyncPing{T0: 123456789}
	data, err := ping.Marshal()
	require.NoError(t, err)
	parsedPing, err := ParseSyncPing(data)
	require.NoError(t, err)
	assert.Equal(t, ping, parsedPing)

	pong := SyncPong{T0: 100, T1: 1334, T2: 1335}
	data, err = pong.Marshal()
	require.NoError(t, err)
	parsedPong, err := ParseSyncPong(data)
	require.NoError(t, err)
	assert.Equal(t, pong, parsedPong)

	report := SyncReport{OffsetMs: -1234}
	data, err = report.Marshal()
	require.NoError(t, err)
	parsedReport, err := ParseSyncReport(data)
	require.NoError(t, err)
	assert.Equal(t, report, parsedReport)

	tone := PlayTone{TPlayMs: 987654321}
	data, err = tone.Marshal()
	require.NoError(t, err)
	parsedTone, err := ParsePlayTone(data)
	require.NoError(t, err)
	assert.Equal(t, tone, parsedTone)
}

func TestTypeDispatch(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		expected ControlType
		wantErr  error
	}{
		{name: "heartbeat", payload: []byte{0x04}, expected: ControlHeartbeat},
		{name: "session full", payload: []byte{0x0A}, expected: ControlSessionFull},
		{name: "empty", payload: nil, wantErr: ErrTruncated},
		{name: "unknown high", payload: []byte{0x0B}, wantErr: ErrUnknownControl},
		{name: "unknown zero", payload: []byte{0x00}, wantErr: ErrUnknownControl},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := Type(tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ct)
		})
	}
}

func TestPeerInfoAddrConversion(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40001}
	info := PeerInfoFromAddr(2, addr)

	assert.Equal(t, uint8(2), info.ID)
	assert.Equal(t, [4]byte{192, 168, 1, 20}, info.IP)
	assert.Equal(t, uint16(40001), info.Port)

	back := info.Addr()
	assert.True(t, back.IP.Equal(addr.IP))
	assert.Equal(t, addr.Port, back.Port)
}
