package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hyperzoom/clock"
	"github.com/opd-ai/hyperzoom/protocol"
	"github.com/opd-ai/hyperzoom/transport"
)

func newLoopbackSession(t *testing.T, role Role, name string, events Events) (*Session, *transport.UDPTransport) {
	t.Helper()
	trans, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = trans.Close() })

	clk := clock.NewSessionClock(nil)
	if role == RoleHost {
		s, err := NewHost(name, trans, clk, nil, events)
		require.NoError(t, err)
		return s, trans
	}
	return NewGuest(name, trans, clk, nil, events), trans
}

func udpAddr(t *testing.T, a net.Addr) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", a.String())
	require.NoError(t, err)
	return addr
}

func findPeerByName(s *Session, name string) (Participant, bool) {
	for _, p := range s.Participants() {
		if p.Name == name {
			return p, true
		}
	}
	return Participant{}, false
}

func TestHostGuestHandshake(t *testing.T) {
	host, hostTrans := newLoopbackSession(t, RoleHost, "Host", Events{})
	guest, _ := newLoopbackSession(t, RoleGuest, "Alice", Events{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, guest.Join(ctx, udpAddr(t, hostTrans.LocalAddr())))

	assert.Equal(t, host.SessionID(), guest.SessionID())
	assert.NotEqual(t, uint8(0), guest.LocalID(), "host holds ID 0")

	// Host sees the guest Connected.
	p, ok := findPeerByName(host, "Alice")
	require.True(t, ok)
	assert.Equal(t, StateConnected, p.State)
	assert.Equal(t, guest.LocalID(), p.ID)

	// Guest sees the host.
	require.Len(t, guest.Participants(), 1)
	assert.Equal(t, StateConnected, guest.Participants()[0].State)
}

func TestJoinTimeoutWhenNoHost(t *testing.T) {
	guest, _ := newLoopbackSession(t, RoleGuest, "Alice", Events{})

	// An address nothing listens on; Hello goes unanswered.
	dead, err := net.ResolveUDPAddr("udp4", "127.0.0.1:1")
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	err = guest.Join(ctx, dead)
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 3*JoinRetryInterval-100*time.Millisecond)
}

func TestSessionFullRejectsFifthParticipant(t *testing.T) {
	host, hostTrans := newLoopbackSession(t, RoleHost, "Host", Events{})

	// Occupy the three guest slots.
	for id := uint8(1); id <= 3; id++ {
		addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000 + int(id)}
		host.addPeer(id, "peer", addr, StateConnected)
	}

	guest, _ := newLoopbackSession(t, RoleGuest, "Fifth", Events{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := guest.Join(ctx, udpAddr(t, hostTrans.LocalAddr()))
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestByeMarksPeerDisconnected(t *testing.T) {
	var mu sync.Mutex
	var disconnected []Participant
	host, hostTrans := newLoopbackSession(t, RoleHost, "Host", Events{
		OnPeerDisconnected: func(p Participant) {
			mu.Lock()
			defer mu.Unlock()
			disconnected = append(disconnected, p)
		},
	})
	guest, _ := newLoopbackSession(t, RoleGuest, "Alice", Events{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, guest.Join(ctx, udpAddr(t, hostTrans.LocalAddr())))

	guest.End()

	// Host marks the guest Disconnected within 200ms of the BYE burst.
	require.Eventually(t, func() bool {
		p, ok := findPeerByName(host, "Alice")
		return ok && p.State == StateDisconnected
	}, 200*time.Millisecond+ByeRepeats*ByeInterval, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, disconnected, 1)
	assert.Equal(t, "Alice", disconnected[0].Name)
}

func TestThreePartyMesh(t *testing.T) {
	host, hostTrans := newLoopbackSession(t, RoleHost, "Host", Events{})
	guest1, guest1Trans := newLoopbackSession(t, RoleGuest, "Alice", Events{})
	guest2, _ := newLoopbackSession(t, RoleGuest, "Bob", Events{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, guest1.Join(ctx, udpAddr(t, hostTrans.LocalAddr())))
	require.NoError(t, guest2.Join(ctx, udpAddr(t, hostTrans.LocalAddr())))

	// Bob learned Alice from Welcome and helloed her directly; Alice
	// learned Bob from PeerJoined. Both end up Connected without host
	// mediation.
	require.Eventually(t, func() bool {
		p1, ok1 := findPeerByName(guest1, "Bob")
		p2, ok2 := findPeerByName(guest2, "Alice")
		return ok1 && ok2 && p1.State == StateConnected && p2.State == StateConnected
	}, 5*time.Second, 20*time.Millisecond)

	assert.Len(t, host.Participants(), 2)
	assert.GreaterOrEqual(t, len(guest1.ConnectedPeerAddrs()), 2)
	_ = guest1Trans
}

func TestTimeoutSweepDisconnects(t *testing.T) {
	tp := &mockTime{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	trans, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer trans.Close()

	var dropped []Participant
	clk := clock.NewSessionClock(tp)
	host, err := NewHost("Host", trans, clk, tp, Events{
		OnPeerDisconnected: func(p Participant) { dropped = append(dropped, p) },
	})
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50001}
	host.addPeer(1, "Silent", addr, StateConnected)

	tp.advance(PeerTimeout - time.Second)
	host.sweepTimeouts()
	assert.Empty(t, dropped)

	tp.advance(2 * time.Second)
	host.sweepTimeouts()
	require.Len(t, dropped, 1)
	assert.Equal(t, "Silent", dropped[0].Name)

	// Terminal: a later packet does not resurrect the peer.
	host.touchPeer(1, addr)
	p, _ := findPeerByName(host, "Silent")
	assert.Equal(t, StateDisconnected, p.State)
}

func TestHeartbeatKeepsPeersAlive(t *testing.T) {
	host, hostTrans := newLoopbackSession(t, RoleHost, "Host", Events{})
	guest, _ := newLoopbackSession(t, RoleGuest, "Alice", Events{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, guest.Join(ctx, udpAddr(t, hostTrans.LocalAddr())))

	host.Start(ctx)
	guest.Start(ctx)
	defer host.End()
	defer guest.End()

	// Heartbeats flow for several intervals; nobody times out.
	time.Sleep(2500 * time.Millisecond)

	p, ok := findPeerByName(host, "Alice")
	require.True(t, ok)
	assert.Equal(t, StateConnected, p.State)
}

func TestGuestSyncExchangeAgainstHost(t *testing.T) {
	host, hostTrans := newLoopbackSession(t, RoleHost, "Host", Events{})
	guest, _ := newLoopbackSession(t, RoleGuest, "Alice", Events{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, guest.Join(ctx, udpAddr(t, hostTrans.LocalAddr())))

	guest.StartSyncExchange(ctx)

	require.Eventually(t, func() bool {
		return guest.Sync().Synced()
	}, 5*time.Second, 20*time.Millisecond)

	// Loopback clocks started near-simultaneously: offset close to zero.
	assert.InDelta(t, 0, guest.Sync().OffsetMs(), 50)

	// The guest reported its offset back to the host.
	require.Eventually(t, func() bool {
		_, ok := host.Sync().PeerOffsets()[guest.LocalID()]
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPlayToneTranslatedToLocalClock(t *testing.T) {
	toneCh := make(chan uint64, 1)
	host, hostTrans := newLoopbackSession(t, RoleHost, "Host", Events{})
	guest, _ := newLoopbackSession(t, RoleGuest, "Alice", Events{
		OnPlayTone: func(localMs uint64) { toneCh <- localMs },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, guest.Join(ctx, udpAddr(t, hostTrans.LocalAddr())))

	host.ScheduleTone(500 * time.Millisecond)

	select {
	case localMs := <-toneCh:
		// Unsynced offset is zero, so the local instant equals the host
		// instant: roughly 500ms into the session.
		assert.InDelta(t, 500, float64(localMs), 200)
	case <-time.After(2 * time.Second):
		t.Fatal("PlayTone not delivered")
	}
}

func TestNackRoutedToCallback(t *testing.T) {
	nackCh := make(chan protocol.Nack, 1)
	host, hostTrans := newLoopbackSession(t, RoleHost, "Host", Events{
		OnNack: func(n protocol.Nack, _ net.Addr) { nackCh <- n },
	})
	guest, _ := newLoopbackSession(t, RoleGuest, "Alice", Events{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, guest.Join(ctx, udpAddr(t, hostTrans.LocalAddr())))
	_ = host

	payload, err := (protocol.Nack{StreamType: 2, Sequence: 100, FragmentID: 0}).Marshal()
	require.NoError(t, err)
	require.NoError(t, guest.sendControl(payload, udpAddr(t, hostTrans.LocalAddr())))

	select {
	case n := <-nackCh:
		assert.Equal(t, uint16(100), n.Sequence)
		assert.Equal(t, uint8(0), n.FragmentID)
	case <-time.After(2 * time.Second):
		t.Fatal("Nack not delivered")
	}
}

// mockTime drives the timeout sweep deterministically.
type mockTime struct {
	current time.Time
}

func (m *mockTime) Now() time.Time { return m.current }

func (m *mockTime) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

func (m *mockTime) NewTimer(d time.Duration) *time.Timer { return time.NewTimer(d) }

func (m *mockTime) advance(d time.Duration) { m.current = m.current.Add(d) }
