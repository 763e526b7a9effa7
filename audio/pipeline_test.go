package audio

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hyperzoom/clock"
	"github.com/opd-ai/hyperzoom/ringbus"
	"github.com/opd-ai/hyperzoom/transport"
)

// mockTransport records sent packets.
type mockTransport struct {
	mu      sync.Mutex
	packets []*transport.Packet
}

func (m *mockTransport) Send(p *transport.Packet, _ net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, p)
	return nil
}

func (m *mockTransport) RegisterHandler(_ transport.PacketType, _ transport.PacketHandler) {}

func (m *mockTransport) LocalAddr() net.Addr { return nil }

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) sent() []*transport.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transport.Packet, len(m.packets))
	copy(out, m.packets)
	return out
}

// staticPeers is a fixed peer directory.
type staticPeers struct {
	addrs []net.Addr
}

func (s *staticPeers) ConnectedPeerAddrs() []net.Addr { return s.addrs }

func TestLiveEncoderFramesAndSends(t *testing.T) {
	ring := ringbus.New[float32]("audio_live", RingCapacitySamples, ringbus.DropOldest)
	trans := &mockTransport{}
	seq := transport.NewSequenceCounters()
	clk := clock.NewSessionClock(nil)
	addr, _ := net.ResolveUDPAddr("udp4", "127.0.0.1:40001")
	peers := &staticPeers{addrs: []net.Addr{addr}}

	enc := NewLiveEncoder(ring, NewPCMEncoder(), trans, seq, clk, peers, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		enc.Run(ctx)
		close(done)
	}()

	// Three full frames of samples.
	for i := 0; i < FrameSamples*3; i++ {
		ring.Push(float32(0.1))
	}

	require.Eventually(t, func() bool {
		return len(trans.sent()) == 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	<-done

	packets := trans.sent()
	for i, p := range packets {
		assert.Equal(t, transport.PacketAudio, p.Header.Type)
		assert.Equal(t, uint8(1), p.Header.ParticipantID)
		assert.Equal(t, uint16(i), p.Header.Sequence)
		assert.Equal(t, uint8(1), p.Header.FragmentTotal)
		assert.Equal(t, FrameSamples*2, len(p.Payload))
	}
	assert.Equal(t, uint64(3), enc.FramesSent())
}

func TestLiveEncoderNoPeersNoSend(t *testing.T) {
	ring := ringbus.New[float32]("audio_live", RingCapacitySamples, ringbus.DropOldest)
	trans := &mockTransport{}
	enc := NewLiveEncoder(ring, NewPCMEncoder(), trans,
		transport.NewSequenceCounters(), clock.NewSessionClock(nil), &staticPeers{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		enc.Run(ctx)
		close(done)
	}()

	for i := 0; i < FrameSamples; i++ {
		ring.Push(0.5)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, trans.sent())
}

func TestReceiveStreamDecodeAndConceal(t *testing.T) {
	enc := NewPCMEncoder()
	tp := newMockTime()
	stream := NewReceiveStream(2, NewPCMDecoder(), tp)

	makePacket := func(seq uint16, value float32) *transport.Packet {
		data, err := enc.Encode(frameWithValue(value))
		require.NoError(t, err)
		return &transport.Packet{
			Header:  transport.NewHeader(transport.PacketAudio, 2, seq, 0, 0),
			Payload: data,
		}
	}

	stream.HandlePacket(makePacket(0, 0.5))
	stream.HandlePacket(makePacket(2, 0.25)) // seq 1 lost

	frame := stream.NextFrame()
	require.NotNil(t, frame)
	assert.InDelta(t, 0.5, frame[0], 0.001)

	// Concealed: repeats the decoder's last frame (seq 2, decoded on
	// arrival) with decay, not silence.
	frame = stream.NextFrame()
	require.NotNil(t, frame)
	assert.InDelta(t, 0.125, frame[0], 0.001)

	// Play head reaches seq 2's buffered frame.
	frame = stream.NextFrame()
	require.NotNil(t, frame)
	assert.InDelta(t, 0.25, frame[0], 0.001)
}

func TestReceiveStreamIgnoresBadPayload(t *testing.T) {
	stream := NewReceiveStream(2, NewPCMDecoder(), newMockTime())
	stream.HandlePacket(&transport.Packet{
		Header:  transport.NewHeader(transport.PacketAudio, 2, 0, 0, 0),
		Payload: []byte{1, 2, 3},
	})

	assert.Nil(t, stream.NextFrame())
}

func TestCaptureFanoutFeedsBothRings(t *testing.T) {
	live := ringbus.New[float32]("audio_live", RingCapacitySamples, ringbus.DropOldest)
	rec := ringbus.New[float32]("audio_rec", RingCapacitySamples, ringbus.DropNone)
	clk := clock.NewSessionClock(nil)
	fanout := NewCaptureFanout(live, rec, clk)

	fanout.OnCapture(frameWithValue(0.5))

	assert.Equal(t, FrameSamples, live.Len())
	assert.Equal(t, FrameSamples, rec.Len())

	v, ok := live.Pop()
	require.True(t, ok)
	assert.Equal(t, float32(0.5), v)
	v, ok = rec.Pop()
	require.True(t, ok)
	assert.Equal(t, float32(0.5), v)
	assert.False(t, fanout.LastCapture().IsZero())
}

func TestCaptureFanoutDirectMixesToneIntoRecording(t *testing.T) {
	live := ringbus.New[float32]("audio_live", RingCapacitySamples, ringbus.DropOldest)
	rec := ringbus.New[float32]("audio_rec", RingCapacitySamples, ringbus.DropNone)
	clk := clock.NewSessionClock(nil)
	fanout := NewCaptureFanout(live, rec, clk)

	// Tone armed across the whole capture window.
	fanout.ScheduleTone(NewSyncTone(0))
	fanout.OnCapture(make([]float32, FrameSamples))

	// Recording ring carries the tone; live ring carries the raw mic.
	var recEnergy, liveEnergy float64
	for i := 0; i < FrameSamples; i++ {
		r, ok := rec.Pop()
		require.True(t, ok)
		recEnergy += float64(r) * float64(r)
		l, ok := live.Pop()
		require.True(t, ok)
		liveEnergy += float64(l) * float64(l)
	}
	assert.Greater(t, recEnergy, 1.0)
	assert.Equal(t, float64(0), liveEnergy)
}

func TestPlaybackPumpAndCallback(t *testing.T) {
	mixer := NewMixer()
	mixer.AddSource(1, &constantSource{value: 0.4})
	clk := clock.NewSessionClock(nil)
	pb := NewPlayback(mixer, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pb.Run(ctx)

	// The ring was pre-filled with 10ms of silence; past that the mixed
	// value appears.
	out := make([]float32, SampleRate*10/1000)
	pb.OnPlayback(out)
	for _, s := range out {
		assert.Equal(t, float32(0), s)
	}

	require.Eventually(t, func() bool {
		buf := make([]float32, FrameSamples)
		pb.OnPlayback(buf)
		return buf[0] > 0.39
	}, 2*time.Second, 5*time.Millisecond)
}
