package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport is the interface components use to reach the wire. It is
// satisfied by UDPTransport and by test mocks.
type Transport interface {
	// Send queues a packet toward addr, high priority for Audio/Control/Bye
	// and low priority for Video. It never blocks on the network.
	Send(packet *Packet, addr net.Addr) error
	// RegisterHandler registers the receive dispatch for a packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
	// LocalAddr returns the bound address.
	LocalAddr() net.Addr
	// Close shuts the socket and all peer queues down.
	Close() error
}

// ErrBindFailed wraps a socket bind failure. Bind failure is fatal.
var ErrBindFailed = errors.New("UDP bind failed")

// UDPTransport implements Transport over a single UDP socket. One instance
// exists per process; only the transport sends and receives on the socket.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	handlersMu sync.RWMutex
	queues     map[string]*peerQueue
	queuesMu   sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	parseErrors     atomic.Uint64
}

// NewUDPTransport binds the UDP socket and starts the receive loop.
// listenAddr is "host:port"; port 0 binds an ephemeral port.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   make(map[PacketType]PacketHandler),
		queues:     make(map[string]*peerQueue),
		ctx:        ctx,
		cancel:     cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"addr":     t.listenAddr.String(),
	}).Info("UDP transport bound")

	go t.processPackets()

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type. Later
// registrations replace earlier ones.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[packetType] = handler
}

// Send serializes the packet and places it on the peer's prioritized queue.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	t.queueFor(addr).enqueue(data, packet.Header.Type)
	t.packetsSent.Add(1)
	return nil
}

// LocalAddr returns the actual bound address, useful with ephemeral ports.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// Close shuts down the transport. Peer queue goroutines observe the
// cancellation and exit; in-flight datagrams are abandoned.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Close",
		"sent":     t.packetsSent.Load(),
		"received": t.packetsReceived.Load(),
	}).Info("UDP transport closed")

	return err
}

// PacketsSent returns the number of packets queued for transmission.
func (t *UDPTransport) PacketsSent() uint64 { return t.packetsSent.Load() }

// PacketsReceived returns the number of packets successfully parsed.
func (t *UDPTransport) PacketsReceived() uint64 { return t.packetsReceived.Load() }

func (t *UDPTransport) queueFor(addr net.Addr) *peerQueue {
	key := addr.String()
	t.queuesMu.Lock()
	defer t.queuesMu.Unlock()

	if pq, ok := t.queues[key]; ok {
		return pq
	}
	pq := newPeerQueue(t.ctx, t.conn, addr)
	t.queues[key] = pq
	return pq
}

// processPackets handles incoming packets until the transport closes.
func (t *UDPTransport) processPackets() {
	buffer := make([]byte, MaxPacketSize+256)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	// Read deadline keeps the loop responsive to shutdown.
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if t.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.processIncomingPacket",
				"error":    err.Error(),
			}).Debug("UDP read error")
		}
		return
	}

	packet, err := ParsePacket(buffer[:n])
	if err != nil {
		t.parseErrors.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.processIncomingPacket",
			"from":     addr.String(),
			"size":     n,
			"error":    err.Error(),
		}).Debug("Dropping unparseable datagram")
		return
	}
	t.packetsReceived.Add(1)

	t.dispatch(packet, addr)
}

func (t *UDPTransport) dispatch(packet *Packet, addr net.Addr) {
	t.handlersMu.RLock()
	handler, ok := t.handlers[packet.Header.Type]
	t.handlersMu.RUnlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.dispatch",
			"type":     packet.Header.Type.String(),
		}).Debug("No handler registered for packet type")
		return
	}

	if err := handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.dispatch",
			"type":     packet.Header.Type.String(),
			"from":     addr.String(),
			"error":    err.Error(),
		}).Warn("Packet handler failed")
	}
}
