package transport

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	highQueueDepth = 256
	lowQueueDepth  = 512
)

// peerQueue holds the two prioritized send queues for one remote peer and the
// goroutine that drains them. High (Audio, Control, Bye) is always drained
// before low (Video) on each send opportunity.
type peerQueue struct {
	addr       net.Addr
	high       chan []byte
	low        chan []byte
	sendErrors atomic.Uint64
	dropped    atomic.Uint64
}

func newPeerQueue(ctx context.Context, conn net.PacketConn, addr net.Addr) *peerQueue {
	pq := &peerQueue{
		addr: addr,
		high: make(chan []byte, highQueueDepth),
		low:  make(chan []byte, lowQueueDepth),
	}
	go pq.drain(ctx, conn)

	logrus.WithFields(logrus.Fields{
		"function": "newPeerQueue",
		"peer":     addr.String(),
	}).Debug("Send queue created for peer")

	return pq
}

// enqueue places a serialized packet on the appropriate queue. Video packets
// are dropped when the low queue is full; high-priority packets evict the
// oldest queued entry instead, because audio freshness beats completeness.
func (pq *peerQueue) enqueue(data []byte, pt PacketType) {
	if pt.IsVideo() {
		select {
		case pq.low <- data:
		default:
			pq.dropped.Add(1)
		}
		return
	}

	for {
		select {
		case pq.high <- data:
			return
		default:
		}
		select {
		case <-pq.high:
			pq.dropped.Add(1)
		default:
		}
	}
}

// drain transmits queued packets, exhausting the high queue before touching
// the low queue. UDP writes are non-blocking in practice; errors are counted
// and the packet abandoned.
func (pq *peerQueue) drain(ctx context.Context, conn net.PacketConn) {
	for {
		// Fast path: take high-priority traffic while any exists.
		select {
		case data := <-pq.high:
			pq.write(conn, data)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case data := <-pq.high:
			pq.write(conn, data)
		case data := <-pq.low:
			// Re-check high: an audio packet enqueued while we were
			// blocked must still go first next round, but this video
			// packet was only taken because high was empty.
			pq.write(conn, data)
		}
	}
}

func (pq *peerQueue) write(conn net.PacketConn, data []byte) {
	if _, err := conn.WriteTo(data, pq.addr); err != nil {
		n := pq.sendErrors.Add(1)
		if n == 1 || n%100 == 0 {
			logrus.WithFields(logrus.Fields{
				"function": "peerQueue.write",
				"peer":     pq.addr.String(),
				"errors":   n,
				"error":    err.Error(),
			}).Warn("UDP send failed")
		}
	}
}
