// Package timesync implements the NTP-style clock offset exchange between
// each guest and the host, and the translation of host-clock instants (the
// sync tone schedule) into local session-clock instants.
//
// Each round trip yields one sample: offset ((t1−t0)+(t2−t3))/2 and round
// trip (t3−t0)−(t2−t1), with t0/t3 on the guest clock and t1/t2 on the host
// clock. The reported offset is the median of eight samples; the RTT
// estimate is the minimum.
package timesync

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/protocol"
)

// SampleCount is the number of round trips in one exchange.
const SampleCount = 8

// PingInterval spaces the round trips out.
const PingInterval = 50 * time.Millisecond

type sample struct {
	offsetMs int64
	rttMs    int64
}

// Exchange accumulates one guest's sync samples against the host.
type Exchange struct {
	mu      sync.Mutex
	samples []sample
}

// NewExchange creates an empty exchange.
func NewExchange() *Exchange {
	return &Exchange{}
}

// AddRoundTrip folds in one completed round trip. t0 and t3 are guest
// session-clock milliseconds; t1 and t2 are host session-clock milliseconds.
func (e *Exchange) AddRoundTrip(t0, t1, t2, t3 uint64) {
	offset := (int64(t1) - int64(t0) + int64(t2) - int64(t3)) / 2
	rtt := (int64(t3) - int64(t0)) - (int64(t2) - int64(t1))

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) >= SampleCount {
		return
	}
	e.samples = append(e.samples, sample{offsetMs: offset, rttMs: rtt})

	logrus.WithFields(logrus.Fields{
		"function":  "Exchange.AddRoundTrip",
		"sample":    len(e.samples),
		"offset_ms": offset,
		"rtt_ms":    rtt,
	}).Debug("Sync sample recorded")
}

// Complete reports whether all samples have arrived.
func (e *Exchange) Complete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples) >= SampleCount
}

// OffsetMs returns the median offset across the recorded samples: the
// host-clock value minus the local clock value.
func (e *Exchange) OffsetMs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) == 0 {
		return 0
	}
	offsets := make([]int64, len(e.samples))
	for i, s := range e.samples {
		offsets[i] = s.offsetMs
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	mid := len(offsets) / 2
	if len(offsets)%2 == 0 {
		return (offsets[mid-1] + offsets[mid]) / 2
	}
	return offsets[mid]
}

// RTTMs returns the minimum round trip across the recorded samples.
func (e *Exchange) RTTMs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) == 0 {
		return 0
	}
	min := e.samples[0].rttMs
	for _, s := range e.samples[1:] {
		if s.rttMs < min {
			min = s.rttMs
		}
	}
	return min
}

// Clock is the minimal session-clock surface the engine needs.
type Clock interface {
	NowMs64() uint64
}

// Engine holds the local sync state: the guest-side exchange result and, on
// the host, the offsets reported back by each guest for the metadata.
type Engine struct {
	mu  sync.Mutex
	clk Clock

	exchange *Exchange
	offsetMs int64
	rttMs    int64
	synced   bool

	peerOffsets map[uint8]int64
	peerRTTs    map[uint8]int64
}

// NewEngine creates an engine over the session clock. The host's own offset
// is zero by definition.
func NewEngine(clk Clock) *Engine {
	return &Engine{
		clk:         clk,
		exchange:    NewExchange(),
		peerOffsets: make(map[uint8]int64),
		peerRTTs:    make(map[uint8]int64),
	}
}

// MakePing builds the next SyncPing stamped with the local send instant.
func (e *Engine) MakePing() protocol.SyncPing {
	return protocol.SyncPing{T0: e.clk.NowMs64()}
}

// MakePong builds the host's reply: the guest's t0, the host receive instant
// t1, and the host send instant t2. t1 is captured by the caller at packet
// arrival; t2 here at build time.
func (e *Engine) MakePong(ping protocol.SyncPing, t1 uint64) protocol.SyncPong {
	return protocol.SyncPong{T0: ping.T0, T1: t1, T2: e.clk.NowMs64()}
}

// HandlePong folds a host reply into the exchange. Returns true when the
// exchange just completed; the caller then publishes a SyncReport.
func (e *Engine) HandlePong(pong protocol.SyncPong) bool {
	t3 := e.clk.NowMs64()
	e.exchange.AddRoundTrip(pong.T0, pong.T1, pong.T2, t3)

	if !e.exchange.Complete() {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.synced {
		return false
	}
	e.synced = true
	e.offsetMs = e.exchange.OffsetMs()
	e.rttMs = e.exchange.RTTMs()

	logrus.WithFields(logrus.Fields{
		"function":  "Engine.HandlePong",
		"offset_ms": e.offsetMs,
		"rtt_ms":    e.rttMs,
	}).Info("Clock sync exchange complete")
	return true
}

// Synced reports whether the exchange has completed.
func (e *Engine) Synced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// OffsetMs returns the measured offset (host minus local), zero on the host.
func (e *Engine) OffsetMs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offsetMs
}

// RTTMs returns the minimum measured round trip.
func (e *Engine) RTTMs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rttMs
}

// RecordPeerOffset stores a guest's SyncReport on the host, keyed by
// participant, for session metadata and the timecode file.
func (e *Engine) RecordPeerOffset(participantID uint8, offsetMs int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerOffsets[participantID] = int64(offsetMs)

	logrus.WithFields(logrus.Fields{
		"function":    "Engine.RecordPeerOffset",
		"participant": participantID,
		"offset_ms":   offsetMs,
	}).Info("Peer clock offset reported")
}

// PeerOffsets returns a copy of the reported per-guest offsets.
func (e *Engine) PeerOffsets() map[uint8]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint8]int64, len(e.peerOffsets))
	for id, off := range e.peerOffsets {
		out[id] = off
	}
	return out
}

// TranslateHostMs converts a host-clock instant to the local session clock
// using the measured offset. On the host this is the identity.
func (e *Engine) TranslateHostMs(hostMs uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	local := int64(hostMs) - e.offsetMs
	if local < 0 {
		local = 0
	}
	return uint64(local)
}
