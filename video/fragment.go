package video

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperzoom/clock"
	"github.com/opd-ai/hyperzoom/transport"
)

const (
	// MaxFragmentSize is the payload MTU applied to encoded frames.
	MaxFragmentSize = transport.MaxPayloadSize
	// MaxFragments bounds fragment_total to its 8-bit wire field.
	MaxFragments = 255

	// pendingExpiry drops incomplete reassembly sets.
	pendingExpiry = 500 * time.Millisecond
	// nackDedup suppresses repeat NACKs per (participant, sequence).
	nackDedup = 500 * time.Millisecond
	// nackMinWait is the floor on the one-RTT wait before NACKing.
	nackMinWait = 50 * time.Millisecond
)

// FragmentPayload splits an encoded frame into MTU-sized fragments. Fragment
// 0 holds the leading bytes and is emitted first. Frames needing more than
// 255 fragments cannot be represented and are truncated to the representable
// prefix; at 480p bitrates this is unreachable.
func FragmentPayload(data []byte) [][]byte {
	if len(data) <= MaxFragmentSize {
		return [][]byte{data}
	}
	total := (len(data) + MaxFragmentSize - 1) / MaxFragmentSize
	if total > MaxFragments {
		logrus.WithFields(logrus.Fields{
			"function": "FragmentPayload",
			"size":     len(data),
			"total":    total,
		}).Error("Frame exceeds 255 fragments, truncating")
		total = MaxFragments
	}
	fragments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxFragmentSize
		end := start + MaxFragmentSize
		if end > len(data) {
			end = len(data)
		}
		fragments = append(fragments, data[start:end])
	}
	return fragments
}

type pendingFrame struct {
	fragments map[uint8][]byte
	total     uint8
	keyframe  bool
	created   time.Time
	tsMs      uint32
	nackedAt  time.Time
}

// CompleteFrame is a fully reassembled encoded frame.
type CompleteFrame struct {
	Sequence  uint16
	SessionMs uint32
	Keyframe  bool
	Data      []byte
}

// NackRequest identifies a missing keyframe fragment to request from the
// sender.
type NackRequest struct {
	Sequence   uint16
	FragmentID uint8
}

// Assembler reassembles one participant's fragmented video frames and
// decides when a keyframe NACK is due. Delta frames are never NACKed.
type Assembler struct {
	participantID uint8
	provider      clock.TimeProvider
	pending       map[uint16]*pendingFrame
	lastNack      map[uint16]time.Time
}

// NewAssembler creates a reassembly buffer for one participant.
func NewAssembler(participantID uint8, provider clock.TimeProvider) *Assembler {
	if provider == nil {
		provider = clock.RealTimeProvider{}
	}
	return &Assembler{
		participantID: participantID,
		provider:      provider,
		pending:       make(map[uint16]*pendingFrame),
		lastNack:      make(map[uint16]time.Time),
	}
}

// Push adds one fragment. Returns the complete frame once all fragments of
// its sequence have arrived, nil otherwise. Duplicate fragments are ignored.
func (a *Assembler) Push(hdr transport.Header, payload []byte) *CompleteFrame {
	if hdr.FragmentTotal == 1 {
		return &CompleteFrame{
			Sequence:  hdr.Sequence,
			SessionMs: hdr.TimestampMs,
			Keyframe:  hdr.Type == transport.PacketVideoKeyframe,
			Data:      payload,
		}
	}

	pf, ok := a.pending[hdr.Sequence]
	if !ok {
		pf = &pendingFrame{
			fragments: make(map[uint8][]byte),
			total:     hdr.FragmentTotal,
			keyframe:  hdr.Type == transport.PacketVideoKeyframe,
			created:   a.provider.Now(),
			tsMs:      hdr.TimestampMs,
		}
		a.pending[hdr.Sequence] = pf
	}
	if _, dup := pf.fragments[hdr.FragmentID]; dup {
		return nil
	}
	pf.fragments[hdr.FragmentID] = payload

	if len(pf.fragments) < int(pf.total) {
		return nil
	}

	delete(a.pending, hdr.Sequence)
	data := make([]byte, 0, int(pf.total)*MaxFragmentSize)
	for i := uint8(0); i < pf.total; i++ {
		data = append(data, pf.fragments[i]...)
	}
	return &CompleteFrame{
		Sequence:  hdr.Sequence,
		SessionMs: pf.tsMs,
		Keyframe:  pf.keyframe,
		Data:      data,
	}
}

// ExpiredFrame describes a reassembly set dropped by Expire.
type ExpiredFrame struct {
	Sequence uint16
	Keyframe bool
}

// Expire drops incomplete sets older than 500 ms and forgets old NACK
// dedup entries. Returns the dropped sets so the caller can instruct the
// decoder to conceal lost deltas.
func (a *Assembler) Expire() []ExpiredFrame {
	now := a.provider.Now()
	var dropped []ExpiredFrame
	for seq, pf := range a.pending {
		if now.Sub(pf.created) >= pendingExpiry {
			delete(a.pending, seq)
			dropped = append(dropped, ExpiredFrame{Sequence: seq, Keyframe: pf.keyframe})
			logrus.WithFields(logrus.Fields{
				"function":    "Assembler.Expire",
				"participant": a.participantID,
				"sequence":    seq,
				"keyframe":    pf.keyframe,
				"have":        len(pf.fragments),
				"total":       pf.total,
			}).Debug("Dropped stale fragment set")
		}
	}
	for seq, at := range a.lastNack {
		if now.Sub(at) >= 2*nackDedup {
			delete(a.lastNack, seq)
		}
	}
	return dropped
}

// NacksDue returns the keyframe NACKs to emit now: one per incomplete
// keyframe whose oldest fragment has waited longer than one RTT (minimum
// 50 ms), deduplicated per sequence for 500 ms.
func (a *Assembler) NacksDue(rtt time.Duration) []NackRequest {
	wait := rtt
	if wait < nackMinWait {
		wait = nackMinWait
	}
	now := a.provider.Now()

	var due []NackRequest
	for seq, pf := range a.pending {
		if !pf.keyframe {
			continue
		}
		if now.Sub(pf.created) < wait {
			continue
		}
		if last, ok := a.lastNack[seq]; ok && now.Sub(last) < nackDedup {
			continue
		}
		// Request the first missing fragment; the sender retransmits every
		// gap it still has.
		var missing uint8
		for i := uint8(0); i < pf.total; i++ {
			if _, ok := pf.fragments[i]; !ok {
				missing = i
				break
			}
		}
		a.lastNack[seq] = now
		pf.nackedAt = now
		due = append(due, NackRequest{Sequence: seq, FragmentID: missing})
	}
	return due
}

// cachedKeyframe is one sender-side retransmission source.
type cachedKeyframe struct {
	sequence  uint16
	tsMs      uint32
	fragments [][]byte
}

// KeyframeCache keeps the last two emitted keyframes for NACK service. A
// NACK for an evicted keyframe forces a fresh one instead of a history
// search.
type KeyframeCache struct {
	entries []cachedKeyframe
}

// NewKeyframeCache creates an empty cache.
func NewKeyframeCache() *KeyframeCache {
	return &KeyframeCache{}
}

// Store records a keyframe's fragments, evicting beyond the last two.
func (c *KeyframeCache) Store(sequence uint16, tsMs uint32, fragments [][]byte) {
	c.entries = append(c.entries, cachedKeyframe{sequence: sequence, tsMs: tsMs, fragments: fragments})
	if len(c.entries) > 2 {
		c.entries = c.entries[len(c.entries)-2:]
	}
}

// Lookup returns the cached fragments for a sequence, if still held.
func (c *KeyframeCache) Lookup(sequence uint16) ([][]byte, uint32, bool) {
	for _, e := range c.entries {
		if e.sequence == sequence {
			return e.fragments, e.tsMs, true
		}
	}
	return nil, 0, false
}
