package audio

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// FrameSource produces one 240-sample frame per playback slot. Receive
// streams implement this over their jitter buffer and decoder.
type FrameSource interface {
	NextFrame() []float32
}

const (
	// ToneHz is the sync tone frequency.
	ToneHz = 1000
	// ToneDurationMs is the sync tone length.
	ToneDurationMs = 200
	// toneAmplitude keeps the tone clearly audible without saturating a mix
	// that also carries speech.
	toneAmplitude = 0.5
)

// Tone is the scheduled 1 kHz sync tone. It renders sample-accurately from
// its local session-clock start instant and is added both to the playback mix
// and to the recording stream in the same frame (direct-mix authoring).
type Tone struct {
	startMs uint64
}

// NewSyncTone schedules a tone at the given local session-clock instant.
func NewSyncTone(startMs uint64) *Tone {
	logrus.WithFields(logrus.Fields{
		"function": "NewSyncTone",
		"start_ms": startMs,
		"freq_hz":  ToneHz,
		"dur_ms":   ToneDurationMs,
	}).Info("Sync tone scheduled")
	return &Tone{startMs: startMs}
}

// AddTo mixes the tone's contribution for the frame starting at nowMs into
// dst. Returns true while the tone still has samples at or after nowMs.
func (t *Tone) AddTo(dst []float32, nowMs uint64) bool {
	endMs := t.startMs + ToneDurationMs
	if nowMs >= endMs {
		return false
	}

	frameStartSample := int64(nowMs) * SampleRate / 1000
	toneStartSample := int64(t.startMs) * SampleRate / 1000
	toneEndSample := int64(endMs) * SampleRate / 1000

	for i := range dst {
		abs := frameStartSample + int64(i)
		if abs < toneStartSample || abs >= toneEndSample {
			continue
		}
		phase := float64(abs-toneStartSample) * 2 * math.Pi * ToneHz / SampleRate
		dst[i] += toneAmplitude * float32(math.Sin(phase))
	}
	return true
}

// Mixer sums decoded PCM from every connected participant's receive stream,
// clamps to [-1, 1], and injects the local sync tone when one is scheduled.
// The playback callback pulls mixed frames through a ring; the mixer itself
// never blocks.
type Mixer struct {
	mu      sync.Mutex
	sources map[uint8]FrameSource
	tone    *Tone
}

// NewMixer creates an empty mixer.
func NewMixer() *Mixer {
	return &Mixer{sources: make(map[uint8]FrameSource)}
}

// AddSource registers a participant's frame source.
func (m *Mixer) AddSource(participantID uint8, src FrameSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[participantID] = src

	logrus.WithFields(logrus.Fields{
		"function":    "Mixer.AddSource",
		"participant": participantID,
		"sources":     len(m.sources),
	}).Info("Mixer source added")
}

// RemoveSource drops a participant's frame source, e.g. on disconnect.
func (m *Mixer) RemoveSource(participantID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, participantID)
}

// ScheduleTone arms the sync tone. A previously armed tone is replaced.
func (m *Mixer) ScheduleTone(tone *Tone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tone = tone
}

// MixFrame produces the next 240-sample playback frame for the slot starting
// at nowMs (local session clock).
func (m *Mixer) MixFrame(nowMs uint64) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	mixed := make([]float32, FrameSamples)
	for _, src := range m.sources {
		frame := src.NextFrame()
		if frame == nil {
			continue
		}
		for i := 0; i < FrameSamples && i < len(frame); i++ {
			mixed[i] += frame[i]
		}
	}

	if m.tone != nil {
		if active := m.tone.AddTo(mixed, nowMs); !active {
			m.tone = nil
		}
	}

	for i, s := range mixed {
		if s > 1.0 {
			mixed[i] = 1.0
		} else if s < -1.0 {
			mixed[i] = -1.0
		}
	}
	return mixed
}
