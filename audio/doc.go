// Package audio implements the audio half of the media core: device capture
// and playback behind narrow CaptureDevice/PlaybackDevice interfaces (with a PortAudio
// backend), the live Opus-facing encode path, per-participant receive streams
// with an adaptive jitter buffer and packet loss concealment, and the N-way
// playback mixer with sync-tone injection.
//
// The pipeline:
//
//	capture callback → audio_live ring → framer (240 samples) → Encoder → Transport
//	                 → audio_rec ring  → recorder (AAC, never drops)
//	Transport → Decoder → JitterBuffer → Mixer → playback callback
//
// All audio is f32 mono at 48 kHz in 5 ms frames. The capture and playback
// callbacks run on the audio backend's own threads (this package sets no
// thread priority or scheduling policy) and communicate only through SPSC
// rings.
package audio
