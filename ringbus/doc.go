// Package ringbus provides the fixed-capacity single-producer/single-consumer
// lock-free rings that fan captured media out to the live and recording
// pipelines.
//
// Each capture source owns two independent rings rather than one shared
// multi-consumer queue: audio_live and audio_rec for the microphone,
// video_live and video_rec for the camera. The two-ring fan-out trades memory
// for clearer drop semantics — only the live ring is permitted to drop.
//
// Push never blocks. On a full live ring the producer overwrites the oldest
// entry; on a full recording ring the push is refused and the incident is
// counted and logged critically, because recording rings are sized so that
// this must not happen under normal load.
//
// Rings are safe for exactly one producer goroutine and one consumer
// goroutine. All cross-thread communication is through atomic indices; no
// locks are taken on either side, so real-time producers can never be blocked
// by a normal-priority consumer.
package ringbus
