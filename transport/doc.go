// Package transport implements the UDP media transport: the 12-byte wire
// header, packet serialization, per-type sequence issuance, and the single
// process-wide UDP socket with its receive dispatch and prioritized per-peer
// send queues.
//
// The transport owns the socket exclusively. Receive parses the header and
// dispatches by packet type to registered handlers; send runs two queues per
// peer — high (Audio, Control, Bye) and low (Video) — and drains high first
// on every send opportunity. The "audio before video" ordering guarantee is
// enforced at this seam and nowhere else.
//
// MTU discipline: no emitted packet exceeds 1212 bytes (12-byte header plus
// 1200-byte payload).
package transport
