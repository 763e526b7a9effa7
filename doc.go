// Package hyperzoom is a peer-to-peer, full-mesh audio/video conferencing
// core whose primary deliverable is a per-participant, locally recorded,
// broadcast-quality master file.
//
// The Node wires the concurrent media pipeline: capture fans out through
// lock-free SPSC rings into a latency-critical live path (Opus/VP8 over a
// custom UDP protocol with adaptive jitter buffering, selective keyframe
// retransmission, and a per-peer congestion ladder) and a quality-critical
// local path (AAC and hardware H.264 into a crash-safe fragmented MP4).
//
// Basic usage:
//
//	node, err := hyperzoom.NewNode(hyperzoom.Options{Config: cfg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Host(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	...
//	node.End()
package hyperzoom
