// Package video implements the video half of the media core: camera capture
// behind a narrow Source interface, the live VP8-facing encode path with
// downscaling and MTU fragmentation, per-participant reassembly with
// keyframe NACK and retransmission, and the congestion-driven parameter
// surface (bitrate, frame rate, resolution, video stop).
//
// The pipeline:
//
//	camera → video_live ring → downscale 854×480 → Encoder → fragment ≤1200B → Transport (low priority)
//	       → video_rec ring  → recorder (HW H.264, never drops)
//	Transport → reassemble → Decoder → display frames
//
// Delta frames are never retransmitted; a missed delta is concealed until
// the next keyframe. An incomplete keyframe is NACKed once, naming its first
// missing fragment, and served from a two-deep keyframe cache shared by all
// peers, with a forced fresh keyframe when the cache has moved on.
package video
