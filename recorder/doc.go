// Package recorder implements the local recording branch: AAC and hardware
// H.264 encoding behind narrow interfaces, constant-frame-rate enforcement,
// and the crash-safe fragmented MP4 container.
//
// The recording file is written as ftyp + moov (two tracks: H.264 video,
// AAC-LC audio) followed by one moof + mdat pair per second. Every fragment
// is flushed to disk, so a crash loses at most the current second. On clean
// stop a conventional moov with full sample tables is appended so the file
// plays in non-fMP4-aware tools; if finalization fails the file is left as
// valid fMP4 and the failure is recorded in the session metadata.
//
// Samples on this branch are never dropped. The only allowed drop point is
// the CFR burst regulator, whose counter must stay zero in practice and is
// logged critically if it does not.
package recorder
