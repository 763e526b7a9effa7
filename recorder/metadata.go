package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MetadataFilename and TimecodesFilename are the session directory sidecars.
const (
	MetadataFilename  = "session_metadata.json"
	TimecodesFilename = "sync_timecodes.txt"
)

// ParticipantInfo describes one participant in the metadata.
type ParticipantInfo struct {
	ID            uint8  `json:"id"`
	Name          string `json:"name"`
	ClockOffsetMs int64  `json:"clock_offset_ms"`
}

// RecordingInfo describes the local recording output.
type RecordingInfo struct {
	File              string `json:"file"`
	VideoCodec        string `json:"video_codec"`
	AudioCodec        string `json:"audio_codec"`
	SampleRate        uint32 `json:"sample_rate"`
	Channels          uint32 `json:"channels"`
	AudioBitrateKbps  uint32 `json:"audio_bitrate_kbps"`
	VideoBitrateKbps  uint32 `json:"video_bitrate_kbps"`
	FramesCaptured    uint64 `json:"frames_captured"`
	FramesDropped     uint64 `json:"frames_dropped"`
	FramesSynthesized uint64 `json:"frames_synthesized"`
	Finalized         bool   `json:"finalized"`
}

// SyncInfo records how alignment marks were authored, because downstream
// editors treat acoustic and direct-mix tones differently.
type SyncInfo struct {
	Method        string `json:"method"`
	ToneAuthoring string `json:"tone_authoring"`
}

// SessionMetadata is the session_metadata.json schema.
type SessionMetadata struct {
	SessionID       string            `json:"session_id"`
	RecordingID     string            `json:"recording_id"`
	StartTime       string            `json:"start_time"`
	EndTime         string            `json:"end_time"`
	DurationSeconds float64           `json:"duration_seconds"`
	Participants    []ParticipantInfo `json:"participants"`
	Recording       RecordingInfo     `json:"recording"`
	Sync            SyncInfo          `json:"sync"`
}

// NewSessionMetadata seeds the metadata with the fixed codec facts and a
// fresh recording UUID.
func NewSessionMetadata(sessionID uint64, startUTC time.Time) *SessionMetadata {
	return &SessionMetadata{
		SessionID:   fmt.Sprintf("%016X", sessionID),
		RecordingID: uuid.NewString(),
		StartTime:   startUTC.Format(time.RFC3339),
		Recording: RecordingInfo{
			File:             RecordingFilename,
			VideoCodec:       "h264",
			AudioCodec:       "aac-lc",
			SampleRate:       AudioTimescale,
			Channels:         1,
			AudioBitrateKbps: audioBitrate / 1000,
			VideoBitrateKbps: 18000,
		},
		Sync: SyncInfo{
			Method:        "ntp-median-8",
			ToneAuthoring: "direct-mix",
		},
	}
}

// CreateSessionDir creates <root>/<YYYY-MM-DD_HH-MM-SS>/ and returns it.
// root defaults to <home>/HyperZoom/recordings when empty.
func CreateSessionDir(root, dirName string) (string, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, "HyperZoom", "recordings")
	}
	dir := filepath.Join(root, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateSessionDir",
		"dir":      dir,
	}).Info("Session directory created")
	return dir, nil
}

// Write writes session_metadata.json into the session directory.
func (m *SessionMetadata) Write(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	path := filepath.Join(dir, MetadataFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SessionMetadata.Write",
		"path":     path,
	}).Info("Session metadata written")
	return nil
}

// WriteTimecodes writes the human-readable sync_timecodes.txt: one line per
// participant with the measured offset and round trip.
func WriteTimecodes(dir string, participants []ParticipantInfo, rtts map[uint8]int64) error {
	out := "# participant_id  name  clock_offset_ms  rtt_ms\n"
	for _, p := range participants {
		rtt := int64(0)
		if r, ok := rtts[p.ID]; ok {
			rtt = r
		}
		out += fmt.Sprintf("%d  %s  %+d  %d\n", p.ID, p.Name, p.ClockOffsetMs, rtt)
	}
	path := filepath.Join(dir, TimecodesFilename)
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write timecodes: %w", err)
	}
	return nil
}
