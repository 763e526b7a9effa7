package hyperzoom

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hyperzoom/audio"
	"github.com/opd-ai/hyperzoom/config"
	"github.com/opd-ai/hyperzoom/recorder"
	"github.com/opd-ai/hyperzoom/session"
)

func testNode(t *testing.T) *Node {
	t.Helper()
	cfg := &config.Config{
		BindPort:      0,
		DisplayName:   "node-" + t.Name(),
		RecordingRoot: t.TempDir(),
	}
	n, err := NewNode(Options{Config: cfg})
	require.NoError(t, err)
	return n
}

func TestTwoPartyCallLocalhost(t *testing.T) {
	host := testNode(t)
	guest := testNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, host.Host(ctx))
	require.NoError(t, guest.Join(ctx, host.LocalAddr().String()))

	// Both sides see each other.
	require.Len(t, host.Session().Participants(), 1)
	require.Len(t, guest.Session().Participants(), 1)

	// Guest speaks: synthetic capture batches flow mic → rings → encode →
	// UDP → host jitter buffer.
	frame := make([]float32, audio.FrameSamples)
	for i := range frame {
		frame[i] = 0.25
	}
	for i := 0; i < 100; i++ {
		guest.audioFanout.OnCapture(frame)
		time.Sleep(time.Millisecond)
	}

	guestID := guest.Session().LocalID()
	require.Eventually(t, func() bool {
		host.streamsMu.Lock()
		defer host.streamsMu.Unlock()
		_, ok := host.audioStreams[guestID]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// Disconnect: guest sends BYE; host marks it Disconnected within 200ms.
	require.NoError(t, guest.End())
	require.Eventually(t, func() bool {
		peers := host.Session().Participants()
		return len(peers) == 1 && peers[0].State == session.StateDisconnected
	}, 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, host.End())
}

func TestNodeRecordingArtifacts(t *testing.T) {
	n := testNode(t)
	root := n.cfg.RecordingRoot

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.Host(ctx))

	// Half a second of captured audio reaches the recording branch.
	frame := make([]float32, audio.FrameSamples)
	for i := 0; i < 100; i++ {
		n.audioFanout.OnCapture(frame)
	}

	require.Eventually(t, func() bool {
		return n.audioRec.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, n.End())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	dir := filepath.Join(root, entries[0].Name())

	// The three session artifacts exist.
	_, err = os.Stat(filepath.Join(dir, recorder.RecordingFilename))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, recorder.TimecodesFilename))
	assert.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, recorder.MetadataFilename))
	require.NoError(t, err)

	var meta recorder.SessionMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.True(t, meta.Recording.Finalized)
	assert.Equal(t, uint64(0), meta.Recording.FramesDropped)
	assert.Equal(t, "direct-mix", meta.Sync.ToneAuthoring)
}

func TestNodeEndIsIdempotent(t *testing.T) {
	n := testNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.Host(ctx))

	require.NoError(t, n.End())
	require.NoError(t, n.End())
}

func TestNodeCameraToggleGatesLiveOnly(t *testing.T) {
	n := testNode(t)
	defer n.End()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.Host(ctx))

	n.SetCameraEnabled(false)
	assert.False(t, n.videoFanout.LiveEnabled())
	n.SetCameraEnabled(true)
	assert.True(t, n.videoFanout.LiveEnabled())
}
