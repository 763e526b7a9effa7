package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEndpointExposesCounters(t *testing.T) {
	m := New()
	m.IncFramesCaptured()
	m.IncFramesCaptured()
	m.IncFramesDropped()
	m.IncPacketsSent("audio")
	m.IncPacketsReceived("video-keyframe")
	m.IncNacksSent()
	m.AddRetransmissions(3)
	m.SetCongestionLevel("127.0.0.1:40002", 2)
	m.SetJitterDepth("1", 15)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "hyperzoom_recording_frames_captured_total 2")
	assert.Contains(t, text, "hyperzoom_recording_frames_dropped_total 1")
	assert.Contains(t, text, `hyperzoom_packets_sent_total{type="audio"} 1`)
	assert.Contains(t, text, "hyperzoom_keyframe_retransmissions_total 3")
	assert.Contains(t, text, `hyperzoom_congestion_level{peer="127.0.0.1:40002"} 2`)
	assert.Contains(t, text, `hyperzoom_jitter_depth_ms{participant="1"} 15`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncFramesCaptured()
	m.IncFramesDropped()
	m.IncFramesSynthesized()
	m.IncPacketsSent("audio")
	m.IncPacketsReceived("audio")
	m.IncNacksSent()
	m.IncNacksReceived()
	m.AddRetransmissions(1)
	m.SetCongestionLevel("x", 1)
	m.SetJitterDepth("1", 5)
	m.Serve("")
}
