package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/stream"
	"github.com/teslashibe/go-voicestream/pkg/transcript"
	"github.com/teslashibe/go-voicestream/pkg/transport"
)

func fixedStats() stream.Stats {
	return stream.Stats{
		Session: transport.Stats{
			State:          transport.StateStreaming,
			FramesSent:     12,
			BytesSent:      12 * 4096,
			FramesReceived: 7,
		},
		Input:          audioio.QueueStats{Capacity: 50, Len: 3, Dropped: 10},
		Output:         audioio.QueueStats{Capacity: 50, Len: 1},
		CaptureBlocks:  12,
		PlaybackBlocks: 30,
		SilentBlocks:   20,
	}
}

func TestPipelineCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	New(reg, fixedStats)

	expected := `
# HELP voicestream_audio_frames_sent_total Audio envelopes sent to the endpoint
# TYPE voicestream_audio_frames_sent_total counter
voicestream_audio_frames_sent_total 12
# HELP voicestream_queue_dropped_total Chunks evicted by drop-oldest overflow
# TYPE voicestream_queue_dropped_total counter
voicestream_queue_dropped_total{queue="input"} 10
voicestream_queue_dropped_total{queue="output"} 0
# HELP voicestream_session_state 1 for the current session state
# TYPE voicestream_session_state gauge
voicestream_session_state{state="awaiting_ready"} 0
voicestream_session_state{state="closed"} 0
voicestream_session_state{state="connecting"} 0
voicestream_session_state{state="draining"} 0
voicestream_session_state{state="streaming"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"voicestream_audio_frames_sent_total",
		"voicestream_queue_dropped_total",
		"voicestream_session_state",
	)
	if err != nil {
		t.Errorf("Unexpected metrics: %v", err)
	}
}

func TestMetrics_Transcripts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil)

	var sink transcript.Sink = m
	sink.Deliver(transcript.Event{Speaker: "bot", Text: "Hello!"})
	sink.Deliver(transcript.Event{Speaker: "bot", Text: "again"})
	sink.Deliver(transcript.Event{Speaker: "human", Text: "hi"})

	if got := testutil.ToFloat64(m.Transcripts.WithLabelValues("bot")); got != 2 {
		t.Errorf("Expected 2 bot lines, got %v", got)
	}
	if got := testutil.ToFloat64(m.Transcripts.WithLabelValues("human")); got != 1 {
		t.Errorf("Expected 1 human line, got %v", got)
	}
}

func TestMetrics_StateChanges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil)

	m.ObserveState(transport.StateConnecting, transport.StateAwaitingReady)
	m.ObserveState(transport.StateAwaitingReady, transport.StateStreaming)

	if got := testutil.ToFloat64(m.StateChanges.WithLabelValues("streaming")); got != 1 {
		t.Errorf("Expected 1 transition to streaming, got %v", got)
	}
}

func TestMetrics_HTTPRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil)

	m.RecordHTTPRequest("GET", "/api/status", "200", 0.01)
	m.RecordHTTPRequest("GET", "/api/status", "200", 0.02)

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/status", "200")); got != 2 {
		t.Errorf("Expected 2 requests, got %v", got)
	}
	if n := testutil.CollectAndCount(m.HTTPRequestDuration); n != 1 {
		t.Errorf("Expected 1 duration series, got %d", n)
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	// Two instances must not collide on the global registry.
	New(prometheus.NewRegistry(), fixedStats)
	New(prometheus.NewRegistry(), fixedStats)
}
