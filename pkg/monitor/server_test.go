package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/hub"
	"github.com/teslashibe/go-voicestream/pkg/stream"
	"github.com/teslashibe/go-voicestream/pkg/transcript"
	"github.com/teslashibe/go-voicestream/pkg/transport"
)

func testStats() stream.Stats {
	return stream.Stats{
		Session: transport.Stats{State: transport.StateStreaming, FramesSent: 5},
		Input:   audioio.QueueStats{Capacity: 50, Len: 2},
		Backend: "mock",
	}
}

func newTestServer(opts ...Option) *Server {
	reg := prometheus.NewRegistry()
	return New(testStats, reg, reg, opts...)
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer()

	resp, err := s.App().Test(httptest.NewRequest("GET", "/api/status", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Stream struct {
			Session struct {
				State      string `json:"state"`
				FramesSent uint64 `json:"frames_sent"`
			} `json:"session"`
			Backend string `json:"backend"`
		} `json:"stream"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Stream.Session.State != "streaming" || body.Stream.Session.FramesSent != 5 {
		t.Errorf("Unexpected status %+v", body)
	}
	if body.Stream.Backend != "mock" {
		t.Errorf("Expected backend mock, got %q", body.Stream.Backend)
	}
}

func TestHandleTranscript_KeepsRecent(t *testing.T) {
	s := newTestServer()

	for i := 0; i < maxTranscript+5; i++ {
		s.Deliver(transcript.Event{Speaker: "bot", Text: string(rune('a' + i%26))})
	}

	resp, err := s.App().Test(httptest.NewRequest("GET", "/api/transcript", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var lines []transcript.Event
	if err := json.NewDecoder(resp.Body).Decode(&lines); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(lines) != maxTranscript {
		t.Fatalf("Expected %d lines, got %d", maxTranscript, len(lines))
	}
	// Line 5 of the delivered sequence is the oldest kept.
	if lines[0].Text != "f" {
		t.Errorf("Expected oldest kept line %q, got %q", "f", lines[0].Text)
	}
}

func TestHandleDevices(t *testing.T) {
	listed := WithDevices(audioio.NewMockDevice(nil).Enumerate)
	failing := WithDevices(func() ([]audioio.DeviceInfo, error) {
		return nil, errors.New("no audio subsystem")
	})

	tests := []struct {
		name       string
		opts       []Option
		wantStatus int
	}{
		{name: "not configured", wantStatus: 404},
		{name: "listed", opts: []Option{listed}, wantStatus: 200},
		{name: "enumerate fails", opts: []Option{failing}, wantStatus: 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.opts...)
			resp, err := s.App().Test(httptest.NewRequest("GET", "/api/devices", nil))
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer()
	s.Deliver(transcript.Event{Speaker: "bot", Text: "Hello!"})
	s.ObserveState(transport.StateAwaitingReady, transport.StateStreaming)

	// One request first so the HTTP counter has a sample.
	s.App().Test(httptest.NewRequest("GET", "/api/status", nil))

	resp, err := s.App().Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"voicestream_audio_frames_sent_total 5",
		`voicestream_transcripts_total{speaker="bot"} 1`,
		`voicestream_session_state_changes_total{state="streaming"} 1`,
		`voicestream_http_requests_total{method="GET",route="/api/status",status_code="200"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected metrics to contain %q", want)
		}
	}
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	s := newTestServer()
	resp, err := s.App().Test(httptest.NewRequest("GET", "/ws/transcript", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 426 {
		t.Errorf("Expected 426, got %d", resp.StatusCode)
	}
}

func TestTranscriptWebsocket(t *testing.T) {
	s := newTestServer()
	s.Deliver(transcript.Event{Speaker: "bot", Text: "Hello!"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/transcript", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() transcript.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env hub.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Kind != "transcript" {
			t.Fatalf("Expected transcript envelope, got %q", env.Kind)
		}
		var e transcript.Event
		if err := json.Unmarshal(env.Data, &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return e
	}

	if e := read(); e.String() != "[bot]: Hello!" {
		t.Errorf("Expected backlog line, got %q", e.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.transcriptHub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Deliver(transcript.Event{Speaker: "human", Text: "hi"})

	if e := read(); e.String() != "[human]: hi" {
		t.Errorf("Expected live line, got %q", e.String())
	}
}

func TestStatusWebsocket(t *testing.T) {
	var logs strings.Builder
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	s := newTestServer(WithLogger(logger))
	s.ObserveState(transport.StateConnecting, transport.StateAwaitingReady)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/status", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() StateChange {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env hub.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Kind != "state" {
			t.Fatalf("Expected state envelope, got %q", env.Kind)
		}
		var raw struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		var sc StateChange
		for _, st := range transport.States() {
			if st.String() == raw.From {
				sc.From = st
			}
			if st.String() == raw.To {
				sc.To = st
			}
		}
		return sc
	}

	if sc := read(); sc.To != transport.StateAwaitingReady {
		t.Errorf("Expected current state awaiting_ready, got %v", sc.To)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.statusHub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.ObserveState(transport.StateAwaitingReady, transport.StateStreaming)

	if sc := read(); sc.From != transport.StateAwaitingReady || sc.To != transport.StateStreaming {
		t.Errorf("Expected awaiting_ready -> streaming, got %v -> %v", sc.From, sc.To)
	}
	if strings.Contains(logs.String(), "failed to encode") {
		t.Errorf("Unexpected encode warning: %s", logs.String())
	}
}
