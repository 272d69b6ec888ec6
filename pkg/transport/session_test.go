package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/protocol"
	"github.com/teslashibe/go-voicestream/pkg/transcript"
)

// fakeChannel is an in-memory Channel. Messages sent on in are read by the
// session; closing in simulates the remote closing the channel.
type fakeChannel struct {
	in chan []byte

	mu      sync.Mutex
	written [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeChannel(inbound ...string) *fakeChannel {
	c := &fakeChannel{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	for _, m := range inbound {
		c.in <- []byte(m)
	}
	return c
}

func (c *fakeChannel) ReadMessage() ([]byte, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return nil, fmt.Errorf("%w: remote closed", ErrChannelClosed)
		}
		return m, nil
	case <-c.closed:
		return nil, fmt.Errorf("%w: closed locally", ErrChannelClosed)
	}
}

func (c *fakeChannel) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: closed locally", ErrChannelClosed)
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// sent returns the decoded messages written by the session.
func (c *fakeChannel) sent(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	codec := protocol.NewCodec(protocol.DialectPlain)
	var msgs []protocol.Message
	for _, raw := range c.written {
		msg, err := codec.Decode(raw)
		if err != nil {
			t.Fatalf("session wrote undecodable message %s: %v", raw, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (c *fakeChannel) count(t *testing.T, typ protocol.MessageType) int {
	n := 0
	for _, m := range c.sent(t) {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Address = "ws://endpoint.test/conversation"
	cfg.PopTimeout = 5 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, ch Channel, opts ...Option) *Session {
	t.Helper()
	dialer := DialerFunc(func(ctx context.Context, address string) (Channel, error) {
		return ch, nil
	})
	s, err := NewSession(testConfig(), append([]Option{WithDialer(dialer)}, opts...)...)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_HandshakeReady(t *testing.T) {
	ch := newFakeChannel(`{"type":"ready"}`)

	var transitions []string
	s := newTestSession(t, ch, WithStateHook(func(from, to State) {
		transitions = append(transitions, to.String())
	}))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if s.State() != StateStreaming {
		t.Errorf("Expected streaming, got %s", s.State())
	}

	msgs := ch.sent(t)
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeConfigStart {
		t.Fatalf("Expected a single config_start, got %+v", msgs)
	}
	want := testConfig().Session
	if *msgs[0].Config != want {
		t.Errorf("config_start = %+v, want %+v", *msgs[0].Config, want)
	}

	if got := fmt.Sprint(transitions); got != "[awaiting_ready streaming]" {
		t.Errorf("Unexpected transitions %s", got)
	}

	s.Close()
	if s.State() != StateClosed {
		t.Errorf("Expected closed after Close, got %s", s.State())
	}
}

func TestSession_HandshakeRejected(t *testing.T) {
	audio := `{"type":"audio","data":"AAAA"}`

	tests := []struct {
		name         string
		first        []string
		closeRemote  bool
		wantProtocol bool
	}{
		{name: "audio first", first: []string{audio}, wantProtocol: true},
		{name: "transcript first", first: []string{`{"type":"transcript","sender":"bot","text":"hi"}`}, wantProtocol: true},
		{name: "unknown first", first: []string{`{"type":"hello"}`}, wantProtocol: true},
		{name: "invalid json", first: []string{`not json`}, wantProtocol: true},
		{name: "remote closes", closeRemote: true, wantProtocol: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel(tt.first...)
			if tt.closeRemote {
				close(ch.in)
			}
			s := newTestSession(t, ch)

			capture := audioio.NewQueue(4)
			capture.TryPush(audioio.NewChunk(make([]byte, 8), 16000))

			err := s.Connect(context.Background())
			if err == nil {
				t.Fatal("Expected handshake failure")
			}
			if IsProtocolError(err) != tt.wantProtocol {
				t.Errorf("Expected protocol error = %v, got %v", tt.wantProtocol, err)
			}
			if !tt.wantProtocol && !IsConnectionError(err) {
				t.Errorf("Expected connection error, got %v", err)
			}
			if s.State() != StateClosed {
				t.Errorf("Expected closed, got %s", s.State())
			}

			if err := s.Run(context.Background(), capture, audioio.NewQueue(4), nil); !errors.Is(err, ErrNotStreaming) {
				t.Errorf("Expected ErrNotStreaming, got %v", err)
			}
			s.Close()

			if n := ch.count(t, protocol.TypeAudio); n != 0 {
				t.Errorf("Expected no audio sent, got %d", n)
			}
			if n := ch.count(t, protocol.TypeStop); n != 0 {
				t.Errorf("Expected no stop after failed handshake, got %d", n)
			}
		})
	}
}

func TestSession_DialFailure(t *testing.T) {
	dialer := DialerFunc(func(ctx context.Context, address string) (Channel, error) {
		return nil, errors.New("no route to host")
	})
	s, err := NewSession(testConfig(), WithDialer(dialer))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	err = s.Connect(context.Background())
	if !IsConnectionError(err) {
		t.Errorf("Expected connection error, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSession_HandshakeCancelled(t *testing.T) {
	ch := newFakeChannel() // never answers
	s := newTestSession(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
}

func TestSession_StreamsChunksInOrder(t *testing.T) {
	ch := newFakeChannel(`{"type":"ready"}`)
	s := newTestSession(t, ch)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	capture := audioio.NewQueue(50)
	var chunks [][]byte
	for i := 0; i < 3; i++ {
		data := bytes.Repeat([]byte{byte(i + 1), byte(0x10 * i)}, 2048)
		chunks = append(chunks, data)
		capture.TryPush(audioio.NewChunk(data, 16000))
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), capture, audioio.NewQueue(50), nil) }()

	waitFor(t, "three audio frames", func() bool { return ch.count(t, protocol.TypeAudio) == 3 })

	s.Stop()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	s.Close()

	var audio []protocol.Message
	for _, m := range ch.sent(t) {
		if m.Type == protocol.TypeAudio {
			audio = append(audio, m)
		}
	}
	if len(audio) != 3 {
		t.Fatalf("Expected exactly 3 audio envelopes, got %d", len(audio))
	}
	for i, m := range audio {
		if !bytes.Equal(m.Audio, chunks[i]) {
			t.Errorf("Audio %d payload does not match pushed chunk", i)
		}
	}
	if st := s.Stats(); st.FramesSent != 3 || st.BytesSent != 3*4096 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestSession_DrainSendsOneStopAndNoAudio(t *testing.T) {
	ch := newFakeChannel(`{"type":"ready"}`)
	s := newTestSession(t, ch)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	capture := audioio.NewQueue(50)
	for i := 0; i < 10; i++ {
		capture.TryPush(audioio.NewChunk(make([]byte, 4096), 16000))
	}

	s.Stop()
	if err := s.Run(context.Background(), capture, audioio.NewQueue(50), nil); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if s.State() != StateDraining {
		t.Errorf("Expected draining after Run, got %s", s.State())
	}

	s.Close()
	s.Close()
	s.Stop()

	msgs := ch.sent(t)
	if len(msgs) != 2 || msgs[0].Type != protocol.TypeConfigStart || msgs[1].Type != protocol.TypeStop {
		types := make([]protocol.MessageType, len(msgs))
		for i, m := range msgs {
			types[i] = m.Type
		}
		t.Fatalf("Expected [config_start stop], got %v", types)
	}
	if capture.Len() != 10 {
		t.Errorf("Expected buffered chunks left unsent, got %d", capture.Len())
	}
}

func TestSession_NoAudioAfterStop(t *testing.T) {
	ch := newFakeChannel(`{"type":"ready"}`)
	s := newTestSession(t, ch)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	capture := audioio.NewQueue(50)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), capture, audioio.NewQueue(50), nil) }()

	for i := 0; i < 5; i++ {
		capture.TryPush(audioio.NewChunk(make([]byte, 64), 16000))
	}
	waitFor(t, "some audio", func() bool { return ch.count(t, protocol.TypeAudio) > 0 })

	for i := 0; i < 20; i++ {
		capture.TryPush(audioio.NewChunk(make([]byte, 64), 16000))
	}
	s.Stop()
	<-done
	s.Close()

	msgs := ch.sent(t)
	last := msgs[len(msgs)-1]
	if last.Type != protocol.TypeStop {
		t.Fatalf("Expected stop as the final message, got %s", last.Type)
	}
	if n := ch.count(t, protocol.TypeStop); n != 1 {
		t.Errorf("Expected exactly one stop, got %d", n)
	}
}

func TestSession_ReceiveDispatch(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0}
	codec := protocol.NewCodec(protocol.DialectPlain)
	audio, _ := codec.EncodeAudio(pcm)

	ch := newFakeChannel(
		`{"type":"ready"}`,
		string(audio),
		`{"type":"transcript","sender":"bot","text":"Hello!"}`,
		`{"type":"ready"}`,
		`{"type":"websocket_message","text":"ignored"}`,
		`{"type":"websocket_metadata","data":{"latency_ms":12},"text":["a","b"]}`,
		`{"type":"transcript","text":"who said this"}`,
		`{"type":"audio","data":"%%%"}`,
		`{"type":"websocket_audio","data":"AQA="}`,
	)
	s := newTestSession(t, ch)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	playback := audioio.NewQueue(50)
	rec := &transcript.Recorder{}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), audioio.NewQueue(50), playback, rec) }()

	waitFor(t, "inbound messages", func() bool {
		st := s.Stats()
		return st.FramesReceived == 2 && st.Ignored == 2 && st.DecodeErrors == 1
	})

	close(ch.in)
	err := <-done
	if !IsChannelClosed(err) {
		t.Errorf("Expected channel closed, got %v", err)
	}
	s.Close()

	first, ok := playback.TryPop()
	if !ok {
		t.Fatal("Expected audio in playback queue")
	}
	if !bytes.Equal(first.Bytes(), pcm) || first.SampleRate() != 16000 {
		t.Errorf("Unexpected playback chunk %v @ %d", first.Bytes(), first.SampleRate())
	}

	events := rec.Events()
	if len(events) != 2 || events[0].Speaker != "bot" || events[0].Text != "Hello!" {
		t.Fatalf("Unexpected transcripts %+v", events)
	}
	if events[1].Speaker != protocol.UnknownSender {
		t.Errorf("Expected sender %q, got %q", protocol.UnknownSender, events[1].Speaker)
	}

	// The remote is gone; the stop write fails quietly.
	if n := ch.count(t, protocol.TypeStop); n > 1 {
		t.Errorf("Expected at most one stop, got %d", n)
	}
}

func TestSession_MalformedEnvelopeIsFatal(t *testing.T) {
	ch := newFakeChannel(`{"type":"ready"}`, `{"type":`)
	s := newTestSession(t, ch)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	err := s.Run(context.Background(), audioio.NewQueue(4), audioio.NewQueue(4), nil)
	if !IsProtocolError(err) {
		t.Errorf("Expected protocol error, got %v", err)
	}
	if !errors.Is(err, protocol.ErrMalformedEnvelope) {
		t.Errorf("Expected malformed envelope cause, got %v", err)
	}
	s.Close()
	if n := ch.count(t, protocol.TypeStop); n != 1 {
		t.Errorf("Expected stop after protocol error, got %d", n)
	}
}

func TestSession_ContextCancelDrains(t *testing.T) {
	ch := newFakeChannel(`{"type":"ready"}`)
	s := newTestSession(t, ch)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, audioio.NewQueue(4), audioio.NewQueue(4), nil) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on interrupt, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !s.StopSignal().Requested() {
		t.Error("Expected stop flag set after cancel")
	}
	s.Close()
}

func TestSession_SharedStopSignal(t *testing.T) {
	sig := NewStopSignal()
	ch := newFakeChannel(`{"type":"ready"}`)
	s := newTestSession(t, ch, WithStopSignal(sig))

	if s.StopSignal() != sig {
		t.Fatal("Expected shared stop signal")
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		sig.Request()
	}()
	if err := s.Run(context.Background(), audioio.NewQueue(4), audioio.NewQueue(4), nil); err != nil {
		t.Errorf("Run returned %v", err)
	}
	s.Close()
}

func TestNewSession_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing address", mutate: func(c *Config) { c.Address = "" }},
		{name: "bad dialect", mutate: func(c *Config) { c.Dialect = "klingon" }},
		{name: "zero pop timeout", mutate: func(c *Config) { c.PopTimeout = 0 }},
		{name: "bad session", mutate: func(c *Config) { c.Session.ChunkSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := NewSession(cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestStopSignal(t *testing.T) {
	sig := NewStopSignal()
	if sig.Requested() {
		t.Fatal("Expected unset signal")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig.Request()
		}()
	}
	wg.Wait()

	if !sig.Requested() {
		t.Error("Expected signal set")
	}
	select {
	case <-sig.Done():
	default:
		t.Error("Expected Done closed")
	}
}

func TestState_String(t *testing.T) {
	data, _ := json.Marshal(map[string]State{"s": StateAwaitingReady})
	if string(data) != `{"s":"awaiting_ready"}` {
		t.Errorf("Unexpected JSON %s", data)
	}
	if State(42).String() != "unknown" {
		t.Errorf("Expected unknown for out-of-range state")
	}
}
