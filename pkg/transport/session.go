// Package transport owns the duplex message channel to a conversation
// endpoint: the config_start/ready handshake, the audio send loop, the
// receive loop that demultiplexes audio and transcripts, and the final
// stop message.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/protocol"
	"github.com/teslashibe/go-voicestream/pkg/transcript"
)

// Session is one client run against an endpoint. It moves through
// Connecting → AwaitingReady → Streaming → Draining → Closed, never
// backwards.
type Session struct {
	cfg     Config
	codec   protocol.Codec
	dialer  Dialer
	stop    *StopSignal
	logger  *slog.Logger
	onState func(from, to State)

	mu       sync.Mutex
	state    State
	ch       Channel
	started  bool
	sendDone chan struct{}
	recvDone chan struct{}
	recvErr  error

	closeOnce sync.Once
	closeErr  error

	// Stats
	framesSent     atomic.Uint64
	bytesSent      atomic.Uint64
	framesReceived atomic.Uint64
	bytesReceived  atomic.Uint64
	transcripts    atomic.Uint64
	decodeErrors   atomic.Uint64
	ignored        atomic.Uint64
}

// Stats contains statistics about a session.
type Stats struct {
	State          State  `json:"state"`
	FramesSent     uint64 `json:"frames_sent"`
	BytesSent      uint64 `json:"bytes_sent"`
	FramesReceived uint64 `json:"frames_received"`
	BytesReceived  uint64 `json:"bytes_received"`
	Transcripts    uint64 `json:"transcripts"`
	DecodeErrors   uint64 `json:"decode_errors"`
	Ignored        uint64 `json:"ignored"`
}

// NewSession creates a session in the Connecting state.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Session{
		cfg:   cfg,
		codec: protocol.NewCodec(cfg.Dialect),
		dialer: WSDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		},
		state: StateConnecting,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.stop == nil {
		s.stop = NewStopSignal()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "transport.session")

	return s, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StopSignal returns the session's stop signal.
func (s *Session) StopSignal() *StopSignal {
	return s.stop
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// setState moves forward to next. Backward moves are ignored.
func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if next <= prev {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Debug("session state changed", "from", prev, "to", next)
	if s.onState != nil {
		s.onState(prev, next)
	}
}

// Connect opens the channel and performs the handshake: one config_start
// out, exactly one ready back. On success the session is Streaming. On
// any failure it is Closed and the error is a *ConnectionError, a
// *ProtocolError, or the context's error.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("connecting", "address", s.cfg.Address, "dialect", s.codec.Dialect())

	ch, err := s.dialer.Dial(ctx, s.cfg.Address)
	if err != nil {
		s.setState(StateClosed)
		if ctx.Err() != nil {
			return fmt.Errorf("connect interrupted: %w", ctx.Err())
		}
		if !IsConnectionError(err) {
			err = NewConnectionError("dial failed", err)
		}
		return err
	}

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
	s.setState(StateAwaitingReady)

	if err := s.handshake(ctx, ch); err != nil {
		ch.Close()
		s.setState(StateClosed)
		return err
	}

	s.setState(StateStreaming)
	s.logger.Info("session ready",
		"input_rate", s.cfg.Session.InputSampleRate,
		"output_rate", s.cfg.Session.OutputSampleRate,
		"chunk_size", s.cfg.Session.ChunkSize,
	)
	return nil
}

func (s *Session) handshake(ctx context.Context, ch Channel) error {
	// Unblock the ready wait if the caller gives up.
	stopWatch := context.AfterFunc(ctx, func() { ch.Close() })
	defer stopWatch()

	data, err := s.codec.EncodeConfigStart(s.cfg.Session)
	if err != nil {
		return NewProtocolError("encode config_start", err)
	}
	if err := ch.WriteMessage(data); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("handshake interrupted: %w", ctx.Err())
		}
		return NewConnectionError("send config_start", err)
	}

	raw, err := ch.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("handshake interrupted: %w", ctx.Err())
		}
		return NewConnectionError("awaiting ready", err)
	}

	msg, err := s.codec.Decode(raw)
	if err != nil {
		return NewProtocolError("awaiting ready", err)
	}
	if msg.Type != protocol.TypeReady {
		return NewProtocolError(fmt.Sprintf("expected ready, got %q", msg.Type), nil)
	}
	return nil
}

// Run streams until the channel closes, a fatal protocol error occurs,
// ctx is cancelled or stop is requested. Audio popped from capture is
// sent as audio envelopes; inbound audio is pushed to playback (oldest
// dropped on overflow) and transcripts go to sink.
//
// On return the session is Draining and the send loop has exited. The
// result is nil for a requested stop, an error wrapping ErrChannelClosed
// when the remote went away, or a *ProtocolError.
func (s *Session) Run(ctx context.Context, capture, playback *audioio.Queue, sink transcript.Sink) error {
	s.mu.Lock()
	if s.state != StateStreaming || s.sendDone != nil {
		s.mu.Unlock()
		return ErrNotStreaming
	}
	ch := s.ch
	s.sendDone = make(chan struct{})
	s.recvDone = make(chan struct{})
	sendDone, recvDone := s.sendDone, s.recvDone
	s.mu.Unlock()

	sendErr := make(chan error, 1)
	go func() {
		defer close(sendDone)
		sendErr <- s.sendLoop(ch, capture)
	}()
	go func() {
		defer close(recvDone)
		s.recvErr = s.recvLoop(ch, playback, sink)
	}()

	var cause error
	select {
	case <-ctx.Done():
		s.logger.Info("interrupted")
	case <-s.stop.Done():
		s.logger.Info("stop requested")
	case <-recvDone:
		cause = s.recvErr
	case cause = <-sendErr:
	}

	s.drain()
	<-sendDone
	return cause
}

// drain requests stop and enters Draining.
func (s *Session) drain() {
	s.stop.Request()
	s.setState(StateDraining)
}

func (s *Session) sendLoop(ch Channel, capture *audioio.Queue) error {
	for !s.stop.Requested() {
		chunk, ok := capture.PopTimeout(s.cfg.PopTimeout)
		if !ok {
			continue
		}
		if s.stop.Requested() {
			return nil
		}

		data, err := s.codec.EncodeAudio(chunk.Bytes())
		if err != nil {
			s.logger.Warn("failed to encode audio", "error", err)
			continue
		}
		if err := ch.WriteMessage(data); err != nil {
			if IsChannelClosed(err) {
				return err
			}
			return fmt.Errorf("%w: send audio: %v", ErrChannelClosed, err)
		}

		s.framesSent.Add(1)
		s.bytesSent.Add(uint64(chunk.Len()))
	}
	return nil
}

func (s *Session) recvLoop(ch Channel, playback *audioio.Queue, sink transcript.Sink) error {
	rate := s.cfg.Session.OutputSampleRate

	for {
		raw, err := ch.ReadMessage()
		if err != nil {
			if s.stop.Requested() {
				return nil
			}
			s.logger.Info("channel closed by remote", "error", err)
			if !IsChannelClosed(err) {
				err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
			}
			return err
		}
		if s.stop.Requested() {
			continue
		}

		msg, err := s.codec.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidAudio) {
				s.decodeErrors.Add(1)
				continue
			}
			s.logger.Warn("malformed message", "error", err)
			return NewProtocolError("malformed envelope", err)
		}

		switch msg.Type {
		case protocol.TypeAudio:
			if len(msg.Audio) == 0 {
				continue
			}
			playback.TryPush(audioio.NewChunk(msg.Audio, rate))
			s.framesReceived.Add(1)
			s.bytesReceived.Add(uint64(len(msg.Audio)))

		case protocol.TypeTranscript:
			s.transcripts.Add(1)
			if sink != nil {
				sink.Deliver(transcript.Event{
					Speaker: msg.Transcript.Sender,
					Text:    msg.Transcript.Text,
					Time:    time.Now(),
				})
			}

		case protocol.TypeReady:
			s.logger.Debug("ignoring duplicate ready")

		default:
			s.ignored.Add(1)
			s.logger.Debug("ignoring message", "type", msg.Type)
		}
	}
}

// Stop requests drain. It is idempotent and safe from any goroutine.
func (s *Session) Stop() {
	s.stop.Request()
}

// Close finishes the session: it waits for the send loop, writes one
// best-effort stop message if the handshake had completed, closes the
// channel and waits for the receive loop. Close runs at most once; later
// calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stop.Request()

		s.mu.Lock()
		ch, state := s.ch, s.state
		sendDone, recvDone := s.sendDone, s.recvDone
		s.mu.Unlock()

		if ch == nil || state == StateClosed {
			s.setState(StateClosed)
			return
		}
		s.setState(StateDraining)

		if sendDone != nil {
			<-sendDone
		}

		if data, err := s.codec.EncodeStop(); err == nil {
			if err := ch.WriteMessage(data); err != nil {
				s.logger.Warn("failed to send stop", "error", err)
			} else {
				s.logger.Debug("stop sent")
			}
		}

		s.closeErr = ch.Close()
		if recvDone != nil {
			<-recvDone
		}
		s.setState(StateClosed)

		st := s.Stats()
		s.logger.Info("session closed",
			"frames_sent", st.FramesSent,
			"frames_received", st.FramesReceived,
			"transcripts", st.Transcripts,
		)
	})
	return s.closeErr
}

// Stats returns a snapshot of session statistics.
func (s *Session) Stats() Stats {
	return Stats{
		State:          s.State(),
		FramesSent:     s.framesSent.Load(),
		BytesSent:      s.bytesSent.Load(),
		FramesReceived: s.framesReceived.Load(),
		BytesReceived:  s.bytesReceived.Load(),
		Transcripts:    s.transcripts.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		Ignored:        s.ignored.Load(),
	}
}
