// Package endpoint is a loopback conversation endpoint speaking the same
// envelope protocol as the streaming client. It answers the handshake,
// echoes audio back at the requested output rate and emits transcript
// lines, which makes it a development peer and an end-to-end test target.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/protocol"
)

// Config configures the endpoint.
type Config struct {
	// Address is the listen address.
	// Default: "127.0.0.1:3000"
	Address string `yaml:"address" json:"address"`

	// Path is the conversation websocket route.
	// Default: "/conversation"
	Path string `yaml:"path" json:"path"`

	// Greeting is sent as a bot transcript right after ready. Empty
	// disables it.
	// Default: "Hello!"
	Greeting string `yaml:"greeting" json:"greeting"`

	// Echo sends inbound audio back, resampled to the output rate.
	// Default: true
	Echo bool `yaml:"echo" json:"echo"`

	// TranscriptEvery emits a transcript line after every N audio frames.
	// Zero disables it.
	// Default: 10
	TranscriptEvery int `yaml:"transcript_every" json:"transcript_every"`

	// HandshakeTimeout bounds the wait for config_start.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:          "127.0.0.1:3000",
		Path:             "/conversation",
		Greeting:         "Hello!",
		Echo:             true,
		TranscriptEvery:  10,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("path must start with /, got %q", c.Path)
	}
	if c.TranscriptEvery < 0 {
		return fmt.Errorf("transcript_every must not be negative, got %d", c.TranscriptEvery)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %v", c.HandshakeTimeout)
	}
	return nil
}

// Server accepts conversations from streaming clients.
type Server struct {
	cfg    Config
	app    *fiber.App
	logger *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation

	// Stats
	accepted       atomic.Uint64
	framesReceived atomic.Uint64
	framesSent     atomic.Uint64
	rejected       atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates an endpoint server.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cfg:           cfg,
		conversations: make(map[string]*Conversation),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "endpoint")

	s.app = fiber.New(fiber.Config{
		AppName:               "voicestream echo endpoint",
		DisableStartupMessage: true,
	})
	s.RegisterRoutes(s.app)
	s.RegisterAPIRoutes(s.app.Group("/api"))
	return s, nil
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// RegisterRoutes registers the conversation websocket route on app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use(s.cfg.Path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(s.cfg.Path, websocket.New(s.handleConversation))
}

// RegisterAPIRoutes registers inspection routes.
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/conversations", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"conversations": s.Conversations(),
			"count":         s.ConversationCount(),
		})
	})
	api.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.Stats())
	})
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()

	s.logger.Info("endpoint listening", "address", ln.Addr().String(), "path", s.cfg.Path)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// handleConversation runs one conversation to completion.
func (s *Server) handleConversation(c *websocket.Conn) {
	conv, err := s.accept(c)
	if err != nil {
		s.rejected.Add(1)
		s.logger.Warn("handshake rejected", "remote", c.RemoteAddr().String(), "error", err)
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, closeReason(err)))
		c.Close()
		return
	}

	s.mu.Lock()
	s.conversations[conv.key] = conv
	count := len(s.conversations)
	s.mu.Unlock()
	s.accepted.Add(1)

	s.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"dialect", conv.codec.Dialect(),
		"input_rate", conv.Config.InputSampleRate,
		"output_rate", conv.Config.OutputSampleRate,
		"active", count,
	)

	defer func() {
		s.mu.Lock()
		delete(s.conversations, conv.key)
		s.mu.Unlock()
		c.Close()
		s.logger.Info("conversation ended",
			"conversation_id", conv.ID,
			"frames_in", conv.framesIn.Load(),
			"frames_out", conv.framesOut.Load(),
		)
	}()

	if err := conv.greet(s.cfg.Greeting); err != nil {
		return
	}
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if done := s.handleMessage(conv, data); done {
			return
		}
	}
}

// closeReason fits err into a close frame, whose payload is capped at
// 125 bytes including the status code.
func closeReason(err error) string {
	const max = 123
	r := err.Error()
	if len(r) > max {
		r = strings.ToValidUTF8(r[:max], "")
	}
	return r
}

// accept reads config_start and answers ready.
func (s *Server) accept(c *websocket.Conn) (*Conversation, error) {
	c.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, data, err := c.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("awaiting config_start: %w", err)
	}
	c.SetReadDeadline(time.Time{})

	msg, err := protocol.NewCodec(protocol.DialectPlain).Decode(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeConfigStart {
		return nil, fmt.Errorf("expected config_start, got %q", msg.Type)
	}
	if err := msg.Config.Validate(); err != nil {
		return nil, err
	}

	cfg := *msg.Config
	if cfg.ConversationID == "" {
		cfg.ConversationID = uuid.NewString()
	}

	conv := &Conversation{
		ID:        cfg.ConversationID,
		Config:    cfg,
		Connected: time.Now(),
		key:       uuid.NewString(),
		conn:      c,
		codec:     protocol.NewCodec(msg.Dialect),
	}
	ready, err := conv.codec.EncodeReady()
	if err != nil {
		return nil, err
	}
	if err := conv.write(ready); err != nil {
		return nil, err
	}
	return conv, nil
}

// handleMessage processes one message and reports whether the
// conversation is over.
func (s *Server) handleMessage(conv *Conversation, data []byte) bool {
	msg, err := conv.codec.Decode(data)
	if err != nil {
		s.logger.Debug("bad message", "conversation_id", conv.ID, "error", err)
		return false
	}

	switch msg.Type {
	case protocol.TypeAudio:
		n := conv.framesIn.Add(1)
		s.framesReceived.Add(1)

		if s.cfg.Echo && len(msg.Audio) > 0 {
			out := audioio.ResampleBytes(msg.Audio, conv.Config.InputSampleRate, conv.Config.OutputSampleRate)
			if err := conv.sendAudio(out); err != nil {
				return true
			}
			s.framesSent.Add(1)
		}

		if every := uint64(s.cfg.TranscriptEvery); every > 0 && n%every == 0 && conv.Config.SubscribeTranscript {
			rms := audioio.CalculateRMS(audioio.BytesToSamples(msg.Audio))
			text := fmt.Sprintf("heard %d frames, level %.0f", n, rms)
			if err := conv.sendTranscript("human", text); err != nil {
				return true
			}
		}

	case protocol.TypeStop:
		s.logger.Debug("stop received", "conversation_id", conv.ID)
		return true

	case protocol.TypeConfigStart:
		s.logger.Debug("ignoring repeated config_start", "conversation_id", conv.ID)

	default:
		s.logger.Debug("ignoring message", "conversation_id", conv.ID, "type", msg.Type)
	}
	return false
}

// ConversationCount returns the number of active conversations.
func (s *Server) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Conversations returns info about active conversations.
func (s *Server) Conversations() []ConversationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ConversationInfo, 0, len(s.conversations))
	for _, conv := range s.conversations {
		infos = append(infos, conv.Info())
	}
	return infos
}

// Stats contains endpoint statistics.
type Stats struct {
	Active         int    `json:"active"`
	Accepted       uint64 `json:"accepted"`
	Rejected       uint64 `json:"rejected"`
	FramesReceived uint64 `json:"frames_received"`
	FramesSent     uint64 `json:"frames_sent"`
}

// Stats returns endpoint statistics.
func (s *Server) Stats() Stats {
	return Stats{
		Active:         s.ConversationCount(),
		Accepted:       s.accepted.Load(),
		Rejected:       s.rejected.Load(),
		FramesReceived: s.framesReceived.Load(),
		FramesSent:     s.framesSent.Load(),
	}
}
