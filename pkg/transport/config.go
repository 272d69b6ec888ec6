package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/protocol"
)

// Config configures a Session.
type Config struct {
	// Address is the endpoint URL (ws:// or wss://).
	Address string `yaml:"address" json:"address"`

	// Session is sent once as the handshake.
	Session protocol.SessionConfig `yaml:"-" json:"-"`

	// Dialect selects the message type spelling.
	// Default: "plain"
	Dialect protocol.Dialect `yaml:"dialect" json:"dialect"`

	// PopTimeout bounds each wait of the send loop on the capture queue,
	// and so how quickly the loop notices a stop request.
	// Default: 50ms
	PopTimeout time.Duration `yaml:"pop_timeout" json:"pop_timeout"`

	// HandshakeTimeout bounds the websocket upgrade.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`

	// WriteTimeout bounds each message write.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Session: protocol.SessionConfig{
			InputSampleRate:     16000,
			OutputSampleRate:    16000,
			Encoding:            protocol.EncodingLinear16,
			ChunkSize:           4096,
			SubscribeTranscript: true,
		},
		Dialect:          protocol.DialectPlain,
		PopTimeout:       50 * time.Millisecond,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if !c.Dialect.Valid() {
		return fmt.Errorf("unknown dialect %q", c.Dialect)
	}
	if c.PopTimeout <= 0 {
		return fmt.Errorf("pop_timeout must be positive, got %v", c.PopTimeout)
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		s.dialer = d
	}
}

// WithStopSignal shares a stop signal with other components.
func WithStopSignal(sig *StopSignal) Option {
	return func(s *Session) {
		s.stop = sig
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithStateHook registers fn to be called after every state change.
// fn must not block.
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Session) {
		s.onState = fn
	}
}
