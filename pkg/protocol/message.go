// Package protocol defines the JSON envelopes exchanged with a
// conversation endpoint over a duplex message channel.
// This package is shared between the streaming client and the loopback
// endpoint.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the type of an envelope
type MessageType string

const (
	// Client → Endpoint messages
	TypeConfigStart MessageType = "config_start" // Session handshake
	TypeStop        MessageType = "stop"         // End of session

	// Endpoint → Client messages
	TypeReady      MessageType = "ready"      // Handshake acknowledgement
	TypeTranscript MessageType = "transcript" // Speech transcript line

	// Bidirectional
	TypeAudio MessageType = "audio" // PCM16LE audio frame
)

// UnknownSender is the sender of a transcript that names none.
const UnknownSender = "unknown"

// EncodingLinear16 is 16-bit signed little-endian PCM.
const EncodingLinear16 = "linear16"

// Sentinel errors for the protocol package.
var (
	// ErrMalformedEnvelope indicates a message that is not a valid envelope.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

	// ErrInvalidAudio indicates an audio envelope whose payload cannot be decoded.
	ErrInvalidAudio = errors.New("protocol: invalid audio payload")
)

// Dialect selects the spelling of message types on the wire.
type Dialect string

const (
	// DialectPlain uses bare type names ("config_start", "audio", ...).
	DialectPlain Dialect = "plain"
	// DialectVocode uses the prefixed names of vocode-style servers
	// ("websocket_audio_config_start", "websocket_audio", ...).
	DialectVocode Dialect = "vocode"
)

var vocodeNames = map[MessageType]string{
	TypeConfigStart: "websocket_audio_config_start",
	TypeReady:       "websocket_ready",
	TypeAudio:       "websocket_audio",
	TypeTranscript:  "websocket_transcript",
	TypeStop:        "websocket_stop",
}

var knownTypes = func() map[string]MessageType {
	m := make(map[string]MessageType)
	for t, wire := range vocodeNames {
		m[string(t)] = t
		m[wire] = t
	}
	return m
}()

// Valid reports whether d is a known dialect.
func (d Dialect) Valid() bool {
	return d == DialectPlain || d == DialectVocode
}

// WireName returns how t is spelled in this dialect.
func (d Dialect) WireName(t MessageType) string {
	if d == DialectVocode {
		if wire, ok := vocodeNames[t]; ok {
			return wire
		}
	}
	return string(t)
}

// ParseType maps a wire type in either dialect to a MessageType.
func ParseType(wire string) (MessageType, bool) {
	t, ok := knownTypes[wire]
	return t, ok
}

// DetectDialect returns the dialect a wire type name is spelled in.
func DetectDialect(wire string) Dialect {
	if _, ok := knownTypes[wire]; ok && wire != string(knownTypes[wire]) {
		return DialectVocode
	}
	return DialectPlain
}

// =============================================================================
// Handshake
// =============================================================================

// AudioConfig describes one direction of the audio stream.
type AudioConfig struct {
	SamplingRate  int    `json:"sampling_rate"`
	AudioEncoding string `json:"audio_encoding"`
	ChunkSize     int    `json:"chunk_size,omitempty"` // bytes, input only
}

// SessionConfig is negotiated once, as the first message of a session.
// It is never mutated after the handshake.
type SessionConfig struct {
	InputSampleRate     int
	OutputSampleRate    int
	Encoding            string
	ChunkSize           int
	ConversationID      string // empty is sent as null
	SubscribeTranscript bool
}

// Validate checks that the session parameters are usable.
func (c SessionConfig) Validate() error {
	if c.InputSampleRate <= 0 {
		return fmt.Errorf("input sample rate must be positive, got %d", c.InputSampleRate)
	}
	if c.OutputSampleRate <= 0 {
		return fmt.Errorf("output sample rate must be positive, got %d", c.OutputSampleRate)
	}
	if c.Encoding != EncodingLinear16 {
		return fmt.Errorf("unsupported audio encoding %q", c.Encoding)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	return nil
}

// configStart is the wire form of the handshake.
type configStart struct {
	Type                string      `json:"type"`
	InputAudioConfig    AudioConfig `json:"input_audio_config"`
	OutputAudioConfig   AudioConfig `json:"output_audio_config"`
	ConversationID      *string     `json:"conversation_id"`
	SubscribeTranscript bool        `json:"subscribe_transcript"`
}

// =============================================================================
// Decoded messages
// =============================================================================

// Transcript is one line of conversation text.
type Transcript struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// Message is a decoded envelope. Only the field matching Type is set.
type Message struct {
	// Type is the normalized type, or the raw wire type when unknown.
	Type MessageType

	// Dialect is the spelling the envelope arrived in.
	Dialect Dialect

	// Audio is the decoded PCM payload of an audio envelope.
	Audio []byte

	// Transcript is set for transcript envelopes.
	Transcript Transcript

	// Config is set for config_start envelopes.
	Config *SessionConfig
}

// Known reports whether the message type is part of the protocol.
func (m *Message) Known() bool {
	_, ok := vocodeNames[m.Type]
	return ok
}

// inbound is a superset of every envelope shape.
type inbound struct {
	Type                string       `json:"type"`
	Data                *string      `json:"data"`
	Sender              string       `json:"sender"`
	Text                string       `json:"text"`
	InputAudioConfig    *AudioConfig `json:"input_audio_config"`
	OutputAudioConfig   *AudioConfig `json:"output_audio_config"`
	ConversationID      *string      `json:"conversation_id"`
	SubscribeTranscript bool         `json:"subscribe_transcript"`
}

// =============================================================================
// Codec
// =============================================================================

// Codec encodes envelopes in one dialect and decodes either dialect.
type Codec struct {
	dialect Dialect
}

// NewCodec creates a codec. An unknown dialect falls back to DialectPlain.
func NewCodec(d Dialect) Codec {
	if !d.Valid() {
		d = DialectPlain
	}
	return Codec{dialect: d}
}

// Dialect returns the encoding dialect.
func (c Codec) Dialect() Dialect {
	return c.dialect
}

// EncodeConfigStart encodes the session handshake.
func (c Codec) EncodeConfigStart(cfg SessionConfig) ([]byte, error) {
	msg := configStart{
		Type: c.dialect.WireName(TypeConfigStart),
		InputAudioConfig: AudioConfig{
			SamplingRate:  cfg.InputSampleRate,
			AudioEncoding: cfg.Encoding,
			ChunkSize:     cfg.ChunkSize,
		},
		OutputAudioConfig: AudioConfig{
			SamplingRate:  cfg.OutputSampleRate,
			AudioEncoding: cfg.Encoding,
		},
		SubscribeTranscript: cfg.SubscribeTranscript,
	}
	if cfg.ConversationID != "" {
		id := cfg.ConversationID
		msg.ConversationID = &id
	}
	return json.Marshal(msg)
}

// EncodeAudio encodes a PCM16LE payload as an audio envelope.
func (c Codec) EncodeAudio(pcm []byte) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}{
		Type: c.dialect.WireName(TypeAudio),
		Data: base64.StdEncoding.EncodeToString(pcm),
	})
}

// EncodeTranscript encodes a transcript line.
func (c Codec) EncodeTranscript(t Transcript) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Transcript
	}{
		Type:       c.dialect.WireName(TypeTranscript),
		Transcript: t,
	})
}

// EncodeReady encodes the handshake acknowledgement.
func (c Codec) EncodeReady() ([]byte, error) {
	return c.encodeBare(TypeReady)
}

// EncodeStop encodes the end-of-session message.
func (c Codec) EncodeStop() ([]byte, error) {
	return c.encodeBare(TypeStop)
}

func (c Codec) encodeBare(t MessageType) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: c.dialect.WireName(t)})
}

// Decode parses one envelope.
//
// Invalid JSON or a missing type yields ErrMalformedEnvelope. An audio
// envelope whose payload is not valid base64 yields ErrInvalidAudio.
// Unknown types decode without error; check Message.Known.
func (c Codec) Decode(data []byte) (Message, error) {
	// The type is read on its own so that unknown envelopes are ignored
	// whatever shape their other fields have.
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if head.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	t, ok := ParseType(head.Type)
	if !ok {
		return Message{Type: MessageType(head.Type), Dialect: c.dialect}, nil
	}
	msg := Message{Type: t, Dialect: DetectDialect(head.Type)}

	switch t {
	case TypeAudio, TypeTranscript, TypeConfigStart:
	default:
		return msg, nil
	}

	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch t {
	case TypeAudio:
		if in.Data == nil {
			return msg, fmt.Errorf("%w: missing data", ErrInvalidAudio)
		}
		pcm, err := base64.StdEncoding.DecodeString(*in.Data)
		if err != nil {
			return msg, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
		}
		msg.Audio = pcm

	case TypeTranscript:
		msg.Transcript = Transcript{Sender: in.Sender, Text: in.Text}
		if msg.Transcript.Sender == "" {
			msg.Transcript.Sender = UnknownSender
		}

	case TypeConfigStart:
		if in.InputAudioConfig == nil || in.OutputAudioConfig == nil {
			return msg, fmt.Errorf("%w: config_start without audio configs", ErrMalformedEnvelope)
		}
		cfg := &SessionConfig{
			InputSampleRate:     in.InputAudioConfig.SamplingRate,
			OutputSampleRate:    in.OutputAudioConfig.SamplingRate,
			Encoding:            in.InputAudioConfig.AudioEncoding,
			ChunkSize:           in.InputAudioConfig.ChunkSize,
			SubscribeTranscript: in.SubscribeTranscript,
		}
		if in.ConversationID != nil {
			cfg.ConversationID = *in.ConversationID
		}
		msg.Config = cfg
	}

	return msg, nil
}
