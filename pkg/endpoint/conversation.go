package endpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/teslashibe/go-voicestream/pkg/protocol"
)

// Conversation is one connected client.
type Conversation struct {
	ID        string
	Config    protocol.SessionConfig
	Connected time.Time

	// key identifies the connection; clients may share an ID.
	key   string
	conn  *websocket.Conn
	codec protocol.Codec

	// Serializes writes
	mu sync.Mutex

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
}

// ConversationInfo describes an active conversation.
type ConversationInfo struct {
	ID         string    `json:"id"`
	Dialect    string    `json:"dialect"`
	InputRate  int       `json:"input_rate"`
	OutputRate int       `json:"output_rate"`
	Connected  time.Time `json:"connected"`
	FramesIn   uint64    `json:"frames_in"`
	FramesOut  uint64    `json:"frames_out"`
}

// Info returns a snapshot of the conversation.
func (c *Conversation) Info() ConversationInfo {
	return ConversationInfo{
		ID:         c.ID,
		Dialect:    string(c.codec.Dialect()),
		InputRate:  c.Config.InputSampleRate,
		OutputRate: c.Config.OutputSampleRate,
		Connected:  c.Connected,
		FramesIn:   c.framesIn.Load(),
		FramesOut:  c.framesOut.Load(),
	}
}

func (c *Conversation) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conversation) greet(text string) error {
	if text == "" || !c.Config.SubscribeTranscript {
		return nil
	}
	return c.sendTranscript("bot", text)
}

func (c *Conversation) sendTranscript(sender, text string) error {
	data, err := c.codec.EncodeTranscript(protocol.Transcript{Sender: sender, Text: text})
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Conversation) sendAudio(pcm []byte) error {
	data, err := c.codec.EncodeAudio(pcm)
	if err != nil {
		return err
	}
	if err := c.write(data); err != nil {
		return err
	}
	c.framesOut.Add(1)
	return nil
}
