package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is a duplex byte-message connection. Reads and writes may run
// concurrently with each other; Close unblocks a pending read.
type Channel interface {
	// ReadMessage blocks for the next message. It returns an error
	// wrapping ErrChannelClosed once the channel is closed by either side.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one message.
	WriteMessage(data []byte) error

	// Close releases the channel. Safe to call repeatedly.
	io.Closer
}

// Dialer opens a Channel to an endpoint address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Channel, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string) (Channel, error) {
	return f(ctx, address)
}

// ParseAddress validates a websocket endpoint address.
func ParseAddress(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q: scheme must be ws or wss", ErrInvalidAddress, address)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q: missing host", ErrInvalidAddress, address)
	}
	return u, nil
}

// WSDialer dials websocket endpoints with gorilla/websocket.
type WSDialer struct {
	// HandshakeTimeout bounds the HTTP upgrade.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each message write.
	WriteTimeout time.Duration

	// ReadLimit caps the size of one inbound message. Zero means no limit.
	ReadLimit int64
}

// Dial opens a websocket channel. Failures are returned as *ConnectionError.
func (d WSDialer) Dial(ctx context.Context, address string) (Channel, error) {
	u, err := ParseAddress(address)
	if err != nil {
		return nil, NewConnectionError("invalid endpoint address", err)
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &ConnectionError{
				Reason:     fmt.Sprintf("dial failed with status %d", resp.StatusCode),
				StatusCode: resp.StatusCode,
				Cause:      err,
			}
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, NewConnectionError("connection refused", fmt.Errorf("%w: %v", ErrConnectionRefused, err))
		}
		return nil, NewConnectionError("dial failed", err)
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return NewWSChannel(conn, d.WriteTimeout), nil
}

// WSChannel is a Channel over a gorilla websocket connection.
type WSChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Only one writer at a time, per gorilla's concurrency rules.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSChannel wraps an established connection.
func NewWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *WSChannel {
	return &WSChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// ReadMessage reads the next text or binary message.
func (c *WSChannel) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return nil, fmt.Errorf("%w: closed locally", ErrChannelClosed)
		default:
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return nil, err
	}
	return data, nil
}

// WriteMessage sends data as one text message.
func (c *WSChannel) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("%w: closed locally", ErrChannelClosed)
	default:
	}

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal-closure frame and closes the connection.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}
