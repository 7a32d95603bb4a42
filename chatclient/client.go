// Package chatclient is an event-driven WebSocket client for the chat
// server. Register handlers, then Connect; decoded frames are delivered to
// the frame handler in the order the server sent them.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/go-chat-server/protocol"
	"github.com/gorilla/websocket"
)

// ConnectionState is the client's view of its connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected; Connect may be called
	Connecting                          // Handshake in progress
	Connected                           // Handshake accepted, frames flowing
	Closed                              // Close was called; the client is finished
)

func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent reports a state transition.
type ConnectionStateEvent struct {
	State     ConnectionState
	Timestamp time.Time
	Error     error // Non-nil when the transition was caused by a failure
}

// FrameEvent carries one decoded server frame.
type FrameEvent struct {
	Frame     protocol.Frame
	Timestamp time.Time
}

// ErrorEvent reports a read, decode or write failure.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

type (
	ConnectionStateHandler func(event ConnectionStateEvent)
	FrameHandler           func(event FrameEvent)
	ErrorHandler           func(event ErrorEvent)
)

// RejectedError is returned by Connect when the server answers the
// handshake with an HTTP error instead of upgrading.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("handshake rejected (%d): %s", e.StatusCode, e.Reason)
}

// Config holds connection settings.
type Config struct {
	// URL is the server endpoint, e.g. "ws://localhost:8080/".
	URL string
	// Name is the display name requested in the handshake.
	Name string
	// HandshakeTimeout bounds the upgrade request.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outbound frame; 0 means no limit.
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config for name at serverURL with 10s timeouts.
func DefaultConfig(serverURL, name string) Config {
	return Config{
		URL:              serverURL,
		Name:             name,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Client is safe for concurrent use. Handlers run on the read goroutine and
// must not block for long.
type Client struct {
	config Config

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   ConnectionState
	onState ConnectionStateHandler
	onFrame FrameHandler
	onError ErrorHandler

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New returns a Disconnected client.
func New(config Config) *Client {
	return &Client{config: config, state: Disconnected}
}

// OnConnectionState replaces the state handler. nil clears it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnFrame replaces the frame handler. nil clears it.
func (c *Client) OnFrame(handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

// OnError replaces the error handler. nil clears it.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect performs the handshake and starts reading frames.
//
// Returns:
//   - *RejectedError if the server refused the name
//   - Any dial error otherwise
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return errors.New("client is closed")
	case Connected, Connecting:
		c.mu.Unlock()
		return errors.New("already connected or connecting")
	}
	c.mu.Unlock()

	target, err := c.endpoint()
	if err != nil {
		return err
	}

	c.setState(Connecting, nil)

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			err = rejection(resp)
		}

		c.setState(Disconnected, err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// Send encodes f and writes it to the server.
func (c *Client) Send(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	return c.SendRaw(data)
}

// SendRaw writes data as one binary frame without validating it.
func (c *Client) SendRaw(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return errors.New("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.emitError(err)
		return err
	}

	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Close ends the session with a normal close and waits for the read
// goroutine. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}

	conn := c.conn
	c.conn = nil
	c.state = Closed
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}

	c.wg.Wait()
	c.emitState(Closed, nil)
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	q := u.Query()
	q.Set("name", c.config.Name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.State() == Closed {
				return
			}

			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.emitError(err)
			}

			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			_ = conn.Close()
			c.setState(Disconnected, err)
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.emitError(fmt.Errorf("decode frame: %w", err))
			continue
		}

		c.emitFrame(frame)
	}
}

func rejection(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &RejectedError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(body))}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.emitState(state, err)
}

func (c *Client) emitState(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onState
	c.mu.RUnlock()

	if handler != nil {
		handler(ConnectionStateEvent{State: state, Timestamp: time.Now(), Error: err})
	}
}

func (c *Client) emitFrame(f protocol.Frame) {
	c.mu.RLock()
	handler := c.onFrame
	c.mu.RUnlock()

	if handler != nil {
		handler(FrameEvent{Frame: f, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}
