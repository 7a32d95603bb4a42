package chatserver

import (
	"errors"
	"io"
	"time"

	"github.com/cyberinferno/go-chat-server/delivery"
	"github.com/cyberinferno/go-chat-server/logger"
	"github.com/cyberinferno/go-chat-server/protocol"
	"github.com/gorilla/websocket"
)

var errFrameTooLarge = errors.New("frame too large")

// Conn is one accepted peer. Its handler goroutine owns all reads.
type Conn struct {
	id         uint64
	name       string
	remoteAddr string
	ws         *websocket.Conn
	transport  *wsTransport
	engine     *delivery.Engine
	logger     logger.Logger
}

// ID returns the connection id assigned by the gateway.
func (c *Conn) ID() uint64 { return c.id }

// Name returns the display name the connection registered.
func (c *Conn) Name() string { return c.name }

// RemoteAddr returns the peer address seen at the handshake.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// serve reads frames until the peer goes away, then marks the session
// Disconnected. A failed read is never retried.
func (c *Conn) serve() {
	defer func() {
		if c.engine.Leave(c.name, c.transport) {
			c.logger.Info("user disconnected")
		}

		_ = c.transport.Close()
		c.transport.wait()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		data, err := c.next()
		switch {
		case errors.Is(err, errFrameTooLarge):
			c.logger.Warn("oversized frame dropped")
		case err != nil:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("read failed", logger.Field{Key: "error", Value: err.Error()})
			}

			return
		case len(data) > 0:
			c.dispatch(data)
		}
	}
}

func (c *Conn) next() ([]byte, error) {
	_, r, err := c.ws.NextReader()
	if err != nil {
		return nil, err
	}

	return readFrame(r)
}

// readFrame reads one message of at most maxFrameSize bytes. A longer
// message is discarded in full so the next one starts on a clean boundary.
func readFrame(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxFrameSize+1))
	if err != nil {
		return nil, err
	}

	if len(data) > maxFrameSize {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}

		return nil, errFrameTooLarge
	}

	return data, nil
}

func (c *Conn) dispatch(data []byte) {
	frame, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		c.logger.Warn("unknown frame type", logger.Field{Key: "type", Value: data[0]})
		return
	case err != nil:
		c.logger.Warn("malformed frame dropped",
			logger.Field{Key: "type", Value: data[0]},
			logger.Field{Key: "length", Value: len(data)})
		return
	}

	var reqErr error
	switch req := frame.(type) {
	case protocol.ListUsers:
		reqErr = c.engine.ListUsers(c.name)
	case protocol.GetUserInfo:
		reqErr = c.engine.UserInfo(c.name, req.Name)
	case protocol.ChangeStatus:
		reqErr = c.engine.ChangeStatus(c.name, req.Name, req.Status)
	case protocol.SendMessage:
		reqErr = c.engine.RouteMessage(c.name, req.Destination, req.Content)
	case protocol.GetHistory:
		reqErr = c.engine.History(c.name, req.ChatKey)
	default:
		c.logger.Warn("unexpected frame from client", logger.Field{Key: "type", Value: frame.Type().String()})
		return
	}

	if reqErr != nil {
		c.logger.Debug("request failed",
			logger.Field{Key: "type", Value: frame.Type().String()},
			logger.Field{Key: "error", Value: reqErr.Error()})
		c.engine.SendError(c.name, reqErr)
	}
}
