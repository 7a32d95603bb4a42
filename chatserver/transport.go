package chatserver

import (
	"errors"
	"sync"
	"time"

	"github.com/cyberinferno/go-chat-server/logger"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write one frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest request frame is a send-message with two full fields. Longer
	// messages are discarded without closing the connection.
	maxFrameSize = 1024
)

var (
	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("transport closed")

	// ErrSendQueueFull is returned by Send when the peer is not draining
	// its outbound queue.
	ErrSendQueueFull = errors.New("send queue full")
)

// wsTransport queues outbound frames for one WebSocket connection. A single
// writer goroutine drains the queue so Send never blocks on the network.
type wsTransport struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	exited chan struct{}
	logger logger.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSTransport(conn *websocket.Conn, queueSize int, log logger.Logger) *wsTransport {
	t := &wsTransport{
		conn:      conn,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		logger:    log,
		closeCode: websocket.CloseNormalClosure,
	}

	go t.writePump()
	return t
}

// Send implements registry.Transport.
func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSendQueueFull
	}
}

// Close implements registry.Transport. Frames already queued are still
// written before the close handshake.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// closeWithReason closes the connection with a specific close code and reason.
func (t *wsTransport) closeWithReason(code int, reason string) {
	t.closeOnce.Do(func() {
		t.closeCode = code
		t.closeReason = reason
		close(t.done)
	})
}

// wait blocks until the writer goroutine has closed the connection.
func (t *wsTransport) wait() {
	<-t.exited
}

func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
		close(t.exited)
	}()

	for {
		select {
		case frame := <-t.send:
			if err := t.write(frame); err != nil {
				t.logger.Debug("write failed", logger.Field{Key: "error", Value: err.Error()})
				_ = t.Close()
				return
			}

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = t.Close()
				return
			}

		case <-t.done:
			t.flush()
			msg := websocket.FormatCloseMessage(t.closeCode, t.closeReason)
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (t *wsTransport) flush() {
	for {
		select {
		case frame := <-t.send:
			if err := t.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *wsTransport) write(frame []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}
