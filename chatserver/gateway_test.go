package chatserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyberinferno/go-chat-server/chatclient"
	"github.com/cyberinferno/go-chat-server/delivery"
	"github.com/cyberinferno/go-chat-server/history"
	"github.com/cyberinferno/go-chat-server/logger"
	"github.com/cyberinferno/go-chat-server/protocol"
	"github.com/cyberinferno/go-chat-server/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type recorder struct {
	frames chan protocol.Frame
}

func (r *recorder) next(t *testing.T) protocol.Frame {
	t.Helper()

	select {
	case f := <-r.frames:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func newTestGateway(t *testing.T, cfg GatewayConfig) (*Gateway, string) {
	t.Helper()

	reg := registry.New()
	engine := delivery.New(reg, history.NewChannel(history.DefaultCapacity), logger.NewNop())
	gw := NewGateway(engine, cfg, logger.NewNop())

	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.CloseAll()
		srv.Close()
	})

	return gw, "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func connect(t *testing.T, url, name string) (*chatclient.Client, *recorder) {
	t.Helper()

	rec := &recorder{frames: make(chan protocol.Frame, 128)}
	c := chatclient.New(chatclient.DefaultConfig(url, name))
	c.OnFrame(func(e chatclient.FrameEvent) { rec.frames <- e.Frame })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, protocol.NewUser{User: protocol.UserEntry{Name: name, Status: protocol.StatusActive}}, rec.next(t))
	return c, rec
}

func rejected(t *testing.T, url, name string) *chatclient.RejectedError {
	t.Helper()

	c := chatclient.New(chatclient.DefaultConfig(url, name))
	err := c.Connect(context.Background())
	require.Error(t, err)

	var rej *chatclient.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, chatclient.Disconnected, c.State())
	return rej
}

func TestGateway_RejectsBadNames(t *testing.T) {
	gw, url := newTestGateway(t, GatewayConfig{})
	connect(t, url, "alice")

	tests := []struct {
		name   string
		reason string
	}{
		{"", "empty user name"},
		{"~", "reserved user name"},
		{strings.Repeat("n", 256), "user name too long"},
		{"alice", "user already connected"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			rej := rejected(t, url, tt.name)
			assert.Equal(t, http.StatusBadRequest, rej.StatusCode)
			assert.Equal(t, tt.reason, rej.Reason)
		})
	}

	assert.Equal(t, 1, gw.Connections.Len())
}

func TestGateway_TracksConnections(t *testing.T) {
	gw, url := newTestGateway(t, GatewayConfig{})
	connect(t, url, "alice")
	connect(t, url, "bob")

	conns := gw.Connections.Values()
	require.Len(t, conns, 2)

	names := map[string]bool{}
	for _, c := range conns {
		assert.NotZero(t, c.ID())
		assert.True(t, strings.HasPrefix(c.RemoteAddr(), "127.0.0.1:"))
		names[c.Name()] = true
	}
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, names)
	assert.NotEqual(t, conns[0].ID(), conns[1].ID())
}

func TestGateway_NameIsURLDecoded(t *testing.T) {
	gw, url := newTestGateway(t, GatewayConfig{})
	connect(t, url, "mary jane")

	assert.True(t, gw.engine.Registry().IsConnected("mary jane"))
}

func TestGateway_DirectMessageScenario(t *testing.T) {
	_, url := newTestGateway(t, GatewayConfig{})
	alice, aliceFrames := connect(t, url, "alice")
	bob, bobFrames := connect(t, url, "bob")

	assert.Equal(t, protocol.NewUser{User: protocol.UserEntry{Name: "bob", Status: protocol.StatusActive}}, aliceFrames.next(t))

	require.NoError(t, bob.Send(protocol.SendMessage{Destination: "alice", Content: "hello"}))
	want := protocol.MessageReceived{Origin: "bob", Content: "hello"}
	assert.Equal(t, want, aliceFrames.next(t))
	assert.Equal(t, want, bobFrames.next(t))

	require.NoError(t, alice.Send(protocol.GetHistory{ChatKey: "bob"}))
	assert.Equal(t, protocol.History{Entries: []protocol.HistoryEntry{{Origin: "bob", Content: "hello"}}}, aliceFrames.next(t))

	t.Run("error reply", func(t *testing.T) {
		require.NoError(t, alice.Send(protocol.SendMessage{Destination: "nobody", Content: "hi"}))
		assert.Equal(t, protocol.Error{Code: protocol.ErrorDisconnectedUser}, aliceFrames.next(t))

		require.NoError(t, alice.Send(protocol.ChangeStatus{Name: "bob", Status: protocol.StatusBusy}))
		assert.Equal(t, protocol.Error{Code: protocol.ErrorUserNotFound}, aliceFrames.next(t))

		require.NoError(t, alice.SendRaw([]byte{byte(protocol.TypeChangeStatus), 5, 'a', 'l', 'i', 'c', 'e', 7}))
		assert.Equal(t, protocol.Error{Code: protocol.ErrorInvalidStatus}, aliceFrames.next(t))
	})
}

func TestGateway_GeneralChannel(t *testing.T) {
	_, url := newTestGateway(t, GatewayConfig{})
	alice, aliceFrames := connect(t, url, "alice")
	_, bobFrames := connect(t, url, "bob")
	aliceFrames.next(t)

	require.NoError(t, alice.Send(protocol.SendMessage{Destination: "~", Content: "hi all"}))
	want := protocol.MessageReceived{Origin: "alice", Content: "hi all"}
	assert.Equal(t, want, aliceFrames.next(t))
	assert.Equal(t, want, bobFrames.next(t))

	require.NoError(t, alice.Send(protocol.ListUsers{}))
	assert.Equal(t, protocol.UserList{Users: []protocol.UserEntry{
		{Name: "alice", Status: protocol.StatusActive},
		{Name: "bob", Status: protocol.StatusActive},
	}}, aliceFrames.next(t))
}

func TestGateway_BadFramesKeepConnectionOpen(t *testing.T) {
	_, url := newTestGateway(t, GatewayConfig{})
	alice, frames := connect(t, url, "alice")

	require.NoError(t, alice.SendRaw([]byte{99, 1, 2}))
	require.NoError(t, alice.SendRaw([]byte{byte(protocol.TypeGetUserInfo), 10, 'a'}))
	require.NoError(t, alice.SendRaw([]byte{byte(protocol.TypeSendMessage), 1, 'x'}))
	require.NoError(t, alice.SendRaw(protocol.MustEncode(protocol.Error{Code: protocol.ErrorEmptyMessage})))
	require.NoError(t, alice.SendRaw([]byte{}))
	require.NoError(t, alice.SendRaw(append([]byte{byte(protocol.TypeSendMessage)}, strings.Repeat("x", 4*maxFrameSize)...)))

	require.NoError(t, alice.Send(protocol.GetUserInfo{Name: "alice"}))
	assert.Equal(t, protocol.UserInfo{User: protocol.UserEntry{Name: "alice", Status: protocol.StatusActive}}, frames.next(t))
	assert.Equal(t, chatclient.Connected, alice.State())
}

func TestGateway_DisconnectAndReconnect(t *testing.T) {
	gw, url := newTestGateway(t, GatewayConfig{})
	_, aliceFrames := connect(t, url, "alice")
	bob, _ := connect(t, url, "bob")
	aliceFrames.next(t)

	require.NoError(t, bob.Close())
	assert.Equal(t, protocol.StatusChange{User: protocol.UserEntry{Name: "bob", Status: protocol.StatusDisconnected}}, aliceFrames.next(t))
	assert.Eventually(t, func() bool { return gw.Connections.Len() == 1 }, waitTimeout, 10*time.Millisecond)

	connect(t, url, "bob")
	assert.Equal(t, protocol.NewUser{User: protocol.UserEntry{Name: "bob", Status: protocol.StatusActive}}, aliceFrames.next(t))
	assert.Equal(t, 2, gw.engine.Registry().Len())
}

func TestGateway_Throttle(t *testing.T) {
	_, url := newTestGateway(t, GatewayConfig{HandshakeLimit: 2, HandshakeWindow: time.Minute})

	rejected(t, url, "")
	rejected(t, url, "")
	rej := rejected(t, url, "alice")
	assert.Equal(t, http.StatusTooManyRequests, rej.StatusCode)
	assert.Equal(t, "too many connection attempts", rej.Reason)
}

func TestGateway_CloseAll(t *testing.T) {
	gw, url := newTestGateway(t, GatewayConfig{})
	alice, _ := connect(t, url, "alice")
	connect(t, url, "bob")

	assert.Equal(t, []string{"alice", "bob"}, gw.CloseAll())
	assert.Equal(t, 0, gw.Connections.Len())
	assert.False(t, gw.engine.Registry().IsConnected("alice"))
	assert.Eventually(t, func() bool { return alice.State() == chatclient.Disconnected }, waitTimeout, 10*time.Millisecond)
}

func TestGateway_RefusesAfterCloseAll(t *testing.T) {
	gw, url := newTestGateway(t, GatewayConfig{})
	assert.Empty(t, gw.CloseAll())

	rej := rejected(t, url, "carol")
	assert.Equal(t, http.StatusServiceUnavailable, rej.StatusCode)
	assert.Equal(t, reasonShuttingDown, rej.Reason)

	t.Run("late handler is not tracked", func(t *testing.T) {
		assert.False(t, gw.track(&Conn{id: 42, name: "dave"}))
		assert.Equal(t, 0, gw.Connections.Len())
	})

	assert.False(t, gw.engine.Registry().IsConnected("carol"))
}

func TestValidateName(t *testing.T) {
	assert.Equal(t, "", validateName("alice"))
	assert.Equal(t, "", validateName(strings.Repeat("a", 255)))
	assert.Equal(t, reasonEmptyName, validateName(""))
	assert.Equal(t, reasonReservedName, validateName("~"))
	assert.Equal(t, reasonNameTooLong, validateName(strings.Repeat("a", 256)))
}

func TestThrottle(t *testing.T) {
	var disabled *throttle
	assert.True(t, disabled.Allow("10.0.0.1"))
	assert.Nil(t, newThrottle(0, time.Second))

	th := newThrottle(3, time.Minute)
	for range 3 {
		assert.True(t, th.Allow("10.0.0.1"))
	}
	assert.False(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow("10.0.0.2"))
}

func TestRemoteHost(t *testing.T) {
	assert.Equal(t, "127.0.0.1", remoteHost("127.0.0.1:5555"))
	assert.Equal(t, "::1", remoteHost("[::1]:5555"))
	assert.Equal(t, "garbage", remoteHost("garbage"))
}
