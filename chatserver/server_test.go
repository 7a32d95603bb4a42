package chatserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cyberinferno/go-chat-server/chatclient"
	"github.com/cyberinferno/go-chat-server/config"
	"github.com/cyberinferno/go-chat-server/logger"
	"github.com/cyberinferno/go-chat-server/protocol"
	"github.com/cyberinferno/go-chat-server/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Port = 1
	cfg.SweepInterval = 20 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, s *Server) (string, context.CancelFunc, <-chan error) {
	t.Helper()

	s.Addr = "127.0.0.1:0"
	require.NoError(t, s.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return "ws://" + s.ListenAddr() + "/", cancel, done
}

func TestServer_RunAndShutdown(t *testing.T) {
	s := New(testConfig(), logger.NewNop())
	url, cancel, done := startServer(t, s)

	alice, frames := connect(t, url, "alice")
	require.NoError(t, alice.Send(protocol.SendMessage{Destination: "~", Content: "hello"}))
	assert.Equal(t, protocol.MessageReceived{Origin: "alice", Content: "hello"}, frames.next(t))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}

	assert.False(t, s.Running.Load())
	assert.False(t, s.Engine.Registry().IsConnected("alice"))
	assert.Eventually(t, func() bool { return alice.State() == chatclient.Disconnected }, waitTimeout, 10*time.Millisecond)

	_, err := net.DialTimeout("tcp", s.ListenAddr(), 200*time.Millisecond)
	assert.Error(t, err)

	s.Stop()
}

func TestServer_StartTwice(t *testing.T) {
	s := New(testConfig(), logger.NewNop())
	s.Addr = "127.0.0.1:0"
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Error(t, s.Start())
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := New(testConfig(), logger.NewNop())
	s.Addr = ln.Addr().String()
	assert.Error(t, s.Start())
	assert.False(t, s.Running.Load())
}

func TestServer_SweeperDemotesIdleUsers(t *testing.T) {
	clock := registry.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s := New(testConfig(), logger.NewNop(), WithClock(clock))
	url, cancel, done := startServer(t, s)
	defer func() {
		cancel()
		<-done
	}()

	_, aliceFrames := connect(t, url, "alice")
	bob, _ := connect(t, url, "bob")
	aliceFrames.next(t)

	clock.Advance(100 * time.Second)
	require.NoError(t, bob.Send(protocol.ChangeStatus{Name: "bob", Status: protocol.StatusActive}))
	assert.Equal(t, protocol.StatusChange{User: protocol.UserEntry{Name: "bob", Status: protocol.StatusActive}}, aliceFrames.next(t))

	clock.Advance(30 * time.Second)
	assert.Equal(t, protocol.StatusChange{User: protocol.UserEntry{Name: "alice", Status: protocol.StatusInactive}}, aliceFrames.next(t))

	info, ok := s.Engine.Registry().Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusActive, info.Status)
}
