package chatclient

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/chat-server/protocol"
)

// fakeServer accepts a single connection and exposes its frames as envelopes.
type fakeServer struct {
	listener net.Listener
	conn     chan net.Conn
	received chan protocol.Envelope
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{
		listener: ln,
		conn:     make(chan net.Conn, 1),
		received: make(chan protocol.Envelope, 16),
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		s.conn <- conn
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			if env, err := protocol.Decode(scanner.Bytes()); err == nil {
				s.received <- env
			}
		}
	}()

	return s
}

func (s *fakeServer) addr() string {
	return s.listener.Addr().String()
}

func (s *fakeServer) waitReceived(t *testing.T) protocol.Envelope {
	t.Helper()

	select {
	case env := <-s.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("server received no envelope in time")
		return protocol.Envelope{}
	}
}

// push writes one framed envelope from the server to the connected client.
func (s *fakeServer) push(t *testing.T, env protocol.Envelope) {
	t.Helper()

	select {
	case conn := <-s.conn:
		s.conn <- conn
		payload, err := protocol.Encode(env)
		require.NoError(t, err)
		_, err = conn.Write(payload)
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no client connected")
	}
}

func TestClient_ConnectAndAuthenticate(t *testing.T) {
	srv := newFakeServer(t)

	states := make(chan State, 8)
	client := New(DefaultConfig(srv.addr()))
	client.OnState(func(s State) { states <- s })

	require.NoError(t, client.Connect())
	t.Cleanup(func() { _ = client.Close() })

	assert.Equal(t, Connected, <-states)

	require.NoError(t, client.Authenticate("token-123"))

	env := srv.waitReceived(t)
	assert.Equal(t, protocol.EventConnect, env.Type)
	assert.Equal(t, "token-123", env.Token)
}

func TestClient_TokenAttachedToEverySend(t *testing.T) {
	srv := newFakeServer(t)
	client := New(DefaultConfig(srv.addr()))

	require.NoError(t, client.Connect())
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Authenticate("token-123"))
	srv.waitReceived(t) // connect envelope

	require.NoError(t, client.SendMessage("bob@example.com", "hi"))

	env := srv.waitReceived(t)
	assert.Equal(t, protocol.EventMessage, env.Type)
	assert.Equal(t, "token-123", env.Token)
	assert.Equal(t, "bob@example.com", env.Recipient)
	assert.Equal(t, "hi", env.Content)

	require.NoError(t, client.SendTyping("bob@example.com", true))
	assert.Equal(t, protocol.EventTyping, srv.waitReceived(t).Type)

	require.NoError(t, client.SendTyping("bob@example.com", false))
	assert.Equal(t, protocol.EventStopTyping, srv.waitReceived(t).Type)

	require.NoError(t, client.SetStatus("away"))
	env = srv.waitReceived(t)
	assert.Equal(t, protocol.EventUserStatus, env.Type)
	assert.Equal(t, "away", env.UserStatus)
}

func TestClient_ReceivesEventsInOrder(t *testing.T) {
	srv := newFakeServer(t)

	events := make(chan protocol.Envelope, 8)
	client := New(DefaultConfig(srv.addr()))
	client.OnEvent(func(env protocol.Envelope) { events <- env })

	require.NoError(t, client.Connect())
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Authenticate("token-123"))
	srv.waitReceived(t)

	srv.push(t, protocol.Envelope{Type: protocol.EventMessage, Content: "first"})
	srv.push(t, protocol.Envelope{Type: protocol.EventMessage, Content: "second"})

	for _, want := range []string{"first", "second"} {
		select {
		case env := <-events:
			assert.Equal(t, want, env.Content)
		case <-time.After(2 * time.Second):
			t.Fatalf("did not receive %q in time", want)
		}
	}
}

func TestClient_Lifecycle(t *testing.T) {
	t.Run("send before connect fails", func(t *testing.T) {
		client := New(DefaultConfig("127.0.0.1:1"))
		err := client.SendMessage("bob@example.com", "hi")
		assert.ErrorContains(t, err, "not connected")
	})

	t.Run("double connect fails", func(t *testing.T) {
		srv := newFakeServer(t)
		client := New(DefaultConfig(srv.addr()))

		require.NoError(t, client.Connect())
		t.Cleanup(func() { _ = client.Close() })

		assert.ErrorContains(t, client.Connect(), "already connected")
	})

	t.Run("close is idempotent and final", func(t *testing.T) {
		srv := newFakeServer(t)
		client := New(DefaultConfig(srv.addr()))

		require.NoError(t, client.Connect())
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())

		assert.ErrorContains(t, client.Connect(), "closed")
		assert.ErrorContains(t, client.SendMessage("bob@example.com", "hi"), "not connected")
	})

	t.Run("server drop moves the client to disconnected", func(t *testing.T) {
		srv := newFakeServer(t)

		states := make(chan State, 8)
		client := New(DefaultConfig(srv.addr()))
		client.OnState(func(s State) { states <- s })

		require.NoError(t, client.Connect())
		t.Cleanup(func() { _ = client.Close() })
		assert.Equal(t, Connected, <-states)

		conn := <-srv.conn
		require.NoError(t, conn.Close())

		select {
		case s := <-states:
			assert.Equal(t, Disconnected, s)
		case <-time.After(2 * time.Second):
			t.Fatal("no disconnect state change")
		}
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", State(42).String())
}
