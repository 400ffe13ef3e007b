package tcpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/chat-server/chatclient"
	"github.com/cyberinferno/chat-server/logger"
	"github.com/cyberinferno/chat-server/protocol"
	"github.com/cyberinferno/chat-server/workerpool"
)

// startTestServer runs a full streaming listener on a loopback port backed by
// a real store and registry.
func startTestServer(t *testing.T, env *sessionEnv, poolSize int) (*Server, string) {
	t.Helper()

	pool := workerpool.New(poolSize, logger.NewNopLogger())
	t.Cleanup(pool.Shutdown)

	srv := &Server{
		Logger:     logger.NewNopLogger(),
		Name:       "chat-test",
		Addr:       "127.0.0.1:0",
		Pool:       pool,
		NewSession: NewChatSessionFactory(env.deps, SessionConfig{WriteTimeout: 2 * time.Second}),
	}
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv, srv.ListenAddr().String()
}

// connectClient dials and authenticates one chat client, collecting every
// envelope it receives on a channel.
func connectClient(t *testing.T, addr, token string) (*chatclient.Client, chan protocol.Envelope) {
	t.Helper()

	events := make(chan protocol.Envelope, 16)
	client := chatclient.New(chatclient.DefaultConfig(addr))
	client.OnEvent(func(env protocol.Envelope) { events <- env })

	require.NoError(t, client.Connect())
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Authenticate(token))

	return client, events
}

func waitEvent(t *testing.T, events chan protocol.Envelope) protocol.Envelope {
	t.Helper()

	select {
	case env := <-events:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no event received in time")
		return protocol.Envelope{}
	}
}

func TestServer_EndToEndMessage(t *testing.T) {
	env := newSessionEnv(t)
	_, aliceToken := env.registerUser(t, "alice@example.com")
	bob, bobToken := env.registerUser(t, "bob@example.com")

	_, addr := startTestServer(t, env, 4)

	_, bobEvents := connectClient(t, addr, bobToken)
	require.Eventually(t, func() bool {
		return env.reg.SessionCount(bob.Email) == 1
	}, 2*time.Second, 10*time.Millisecond)

	alice, _ := connectClient(t, addr, aliceToken)
	require.NoError(t, alice.SendMessage(bob.Email, "hello over tcp"))

	got := waitEvent(t, bobEvents)
	assert.Equal(t, protocol.EventMessage, got.Type)
	assert.Equal(t, "hello over tcp", got.Content)
	assert.Equal(t, "alice", got.Username)
	assert.NotEmpty(t, got.MessageID)
	assert.Empty(t, got.Token)
}

func TestServer_MultiDeviceDelivery(t *testing.T) {
	env := newSessionEnv(t)
	_, aliceToken := env.registerUser(t, "alice@example.com")
	bob, bobToken := env.registerUser(t, "bob@example.com")

	_, addr := startTestServer(t, env, 4)

	// The same identity online twice receives the message on both connections.
	_, phoneEvents := connectClient(t, addr, bobToken)
	_, laptopEvents := connectClient(t, addr, bobToken)
	require.Eventually(t, func() bool {
		return env.reg.SessionCount(bob.Email) == 2
	}, 2*time.Second, 10*time.Millisecond)

	alice, _ := connectClient(t, addr, aliceToken)
	require.NoError(t, alice.SendMessage(bob.Email, "both of you"))

	for _, events := range []chan protocol.Envelope{phoneEvents, laptopEvents} {
		got := waitEvent(t, events)
		assert.Equal(t, "both of you", got.Content)
	}
}

func TestServer_PresenceOnDisconnect(t *testing.T) {
	env := newSessionEnv(t)
	alice, aliceToken := env.registerUser(t, "alice@example.com")
	bob, bobToken := env.registerUser(t, "bob@example.com")
	env.befriend(t, alice, bob)

	_, addr := startTestServer(t, env, 4)

	_, bobEvents := connectClient(t, addr, bobToken)
	aliceClient, _ := connectClient(t, addr, aliceToken)
	require.Eventually(t, func() bool {
		return env.reg.SessionCount(alice.Email) == 1 && env.reg.SessionCount(bob.Email) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, aliceClient.Disconnect())

	got := waitEvent(t, bobEvents)
	assert.Equal(t, protocol.EventUserStatus, got.Type)
	assert.Equal(t, "offline", got.UserStatus)
	assert.Equal(t, "alice", got.Username)

	require.Eventually(t, func() bool {
		u, err := env.store.UserByEmail(context.Background(), alice.Email)
		return err == nil && u.Status == "offline"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StopClosesSessions(t *testing.T) {
	env := newSessionEnv(t)
	alice, aliceToken := env.registerUser(t, "alice@example.com")

	srv, addr := startTestServer(t, env, 4)

	connectClient(t, addr, aliceToken)
	require.Eventually(t, func() bool {
		return env.reg.SessionCount(alice.Email) == 1
	}, 2*time.Second, 10*time.Millisecond)

	srv.Stop()

	require.Eventually(t, func() bool {
		return env.reg.SessionCount(alice.Email) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StartTwiceFails(t *testing.T) {
	env := newSessionEnv(t)
	srv, _ := startTestServer(t, env, 2)

	err := srv.Start()
	assert.ErrorContains(t, err, "already running")
}
