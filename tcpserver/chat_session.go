package tcpserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberinferno/chat-server/auth"
	"github.com/cyberinferno/chat-server/logger"
	"github.com/cyberinferno/chat-server/metrics"
	"github.com/cyberinferno/chat-server/protocol"
	"github.com/cyberinferno/chat-server/registry"
	"github.com/cyberinferno/chat-server/store"
)

// maxFrameSize bounds one newline-framed envelope.
const maxFrameSize = 1 << 20

// offlineStatus is persisted when an identity's last session disconnects.
const offlineStatus = "offline"

// connState is the per-connection state machine: Connecting until the first
// valid connect event, Authenticated afterwards, Closed terminal.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateClosed
)

// Deps are the collaborators a chat session needs. All fields except Metrics
// are required.
type Deps struct {
	Store    store.Store
	Tokens   *auth.Manager
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   logger.Logger
}

// SessionConfig tunes per-connection behavior.
type SessionConfig struct {
	// WriteTimeout bounds each outbound write so a stalled peer cannot block
	// delivery under the registry lock. Zero means no deadline.
	WriteTimeout time.Duration

	// EventRate is the sustained inbound envelope rate allowed per
	// connection; zero disables limiting.
	EventRate rate.Limit

	// EventBurst is the limiter's burst size when EventRate is set.
	EventBurst int
}

// ChatSession is the router for one streaming connection. It owns the read
// side of the connection exclusively; once authenticated, the write side is
// shared with the session registry for inbound deliveries. Events on one
// connection are processed strictly in arrival order.
type ChatSession struct {
	id      uint32
	conn    net.Conn
	deps    Deps
	cfg     SessionConfig
	limiter *rate.Limiter
	log     logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	// state, identity, and session belong to the router goroutine only.
	state    connState
	identity string
	session  *registry.Session
}

// NewChatSessionFactory returns the NewSessionFunc wiring chat sessions to
// their collaborators. Pass the result as Server.NewSession.
func NewChatSessionFactory(deps Deps, cfg SessionConfig) NewSessionFunc {
	return func(id uint32, conn net.Conn) Session {
		return NewChatSession(id, conn, deps, cfg)
	}
}

// NewChatSession creates the router session for one accepted connection.
func NewChatSession(id uint32, conn net.Conn, deps Deps, cfg SessionConfig) *ChatSession {
	limit := cfg.EventRate
	if limit <= 0 {
		limit = rate.Inf
	}

	burst := cfg.EventBurst
	if burst < 1 {
		burst = 1
	}

	return &ChatSession{
		id:      id,
		conn:    conn,
		deps:    deps,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		log: deps.Logger.With(
			logger.Field{Key: "component", Value: "chat_session"},
			logger.Field{Key: "conn_id", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		),
	}
}

// ID implements Session.
func (s *ChatSession) ID() uint32 {
	return s.id
}

// Close implements Session. Closing the connection is the only cancellation
// signal; the router loop observes the closed stream and winds down.
func (s *ChatSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})

	return err
}

// Send implements Session and registry.Conn. Writes are serialized and bound
// by the configured write timeout so one stalled peer never wedges delivery.
func (s *ChatSession) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = s.conn.SetWriteDeadline(time.Time{})
		}()
	}

	_, err := s.conn.Write(data)
	return err
}

// Handle implements Session: the router loop. One framed message is read,
// decoded, and dispatched at a time; the loop exits on stream EOF/error, on
// an explicit disconnect event, or on any authentication failure.
func (s *ChatSession) Handle() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveConnections.Inc()
	}

	defer func() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ActiveConnections.Dec()
		}

		s.finish()
	}()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			// Malformed envelopes are not fatal to the connection.
			s.log.Warn("dropping malformed envelope", logger.Field{Key: "error", Value: err})
			continue
		}

		if !s.limiter.Allow() {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimited.Inc()
			}

			s.log.Warn("rate limit exceeded, dropping envelope", logger.Field{Key: "type", Value: env.Type})
			continue
		}

		if s.deps.Metrics != nil {
			s.deps.Metrics.EventsProcessed.WithLabelValues(env.Type).Inc()
		}

		if s.state == stateConnecting {
			// The only way out of Connecting is a valid connect event.
			if env.Type != protocol.EventConnect {
				s.log.Warn("event before authentication, closing connection",
					logger.Field{Key: "type", Value: env.Type})
				return
			}

			if !s.handleConnect(env) {
				return
			}

			continue
		}

		// Every envelope after authentication carries the bearer token and is
		// revalidated; a stale or foreign token closes the connection.
		identity, err := s.deps.Tokens.Validate(context.Background(), env.Token)
		if err != nil || identity != s.identity {
			s.log.Warn("token validation failed, closing connection")
			return
		}

		switch env.Type {
		case protocol.EventConnect:
			// Already authenticated; the session is registered. No-op.
		case protocol.EventDisconnect:
			s.log.Info("client requested disconnect")
			return
		case protocol.EventMessage:
			s.handleMessage(env)
		case protocol.EventTyping, protocol.EventStopTyping:
			s.forwardToRecipient(env)
		case protocol.EventUserStatus:
			s.handleUserStatus(env)
		case protocol.EventMessageReceipt:
			s.log.Info("message receipt",
				logger.Field{Key: "message_id", Value: env.MessageID})
		case protocol.EventJoinRoom:
			s.log.Info("client joined room", logger.Field{Key: "room", Value: env.Room})
		case protocol.EventLeaveRoom:
			s.log.Info("client left room", logger.Field{Key: "room", Value: env.Room})
		default:
			s.log.Debug("ignoring unrecognized event type", logger.Field{Key: "type", Value: env.Type})
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		if errors.Is(err, bufio.ErrTooLong) {
			s.log.Warn("closing connection, frame too large",
				logger.Field{Key: "limit", Value: maxFrameSize})
		} else {
			s.log.Debug("read loop ended", logger.Field{Key: "error", Value: err})
		}
	}
}

// handleConnect authenticates the connection and registers its session.
// Returns false when the connection must close.
func (s *ChatSession) handleConnect(env protocol.Envelope) bool {
	identity, err := s.deps.Tokens.Validate(context.Background(), env.Token)
	if err != nil {
		s.log.Warn("invalid token on connect, closing connection")
		return false
	}

	s.identity = identity
	s.state = stateAuthenticated
	s.session = s.deps.Registry.Add(identity, s.id, s)
	s.log.Info("client connected", logger.Field{Key: "identity", Value: identity})

	return true
}

// handleMessage persists one direct message and fans it out to every live
// session of the recipient. The persisted record is the source of truth; a
// failed fan-out is not rolled back.
func (s *ChatSession) handleMessage(env protocol.Envelope) {
	if env.Recipient == "" || env.Content == "" {
		s.log.Warn("message missing recipient or content")
		return
	}

	ctx := context.Background()

	sender, err := s.deps.Store.UserByEmail(ctx, s.identity)
	if err != nil {
		s.log.Error("failed to load sender", logger.Field{Key: "error", Value: err})
		return
	}

	recipient, err := s.deps.Store.UserByEmail(ctx, env.Recipient)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("message to unknown recipient", logger.Field{Key: "recipient", Value: env.Recipient})
		} else {
			s.log.Error("failed to load recipient", logger.Field{Key: "error", Value: err})
		}

		return
	}

	room, err := s.deps.Store.RoomByParticipants(ctx, sender.ID, recipient.ID)
	if err != nil {
		s.log.Error("failed to resolve room", logger.Field{Key: "error", Value: err})
		return
	}

	msg, err := s.deps.Store.InsertMessage(ctx, room.ID, sender.ID, env.Content)
	if err != nil {
		s.log.Error("failed to persist message", logger.Field{Key: "error", Value: err})
		return
	}

	out := env
	out.Token = "" // bearer tokens never fan out
	out.Username = sender.Username
	out.Room = strconv.FormatInt(room.ID, 10)
	out.MessageID = msg.ID

	payload, err := protocol.Encode(out)
	if err != nil {
		s.log.Error("failed to encode message", logger.Field{Key: "error", Value: err})
		return
	}

	delivered := s.deps.Registry.SendTo(recipient.Email, payload)
	s.log.Debug("message delivered",
		logger.Field{Key: "message_id", Value: msg.ID},
		logger.Field{Key: "sessions", Value: delivered})
}

// forwardToRecipient relays a non-persisted event (typing indicators) to all
// live sessions of the recipient.
func (s *ChatSession) forwardToRecipient(env protocol.Envelope) {
	if env.Recipient == "" {
		s.log.Warn("event missing recipient", logger.Field{Key: "type", Value: env.Type})
		return
	}

	out := env
	out.Token = ""
	out.Username = s.identity

	payload, err := protocol.Encode(out)
	if err != nil {
		s.log.Error("failed to encode event", logger.Field{Key: "error", Value: err})
		return
	}

	s.deps.Registry.SendTo(env.Recipient, payload)
}

// handleUserStatus persists the sender's new status and delivers the event to
// every live session of every contact in the sender's friend graph.
func (s *ChatSession) handleUserStatus(env protocol.Envelope) {
	if env.UserStatus == "" {
		s.log.Warn("userStatus missing status value")
		return
	}

	ctx := context.Background()

	if err := s.deps.Store.UpdateUserStatus(ctx, s.identity, env.UserStatus); err != nil {
		s.log.Error("failed to persist status", logger.Field{Key: "error", Value: err})
		return
	}

	s.broadcastStatus(ctx, env.UserStatus)
}

// broadcastStatus sends a userStatus event for this session's identity to all
// of its contacts' live sessions.
func (s *ChatSession) broadcastStatus(ctx context.Context, status string) {
	u, err := s.deps.Store.UserByEmail(ctx, s.identity)
	if err != nil {
		s.log.Error("failed to load user for status broadcast", logger.Field{Key: "error", Value: err})
		return
	}

	friends, err := s.deps.Store.Friends(ctx, u.ID)
	if err != nil {
		s.log.Error("failed to load contacts", logger.Field{Key: "error", Value: err})
		return
	}

	if len(friends) == 0 {
		return
	}

	payload, err := protocol.Encode(protocol.Envelope{
		Type:       protocol.EventUserStatus,
		Username:   u.Username,
		UserStatus: status,
	})
	if err != nil {
		s.log.Error("failed to encode status event", logger.Field{Key: "error", Value: err})
		return
	}

	identities := make([]string, 0, len(friends))
	for _, f := range friends {
		identities = append(identities, f.Email)
	}

	s.deps.Registry.SendToMany(identities, payload)
}

// finish closes the connection and, exactly once, runs disconnect handling
// for an authenticated session: remove the session from the registry, and if
// it was the identity's last one, persist offline status and notify contacts.
// A session that a delivery failure already evicted still owns the presence
// change here when the eviction took the identity to zero sessions.
func (s *ChatSession) finish() {
	_ = s.Close()

	if s.state != stateAuthenticated {
		s.state = stateClosed
		return
	}

	s.state = stateClosed

	removed, remaining := s.deps.Registry.Remove(s.identity, s.id)
	if remaining > 0 {
		// Another device keeps the identity online.
		return
	}

	if !removed && !s.session.EvictedLast() {
		// A delivery failure evicted this session while other devices were
		// still live; whichever session took the identity to zero handled the
		// presence change already.
		return
	}

	ctx := context.Background()
	if err := s.deps.Store.UpdateUserStatus(ctx, s.identity, offlineStatus); err != nil {
		s.log.Error("failed to persist offline status", logger.Field{Key: "error", Value: err})
	}

	s.broadcastStatus(ctx, offlineStatus)
	s.log.Info("client disconnected", logger.Field{Key: "identity", Value: s.identity})
}
