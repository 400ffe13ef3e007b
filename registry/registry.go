// Package registry tracks which authenticated identities own which live
// connections and delivers payloads to exactly the right set of sockets.
//
// The whole registry is guarded by one mutex. That coarse lock is what makes
// delivery well-defined: a directed send observes a consistent snapshot of an
// identity's sessions at call time, and sessions added afterwards never
// receive the payload retroactively. If contention ever becomes a bottleneck
// the map can be sharded by identity hash without changing this contract.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/chat-server/logger"
	"github.com/cyberinferno/chat-server/metrics"
)

// Conn is the write surface a session shares with the registry. The read side
// of the connection stays owned by the router task; the registry only sends.
// Send must be safe for concurrent use and must not block indefinitely.
type Conn interface {
	Send(data []byte) error
}

// Session is one live, authenticated connection belonging to an identity. An
// identity may own zero, one, or many concurrent sessions (multi-device).
type Session struct {
	Identity        string
	ConnID          uint32
	AuthenticatedAt time.Time

	conn        Conn
	evictedLast atomic.Bool
}

// EvictedLast reports whether a delivery failure evicted this session and the
// eviction left its identity with no sessions at all. The session's teardown
// still owns the identity's presence change in that case, since no Remove call
// will observe the transition to zero.
func (s *Session) EvictedLast() bool {
	return s.evictedLast.Load()
}

// Registry maps identities to their live sessions. All methods are safe for
// concurrent use. The registry never holds a session for a closed connection
// past the disconnect handling that removes it: a failed write evicts the
// session in place.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[uint32]*Session
	log      logger.Logger
	metrics  *metrics.Metrics
}

// New creates an empty Registry.
//
// Parameters:
//   - log: Logger for eviction events
//   - m: Metrics bundle; may be nil
//
// Returns:
//   - A ready *Registry
func New(log logger.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]map[uint32]*Session),
		log:      log.With(logger.Field{Key: "component", Value: "registry"}),
		metrics:  m,
	}
}

// Add registers a session for (identity, connID). Sessions are additive: a
// second device for the same identity does not replace the first. Re-adding
// the same connID for the same identity overwrites that entry only.
//
// Parameters:
//   - identity: The authenticated principal
//   - connID: The connection's server-assigned ID
//   - conn: The connection's write surface
//
// Returns:
//   - The created *Session
func (r *Registry) Add(identity string, connID uint32, conn Conn) *Session {
	s := &Session{
		Identity:        identity,
		ConnID:          connID,
		AuthenticatedAt: time.Now(),
		conn:            conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byConn, ok := r.sessions[identity]
	if !ok {
		byConn = make(map[uint32]*Session)
		r.sessions[identity] = byConn
	}

	if _, replaced := byConn[connID]; !replaced && r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
	}

	byConn[connID] = s
	return s
}

// Remove deletes the session for (identity, connID). Removing a session that
// is not registered is a no-op, so repeated disconnect handling stays
// idempotent.
//
// Parameters:
//   - identity: The session's identity
//   - connID: The session's connection ID
//
// Returns:
//   - removed: true if a session was deleted by this call
//   - remaining: the identity's session count after removal
func (r *Registry) Remove(identity string, connID uint32) (removed bool, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byConn, ok := r.sessions[identity]
	if !ok {
		return false, 0
	}

	if _, ok := byConn[connID]; !ok {
		return false, len(byConn)
	}

	delete(byConn, connID)
	if len(byConn) == 0 {
		delete(r.sessions, identity)
	}

	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
	}

	return true, len(byConn)
}

// SessionCount returns the number of live sessions for an identity.
func (r *Registry) SessionCount(identity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[identity])
}

// SendTo delivers the payload to every live session of one identity at call
// time. A write failure evicts that session from the registry instead of
// propagating the error; dead peers heal out of the map.
//
// Parameters:
//   - identity: The recipient identity
//   - payload: The framed bytes to write
//
// Returns:
//   - The number of sessions the payload was delivered to (zero or more)
func (r *Registry) SendTo(identity string, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendLocked(identity, payload)
}

// SendToMany delivers the payload to every live session of each identity.
// Partial delivery is expected and is not an error.
//
// Returns:
//   - The total number of sessions delivered to across all identities
func (r *Registry) SendToMany(identities []string, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, identity := range identities {
		delivered += r.sendLocked(identity, payload)
	}

	return delivered
}

// Broadcast delivers the payload to every session currently registered. Used
// only for operational, system-wide notices.
//
// Returns:
//   - The total number of sessions delivered to
func (r *Registry) Broadcast(payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for identity := range r.sessions {
		delivered += r.sendLocked(identity, payload)
	}

	return delivered
}

// sendLocked writes to each of an identity's sessions; caller must hold r.mu.
func (r *Registry) sendLocked(identity string, payload []byte) int {
	byConn := r.sessions[identity]
	if len(byConn) == 0 {
		return 0
	}

	delivered := 0
	for connID, s := range byConn {
		if err := s.conn.Send(payload); err != nil {
			delete(byConn, connID)
			if len(byConn) == 0 {
				s.evictedLast.Store(true)
			}

			if r.metrics != nil {
				r.metrics.ActiveSessions.Dec()
				r.metrics.DeliveryFailures.Inc()
			}

			r.log.Warn("evicted dead session",
				logger.Field{Key: "identity", Value: identity},
				logger.Field{Key: "conn_id", Value: connID},
				logger.Field{Key: "error", Value: err})
			continue
		}

		delivered++
		if r.metrics != nil {
			r.metrics.Deliveries.Inc()
		}
	}

	if len(byConn) == 0 {
		delete(r.sessions, identity)
	}

	return delivered
}
