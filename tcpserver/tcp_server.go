// Package tcpserver implements the streaming connection listener and the
// per-connection message router for the chat transport.
package tcpserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/chat-server/logger"
	"github.com/cyberinferno/chat-server/workerpool"
)

// Session is implemented by each connection handler. The server creates one
// session per accepted connection and submits Handle to the shared worker
// pool; the session owns the read side of the connection until Handle returns.
type Session interface {
	// ID returns the session's server-assigned connection ID.
	ID() uint32

	// Handle runs the session's router loop until the connection closes.
	Handle()

	// Close closes the session. Safe to call multiple times.
	Close() error

	// Send writes framed data to the connection. Safe for concurrent use.
	Send(data []byte) error
}

// NewSessionFunc creates the Session for an accepted connection. It receives
// the assigned connection ID and the net.Conn.
type NewSessionFunc func(id uint32, conn net.Conn) Session

// Server accepts TCP connections and hands each one to the worker pool as a
// single long-lived task. The pool size is therefore a hard ceiling on
// concurrent live connections: when all workers are occupied, accepted
// connections queue unhandled until a worker frees up. That is the documented
// resource-exhaustion policy, not an accident.
type Server struct {
	Logger     logger.Logger
	Name       string
	Addr       string
	Pool       *workerpool.Pool
	NewSession NewSessionFunc

	listener net.Listener
	running  atomic.Bool
	nextID   atomic.Uint32

	mu       sync.Mutex
	sessions map[uint32]Session
}

// Start binds to Addr and begins the accept loop in a goroutine. It returns
// an error if the server is already running or if listening fails.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.listener = ln
	s.sessions = make(map[uint32]Session)
	s.running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.acceptLoop()

	return nil
}

// ListenAddr returns the bound listener address, useful when Addr was ":0".
func (s *Server) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Stop stops the server: it closes the listener and every live session. The
// router tasks observe their connections closing and wind down through their
// normal disconnect path. Safe to call when not running.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	sessions := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}

	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// acceptLoop accepts connections until the server stops. Each connection gets
// an ID, a session, and one worker pool task running the session's Handle.
func (s *Server) acceptLoop() {
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		id := s.nextID.Add(1)
		sess := s.NewSession(id, conn)

		s.mu.Lock()
		s.sessions[id] = sess
		s.mu.Unlock()

		submitted := s.Pool.Submit(func() {
			defer s.removeSession(id)
			sess.Handle()
		})
		if !submitted {
			s.removeSession(id)
			_ = sess.Close()
		}
	}
}

// removeSession drops a session from the server's table once its task ends.
func (s *Server) removeSession(id uint32) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
