// Package restserver implements the request/response listener for account and
// social-graph operations. Every request handler body runs as one task on the
// shared worker pool, so request handling and live connections draw on the
// same concurrency budget.
package restserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/cyberinferno/chat-server/auth"
	"github.com/cyberinferno/chat-server/logger"
	"github.com/cyberinferno/chat-server/metrics"
	"github.com/cyberinferno/chat-server/store"
	"github.com/cyberinferno/chat-server/workerpool"
)

// Deps are the collaborators the REST handlers need. Metrics may be nil, in
// which case no /metrics endpoint is registered.
type Deps struct {
	Store   store.Store
	Tokens  *auth.Manager
	Pool    *workerpool.Pool
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

// Server is the HTTP listener for the request/response transport.
type Server struct {
	addr       string
	deps       Deps
	log        logger.Logger
	httpServer *http.Server
	listener   net.Listener
}

// New creates the REST server with its routes bound but not yet listening.
//
// Parameters:
//   - addr: Bind address (e.g. ":8080")
//   - deps: Handler collaborators
//
// Returns:
//   - A ready *Server; call Start to begin serving
func New(addr string, deps Deps) *Server {
	s := &Server{
		addr: addr,
		deps: deps,
		log:  deps.Logger.With(logger.Field{Key: "component", Value: "restserver"}),
	}

	router := httprouter.New()
	router.POST("/api/login", s.dispatch(s.handleLogin))
	router.POST("/api/register", s.dispatch(s.handleRegister))
	router.POST("/api/logout", s.dispatch(s.handleLogout))
	router.POST("/api/invite", s.dispatch(s.handleInvite))
	router.POST("/api/accept-invite", s.dispatch(s.handleAcceptInvite))
	router.GET("/api/users", s.dispatch(s.handleGetUser))
	router.GET("/api/rooms", s.dispatch(s.handleGetRooms))
	router.GET("/api/messages/:room", s.dispatch(s.handleGetMessages))
	router.GET("/api/friends", s.dispatch(s.handleGetFriends))
	router.GET("/api/friends/pending", s.dispatch(s.handleGetPendingInvites))
	router.GET("/api/friends/requests", s.dispatch(s.handleGetSentInvites))

	if deps.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	s.httpServer = &http.Server{Handler: router}
	return s
}

// Start binds the listener and begins serving in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rest server failed to start: %w", err)
	}

	s.listener = ln
	s.log.Info("rest server started", logger.Field{Key: "addr", Value: ln.Addr().String()})

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("rest server stopped serving", logger.Field{Key: "error", Value: err})
		}
	}()

	return nil
}

// ListenAddr returns the bound listener address, useful when addr was ":0".
func (s *Server) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Stop shuts the HTTP server down gracefully within the context's deadline.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.log.Info("rest server stopped")
	return err
}

// dispatch wraps a handler so its body executes as one worker pool task while
// the HTTP goroutine waits. When the pool is shutting down the request is
// refused rather than run outside the budget.
func (s *Server) dispatch(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		done := make(chan struct{})
		submitted := s.deps.Pool.Submit(func() {
			defer close(done)
			h(w, r, ps)
		})
		if !submitted {
			s.writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}

		<-done
	}
}

// writeSuccess writes a status:"success" JSON body with the given extra keys.
func (s *Server) writeSuccess(w http.ResponseWriter, payload map[string]any) {
	body := map[string]any{"status": "success"}
	for k, v := range payload {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to write response", logger.Field{Key: "error", Value: err})
	}
}

// writeError writes a status:"error" JSON body. Raw errors never reach the
// client; every failure is a code plus a message.
func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":  "error",
		"message": message,
	}); err != nil {
		s.log.Error("failed to write error response", logger.Field{Key: "error", Value: err})
	}
}

// bearerToken extracts the bearer token from the Authorization header,
// stripped of its scheme prefix.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("authorization header missing")
	}

	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errors.New("authorization header malformed")
	}

	return header[len(prefix):], nil
}
