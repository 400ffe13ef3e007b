package restserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/cyberinferno/chat-server/auth"
	"github.com/cyberinferno/chat-server/logger"
	"github.com/cyberinferno/chat-server/store"
)

// onlineStatus is persisted on login and register.
const onlineStatus = "online"

// credentialsRequest is the login/register body.
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// friendRequest is the invite/accept-invite body.
type friendRequest struct {
	FriendEmail string `json:"friend_email"`
}

// authenticate resolves the request's bearer token to the stored user.
func (s *Server) authenticate(r *http.Request) (store.User, error) {
	token, err := bearerToken(r)
	if err != nil {
		return store.User{}, err
	}

	identity, err := s.deps.Tokens.Validate(r.Context(), token)
	if err != nil {
		return store.User{}, err
	}

	return s.deps.Store.UserByEmail(r.Context(), identity)
}

// handleLogin verifies credentials, issues a token, and marks the account
// online. Wrong email and wrong password produce the same response.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	hash, err := s.deps.Store.PasswordHash(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}

		s.serverError(w, "login", err)
		return
	}

	if !auth.CheckPassword(req.Password, hash) {
		s.writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	token, err := s.deps.Tokens.GenerateToken(req.Email)
	if err != nil {
		s.serverError(w, "login", err)
		return
	}

	if err := s.deps.Store.UpdateUserStatus(r.Context(), req.Email, onlineStatus); err != nil {
		s.serverError(w, "login", err)
		return
	}

	s.writeSuccess(w, map[string]any{
		"message": "Login successful",
		"token":   token,
	})
}

// handleRegister creates an account, issues a token, and marks it online.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	exists, err := s.deps.Store.EmailExists(r.Context(), req.Email)
	if err != nil {
		s.serverError(w, "register", err)
		return
	}

	if exists {
		s.writeError(w, http.StatusConflict, "email already exists")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.serverError(w, "register", err)
		return
	}

	if _, err := s.deps.Store.RegisterUser(r.Context(), req.Email, hash); err != nil {
		// A concurrent register for the same email can slip past the
		// existence check; the insert's unique constraint is authoritative.
		if errors.Is(err, store.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, "email already exists")
			return
		}

		s.serverError(w, "register", err)
		return
	}

	token, err := s.deps.Tokens.GenerateToken(req.Email)
	if err != nil {
		s.serverError(w, "register", err)
		return
	}

	if err := s.deps.Store.UpdateUserStatus(r.Context(), req.Email, onlineStatus); err != nil {
		s.serverError(w, "register", err)
		return
	}

	s.writeSuccess(w, map[string]any{
		"message": "Registration successful",
		"token":   token,
	})
}

// handleLogout revokes the caller's token and marks the account offline.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token, err := bearerToken(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	identity, err := s.deps.Tokens.Validate(r.Context(), token)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	if err := s.deps.Tokens.Revoke(r.Context(), token); err != nil {
		s.serverError(w, "logout", err)
		return
	}

	if err := s.deps.Store.UpdateUserStatus(r.Context(), identity, "offline"); err != nil {
		s.serverError(w, "logout", err)
		return
	}

	s.writeSuccess(w, map[string]any{"message": "Logout successful"})
}

// handleGetUser returns the authenticated user's profile.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	u, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	s.writeSuccess(w, map[string]any{
		"username":        u.Username,
		"email":           u.Email,
		"profile_picture": u.ProfilePicture,
		"user_status":     u.Status,
		"created_at":      u.CreatedAt,
	})
}

// handleGetRooms returns the rooms the authenticated user participates in.
func (s *Server) handleGetRooms(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	u, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	rooms, err := s.deps.Store.RoomsByUser(r.Context(), u.ID)
	if err != nil {
		s.serverError(w, "get rooms", err)
		return
	}

	s.writeSuccess(w, map[string]any{"rooms": rooms})
}

// handleGetMessages returns a room's history plus the room record. Only a
// participant of the room may read it.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	u, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	roomID, err := strconv.ParseInt(ps.ByName("room"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	room, err := s.deps.Store.RoomByID(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "room not found")
			return
		}

		s.serverError(w, "get messages", err)
		return
	}

	if room.UserID1 != u.ID && room.UserID2 != u.ID {
		s.writeError(w, http.StatusForbidden, "not a participant of this room")
		return
	}

	messages, err := s.deps.Store.MessagesByRoom(r.Context(), roomID)
	if err != nil {
		s.serverError(w, "get messages", err)
		return
	}

	s.writeSuccess(w, map[string]any{
		"room":     room,
		"messages": messages,
	})
}

// handleGetFriends returns the authenticated user's accepted contacts.
func (s *Server) handleGetFriends(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.listUsers(w, r, "friends", s.deps.Store.Friends)
}

// handleGetPendingInvites returns invites awaiting the caller's acceptance.
func (s *Server) handleGetPendingInvites(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.listUsers(w, r, "users", s.deps.Store.PendingFriendRequests)
}

// handleGetSentInvites returns invites the caller sent that are still pending.
func (s *Server) handleGetSentInvites(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.listUsers(w, r, "users", s.deps.Store.SentFriendRequests)
}

// handleInvite records a friend request from the caller to another account.
func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	u, friend, ok := s.resolveFriendPair(w, r)
	if !ok {
		return
	}

	if err := s.deps.Store.InviteFriend(r.Context(), u.ID, friend.ID); err != nil {
		s.serverError(w, "invite", err)
		return
	}

	s.writeSuccess(w, map[string]any{"message": "Invite sent"})
}

// handleAcceptInvite accepts a pending friend request sent to the caller.
func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	u, friend, ok := s.resolveFriendPair(w, r)
	if !ok {
		return
	}

	if err := s.deps.Store.AcceptFriendRequest(r.Context(), u.ID, friend.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no pending invite from this user")
			return
		}

		s.serverError(w, "accept invite", err)
		return
	}

	s.writeSuccess(w, map[string]any{"message": "Invite accepted"})
}

// listUsers authenticates the caller and responds with a user list produced
// by the given query, under the view's payload key.
func (s *Server) listUsers(w http.ResponseWriter, r *http.Request, key string, query func(ctx context.Context, userID int64) ([]store.User, error)) {
	u, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	users, err := query(r.Context(), u.ID)
	if err != nil {
		s.serverError(w, "list users", err)
		return
	}

	if users == nil {
		users = []store.User{}
	}

	s.writeSuccess(w, map[string]any{key: users})
}

// serverError logs the failure and responds with a generic error body.
func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed",
		logger.Field{Key: "op", Value: op},
		logger.Field{Key: "error", Value: err})
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

// resolveFriendPair authenticates the caller and resolves the friend named in
// the request body. On failure it writes the error response and returns
// ok=false.
func (s *Server) resolveFriendPair(w http.ResponseWriter, r *http.Request) (store.User, store.User, bool) {
	u, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return store.User{}, store.User{}, false
	}

	var req friendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FriendEmail == "" {
		s.writeError(w, http.StatusBadRequest, "invalid request")
		return store.User{}, store.User{}, false
	}

	friend, err := s.deps.Store.UserByEmail(r.Context(), req.FriendEmail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "user not found")
			return store.User{}, store.User{}, false
		}

		s.serverError(w, "resolve friend", err)
		return store.User{}, store.User{}, false
	}

	if friend.ID == u.ID {
		s.writeError(w, http.StatusBadRequest, "cannot befriend yourself")
		return store.User{}, store.User{}, false
	}

	return u, friend, true
}
