// Package store is the store-access layer for users, rooms, messages, and the
// friend graph. The core treats every call as synchronous and blocking; each
// call consumes one pooled backing-store handle for its duration.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert collides with an existing record,
// such as registering an email that already has an account.
var ErrDuplicate = errors.New("store: duplicate record")

// User is one account record. Status is the persisted presence value
// ("online"/"offline" or a custom status).
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	ProfilePicture string    `json:"profile_picture"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Room is a conversation between exactly two participants. The participant
// pair is stored normalized (lower user ID first) so each pair maps to one
// room.
type Room struct {
	ID            int64     `json:"room_id"`
	UserID1       int64     `json:"user_id_1"`
	UserID2       int64     `json:"user_id_2"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is one persisted chat message. IDs are ULIDs, so they sort by
// creation time.
type Message struct {
	ID        string    `json:"message_id"`
	RoomID    int64     `json:"room_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// FriendRequest is one edge in the friend graph. UserID1 is the inviter,
// UserID2 the invitee; the edge counts as a friendship once accepted.
type FriendRequest struct {
	UserID1    int64     `json:"user_id_1"`
	UserID2    int64     `json:"user_id_2"`
	IsAccepted bool      `json:"is_accepted"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store exposes the persistent operations the routers and request handlers
// need. Implementations must be safe for concurrent use; lookups that match
// nothing return ErrNotFound.
type Store interface {
	// UserByEmail returns the account with the given email.
	UserByEmail(ctx context.Context, email string) (User, error)

	// EmailExists reports whether an account with the given email exists.
	EmailExists(ctx context.Context, email string) (bool, error)

	// RegisterUser creates an account with the given email and password hash
	// and returns the new record. Registering an email that already has an
	// account returns ErrDuplicate.
	RegisterUser(ctx context.Context, email, passwordHash string) (User, error)

	// PasswordHash returns the stored password hash for the given email.
	PasswordHash(ctx context.Context, email string) (string, error)

	// UpdateUserStatus persists a new presence/status value for the account.
	UpdateUserStatus(ctx context.Context, email, status string) error

	// RoomsByUser returns every room the user participates in.
	RoomsByUser(ctx context.Context, userID int64) ([]Room, error)

	// RoomByID returns one room record.
	RoomByID(ctx context.Context, roomID int64) (Room, error)

	// RoomByParticipants returns the room for the given participant pair,
	// creating it if none exists yet. Lookup-or-create is the single policy
	// for missing rooms; callers never receive ErrNotFound from this method.
	RoomByParticipants(ctx context.Context, userA, userB int64) (Room, error)

	// InsertMessage persists one message in a room and stamps the room's
	// last-message time.
	InsertMessage(ctx context.Context, roomID, senderID int64, content string) (Message, error)

	// MessagesByRoom returns a room's messages in creation order.
	MessagesByRoom(ctx context.Context, roomID int64) ([]Message, error)

	// Friends returns the accepted contacts of the user.
	Friends(ctx context.Context, userID int64) ([]User, error)

	// InviteFriend records a pending friend request from userID to friendID.
	InviteFriend(ctx context.Context, userID, friendID int64) error

	// AcceptFriendRequest marks the pending request from friendID to userID
	// as accepted.
	AcceptFriendRequest(ctx context.Context, userID, friendID int64) error

	// PendingFriendRequests returns the users whose invites await the user's
	// acceptance.
	PendingFriendRequests(ctx context.Context, userID int64) ([]User, error)

	// SentFriendRequests returns the users the user has invited but who have
	// not yet accepted.
	SentFriendRequests(ctx context.Context, userID int64) ([]User, error)

	// RevokeToken records a bearer token as invalid until its expiry.
	RevokeToken(ctx context.Context, token string, expiresAt time.Time) error

	// IsTokenRevoked reports whether the token has been revoked.
	IsTokenRevoked(ctx context.Context, token string) (bool, error)

	// Close releases the store's pooled handles.
	Close() error
}
