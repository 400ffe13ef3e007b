package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/cyberinferno/chat-server/cacher"
	"github.com/cyberinferno/chat-server/logger"
	"github.com/cyberinferno/chat-server/respool"
)

// userCacheTTL bounds how stale a cached user-by-email read may be.
const userCacheTTL = time.Minute

// SQLiteStore is the SQLite-backed Store. Every operation checks one
// connection out of a bounded resource pool and releases it before returning;
// when the database is slow, callers queue on the pool rather than opening
// new connections. User-by-email reads go through an optional read-through
// cache, invalidated on status updates.
type SQLiteStore struct {
	db             *sql.DB
	pool           *respool.Pool[*sql.Conn]
	acquireTimeout time.Duration
	userCache      cacher.Cacher[User]
	log            logger.Logger
}

// NewSQLiteStore opens the database at dsn, applies the schema, and fills a
// connection pool of the given size.
//
// Parameters:
//   - dsn: SQLite datasource (e.g. "file:chat.db?_fk=1")
//   - poolSize: Number of pooled connections; upper bound on concurrent queries
//   - acquireTimeout: Maximum wait for a pooled connection; <= 0 waits forever
//   - userCache: Optional read-through cache for user lookups; may be nil
//   - log: Logger for store-level events
//
// Returns:
//   - A ready *SQLiteStore, or an error if the database or pool setup fails
func NewSQLiteStore(dsn string, poolSize int, acquireTimeout time.Duration, userCache cacher.Cacher[User], log logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The respool below is the real concurrency bound; keep database/sql's
	// own pool at least as large so the factory never blocks.
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	pool, err := respool.New(func() (*sql.Conn, error) {
		return db.Conn(context.Background())
	}, poolSize, func(c *sql.Conn) { _ = c.Close() })
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to fill connection pool: %w", err)
	}

	return &SQLiteStore{
		db:             db,
		pool:           pool,
		acquireTimeout: acquireTimeout,
		userCache:      userCache,
		log:            log.With(logger.Field{Key: "component", Value: "store"}),
	}, nil
}

// Close releases the pooled connections and closes the database.
func (s *SQLiteStore) Close() error {
	s.pool.Close(func(c *sql.Conn) { _ = c.Close() })
	return s.db.Close()
}

// withConn runs fn with a pooled connection, releasing it on every exit path.
func (s *SQLiteStore) withConn(fn func(conn *sql.Conn) error) error {
	conn, err := s.pool.Acquire(s.acquireTimeout)
	if err != nil {
		return fmt.Errorf("store handle unavailable: %w", err)
	}
	defer s.pool.Release(conn)

	return fn(conn)
}

// UserByEmail implements Store. Reads go through the user cache when one is
// configured.
func (s *SQLiteStore) UserByEmail(ctx context.Context, email string) (User, error) {
	if s.userCache == nil {
		return s.fetchUserByEmail(ctx, email)
	}

	return s.userCache.GetOrFetch(ctx, userCacheKey(email), userCacheTTL, func(ctx context.Context) (User, error) {
		return s.fetchUserByEmail(ctx, email)
	})
}

func (s *SQLiteStore) fetchUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.withConn(func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT id, username, email, password_hash, profile_picture, status, created_at
			 FROM users WHERE email = ?`, email)
		return scanUser(row, &u)
	})

	return u, err
}

// EmailExists implements Store.
func (s *SQLiteStore) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.withConn(func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email)
		return row.Scan(&exists)
	})

	return exists, err
}

// RegisterUser implements Store. The initial username is the local part of
// the email address; profiles can change it later.
func (s *SQLiteStore) RegisterUser(ctx context.Context, email, passwordHash string) (User, error) {
	username := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		username = email[:at]
	}

	err := s.withConn(func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)`,
			username, email, passwordHash)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return ErrDuplicate
			}

			return fmt.Errorf("failed to register user: %w", err)
		}

		return nil
	})
	if err != nil {
		return User{}, err
	}

	return s.fetchUserByEmail(ctx, email)
}

// PasswordHash implements Store.
func (s *SQLiteStore) PasswordHash(ctx context.Context, email string) (string, error) {
	var hash string
	err := s.withConn(func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE email = ?`, email)
		if err := row.Scan(&hash); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}

			return err
		}

		return nil
	})

	return hash, err
}

// UpdateUserStatus implements Store. The cached user record for the email is
// invalidated so the next read observes the new status.
func (s *SQLiteStore) UpdateUserStatus(ctx context.Context, email, status string) error {
	err := s.withConn(func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `UPDATE users SET status = ? WHERE email = ?`, status, email)
		if err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if affected == 0 {
			return ErrNotFound
		}

		return nil
	})
	if err != nil {
		return err
	}

	if s.userCache != nil {
		if err := s.userCache.Delete(ctx, userCacheKey(email)); err != nil {
			s.log.Warn("failed to invalidate user cache", logger.Field{Key: "error", Value: err})
		}
	}

	return nil
}

// RoomsByUser implements Store.
func (s *SQLiteStore) RoomsByUser(ctx context.Context, userID int64) ([]Room, error) {
	var rooms []Room
	err := s.withConn(func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, user_id_1, user_id_2, last_message_at, created_at
			 FROM rooms WHERE user_id_1 = ? OR user_id_2 = ?
			 ORDER BY last_message_at DESC`, userID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r Room
			if err := rows.Scan(&r.ID, &r.UserID1, &r.UserID2, &r.LastMessageAt, &r.CreatedAt); err != nil {
				return err
			}

			rooms = append(rooms, r)
		}

		return rows.Err()
	})

	return rooms, err
}

// RoomByID implements Store.
func (s *SQLiteStore) RoomByID(ctx context.Context, roomID int64) (Room, error) {
	var r Room
	err := s.withConn(func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT id, user_id_1, user_id_2, last_message_at, created_at FROM rooms WHERE id = ?`, roomID)
		if err := row.Scan(&r.ID, &r.UserID1, &r.UserID2, &r.LastMessageAt, &r.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}

			return err
		}

		return nil
	})

	return r, err
}

// RoomByParticipants implements Store. The pair is normalized (lower ID
// first) before lookup, and a missing room is created in the same call.
func (s *SQLiteStore) RoomByParticipants(ctx context.Context, userA, userB int64) (Room, error) {
	if userA > userB {
		userA, userB = userB, userA
	}

	var r Room
	err := s.withConn(func(conn *sql.Conn) error {
		// INSERT OR IGNORE keeps lookup-or-create race-free against the
		// UNIQUE pair constraint under concurrent senders.
		if _, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO rooms (user_id_1, user_id_2) VALUES (?, ?)`, userA, userB); err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}

		row := conn.QueryRowContext(ctx,
			`SELECT id, user_id_1, user_id_2, last_message_at, created_at
			 FROM rooms WHERE user_id_1 = ? AND user_id_2 = ?`, userA, userB)
		return row.Scan(&r.ID, &r.UserID1, &r.UserID2, &r.LastMessageAt, &r.CreatedAt)
	})

	return r, err
}

// InsertMessage implements Store. Message IDs are ULIDs so history sorts by
// creation time even across restarts.
func (s *SQLiteStore) InsertMessage(ctx context.Context, roomID, senderID int64, content string) (Message, error) {
	id := ulid.Make().String()

	var m Message
	err := s.withConn(func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO messages (id, room_id, sender_id, content) VALUES (?, ?, ?, ?)`,
			id, roomID, senderID, content); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if _, err := conn.ExecContext(ctx,
			`UPDATE rooms SET last_message_at = CURRENT_TIMESTAMP WHERE id = ?`, roomID); err != nil {
			return fmt.Errorf("failed to stamp room: %w", err)
		}

		row := conn.QueryRowContext(ctx,
			`SELECT id, room_id, sender_id, content, is_read, created_at FROM messages WHERE id = ?`, id)
		return row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.IsRead, &m.CreatedAt)
	})

	return m, err
}

// MessagesByRoom implements Store.
func (s *SQLiteStore) MessagesByRoom(ctx context.Context, roomID int64) ([]Message, error) {
	var messages []Message
	err := s.withConn(func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, room_id, sender_id, content, is_read, created_at
			 FROM messages WHERE room_id = ? ORDER BY created_at ASC, id ASC`, roomID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
				return err
			}

			messages = append(messages, m)
		}

		return rows.Err()
	})

	return messages, err
}

// Friends implements Store. A friendship is an accepted request in either
// direction.
func (s *SQLiteStore) Friends(ctx context.Context, userID int64) ([]User, error) {
	return s.queryUsers(ctx,
		`SELECT u.id, u.username, u.email, u.password_hash, u.profile_picture, u.status, u.created_at
		 FROM users u
		 JOIN friend_requests f
		   ON (f.user_id_1 = ? AND f.user_id_2 = u.id)
		   OR (f.user_id_2 = ? AND f.user_id_1 = u.id)
		 WHERE f.is_accepted = 1`, userID, userID)
}

// InviteFriend implements Store.
func (s *SQLiteStore) InviteFriend(ctx context.Context, userID, friendID int64) error {
	return s.withConn(func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO friend_requests (user_id_1, user_id_2) VALUES (?, ?)`,
			userID, friendID); err != nil {
			return fmt.Errorf("failed to record invite: %w", err)
		}

		return nil
	})
}

// AcceptFriendRequest implements Store.
func (s *SQLiteStore) AcceptFriendRequest(ctx context.Context, userID, friendID int64) error {
	return s.withConn(func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE friend_requests SET is_accepted = 1 WHERE user_id_1 = ? AND user_id_2 = ?`,
			friendID, userID)
		if err != nil {
			return fmt.Errorf("failed to accept invite: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if affected == 0 {
			return ErrNotFound
		}

		return nil
	})
}

// PendingFriendRequests implements Store.
func (s *SQLiteStore) PendingFriendRequests(ctx context.Context, userID int64) ([]User, error) {
	return s.queryUsers(ctx,
		`SELECT u.id, u.username, u.email, u.password_hash, u.profile_picture, u.status, u.created_at
		 FROM users u
		 JOIN friend_requests f ON f.user_id_1 = u.id
		 WHERE f.user_id_2 = ? AND f.is_accepted = 0`, userID)
}

// SentFriendRequests implements Store.
func (s *SQLiteStore) SentFriendRequests(ctx context.Context, userID int64) ([]User, error) {
	return s.queryUsers(ctx,
		`SELECT u.id, u.username, u.email, u.password_hash, u.profile_picture, u.status, u.created_at
		 FROM users u
		 JOIN friend_requests f ON f.user_id_2 = u.id
		 WHERE f.user_id_1 = ? AND f.is_accepted = 0`, userID)
}

// RevokeToken implements Store.
func (s *SQLiteStore) RevokeToken(ctx context.Context, token string, expiresAt time.Time) error {
	return s.withConn(func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO revoked_tokens (token, expires_at) VALUES (?, ?)`,
			token, expiresAt.UTC()); err != nil {
			return fmt.Errorf("failed to revoke token: %w", err)
		}

		return nil
	})
}

// IsTokenRevoked implements Store.
func (s *SQLiteStore) IsTokenRevoked(ctx context.Context, token string) (bool, error) {
	var revoked bool
	err := s.withConn(func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE token = ?)`, token)
		return row.Scan(&revoked)
	})

	return revoked, err
}

// queryUsers runs a query returning full user rows and scans them.
func (s *SQLiteStore) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	var users []User
	err := s.withConn(func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var u User
			if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.ProfilePicture, &u.Status, &u.CreatedAt); err != nil {
				return err
			}

			users = append(users, u)
		}

		return rows.Err()
	})

	return users, err
}

// scanUser scans one full user row, mapping sql.ErrNoRows to ErrNotFound.
func scanUser(row *sql.Row, u *User) error {
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.ProfilePicture, &u.Status, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	return err
}

// userCacheKey namespaces user-by-email cache entries.
func userCacheKey(email string) string {
	return "user:" + email
}
