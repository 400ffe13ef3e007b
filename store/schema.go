package store

// schema is applied at SQLite store construction. CREATE TABLE IF NOT EXISTS
// keeps startup idempotent across restarts against the same database file.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	username        TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL UNIQUE,
	password_hash   TEXT NOT NULL,
	profile_picture TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'offline',
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS rooms (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id_1       INTEGER NOT NULL REFERENCES users(id),
	user_id_2       INTEGER NOT NULL REFERENCES users(id),
	last_message_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (user_id_1, user_id_2)
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	room_id    INTEGER NOT NULL REFERENCES rooms(id),
	sender_id  INTEGER NOT NULL REFERENCES users(id),
	content    TEXT NOT NULL,
	is_read    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_id, created_at);

CREATE TABLE IF NOT EXISTS friend_requests (
	user_id_1   INTEGER NOT NULL REFERENCES users(id),
	user_id_2   INTEGER NOT NULL REFERENCES users(id),
	is_accepted INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id_1, user_id_2)
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
	token      TEXT PRIMARY KEY,
	expires_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
