package database

import (
	"context"
	"database/sql"
	"fmt"
)

// User is the persisted session of one Matrix user. Credentials are empty
// until provisioning populates them.
type User struct {
	MXID           string
	MaxUserID      int64
	MaxToken       string
	ConnectionMode string
	BotToken       string
}

// IsLoggedIn reports whether the user has credentials for either mode.
func (u *User) IsLoggedIn() bool {
	return u.BotToken != "" || u.MaxToken != ""
}

// UserStore provides CRUD operations for user sessions.
type UserStore struct {
	db *sql.DB
}

// userColumns is the column list shared by all user queries. Nullable
// columns are coalesced so empty values scan as zero values.
const userColumns = `mxid, COALESCE(max_user_id, 0), COALESCE(max_token, ''), COALESCE(connection_mode, ''), COALESCE(bot_token, '')`

// scanUser scans a row into a User struct.
func scanUser(scanner interface{ Scan(...interface{}) error }, u *User) error {
	return scanner.Scan(&u.MXID, &u.MaxUserID, &u.MaxToken, &u.ConnectionMode, &u.BotToken)
}

// Upsert inserts the user or updates its credentials.
func (s *UserStore) Upsert(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "user" (mxid, max_user_id, max_token, connection_mode, bot_token)
		VALUES ($1, NULLIF($2, 0), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
		ON CONFLICT (mxid) DO UPDATE SET
			max_user_id = NULLIF($2, 0),
			max_token = NULLIF($3, ''),
			connection_mode = NULLIF($4, ''),
			bot_token = NULLIF($5, '')
	`, u.MXID, u.MaxUserID, u.MaxToken, u.ConnectionMode, u.BotToken)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetByMXID looks up a user by Matrix user id. Returns nil when absent.
func (s *UserStore) GetByMXID(ctx context.Context, mxid string) (*User, error) {
	u := &User{}
	err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM "user" WHERE mxid = $1`, mxid), u)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by mxid: %w", err)
	}
	return u, nil
}

// AllLoggedIn returns every user with stored credentials.
func (s *UserStore) AllLoggedIn(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM "user" WHERE bot_token IS NOT NULL OR max_token IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query logged in users: %w", err)
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		u := &User{}
		if err := scanUser(rows, u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
