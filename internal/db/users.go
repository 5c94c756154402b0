package db

import (
	"database/sql"
	"fmt"
	"time"
)

// User is the account record the admission path reads.
type User struct {
	ID            string
	Email         string
	Plan          string
	PlanExpiresAt *time.Time
	CreatedAt     time.Time
}

// GetUserByToken resolves an auth token to its user. Returns (nil, nil) when
// the token is unknown or expired.
func (db *DB) GetUserByToken(token string) (*User, error) {
	u := &User{}
	err := db.QueryRow(
		`SELECT u.id, u.email, u.plan, u.plan_expires_at, u.created_at
		 FROM users u
		 JOIN auth_tokens t ON t.user_id = u.id
		 WHERE t.token = $1 AND (t.expires_at IS NULL OR t.expires_at > NOW())`,
		token,
	).Scan(&u.ID, &u.Email, &u.Plan, &u.PlanExpiresAt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by token: %w", err)
	}
	return u, nil
}

// CreateUser inserts a new account.
func (db *DB) CreateUser(id, email, plan string) error {
	_, err := db.Exec(
		"INSERT INTO users (id, email, plan) VALUES ($1, $2, $3)",
		id, email, plan,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateToken issues an auth token for a user. A nil expiry never expires.
func (db *DB) CreateToken(token, userID string, expiresAt *time.Time) error {
	_, err := db.Exec(
		"INSERT INTO auth_tokens (token, user_id, expires_at) VALUES ($1, $2, $3)",
		token, userID, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

// DeleteExpiredTokens removes tokens past their expiry.
func (db *DB) DeleteExpiredTokens() error {
	_, err := db.Exec("DELETE FROM auth_tokens WHERE expires_at IS NOT NULL AND expires_at < NOW()")
	if err != nil {
		return fmt.Errorf("delete expired tokens: %w", err)
	}
	return nil
}
