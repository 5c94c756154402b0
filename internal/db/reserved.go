package db

import (
	"database/sql"
	"fmt"
)

// GetReservedSubdomainOwner returns the user id holding a persistent
// reservation for the subdomain, or "" when it is unreserved.
func (db *DB) GetReservedSubdomainOwner(sub string) (string, error) {
	var owner string
	err := db.QueryRow(
		"SELECT user_id FROM reserved_subdomains WHERE subdomain = $1",
		sub,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get reserved subdomain owner: %w", err)
	}
	return owner, nil
}

// ReserveSubdomain records a persistent reservation.
func (db *DB) ReserveSubdomain(sub, userID string) error {
	_, err := db.Exec(
		`INSERT INTO reserved_subdomains (subdomain, user_id) VALUES ($1, $2)
		 ON CONFLICT (subdomain) DO UPDATE SET user_id = EXCLUDED.user_id`,
		sub, userID,
	)
	if err != nil {
		return fmt.Errorf("reserve subdomain: %w", err)
	}
	return nil
}

// ReleaseSubdomain drops a reservation owned by the user.
func (db *DB) ReleaseSubdomain(sub, userID string) error {
	_, err := db.Exec(
		"DELETE FROM reserved_subdomains WHERE subdomain = $1 AND user_id = $2",
		sub, userID,
	)
	if err != nil {
		return fmt.Errorf("release subdomain: %w", err)
	}
	return nil
}

// GetCustomDomainSubdomain maps a verified custom domain to its subdomain.
// Returns "" when the domain is unknown or unverified.
func (db *DB) GetCustomDomainSubdomain(domain string) (string, error) {
	var sub string
	err := db.QueryRow(
		"SELECT subdomain FROM custom_domains WHERE domain = $1 AND verified",
		domain,
	).Scan(&sub)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get custom domain: %w", err)
	}
	return sub, nil
}
