// Package model defines the data structures used throughout the application.
package model

import "time"

// User represents a registered account.
//
// Login is the unique handle people sign in with. PasswordHash holds a bcrypt
// hash and is never serialized; accounts created through GitHub sign-in
// have an empty hash and can only log in through GitHub.
//
// WHY GitHubID *int64?
// Most accounts never link GitHub. A nil pointer maps to SQL NULL so the
// UNIQUE constraint on github_id only applies to linked accounts.
type User struct {
	ID           string    `json:"id"`
	Login        string    `json:"login"`
	PasswordHash string    `json:"-"`
	GitHubID     *int64    `json:"githubId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
