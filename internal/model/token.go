package model

import "time"

// Revocation marks a bearer token id (jti) as no longer valid.
// Rows are kept only until ExpiresAt; after that the token is rejected on
// expiry alone and the row can be swept.
type Revocation struct {
	TokenID   string
	UserID    string
	ExpiresAt time.Time
}
