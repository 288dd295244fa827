package models

import "time"

// TokenStatus is the lifecycle state of a refresh token record.
type TokenStatus string

const (
	StatusActive   TokenStatus = "active"
	StatusRedeemed TokenStatus = "redeemed"
	StatusRevoked  TokenStatus = "revoked"
)

// RefreshToken represents a refresh token record stored in the database.
// FamilyID is the identifier of the first token of the rotation chain.
type RefreshToken struct {
	ID            string
	FamilyID      string
	Subject       string
	Scopes        []string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Status        TokenStatus
	PredecessorID string
	SuccessorID   string
	AccessTokenID string
	RevokedAt     *time.Time
}

// Usable reports whether the record still allows access tokens bound to it.
func (t RefreshToken) Usable() bool {
	return t.Status != StatusRevoked && t.RevokedAt == nil
}
