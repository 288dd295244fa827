package storage

import (
	"errors"
	"time"

	"tokend/internal/domain/models"
)

var (
	ErrNotFound            = errors.New("refresh token not found")
	ErrDuplicateIdentifier = errors.New("refresh token identifier already exists")
	ErrAlreadyRedeemed     = errors.New("refresh token already redeemed")
	ErrRevoked             = errors.New("refresh token revoked")
	ErrTokenExpired        = errors.New("refresh token expired")

	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
)

// Classify reports why rec cannot be redeemed at now, or nil if it can.
// Expiry wins over revocation, and revocation over a previous redemption.
func Classify(rec models.RefreshToken, now time.Time) error {
	switch {
	case !now.Before(rec.ExpiresAt):
		return ErrTokenExpired
	case !rec.Usable():
		return ErrRevoked
	case rec.Status == models.StatusRedeemed:
		return ErrAlreadyRedeemed
	}
	return nil
}
