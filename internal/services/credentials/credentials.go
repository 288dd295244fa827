package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tokend/internal/domain/models"
	"tokend/internal/lib/passhash"
	"tokend/internal/lib/sl"
	"tokend/internal/storage"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type UserProvider interface {
	UserByUsername(ctx context.Context, normalized string) (models.User, error)
}

type Validator struct {
	log          *slog.Logger
	userProvider UserProvider
}

// New returns a new instance of the credential validator.
func New(log *slog.Logger, userProvider UserProvider) *Validator {
	return &Validator{
		log:          log,
		userProvider: userProvider,
	}
}

// Normalize maps a username to the form users are looked up by.
func Normalize(username string) string {
	return strings.ToUpper(strings.TrimSpace(username))
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// dummy is verified for unknown users so they cost as much as a wrong password.
func dummy() []byte {
	dummyOnce.Do(func() {
		h, err := passhash.Hash("tokend-unknown-user")
		if err != nil {
			panic("credentials: hash dummy password: " + err.Error())
		}
		dummyHash = h
	})
	return dummyHash
}

// Authenticate checks username and password against the user store.
//
// Unknown users and wrong passwords both yield ErrInvalidCredentials.
// Store failures are returned wrapped so callers can tell them apart.
func (v *Validator) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	const op = "credentials.Authenticate"

	log := v.log.With(slog.String("op", op))

	user, err := v.userProvider.UserByUsername(ctx, Normalize(username))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			_ = passhash.Verify(dummy(), password)
			log.Info("user not found")
			return models.User{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		log.Error("failed to get user", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := passhash.Verify(user.PassHash, password); err != nil {
		if !errors.Is(err, passhash.ErrMismatch) {
			log.Error("unusable password hash", slog.String("user_id", user.ID), sl.Err(err))
		} else {
			log.Info("invalid password", slog.String("user_id", user.ID))
		}
		return models.User{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	return user, nil
}
