package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tokend/internal/domain/models"
	"tokend/internal/lib/passhash"
	"tokend/internal/services/credentials"
	"tokend/internal/storage"
)

type UsersFile struct {
	Users []UserSeed `yaml:"users"`
}

// UserSeed is one account of the users file. PasswordHash takes precedence over Password.
type UserSeed struct {
	ID           string   `yaml:"id"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	PasswordHash string   `yaml:"password_hash"`
	Scopes       []string `yaml:"scopes"`
	Roles        []string `yaml:"roles"`
}

type UserSaver interface {
	UserByUsername(ctx context.Context, normalized string) (models.User, error)
	SaveUser(ctx context.Context, user models.User) error
}

func LoadUsers(path string) ([]UserSeed, error) {
	const op = "app.LoadUsers"

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var f UsersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for i, u := range f.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("%s: user #%d has no username", op, i+1)
		}
		if u.Password == "" && u.PasswordHash == "" {
			return nil, fmt.Errorf("%s: user %q has neither password nor password_hash", op, u.Username)
		}
	}

	return f.Users, nil
}

// SeedUsers saves every seed whose username is not taken yet. Seeds without
// scopes get defaultScopes.
func SeedUsers(ctx context.Context, log *slog.Logger, store UserSaver, seeds []UserSeed, defaultScopes []string) error {
	const op = "app.SeedUsers"

	log = log.With(slog.String("op", op))

	for _, seed := range seeds {
		normalized := credentials.Normalize(seed.Username)

		_, err := store.UserByUsername(ctx, normalized)
		if err == nil {
			log.Debug("user already exists", slog.String("username", seed.Username))
			continue
		}
		if !errors.Is(err, storage.ErrUserNotFound) {
			return fmt.Errorf("%s: %w", op, err)
		}

		hash := []byte(seed.PasswordHash)
		if len(hash) == 0 {
			hash, err = passhash.Hash(seed.Password)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}

		user := models.User{
			ID:                 seed.ID,
			Username:           seed.Username,
			NormalizedUsername: normalized,
			PassHash:           hash,
			Scopes:             seed.Scopes,
			Roles:              seed.Roles,
		}
		if user.ID == "" {
			user.ID = uuid.NewString()
		}
		if len(user.Scopes) == 0 {
			user.Scopes = defaultScopes
		}

		if err := store.SaveUser(ctx, user); err != nil {
			if errors.Is(err, storage.ErrUserAlreadyExists) {
				continue
			}
			return fmt.Errorf("%s: %w", op, err)
		}

		log.Info("user seeded", slog.String("username", seed.Username), slog.String("user_id", user.ID))
	}

	return nil
}
