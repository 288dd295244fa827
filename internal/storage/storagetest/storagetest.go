// Package storagetest holds the behaviour every refresh token backend must share.
package storagetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokend/internal/domain/models"
	"tokend/internal/storage"
)

// Store is the refresh token contract of every backend.
type Store interface {
	Put(ctx context.Context, rec models.RefreshToken) error
	Redeem(ctx context.Context, id, successorID string, now time.Time) (models.RefreshToken, error)
	Revoke(ctx context.Context, id string, now time.Time) error
	Get(ctx context.Context, id string) (models.RefreshToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// UserStore is the user contract of every backend.
type UserStore interface {
	UserByUsername(ctx context.Context, normalized string) (models.User, error)
	SaveUser(ctx context.Context, user models.User) error
}

// Epoch is the second-aligned instant records in these tests are issued at.
var Epoch = time.Unix(1_700_000_000, 0).UTC()

// NewRecord returns an active record starting its own family, valid for ttl from Epoch.
func NewRecord(ttl time.Duration) models.RefreshToken {
	id := uuid.NewString()
	return models.RefreshToken{
		ID:            id,
		FamilyID:      id,
		Subject:       uuid.NewString(),
		Scopes:        []string{"email", "openid"},
		IssuedAt:      Epoch,
		ExpiresAt:     Epoch.Add(ttl),
		Status:        models.StatusActive,
		AccessTokenID: uuid.NewString(),
	}
}

// Successor returns the record minted when prev is redeemed.
func Successor(prev models.RefreshToken, ttl time.Duration) models.RefreshToken {
	next := NewRecord(ttl)
	next.FamilyID = prev.FamilyID
	next.Subject = prev.Subject
	next.Scopes = prev.Scopes
	next.PredecessorID = prev.ID
	return next
}

// Run exercises newStore against the refresh token contract.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	now := Epoch.Add(time.Minute)

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(15 * time.Minute)

		require.NoError(t, s.Put(ctx, rec))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.FamilyID, got.FamilyID)
		assert.Equal(t, rec.Subject, got.Subject)
		assert.Equal(t, rec.Scopes, got.Scopes)
		assert.Equal(t, rec.AccessTokenID, got.AccessTokenID)
		assert.True(t, rec.IssuedAt.Equal(got.IssuedAt))
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Empty(t, got.SuccessorID)
		assert.Nil(t, got.RevokedAt)
	})

	t.Run("PutDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(15 * time.Minute)

		require.NoError(t, s.Put(ctx, rec))
		require.ErrorIs(t, s.Put(ctx, rec), storage.ErrDuplicateIdentifier)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(context.Background(), uuid.NewString())
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("RedeemOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(15 * time.Minute)
		require.NoError(t, s.Put(ctx, rec))

		successor := uuid.NewString()
		prev, err := s.Redeem(ctx, rec.ID, successor, now)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, prev.Status)
		assert.Equal(t, rec.Subject, prev.Subject)
		assert.Equal(t, rec.Scopes, prev.Scopes)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRedeemed, got.Status)
		assert.Equal(t, successor, got.SuccessorID)

		_, err = s.Redeem(ctx, rec.ID, uuid.NewString(), now)
		require.ErrorIs(t, err, storage.ErrAlreadyRedeemed)

		got, err = s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, successor, got.SuccessorID)
	})

	t.Run("RedeemUnknown", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Redeem(context.Background(), uuid.NewString(), uuid.NewString(), now)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("RedeemExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(15 * time.Minute)
		require.NoError(t, s.Put(ctx, rec))

		_, err := s.Redeem(ctx, rec.ID, uuid.NewString(), rec.ExpiresAt)
		require.ErrorIs(t, err, storage.ErrTokenExpired)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
	})

	t.Run("RedeemExpiredAfterRedemption", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(15 * time.Minute)
		require.NoError(t, s.Put(ctx, rec))

		_, err := s.Redeem(ctx, rec.ID, uuid.NewString(), now)
		require.NoError(t, err)

		_, err = s.Redeem(ctx, rec.ID, uuid.NewString(), rec.ExpiresAt.Add(time.Second))
		require.ErrorIs(t, err, storage.ErrTokenExpired)
		require.NotErrorIs(t, err, storage.ErrAlreadyRedeemed)
	})

	t.Run("RevokeFamily", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := NewRecord(15 * time.Minute)
		require.NoError(t, s.Put(ctx, first))
		second := Successor(first, 15*time.Minute)
		_, err := s.Redeem(ctx, first.ID, second.ID, now)
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, second))

		other := NewRecord(15 * time.Minute)
		require.NoError(t, s.Put(ctx, other))

		require.NoError(t, s.Revoke(ctx, first.ID, now))

		got, err := s.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRedeemed, got.Status)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, now.Equal(*got.RevokedAt))

		got, err = s.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRevoked, got.Status)
		require.NotNil(t, got.RevokedAt)

		_, err = s.Redeem(ctx, second.ID, uuid.NewString(), now)
		require.ErrorIs(t, err, storage.ErrRevoked)
		_, err = s.Redeem(ctx, first.ID, uuid.NewString(), now)
		require.ErrorIs(t, err, storage.ErrRevoked)

		got, err = s.Get(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Nil(t, got.RevokedAt)
	})

	t.Run("RevokeIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(15 * time.Minute)
		require.NoError(t, s.Put(ctx, rec))

		require.NoError(t, s.Revoke(ctx, rec.ID, now))
		require.NoError(t, s.Revoke(ctx, rec.ID, now.Add(time.Minute)))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRevoked, got.Status)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, now.Equal(*got.RevokedAt))
	})

	t.Run("RevokeUnknown", func(t *testing.T) {
		s := newStore(t)

		err := s.Revoke(context.Background(), uuid.NewString(), now)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PutIntoRevokedFamily", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := NewRecord(15 * time.Minute)
		require.NoError(t, s.Put(ctx, first))
		second := Successor(first, 15*time.Minute)
		_, err := s.Redeem(ctx, first.ID, second.ID, now)
		require.NoError(t, err)

		require.NoError(t, s.Revoke(ctx, first.ID, now))

		require.ErrorIs(t, s.Put(ctx, second), storage.ErrRevoked)

		got, err := s.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRevoked, got.Status)

		_, err = s.Redeem(ctx, second.ID, uuid.NewString(), now)
		require.ErrorIs(t, err, storage.ErrRevoked)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		old := NewRecord(time.Minute)
		fresh := NewRecord(time.Hour)
		require.NoError(t, s.Put(ctx, old))
		require.NoError(t, s.Put(ctx, fresh))

		n, err := s.DeleteExpired(ctx, Epoch.Add(30*time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = s.Get(ctx, old.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.Get(ctx, fresh.ID)
		require.NoError(t, err)
	})

	t.Run("ConcurrentRedeemSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(15 * time.Minute)
		require.NoError(t, s.Put(ctx, rec))

		const workers = 16
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(workers)

		results := make(chan error, workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				<-start
				_, err := s.Redeem(ctx, rec.ID, uuid.NewString(), now)
				results <- err
			}()
		}

		close(start)
		wg.Wait()
		close(results)

		success := 0
		for err := range results {
			switch {
			case err == nil:
				success++
			case errors.Is(err, storage.ErrAlreadyRedeemed):
			default:
				t.Fatalf("unexpected redeem error: %v", err)
			}
		}

		assert.Equal(t, 1, success, "expected exactly one winner")
	})
}

// RunUsers exercises newStore against the user contract.
func RunUsers(t *testing.T, newStore func(t *testing.T) UserStore) {
	t.Helper()

	t.Run("SaveAndFind", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := NewUser()

		require.NoError(t, s.SaveUser(ctx, user))

		got, err := s.UserByUsername(ctx, user.NormalizedUsername)
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
		assert.Equal(t, user.Username, got.Username)
		assert.Equal(t, user.PassHash, got.PassHash)
		assert.Equal(t, user.Scopes, got.Scopes)
		assert.Equal(t, user.Roles, got.Roles)
	})

	t.Run("Duplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := NewUser()

		require.NoError(t, s.SaveUser(ctx, user))

		again := NewUser()
		again.Username = user.Username
		again.NormalizedUsername = user.NormalizedUsername
		require.ErrorIs(t, s.SaveUser(ctx, again), storage.ErrUserAlreadyExists)
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UserByUsername(context.Background(), "NOBODY-"+uuid.NewString())
		require.ErrorIs(t, err, storage.ErrUserNotFound)
	})
}

// NewUser returns a user with a random name and a placeholder hash.
func NewUser() models.User {
	name := gofakeit.Username() + "-" + uuid.NewString()[:8]
	return models.User{
		ID:                 uuid.NewString(),
		Username:           name,
		NormalizedUsername: strings.ToUpper(name),
		PassHash:           []byte("$2a$10$placeholderplaceholderplaceholderplaceholderpla"),
		Scopes:             []string{"email", "openid"},
		Roles:              []string{"ApplicationRole"},
	}
}
