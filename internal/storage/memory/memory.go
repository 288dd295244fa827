// Package memory keeps refresh tokens and users in process memory.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"tokend/internal/domain/models"
	"tokend/internal/storage"
)

type Storage struct {
	mu       sync.Mutex
	tokens   map[string]*models.RefreshToken
	families map[string]map[string]struct{}
	revoked  map[string]struct{}
	users    map[string]models.User
}

// New returns an empty in-memory storage.
func New() *Storage {
	return &Storage{
		tokens:   make(map[string]*models.RefreshToken),
		families: make(map[string]map[string]struct{}),
		revoked:  make(map[string]struct{}),
		users:    make(map[string]models.User),
	}
}

func (s *Storage) Put(_ context.Context, rec models.RefreshToken) error {
	const op = "storage.memory.Put"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[rec.ID]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrDuplicateIdentifier)
	}

	stored := clone(rec)
	stored.Status = models.StatusActive
	stored.SuccessorID = ""
	stored.RevokedAt = nil

	_, familyRevoked := s.revoked[rec.FamilyID]
	if familyRevoked {
		at := rec.IssuedAt
		stored.Status = models.StatusRevoked
		stored.RevokedAt = &at
	}

	s.tokens[rec.ID] = &stored
	members, ok := s.families[rec.FamilyID]
	if !ok {
		members = make(map[string]struct{})
		s.families[rec.FamilyID] = members
	}
	members[rec.ID] = struct{}{}

	if familyRevoked {
		return fmt.Errorf("%s: %w", op, storage.ErrRevoked)
	}

	return nil
}

func (s *Storage) Redeem(_ context.Context, id, successorID string, now time.Time) (models.RefreshToken, error) {
	const op = "storage.memory.Redeem"

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[id]
	if !ok {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if err := storage.Classify(*rec, now); err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	prev := clone(*rec)
	rec.Status = models.StatusRedeemed
	rec.SuccessorID = successorID

	return prev, nil
}

func (s *Storage) Revoke(_ context.Context, id string, now time.Time) error {
	const op = "storage.memory.Revoke"

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	s.revoked[rec.FamilyID] = struct{}{}
	for memberID := range s.families[rec.FamilyID] {
		m := s.tokens[memberID]
		if m.Status == models.StatusActive {
			m.Status = models.StatusRevoked
		}
		if m.RevokedAt == nil {
			at := now
			m.RevokedAt = &at
		}
	}

	return nil
}

func (s *Storage) Get(_ context.Context, id string) (models.RefreshToken, error) {
	const op = "storage.memory.Get"

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[id]
	if !ok {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return clone(*rec), nil
}

func (s *Storage) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.tokens {
		if !rec.ExpiresAt.Before(before) {
			continue
		}
		delete(s.tokens, id)
		members := s.families[rec.FamilyID]
		delete(members, id)
		if len(members) == 0 {
			delete(s.families, rec.FamilyID)
			delete(s.revoked, rec.FamilyID)
		}
		n++
	}

	return n, nil
}

func (s *Storage) UserByUsername(_ context.Context, normalized string) (models.User, error) {
	const op = "storage.memory.UserByUsername"

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[normalized]
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return u, nil
}

func (s *Storage) SaveUser(_ context.Context, user models.User) error {
	const op = "storage.memory.SaveUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.NormalizedUsername]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
	}
	s.users[user.NormalizedUsername] = user

	return nil
}

func (s *Storage) Ping(context.Context) error { return nil }

func (s *Storage) Close() error { return nil }

func clone(rec models.RefreshToken) models.RefreshToken {
	rec.Scopes = slices.Clone(rec.Scopes)
	if rec.RevokedAt != nil {
		at := *rec.RevokedAt
		rec.RevokedAt = &at
	}
	return rec
}
