// Package postgres stores refresh tokens and users in PostgreSQL.
//
// Rotation and chain revocation serialize on the family row: Put upserts it
// (taking its lock) before inserting the token, and Revoke stamps it before
// updating the members. A Put racing a Revoke therefore either lands before
// the member update or observes the stamp and stores the token revoked.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"tokend/internal/domain/models"
	"tokend/internal/lib/scope"
	"tokend/internal/storage"
)

const uniqueViolation = "23505"

//go:embed migrations/*.sql
var migrations embed.FS

var gooseUpContext = goose.UpContext

type Storage struct {
	db *sql.DB
}

// New opens a connection pool for dsn.
func New(dsn string) (*Storage, error) {
	const op = "storage.postgres.New"

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an already opened database.
func NewWithDB(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// Migrate applies the embedded goose migrations.
func (s *Storage) Migrate(ctx context.Context) error {
	const op = "storage.postgres.Migrate"

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := gooseUpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Put(ctx context.Context, rec models.RefreshToken) (err error) {
	const op = "storage.postgres.Put"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var familyRevokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
INSERT INTO refresh_token_families (id) VALUES ($1)
ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
RETURNING revoked_at`, rec.FamilyID).Scan(&familyRevokedAt)
	if err != nil {
		return fmt.Errorf("%s: family: %w", op, err)
	}

	status := models.StatusActive
	var revokedAt *time.Time
	if familyRevokedAt.Valid {
		status = models.StatusRevoked
		revokedAt = &familyRevokedAt.Time
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO refresh_tokens (id, family_id, subject, scopes, issued_at, expires_at,
                            status, predecessor_id, access_token_id, revoked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.FamilyID, rec.Subject, scope.Format(rec.Scopes), rec.IssuedAt, rec.ExpiresAt,
		string(status), rec.PredecessorID, rec.AccessTokenID, revokedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrDuplicateIdentifier)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	if status == models.StatusRevoked {
		return fmt.Errorf("%s: %w", op, storage.ErrRevoked)
	}

	return nil
}

func (s *Storage) Redeem(ctx context.Context, id, successorID string, now time.Time) (models.RefreshToken, error) {
	const op = "storage.postgres.Redeem"

	row := s.db.QueryRowContext(ctx, `
UPDATE refresh_tokens
SET status = 'redeemed', successor_id = $1
WHERE id = $2 AND status = 'active' AND revoked_at IS NULL AND expires_at > $3
RETURNING id, family_id, subject, scopes, issued_at, expires_at, predecessor_id, access_token_id`,
		successorID, id, now)

	var (
		rec    models.RefreshToken
		scopes string
	)
	err := row.Scan(&rec.ID, &rec.FamilyID, &rec.Subject, &scopes, &rec.IssuedAt, &rec.ExpiresAt,
		&rec.PredecessorID, &rec.AccessTokenID)
	if err == nil {
		rec.Scopes = scope.Parse(scopes)
		rec.Status = models.StatusActive
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := storage.Classify(cur, now); err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.RefreshToken{}, fmt.Errorf("%s: token %s changed concurrently", op, id)
}

func (s *Storage) Revoke(ctx context.Context, id string, now time.Time) (err error) {
	const op = "storage.postgres.Revoke"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
INSERT INTO refresh_token_families (id, revoked_at)
SELECT family_id, $2 FROM refresh_tokens WHERE id = $1
ON CONFLICT (id) DO UPDATE
SET revoked_at = COALESCE(refresh_token_families.revoked_at, EXCLUDED.revoked_at)`, id, now)
	if err != nil {
		return fmt.Errorf("%s: family: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE refresh_tokens
SET status     = CASE WHEN status = 'active' THEN 'revoked' ELSE status END,
    revoked_at = COALESCE(revoked_at, $2)
WHERE family_id = (SELECT family_id FROM refresh_tokens WHERE id = $1)`, id, now)
	if err != nil {
		return fmt.Errorf("%s: members: %w", op, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, id string) (models.RefreshToken, error) {
	const op = "storage.postgres.Get"

	row := s.db.QueryRowContext(ctx, `
SELECT id, family_id, subject, scopes, issued_at, expires_at,
       status, predecessor_id, successor_id, access_token_id, revoked_at
FROM refresh_tokens WHERE id = $1`, id)

	var (
		rec            models.RefreshToken
		scopes, status string
		revokedAt      sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.FamilyID, &rec.Subject, &scopes, &rec.IssuedAt, &rec.ExpiresAt,
		&status, &rec.PredecessorID, &rec.SuccessorID, &rec.AccessTokenID, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	rec.Scopes = scope.Parse(scopes)
	rec.Status = models.TokenStatus(status)
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}

	return rec, nil
}

func (s *Storage) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.postgres.DeleteExpired"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

func (s *Storage) SaveUser(ctx context.Context, user models.User) error {
	const op = "storage.postgres.SaveUser"

	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, username, normalized_username, pass_hash, scopes, roles)
VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Username, user.NormalizedUsername, user.PassHash,
		scope.Format(user.Scopes), strings.Join(user.Roles, " "))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) UserByUsername(ctx context.Context, normalized string) (models.User, error) {
	const op = "storage.postgres.UserByUsername"

	row := s.db.QueryRowContext(ctx, `
SELECT id, username, normalized_username, pass_hash, scopes, roles
FROM users WHERE normalized_username = $1`, normalized)

	var (
		user          models.User
		scopes, roles string
	)
	err := row.Scan(&user.ID, &user.Username, &user.NormalizedUsername, &user.PassHash, &scopes, &roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	user.Scopes = scope.Parse(scopes)
	user.Roles = strings.Fields(roles)

	return user, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
