package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	"tokend/internal/domain/models"
	"tokend/internal/lib/scope"
	"tokend/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Storage struct {
	db *sql.DB
}

// New opens the database at storagePath.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// sqlite allows a single writer; one connection turns lock contention into queueing.
	db.SetMaxOpenConns(1)

	return &Storage{db: db}, nil
}

// Migrate applies the embedded schema to the database at storagePath.
func Migrate(storagePath string) error {
	const op = "storage.sqlite.Migrate"

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+storagePath)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Put(ctx context.Context, rec models.RefreshToken) error {
	const op = "storage.sqlite.Put"

	const query = `
INSERT INTO refresh_tokens (id, family_id, subject, scopes, issued_at, expires_at,
                            status, predecessor_id, access_token_id, revoked_at)
SELECT ?, ?, ?, ?, ?, ?,
       CASE WHEN f.revoked THEN 'revoked' ELSE 'active' END,
       ?, ?,
       CASE WHEN f.revoked THEN ? END
FROM (SELECT EXISTS (SELECT 1 FROM refresh_tokens
                     WHERE family_id = ? AND revoked_at IS NOT NULL) AS revoked) AS f
RETURNING status`

	var status string
	err := s.db.QueryRowContext(ctx, query,
		rec.ID, rec.FamilyID, rec.Subject, scope.Format(rec.Scopes),
		rec.IssuedAt.Unix(), rec.ExpiresAt.Unix(),
		rec.PredecessorID, rec.AccessTokenID,
		rec.IssuedAt.Unix(),
		rec.FamilyID,
	).Scan(&status)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%s: %w", op, storage.ErrDuplicateIdentifier)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if models.TokenStatus(status) == models.StatusRevoked {
		return fmt.Errorf("%s: %w", op, storage.ErrRevoked)
	}

	return nil
}

func (s *Storage) Redeem(ctx context.Context, id, successorID string, now time.Time) (models.RefreshToken, error) {
	const op = "storage.sqlite.Redeem"

	const query = `
UPDATE refresh_tokens
SET status = 'redeemed', successor_id = ?
WHERE id = ? AND status = 'active' AND revoked_at IS NULL AND expires_at > ?
RETURNING id, family_id, subject, scopes, issued_at, expires_at,
          'active', predecessor_id, '', access_token_id, revoked_at`

	rec, err := scanToken(s.db.QueryRowContext(ctx, query, successorID, id, now.Unix()))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	// Nothing was updated: report why.
	cur, err := s.Get(ctx, id)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := storage.Classify(cur, now); err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.RefreshToken{}, fmt.Errorf("%s: token %s changed concurrently", op, id)
}

func (s *Storage) Revoke(ctx context.Context, id string, now time.Time) error {
	const op = "storage.sqlite.Revoke"

	const query = `
UPDATE refresh_tokens
SET status     = CASE WHEN status = 'active' THEN 'revoked' ELSE status END,
    revoked_at = COALESCE(revoked_at, ?)
WHERE family_id = (SELECT family_id FROM refresh_tokens WHERE id = ?)`

	res, err := s.db.ExecContext(ctx, query, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, id string) (models.RefreshToken, error) {
	const op = "storage.sqlite.Get"

	row := s.db.QueryRowContext(ctx, `
SELECT id, family_id, subject, scopes, issued_at, expires_at,
       status, predecessor_id, successor_id, access_token_id, revoked_at
FROM refresh_tokens WHERE id = ?`, id)

	rec, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return rec, nil
}

func (s *Storage) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.sqlite.DeleteExpired"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at < ?", before.Unix())
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
	const op = "storage.sqlite.SaveUser"

	stmt, err := s.db.PrepareContext(ctx,
		"INSERT INTO users (id, username, normalized_username, pass_hash, scopes, roles) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, user.ID, user.Username, user.NormalizedUsername, user.PassHash,
		scope.Format(user.Scopes), strings.Join(user.Roles, " "))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) UserByUsername(ctx context.Context, normalized string) (models.User, error) {
	const op = "storage.sqlite.UserByUsername"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, username, normalized_username, pass_hash, scopes, roles FROM users WHERE normalized_username = ?",
		normalized)

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

func scanToken(row *sql.Row) (models.RefreshToken, error) {
	var (
		rec                 models.RefreshToken
		scopes, status      string
		issuedAt, expiresAt int64
		revokedAt           sql.NullInt64
	)

	err := row.Scan(&rec.ID, &rec.FamilyID, &rec.Subject, &scopes, &issuedAt, &expiresAt,
		&status, &rec.PredecessorID, &rec.SuccessorID, &rec.AccessTokenID, &revokedAt)
	if err != nil {
		return models.RefreshToken{}, err
	}

	rec.Scopes = scope.Parse(scopes)
	rec.IssuedAt = time.Unix(issuedAt, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	rec.Status = models.TokenStatus(status)
	if revokedAt.Valid {
		at := time.Unix(revokedAt.Int64, 0).UTC()
		rec.RevokedAt = &at
	}

	return rec, nil
}
