// Package redis stores refresh tokens and users in Redis.
//
// Every record is a hash; state transitions run as Lua scripts so each one is
// a single atomic step on the server. Keys expire at expires_at + retention.
// The scripts derive family keys from record contents, so all keys must live
// on one node.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tokend/internal/domain/models"
	"tokend/internal/lib/scope"
	"tokend/internal/storage"
)

const (
	putStatusDuplicate int64 = 0
	putStatusActive    int64 = 1
	putStatusRevoked   int64 = 2
)

const (
	redeemStatusNotFound int64 = 0
	redeemStatusExpired  int64 = 1
	redeemStatusRevoked  int64 = 2
	redeemStatusRedeemed int64 = 3
	redeemStatusOK       int64 = 4
)

const putScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local revoked_at = redis.call("GET", KEYS[3])
local status = "active"
if revoked_at then
  status = "revoked"
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "family_id", ARGV[2], "subject", ARGV[3], "scopes", ARGV[4],
  "issued_at", ARGV[5], "expires_at", ARGV[6], "status", status,
  "predecessor_id", ARGV[7], "successor_id", "", "access_token_id", ARGV[8])
if revoked_at then
  redis.call("HSET", KEYS[1], "revoked_at", revoked_at)
  redis.call("EXPIREAT", KEYS[3], ARGV[9])
end
redis.call("EXPIREAT", KEYS[1], ARGV[9])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("EXPIREAT", KEYS[2], ARGV[9])
redis.call("ZADD", KEYS[4], ARGV[6], ARGV[1])
if revoked_at then
  return 2
end
return 1
`

var putLua = goredis.NewScript(putScript)

const redeemScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
local f = redis.call("HMGET", KEYS[1], "expires_at", "status", "revoked_at")
if tonumber(f[1]) <= tonumber(ARGV[2]) then
  return {1}
end
if f[2] == "revoked" or f[3] then
  return {2}
end
if f[2] == "redeemed" then
  return {3}
end
local prev = redis.call("HGETALL", KEYS[1])
redis.call("HSET", KEYS[1], "status", "redeemed", "successor_id", ARGV[1])
return {4, prev}
`

var redeemLua = goredis.NewScript(redeemScript)

const revokeScript = `
local family = redis.call("HGET", KEYS[1], "family_id")
if not family then
  return 0
end
local family_key = ARGV[2] .. family
local flag_key = family_key .. ":revoked"
if not redis.call("GET", flag_key) then
  redis.call("SET", flag_key, ARGV[1])
  local ttl = redis.call("PTTL", family_key)
  if ttl > 0 then
    redis.call("PEXPIRE", flag_key, ttl)
  end
end
for _, id in ipairs(redis.call("SMEMBERS", family_key)) do
  local key = ARGV[3] .. id
  if redis.call("EXISTS", key) == 1 then
    if redis.call("HGET", key, "status") == "active" then
      redis.call("HSET", key, "status", "revoked")
    end
    if not redis.call("HGET", key, "revoked_at") then
      redis.call("HSET", key, "revoked_at", ARGV[1])
    end
  end
end
return 1
`

var revokeLua = goredis.NewScript(revokeScript)

const deleteExpiredScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local deleted = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  local family = redis.call("HGET", key, "family_id")
  deleted = deleted + redis.call("DEL", key)
  redis.call("ZREM", KEYS[1], id)
  if family then
    local family_key = ARGV[3] .. family
    redis.call("SREM", family_key, id)
    if redis.call("SCARD", family_key) == 0 then
      redis.call("DEL", family_key, family_key .. ":revoked")
    end
  end
end
return deleted
`

var deleteExpiredLua = goredis.NewScript(deleteExpiredScript)

const saveUserScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "username", ARGV[2], "normalized_username", ARGV[3],
  "pass_hash", ARGV[4], "scopes", ARGV[5], "roles", ARGV[6])
return 1
`

var saveUserLua = goredis.NewScript(saveUserScript)

type Storage struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

// New returns a storage using client. Keys are namespaced under prefix.
func New(client goredis.UniversalClient, prefix string, retention time.Duration) *Storage {
	if prefix == "" {
		prefix = "tokend"
	}
	return &Storage{
		client:    client,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *Storage) tokenKey(id string) string {
	return s.tokenPrefix() + id
}

func (s *Storage) tokenPrefix() string {
	return s.prefix + ":rt:"
}

func (s *Storage) familyKey(familyID string) string {
	return s.familyPrefix() + familyID
}

func (s *Storage) familyPrefix() string {
	return s.prefix + ":rtf:"
}

func (s *Storage) expiryKey() string {
	return s.prefix + ":rt-expiry"
}

func (s *Storage) userKey(normalized string) string {
	return s.prefix + ":user:" + normalized
}

func (s *Storage) Put(ctx context.Context, rec models.RefreshToken) error {
	const op = "storage.redis.Put"

	familyKey := s.familyKey(rec.FamilyID)
	code, err := putLua.Run(ctx, s.client,
		[]string{s.tokenKey(rec.ID), familyKey, familyKey + ":revoked", s.expiryKey()},
		rec.ID, rec.FamilyID, rec.Subject, scope.Format(rec.Scopes),
		rec.IssuedAt.Unix(), rec.ExpiresAt.Unix(),
		rec.PredecessorID, rec.AccessTokenID,
		rec.ExpiresAt.Add(s.retention).Unix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch code {
	case putStatusActive:
		return nil
	case putStatusDuplicate:
		return fmt.Errorf("%s: %w", op, storage.ErrDuplicateIdentifier)
	case putStatusRevoked:
		return fmt.Errorf("%s: %w", op, storage.ErrRevoked)
	default:
		return fmt.Errorf("%s: unexpected script status %d", op, code)
	}
}

func (s *Storage) Redeem(ctx context.Context, id, successorID string, now time.Time) (models.RefreshToken, error) {
	const op = "storage.redis.Redeem"

	result, err := redeemLua.Run(ctx, s.client, []string{s.tokenKey(id)}, successorID, now.Unix()).Slice()
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(result) == 0 {
		return models.RefreshToken{}, fmt.Errorf("%s: empty script response", op)
	}

	code, ok := result[0].(int64)
	if !ok {
		return models.RefreshToken{}, fmt.Errorf("%s: invalid script status", op)
	}

	switch code {
	case redeemStatusNotFound:
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	case redeemStatusExpired:
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrTokenExpired)
	case redeemStatusRevoked:
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrRevoked)
	case redeemStatusRedeemed:
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrAlreadyRedeemed)
	case redeemStatusOK:
	default:
		return models.RefreshToken{}, fmt.Errorf("%s: unexpected script status %d", op, code)
	}

	if len(result) < 2 {
		return models.RefreshToken{}, fmt.Errorf("%s: missing record in script response", op)
	}
	flat, ok := result[1].([]interface{})
	if !ok {
		return models.RefreshToken{}, fmt.Errorf("%s: invalid record in script response", op)
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}

	rec, err := decodeToken(fields)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return rec, nil
}

func (s *Storage) Revoke(ctx context.Context, id string, now time.Time) error {
	const op = "storage.redis.Revoke"

	code, err := revokeLua.Run(ctx, s.client, []string{s.tokenKey(id)},
		now.Unix(), s.familyPrefix(), s.tokenPrefix()).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if code == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, id string) (models.RefreshToken, error) {
	const op = "storage.redis.Get"

	fields, err := s.client.HGetAll(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(fields) == 0 {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	rec, err := decodeToken(fields)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return rec, nil
}

func (s *Storage) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.redis.DeleteExpired"

	n, err := deleteExpiredLua.Run(ctx, s.client, []string{s.expiryKey()},
		before.Unix(), s.tokenPrefix(), s.familyPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

func (s *Storage) SaveUser(ctx context.Context, user models.User) error {
	const op = "storage.redis.SaveUser"

	code, err := saveUserLua.Run(ctx, s.client, []string{s.userKey(user.NormalizedUsername)},
		user.ID, user.Username, user.NormalizedUsername, user.PassHash,
		scope.Format(user.Scopes), strings.Join(user.Roles, " "),
	).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if code == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
	}

	return nil
}

func (s *Storage) UserByUsername(ctx context.Context, normalized string) (models.User, error) {
	const op = "storage.redis.UserByUsername"

	fields, err := s.client.HGetAll(ctx, s.userKey(normalized)).Result()
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(fields) == 0 {
		return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return models.User{
		ID:                 fields["id"],
		Username:           fields["username"],
		NormalizedUsername: fields["normalized_username"],
		PassHash:           []byte(fields["pass_hash"]),
		Scopes:             scope.Parse(fields["scopes"]),
		Roles:              strings.Fields(fields["roles"]),
	}, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) Close() error {
	return s.client.Close()
}

var errCorruptRecord = errors.New("corrupt refresh token record")

func decodeToken(fields map[string]string) (models.RefreshToken, error) {
	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%w: issued_at", errCorruptRecord)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%w: expires_at", errCorruptRecord)
	}

	rec := models.RefreshToken{
		ID:            fields["id"],
		FamilyID:      fields["family_id"],
		Subject:       fields["subject"],
		Scopes:        scope.Parse(fields["scopes"]),
		IssuedAt:      time.Unix(issuedAt, 0).UTC(),
		ExpiresAt:     time.Unix(expiresAt, 0).UTC(),
		Status:        models.TokenStatus(fields["status"]),
		PredecessorID: fields["predecessor_id"],
		SuccessorID:   fields["successor_id"],
		AccessTokenID: fields["access_token_id"],
	}

	if raw, ok := fields["revoked_at"]; ok {
		at, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return models.RefreshToken{}, fmt.Errorf("%w: revoked_at", errCorruptRecord)
		}
		t := time.Unix(at, 0).UTC()
		rec.RevokedAt = &t
	}

	return rec, nil
}
