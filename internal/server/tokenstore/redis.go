package tokenstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix = "rt:"
	userKeyPrefix  = "rtu:"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusRotated  int64 = 2
)

// Records are hashes {user_id, expires_at, created_at} with times in unix
// milliseconds. Each identity has a sorted set of its tokens scored by
// creation time. Keys carry no TTL; expired records are collected by persist.

const persistScript = `
local token_prefix = ARGV[1]
local token = ARGV[2]
local uid = ARGV[3]
local expires_at = ARGV[4]
local now = tonumber(ARGV[5])

redis.call("HSET", KEYS[1], "user_id", uid, "expires_at", expires_at, "created_at", ARGV[5])
redis.call("ZADD", KEYS[2], ARGV[5], token)

local members = redis.call("ZRANGE", KEYS[2], 0, -1)
for _, other in ipairs(members) do
  if other ~= token then
    local exp = redis.call("HGET", token_prefix .. other, "expires_at")
    if not exp or tonumber(exp) <= now then
      redis.call("DEL", token_prefix .. other)
      redis.call("ZREM", KEYS[2], other)
    end
  end
end
return 1
`

var persistLua = redis.NewScript(persistScript)

const rotateScript = `
local user_prefix = ARGV[1]
local old_token = ARGV[2]
local new_token = ARGV[3]
local now = tonumber(ARGV[4])
local new_expires = ARGV[5]

local uid = redis.call("HGET", KEYS[1], "user_id")
if not uid then
  return {0}
end
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
local user_key = user_prefix .. uid

redis.call("DEL", KEYS[1])
redis.call("ZREM", user_key, old_token)
if exp <= now then
  return {1, uid}
end

redis.call("HSET", KEYS[2], "user_id", uid, "expires_at", new_expires, "created_at", ARGV[4])
redis.call("ZADD", user_key, ARGV[4], new_token)
return {2, uid}
`

var rotateLua = redis.NewScript(rotateScript)

const revokeScript = `
local uid = redis.call("HGET", KEYS[1], "user_id")
redis.call("DEL", KEYS[1])
if uid then
  redis.call("ZREM", ARGV[1] .. uid, ARGV[2])
end
return 1
`

var revokeLua = redis.NewScript(revokeScript)

// ARGV[2] is the last rank to delete: -1 for all, -2 to keep the newest.
const revokeRangeScript = `
local members = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[2]))
for _, tok in ipairs(members) do
  redis.call("DEL", ARGV[1] .. tok)
  redis.call("ZREM", KEYS[1], tok)
end
return #members
`

var revokeRangeLua = redis.NewScript(revokeRangeScript)

// RedisStore implements Store on Redis. Every mutation is a single Lua
// script, so rotation is atomic without client-side locking. The scripts
// derive per-user keys at run time, so the store needs a single-node or
// sentinel client; Redis Cluster would route them to the wrong slot.
type RedisStore struct {
	rdb  *redis.Client
	opts Options
}

func NewRedisStore(rdb *redis.Client, opts Options) *RedisStore {
	return &RedisStore{rdb: rdb, opts: opts}
}

func tokenKey(token string) string     { return tokenKeyPrefix + token }
func userKey(identityID string) string { return userKeyPrefix + identityID }

func redisError(err error) error {
	return fmt.Errorf("redis error: %w", err)
}

func (s *RedisStore) Persist(ctx context.Context, identityID, token string) error {
	now := s.opts.now()
	expires := auth.ApplyDuration(now, s.opts.RefreshExpiry)

	err := persistLua.Run(ctx, s.rdb,
		[]string{tokenKey(token), userKey(identityID)},
		tokenKeyPrefix, token, identityID, expires.UnixMilli(), now.UnixMilli(),
	).Err()
	if err != nil {
		return redisError(err)
	}
	return nil
}

func (s *RedisStore) RedeemAndRotate(ctx context.Context, oldToken string) (string, string, error) {
	newToken, err := s.opts.Minter.IssueRefresh()
	if err != nil {
		return "", "", err
	}
	now := s.opts.now()
	expires := auth.ApplyDuration(now, s.opts.RefreshExpiry)

	res, err := rotateLua.Run(ctx, s.rdb,
		[]string{tokenKey(oldToken), tokenKey(newToken)},
		userKeyPrefix, oldToken, newToken, now.UnixMilli(), expires.UnixMilli(),
	).Slice()
	if err != nil {
		return "", "", redisError(err)
	}
	if len(res) == 0 {
		return "", "", redisError(fmt.Errorf("empty rotate reply"))
	}

	status, ok := res[0].(int64)
	if !ok {
		return "", "", redisError(fmt.Errorf("unexpected rotate status %v", res[0]))
	}
	switch status {
	case rotateStatusNotFound:
		return "", "", common.ErrInvalidCredential
	case rotateStatusExpired:
		return "", "", common.ErrExpired
	case rotateStatusRotated:
		uid, _ := res[1].(string)
		return uid, newToken, nil
	default:
		return "", "", redisError(fmt.Errorf("unexpected rotate status %d", status))
	}
}

func (s *RedisStore) Revoke(ctx context.Context, token string) error {
	if err := revokeLua.Run(ctx, s.rdb, []string{tokenKey(token)}, userKeyPrefix, token).Err(); err != nil {
		return redisError(err)
	}
	return nil
}

func (s *RedisStore) revokeRange(ctx context.Context, identityID string, stop int) error {
	err := revokeRangeLua.Run(ctx, s.rdb, []string{userKey(identityID)}, tokenKeyPrefix, strconv.Itoa(stop)).Err()
	if err != nil {
		return redisError(err)
	}
	return nil
}

func (s *RedisStore) RevokeAll(ctx context.Context, identityID string) error {
	return s.revokeRange(ctx, identityID, -1)
}

func (s *RedisStore) RevokeAllExceptMostRecent(ctx context.Context, identityID string) error {
	return s.revokeRange(ctx, identityID, -2)
}

func (s *RedisStore) Count(ctx context.Context, identityID string) (int, error) {
	n, err := s.rdb.ZCard(ctx, userKey(identityID)).Result()
	if err != nil {
		return 0, redisError(err)
	}
	return int(n), nil
}
