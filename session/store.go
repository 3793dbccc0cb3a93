package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound is returned when no record exists for a session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotUsable is returned for revoked or expired records.
	ErrSessionNotUsable = errors.New("session not usable")
	// ErrTokenMismatch is returned when the presented refresh token hash does
	// not match the stored grant. After a successful rotation this is what a
	// replayed parent token produces.
	ErrTokenMismatch = errors.New("refresh token mismatch")
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("session store unavailable")
)

// Shared Lua helpers. Records keep their header at fixed offsets (see
// model.go) so scripts can check usability and revoke in place without
// decoding the variable tail. Timestamps fit Lua's double precision because
// they are microseconds, not nanoseconds.
const luaHelpers = `
local function read_be64(s, i)
  local v = 0
  for k = i, i + 7 do
    local b = string.byte(s, k)
    if not b then
      return nil
    end
    v = v * 256 + b
  end
  return v
end

local function write_be64(n)
  local out = {}
  for k = 8, 1, -1 do
    out[k] = string.char(n % 256)
    n = math.floor(n / 256)
  end
  return table.concat(out)
end
`

// Revoke in place, preserving TTL. Already-revoked records keep their
// original reason.
const revokeScript = luaHelpers + `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
if string.byte(data, 2) ~= 0 then
  return 2
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 0
end
local updated = string.sub(data, 1, 1) .. string.char(1) .. string.char(tonumber(ARGV[1])) .. string.sub(data, 4)
redis.call("SET", KEYS[1], updated, "PX", ttl)
return 1
`

// Rotation CAS: the old grant must be unrevoked, unexpired and carry the
// presented token hash. Exactly one of two concurrent rotations of the same
// token can pass the hash check; the winner revokes the old record (reason
// rotation, last-used stamped) and inserts the new one in the same script.
const rotateScript = luaHelpers + `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
if string.byte(data, 2) ~= 0 then
  return 1
end
local now = tonumber(ARGV[3])
local expires = read_be64(data, 12)
if not expires or expires <= now then
  return 1
end
if string.sub(data, 28, 59) ~= ARGV[1] then
  return 2
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 1
end
local updated = string.sub(data, 1, 1) .. string.char(1) .. string.char(1) ..
  string.sub(data, 4, 19) .. write_be64(now) .. string.sub(data, 28)
redis.call("SET", KEYS[1], updated, "PX", ttl)
redis.call("SET", KEYS[2], ARGV[2], "PX", tonumber(ARGV[4]))
redis.call("ZADD", KEYS[3], tonumber(ARGV[6]), ARGV[5])
return 3
`

// Capped insert: walk the account index oldest-first, drop dead index
// entries, revoke the oldest usable grants until fewer than limit remain,
// then install the new grant. Eviction and insert are one script so
// concurrent logins cannot each pass the cap check before any insert
// lands; the cap holds at all times, not just after settling.
const createCappedScript = luaHelpers + `
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
local now = tonumber(ARGV[2])
local usable = {}
for i = 1, #ids do
  local key = ARGV[3] .. ids[i]
  local data = redis.call("GET", key)
  if not data then
    redis.call("ZREM", KEYS[1], ids[i])
  elseif string.byte(data, 2) == 0 then
    local expires = read_be64(data, 12)
    if expires and expires > now then
      usable[#usable + 1] = { key = key, data = data }
    end
  end
end
local limit = tonumber(ARGV[1])
local revoked = 0
while #usable - revoked >= limit and revoked < #usable do
  local entry = usable[revoked + 1]
  local ttl = redis.call("PTTL", entry.key)
  if ttl > 0 then
    local updated = string.sub(entry.data, 1, 1) .. string.char(1) .. string.char(1) .. string.sub(entry.data, 4)
    redis.call("SET", entry.key, updated, "PX", ttl)
  end
  revoked = revoked + 1
end
redis.call("SET", KEYS[2], ARGV[4], "PX", tonumber(ARGV[5]))
redis.call("ZADD", KEYS[1], tonumber(ARGV[7]), ARGV[6])
return revoked
`

var (
	revokeLua       = redis.NewScript(revokeScript)
	rotateLua       = redis.NewScript(rotateScript)
	createCappedLua = redis.NewScript(createCappedScript)
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusDead     int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
)

// Store is the Redis-backed session store. Records expire through key TTLs;
// a per-account ZSET scored by issue time provides newest-first listing and
// oldest-first eviction.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a Store namespaced under prefix.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) indexKey(accountID string) string {
	return s.prefix + ":si:" + accountID
}

func (s *Store) keyPrefix() string {
	return s.prefix + ":s:"
}

// Now is the store's clock, unix microseconds.
func Now() int64 {
	return time.Now().UnixMicro()
}

// Create persists a new grant and indexes it under its account. The key TTL
// is derived from the record's expiry so sessions age out without a reaper.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}

	ttl := time.Duration(rec.ExpiresAt-Now()) * time.Microsecond
	if ttl <= 0 {
		return errors.New("session already expired")
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(rec.ID), data, ttl)
		pipe.ZAdd(ctx, s.indexKey(rec.AccountID), redis.Z{
			Score:  float64(rec.IssuedAt),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get fetches a record by ID without mutating anything.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	rec, err := Decode(data)
	if err != nil {
		return nil, err
	}
	rec.ID = sessionID
	return rec, nil
}

// GetUsable fetches a record and fails with ErrSessionNotUsable unless it is
// unrevoked and unexpired.
func (s *Store) GetUsable(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !rec.Usable(Now()) {
		return nil, ErrSessionNotUsable
	}
	return rec, nil
}

// Rotate atomically consumes the old grant and installs next. Exactly one of
// two concurrent calls presenting the same token succeeds; the other sees
// ErrSessionNotUsable or ErrTokenMismatch.
func (s *Store) Rotate(ctx context.Context, oldID string, providedHash [32]byte, next *Record) error {
	blob, err := Encode(next)
	if err != nil {
		return err
	}

	now := Now()
	ttlMillis := (next.ExpiresAt - now) / 1000
	if ttlMillis <= 0 {
		return errors.New("replacement session already expired")
	}

	status, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(oldID), s.key(next.ID), s.indexKey(next.AccountID)},
		providedHash[:],
		blob,
		now,
		ttlMillis,
		next.ID,
		next.IssuedAt,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case rotateStatusNotFound:
		return ErrSessionNotFound
	case rotateStatusDead:
		return ErrSessionNotUsable
	case rotateStatusMismatch:
		return ErrTokenMismatch
	case rotateStatusRotated:
		return nil
	default:
		return fmt.Errorf("%w: unexpected rotate status %d", ErrRedisUnavailable, status)
	}
}

// Revoke marks a grant revoked in place, preserving its TTL. Revoking an
// already-revoked or missing session is a no-op.
func (s *Store) Revoke(ctx context.Context, sessionID string, reason RevokeReason) error {
	_, err := revokeLua.Run(ctx, s.redis, []string{s.key(sessionID)}, int(reason)).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RevokeAllForAccount revokes every usable grant for an account.
//
// ATOMICITY NOTE: the index read and the per-session revocations are not one
// atomic unit. A session created between the read and the revocations is not
// captured; it ages out naturally or is caught by a later call. Callers for
// whom this matters (password reset) invalidate the credential first, so the
// race window cannot mint new grants anyway.
func (s *Store) RevokeAllForAccount(ctx context.Context, accountID string, reason RevokeReason) error {
	ids, err := s.redis.ZRange(ctx, s.indexKey(accountID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	for _, id := range ids {
		if err := s.Revoke(ctx, id, reason); err != nil {
			return err
		}
	}
	return nil
}

// ListUsable returns the account's usable grants newest-first. Index entries
// whose records have expired out of Redis are pruned as a side effect.
func (s *Store) ListUsable(ctx context.Context, accountID string) ([]*Record, error) {
	ids, err := s.redis.ZRevRange(ctx, s.indexKey(accountID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := Now()
	out := make([]*Record, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, ids[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}

		rec, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		rec.ID = ids[i]
		if rec.Usable(now) {
			out = append(out, rec)
		}
	}

	if len(stale) > 0 {
		_ = s.redis.ZRem(ctx, s.indexKey(accountID), stale...).Err()
	}

	return out, nil
}

// CountUsable returns the number of usable grants for an account.
func (s *Store) CountUsable(ctx context.Context, accountID string) (int, error) {
	recs, err := s.ListUsable(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// CreateCapped persists a new grant while enforcing the per-account cap:
// the oldest usable grants are revoked (reason rotation) until fewer than
// limit remain, then the new grant is inserted, all in one script. Returns
// how many grants were revoked to make room.
func (s *Store) CreateCapped(ctx context.Context, rec *Record, limit int) (int, error) {
	if limit < 1 {
		return 0, errors.New("session limit must be at least 1")
	}

	blob, err := Encode(rec)
	if err != nil {
		return 0, err
	}

	now := Now()
	ttlMillis := (rec.ExpiresAt - now) / 1000
	if ttlMillis <= 0 {
		return 0, errors.New("session already expired")
	}

	n, err := createCappedLua.Run(
		ctx,
		s.redis,
		[]string{s.indexKey(rec.AccountID), s.key(rec.ID)},
		limit,
		now,
		s.keyPrefix(),
		blob,
		ttlMillis,
		rec.ID,
		rec.IssuedAt,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}
