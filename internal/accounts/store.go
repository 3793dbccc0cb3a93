package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no account matches the lookup.
	ErrNotFound = errors.New("account not found")
	// ErrEmailTaken is returned when the email index already points at a
	// non-deleted account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrProviderTaken is returned when a provider identity is already linked
	// to a different account.
	ErrProviderTaken = errors.New("provider identity already linked")
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("account store unavailable")
)

// errUnchanged is returned by an Update mutation to skip the write when the
// record already holds the target state. No write means no transaction and
// no contention with concurrent updates.
var errUnchanged = errors.New("record unchanged")

// Claims the email index and writes the record only if the email was free.
const createScript = `
if redis.call("SETNX", KEYS[2], ARGV[2]) == 0 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`

var createLua = redis.NewScript(createScript)

// Store is the Redis-backed account store. Records have no TTL; accounts are
// soft-deleted, never expired.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a Store namespaced under prefix.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) key(id string) string {
	return s.prefix + ":a:" + id
}

func (s *Store) emailKey(email string) string {
	return s.prefix + ":ae:" + email
}

func (s *Store) providerKey(provider, providerID string) string {
	return s.prefix + ":ap:" + provider + ":" + providerID
}

// Now is the store's clock, unix microseconds.
func Now() int64 {
	return time.Now().UnixMicro()
}

// Create persists a new account, atomically claiming its email. Fails with
// ErrEmailTaken if another non-deleted account holds the address.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}

	created, err := createLua.Run(
		ctx,
		s.redis,
		[]string{s.key(rec.ID), s.emailKey(rec.Email)},
		data,
		rec.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if created == 0 {
		return ErrEmailTaken
	}
	return nil
}

// GetByID fetches a record, including soft-deleted ones; callers decide how
// deleted accounts surface.
func (s *Store) GetByID(ctx context.Context, id string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return decode(data)
}

// GetByEmail resolves the unique email index. Soft-deleted accounts release
// their index entry, so only live accounts resolve.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Record, error) {
	id, err := s.redis.Get(ctx, s.emailKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.GetByID(ctx, id)
}

// GetByProvider resolves a linked OAuth identity.
func (s *Store) GetByProvider(ctx context.Context, provider, providerID string) (*Record, error) {
	id, err := s.redis.Get(ctx, s.providerKey(provider, providerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.GetByID(ctx, id)
}

// Update applies mutate to the current record under a WATCH transaction and
// retries on contention, so concurrent updates to the same account never
// lose writes. An error returned by mutate aborts the update and propagates;
// errUnchanged aborts without writing and returns the record as read.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Record) error) (*Record, error) {
	const maxRetries = 4
	key := s.key(id)

	for i := 0; i < maxRetries; i++ {
		var updated *Record

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			rec, err := decode(data)
			if err != nil {
				return err
			}
			if err := mutate(rec); err != nil {
				if errors.Is(err, errUnchanged) {
					updated = rec
					return nil
				}
				return err
			}

			encoded, err := encode(rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			if err != nil {
				return err
			}

			updated = rec
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("%w: update contention on account %s", ErrRedisUnavailable, id)
}

// RecordLoginFailure advances the lockout state after a failed password
// check: an elapsed lock restarts the counter at one, otherwise the counter
// increments, and reaching maxAttempts arms a lock of lockDuration. The
// caller supplies now (unix microseconds) so its clock is authoritative.
// Returns the updated record.
func (s *Store) RecordLoginFailure(ctx context.Context, id string, now int64, maxAttempts int, lockDuration time.Duration) (*Record, error) {
	return s.Update(ctx, id, func(rec *Record) error {
		if rec.LockedUntil != 0 && rec.LockedUntil <= now {
			rec.FailedAttempts = 1
			rec.LockedUntil = 0
			return nil
		}

		rec.FailedAttempts++
		if rec.FailedAttempts >= maxAttempts {
			rec.LockedUntil = now + lockDuration.Microseconds()
		}
		return nil
	})
}

// ResetLoginFailures clears the counter and any lock after a successful
// authentication. An already-clean record is left untouched, so the common
// case of repeated valid logins never contends on the account key.
func (s *Store) ResetLoginFailures(ctx context.Context, id string) error {
	_, err := s.Update(ctx, id, func(rec *Record) error {
		if rec.FailedAttempts == 0 && rec.LockedUntil == 0 {
			return errUnchanged
		}
		rec.FailedAttempts = 0
		rec.LockedUntil = 0
		return nil
	})
	return err
}

// LinkProvider attaches an OAuth identity to an account. The provider index
// is claimed with SETNX so two accounts can never share one identity.
func (s *Store) LinkProvider(ctx context.Context, id, provider, providerID string) (*Record, error) {
	ok, err := s.redis.SetNX(ctx, s.providerKey(provider, providerID), id, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if !ok {
		owner, err := s.redis.Get(ctx, s.providerKey(provider, providerID)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if owner != id {
			return nil, ErrProviderTaken
		}
	}

	return s.Update(ctx, id, func(rec *Record) error {
		for _, p := range rec.Providers {
			if p.Name == provider && p.ProviderID == providerID {
				return nil
			}
		}
		rec.Providers = append(rec.Providers, Provider{Name: provider, ProviderID: providerID})
		return nil
	})
}

// SoftDelete marks the account deleted and releases its email index so the
// address can be registered again. The record itself is never removed.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	rec, err := s.Update(ctx, id, func(rec *Record) error {
		rec.Deleted = true
		rec.Active = false
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.redis.Del(ctx, s.emailKey(rec.Email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
