package ticketauth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	otpChallengeVersion1   = 1
	pendingSetupVersion1   = 1
	pendingSetupMaxStrings = 65535
)

var (
	errChallengeNotFound    = errors.New("login challenge not found")
	errChallengeMismatch    = errors.New("login challenge code mismatch")
	errChallengeExceeded    = errors.New("login challenge attempts exceeded")
	errChallengeUnavailable = errors.New("login challenge store unavailable")
)

// otpChallenge is the emailed second factor pending after a successful
// password check on a two-factor account.
type otpChallenge struct {
	CodeHash  [32]byte
	ExpiresAt int64
	Attempts  uint16
}

// otpStore keys challenges by account, so a fresh login replaces the
// previous pending challenge.
type otpStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newOTPStore(redisClient redis.UniversalClient, prefix string) *otpStore {
	return &otpStore{redis: redisClient, prefix: prefix}
}

func (s *otpStore) key(accountID string) string {
	return s.prefix + ":oc:" + accountID
}

func (s *otpStore) pendingKey(accountID string) string {
	return s.prefix + ":ps:" + accountID
}

func (s *otpStore) Save(ctx context.Context, accountID string, challenge *otpChallenge, ttl time.Duration) error {
	encoded, err := encodeOTPChallenge(challenge)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(accountID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}
	return nil
}

// Consume checks the provided hash against the pending challenge. A match
// deletes the challenge. A mismatch counts an attempt and deletes the
// challenge once maxAttempts is reached, forcing a fresh login. The caller
// supplies now (unix microseconds) so its clock is authoritative for the
// expiry check, matching the clock that stamped ExpiresAt.
func (s *otpStore) Consume(ctx context.Context, accountID string, now int64, providedHash [32]byte, maxAttempts int) error {
	const maxRetries = 4
	key := s.key(accountID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			challenge, err := decodeOTPChallenge(data)
			if err != nil {
				return err
			}

			if now > challenge.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeNotFound
			}

			if subtle.ConstantTimeCompare(challenge.CodeHash[:], providedHash[:]) != 1 {
				challenge.Attempts++
				if int(challenge.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return errChallengeExceeded
				}

				ttl := time.Duration(challenge.ExpiresAt-now) * time.Microsecond
				if ttl <= 0 {
					return errChallengeNotFound
				}

				updated, err := encodeOTPChallenge(challenge)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return errChallengeNotFound
			case errors.Is(err, errChallengeNotFound),
				errors.Is(err, errChallengeMismatch),
				errors.Is(err, errChallengeExceeded):
				return err
			default:
				return fmt.Errorf("%w: %v", errChallengeUnavailable, err)
			}
		}
		return nil
	}

	return errChallengeNotFound
}

// Exists reports whether a challenge is currently pending for the account.
func (s *otpStore) Exists(ctx context.Context, accountID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(accountID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}
	return n > 0, nil
}

func (s *otpStore) Delete(ctx context.Context, accountID string) error {
	if err := s.redis.Del(ctx, s.key(accountID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}
	return nil
}

// pendingSetup is an unconfirmed authenticator enrollment. The plaintext
// recovery codes live here only until ConfirmTwoFactor hashes them onto the
// account; the TTL bounds how long an enrollment can sit unconfirmed.
type pendingSetup struct {
	Secret        string
	RecoveryCodes []string
}

func (s *otpStore) SavePendingSetup(ctx context.Context, accountID string, setup *pendingSetup, ttl time.Duration) error {
	encoded, err := encodePendingSetup(setup)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.pendingKey(accountID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}
	return nil
}

func (s *otpStore) GetPendingSetup(ctx context.Context, accountID string) (*pendingSetup, error) {
	data, err := s.redis.Get(ctx, s.pendingKey(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}
	return decodePendingSetup(data)
}

func (s *otpStore) DeletePendingSetup(ctx context.Context, accountID string) error {
	if err := s.redis.Del(ctx, s.pendingKey(accountID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}
	return nil
}

func encodeOTPChallenge(challenge *otpChallenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(otpChallengeVersion1)

	if err := binary.Write(&buf, binary.BigEndian, challenge.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, challenge.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(challenge.CodeHash[:])

	return buf.Bytes(), nil
}

func decodeOTPChallenge(data []byte) (*otpChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpChallengeVersion1 {
		return nil, errors.New("invalid login challenge version")
	}

	challenge := &otpChallenge{}
	if err := binary.Read(reader, binary.BigEndian, &challenge.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &challenge.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, challenge.CodeHash[:]); err != nil {
		return nil, err
	}

	return challenge, nil
}

func encodePendingSetup(setup *pendingSetup) ([]byte, error) {
	if len(setup.Secret) > pendingSetupMaxStrings || len(setup.RecoveryCodes) > 255 {
		return nil, errors.New("pending setup record too large")
	}

	var buf bytes.Buffer
	buf.WriteByte(pendingSetupVersion1)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(setup.Secret))); err != nil {
		return nil, err
	}
	buf.WriteString(setup.Secret)

	buf.WriteByte(byte(len(setup.RecoveryCodes)))
	for _, code := range setup.RecoveryCodes {
		if len(code) > pendingSetupMaxStrings {
			return nil, errors.New("pending setup record too large")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(code))); err != nil {
			return nil, err
		}
		buf.WriteString(code)
	}

	return buf.Bytes(), nil
}

func decodePendingSetup(data []byte) (*pendingSetup, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingSetupVersion1 {
		return nil, errors.New("invalid pending setup version")
	}

	var secretLen uint16
	if err := binary.Read(reader, binary.BigEndian, &secretLen); err != nil {
		return nil, err
	}
	secret := make([]byte, secretLen)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, err
	}

	setup := &pendingSetup{Secret: string(secret)}

	count, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(count); i++ {
		var codeLen uint16
		if err := binary.Read(reader, binary.BigEndian, &codeLen); err != nil {
			return nil, err
		}
		code := make([]byte, codeLen)
		if _, err := io.ReadFull(reader, code); err != nil {
			return nil, err
		}
		setup.RecoveryCodes = append(setup.RecoveryCodes, string(code))
	}

	return setup, nil
}
