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

const verifyRecordVersion1 = 1

var (
	errVerifyNotFound    = errors.New("verification record not found")
	errVerifyMismatch    = errors.New("verification secret mismatch")
	errVerifyUnavailable = errors.New("verification store unavailable")
)

// verifyRecord is a pending single-use token for email verification or a
// password reset. Only the sha256 of the issued token is kept.
type verifyRecord struct {
	SecretHash [32]byte
	ExpiresAt  int64
}

// verifyStore keeps at most one live record per account and purpose. Saving
// again overwrites the previous record, which invalidates any token issued
// before it.
type verifyStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newVerifyStore(redisClient redis.UniversalClient, prefix string) *verifyStore {
	return &verifyStore{redis: redisClient, prefix: prefix}
}

func (s *verifyStore) key(purpose, accountID string) string {
	return s.prefix + ":vt:" + purpose + ":" + accountID
}

func (s *verifyStore) Save(ctx context.Context, purpose, accountID string, record *verifyRecord, ttl time.Duration) error {
	encoded, err := encodeVerifyRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(purpose, accountID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errVerifyUnavailable, err)
	}
	return nil
}

// Consume deletes the record if providedHash matches the stored hash. A
// mismatch leaves the record in place, so a stale token cannot burn the
// live one. At most one caller can consume a given record. The caller
// supplies now (unix microseconds) so the expiry check runs on the same
// clock that stamped ExpiresAt.
func (s *verifyStore) Consume(ctx context.Context, purpose, accountID string, now int64, providedHash [32]byte) error {
	const maxRetries = 4
	key := s.key(purpose, accountID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeVerifyRecord(data)
			if err != nil {
				return err
			}

			if now > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errVerifyNotFound
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				return errVerifyMismatch
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
				return errVerifyNotFound
			case errors.Is(err, errVerifyNotFound), errors.Is(err, errVerifyMismatch):
				return err
			default:
				return fmt.Errorf("%w: %v", errVerifyUnavailable, err)
			}
		}
		return nil
	}

	return errVerifyNotFound
}

func (s *verifyStore) Delete(ctx context.Context, purpose, accountID string) error {
	if err := s.redis.Del(ctx, s.key(purpose, accountID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errVerifyUnavailable, err)
	}
	return nil
}

func encodeVerifyRecord(record *verifyRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(verifyRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeVerifyRecord(data []byte) (*verifyRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != verifyRecordVersion1 {
		return nil, errors.New("invalid verification record version")
	}

	record := &verifyRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
