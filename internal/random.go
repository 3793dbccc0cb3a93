// Package internal holds random material generation and opaque-token hashing
// shared by the engine and its stores.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

// SessionID is a 128-bit random identifier, rendered base64url unpadded.
type SessionID [16]byte

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) String() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

// NewToken returns byteLen random bytes hex encoded.
func NewToken(byteLen int) (string, error) {
	if byteLen <= 0 {
		byteLen = 32
	}
	raw := make([]byte, byteLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// HashOpaque is the at-rest hash for tokens that are themselves unguessable
// (refresh tokens, verification tokens, emailed OTPs). Never used for
// passwords.
func HashOpaque(value string) [32]byte {
	return sha256.Sum256([]byte(value))
}

// HashOpaqueHex is HashOpaque rendered as a hex string.
func HashOpaqueHex(value string) string {
	sum := HashOpaque(value)
	return hex.EncodeToString(sum[:])
}

// NewOTP returns a numeric one-time code with the given digit count.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	limit := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

const recoveryCodeBytes = 5

// NewRecoveryCode returns a recovery code of the form XXXXX-XXXXX over a
// crockford-ish alphabet with ambiguous characters removed.
func NewRecoveryCode() (string, error) {
	const alphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

	var b strings.Builder
	b.Grow(recoveryCodeBytes*2 + 1)

	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < recoveryCodeBytes*2; i++ {
		if i == recoveryCodeBytes {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}

	return b.String(), nil
}
