// Package session persists one record per issued refresh-token grant and
// enforces the per-account concurrency cap and single-use rotation protocol.
package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// RevokeReason records why a session left the usable state. Reasons are
// stored as a single byte so the rotation and eviction Lua scripts can
// revoke in place with fixed-offset splices.
type RevokeReason byte

const (
	ReasonNone RevokeReason = iota
	ReasonRotation
	ReasonLogout
	ReasonLogoutAll
	ReasonPasswordChange
	ReasonAccountClosed
)

func (r RevokeReason) String() string {
	switch r {
	case ReasonRotation:
		return "rotation"
	case ReasonLogout:
		return "logout"
	case ReasonLogoutAll:
		return "logout_all"
	case ReasonPasswordChange:
		return "password_change"
	case ReasonAccountClosed:
		return "account_closed"
	default:
		return ""
	}
}

// Record is one refresh-token grant. Timestamps are unix microseconds.
// The refresh token itself is never stored; TokenHash is its sha256.
type Record struct {
	ID         string
	AccountID  string
	TokenHash  [32]byte
	IssuedAt   int64
	ExpiresAt  int64
	LastUsedAt int64
	Revoked    bool
	Reason     RevokeReason
	IP         string
	UserAgent  string
}

// Usable reports whether the grant can still be exchanged at now (unix
// microseconds).
func (r *Record) Usable(now int64) bool {
	return !r.Revoked && now < r.ExpiresAt
}

// Binary layout, fixed-offset header first so the Lua scripts can read and
// splice without decoding the variable tail:
//
//	[0]     version
//	[1]     revoked flag
//	[2]     revoke reason
//	[3:11]  issued-at (int64 BE)
//	[11:19] expires-at (int64 BE)
//	[19:27] last-used-at (int64 BE)
//	[27:59] token hash (sha256)
//	tail    account id, ip, user agent (1-byte length prefixed)
const recordVersion = 1

// Encode serializes a record. The session ID is the Redis key, not part of
// the payload.
func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordVersion)
	if r.Revoked {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteByte(byte(r.Reason))

	for _, ts := range []int64{r.IssuedAt, r.ExpiresAt, r.LastUsedAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}
	buf.Write(r.TokenHash[:])

	for _, field := range []string{r.AccountID, r.IP, r.UserAgent} {
		if len(field) > 255 {
			return nil, errors.New("session field too long")
		}
		buf.WriteByte(byte(len(field)))
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

// Decode parses a record payload. The caller sets ID from the key.
func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersion {
		return nil, errors.New("invalid session record version")
	}

	r := &Record{}

	revoked, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	r.Revoked = revoked != 0

	reason, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	r.Reason = RevokeReason(reason)

	for _, ts := range []*int64{&r.IssuedAt, &r.ExpiresAt, &r.LastUsedAt} {
		if err := binary.Read(reader, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}
	if _, err := io.ReadFull(reader, r.TokenHash[:]); err != nil {
		return nil, err
	}

	for _, field := range []*string{&r.AccountID, &r.IP, &r.UserAgent} {
		n, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*field = string(raw)
	}

	return r, nil
}
