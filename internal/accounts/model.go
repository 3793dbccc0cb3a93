// Package accounts persists account records in Redis: credential material,
// lockout state, two-factor enrollment, OAuth provider links and the unique
// email index. All mutations of existing records go through a WATCH
// compare-and-swap so concurrent requests for the same account cannot lose
// updates.
package accounts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Provider is one linked OAuth identity.
type Provider struct {
	Name       string
	ProviderID string
}

// TwoFactor is the TOTP enrollment state stored on the account. The secret
// is present but untrusted until Enabled; recovery code hashes are removed
// one by one as codes are spent.
type TwoFactor struct {
	Secret         string
	Enabled        bool
	RecoveryHashes []string
}

// Record is the stored account. Email is canonical lowercase. Timestamps
// are unix microseconds. PasswordHash is empty for OAuth-only accounts.
type Record struct {
	ID                string
	Email             string
	Name              string
	PasswordHash      string
	Role              uint8
	Active            bool
	EmailVerified     bool
	Deleted           bool
	FailedAttempts    int
	LockedUntil       int64
	PasswordChangedAt int64
	CreatedAt         int64
	Providers         []Provider
	TwoFactor         TwoFactor
}

// Locked reports whether a lockout window is active at now.
func (r *Record) Locked(now int64) bool {
	return r.LockedUntil > now
}

const recordVersion = 1

const (
	flagActive = 1 << iota
	flagEmailVerified
	flagDeleted
	flagTwoFactorEnabled
)

func encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordVersion)

	var flags byte
	if r.Active {
		flags |= flagActive
	}
	if r.EmailVerified {
		flags |= flagEmailVerified
	}
	if r.Deleted {
		flags |= flagDeleted
	}
	if r.TwoFactor.Enabled {
		flags |= flagTwoFactorEnabled
	}
	buf.WriteByte(flags)
	buf.WriteByte(r.Role)

	if r.FailedAttempts < 0 || r.FailedAttempts > 65535 {
		return nil, errors.New("failed attempt count out of range")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(r.FailedAttempts)); err != nil {
		return nil, err
	}
	for _, ts := range []int64{r.LockedUntil, r.PasswordChangedAt, r.CreatedAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	fields := []string{r.ID, r.Email, r.Name, r.PasswordHash, r.TwoFactor.Secret}
	for _, field := range fields {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}

	if len(r.TwoFactor.RecoveryHashes) > 255 {
		return nil, errors.New("too many recovery codes")
	}
	buf.WriteByte(byte(len(r.TwoFactor.RecoveryHashes)))
	for _, h := range r.TwoFactor.RecoveryHashes {
		if err := writeString(&buf, h); err != nil {
			return nil, err
		}
	}

	if len(r.Providers) > 255 {
		return nil, errors.New("too many linked providers")
	}
	buf.WriteByte(byte(len(r.Providers)))
	for _, p := range r.Providers {
		if err := writeString(&buf, p.Name); err != nil {
			return nil, err
		}
		if err := writeString(&buf, p.ProviderID); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersion {
		return nil, errors.New("invalid account record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	r := &Record{
		Active:        flags&flagActive != 0,
		EmailVerified: flags&flagEmailVerified != 0,
		Deleted:       flags&flagDeleted != 0,
	}
	r.TwoFactor.Enabled = flags&flagTwoFactorEnabled != 0

	if r.Role, err = reader.ReadByte(); err != nil {
		return nil, err
	}

	var attempts uint16
	if err := binary.Read(reader, binary.BigEndian, &attempts); err != nil {
		return nil, err
	}
	r.FailedAttempts = int(attempts)

	for _, ts := range []*int64{&r.LockedUntil, &r.PasswordChangedAt, &r.CreatedAt} {
		if err := binary.Read(reader, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	for _, field := range []*string{&r.ID, &r.Email, &r.Name, &r.PasswordHash, &r.TwoFactor.Secret} {
		if *field, err = readString(reader); err != nil {
			return nil, err
		}
	}

	hashCount, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(hashCount); i++ {
		h, err := readString(reader)
		if err != nil {
			return nil, err
		}
		r.TwoFactor.RecoveryHashes = append(r.TwoFactor.RecoveryHashes, h)
	}

	providerCount, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(providerCount); i++ {
		var p Provider
		if p.Name, err = readString(reader); err != nil {
			return nil, err
		}
		if p.ProviderID, err = readString(reader); err != nil {
			return nil, err
		}
		r.Providers = append(r.Providers, p)
	}

	return r, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errors.New("account field too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
