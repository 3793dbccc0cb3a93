package ticketauth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
)

const minPasswordLen = 8

// RegisterInput is the profile handed to Register.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// Register creates an account, issues a first session and sends the
// verification email. The email address is unique among open accounts;
// a collision fails with ErrConflict.
func (e *Engine) Register(ctx context.Context, in RegisterInput, meta ClientMeta) (*Account, *TokenPair, error) {
	if e == nil || e.accounts == nil {
		return nil, nil, ErrEngineNotReady
	}

	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, nil, ErrInvalidEmail
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, nil, err
	}

	hash, err := e.passwords.Hash(in.Password)
	if err != nil {
		return nil, nil, err
	}
	in.Password = ""

	rec := &accounts.Record{
		ID:                uuid.NewString(),
		Email:             email,
		Name:              strings.TrimSpace(in.Name),
		PasswordHash:      hash,
		Role:              uint8(RoleUser),
		Active:            true,
		PasswordChangedAt: e.now().UnixMicro(),
		CreatedAt:         e.now().UnixMicro(),
	}

	if err := e.accounts.Create(ctx, rec); err != nil {
		if errors.Is(err, accounts.ErrEmailTaken) {
			e.metricInc(MetricRegisterDuplicate)
			e.emitAudit(ctx, auditEventRegisterDuplicate, false, "", "", meta, ErrConflict, func() map[string]string {
				return map[string]string{"email": email}
			})
			return nil, nil, ErrConflict
		}
		return nil, nil, ErrStoreUnavailable
	}

	tokens, sess, err := e.issueTokens(ctx, rec, meta)
	if err != nil {
		return nil, nil, err
	}

	if err := e.deliverEmailVerification(ctx, rec); err != nil {
		e.logger.Warn("verification issue failed after registration", "error", err.Error())
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, rec.ID, sess.ID, meta, nil, nil)

	return publicAccount(rec), tokens, nil
}

// normalizeEmail lowercases and validates the address. Uniqueness is
// case-insensitive, so the lowercased form is the canonical one everywhere.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// validatePassword is the fixed rule set: minimum length plus at least one
// upper, lower and digit.
func validatePassword(plaintext string) error {
	if len(plaintext) < minPasswordLen {
		return ErrWeakPassword
	}

	var upper, lower, digit bool
	for _, r := range plaintext {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return ErrWeakPassword
	}
	return nil
}
