package ticketauth

import (
	"context"
	"errors"

	"github.com/sihab-hasan/ticket-bro-sub000/internal"
	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
	"github.com/sihab-hasan/ticket-bro-sub000/jwt"
	"github.com/sihab-hasan/ticket-bro-sub000/session"
)

// RequestPasswordReset issues a reset token and emails it. Unknown emails
// return success without sending. A new request overwrites the stored hash,
// invalidating any earlier reset link.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}

	email, err := normalizeEmail(email)
	if err != nil {
		return nil
	}

	rec, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil
		}
		return ErrStoreUnavailable
	}
	if rec.Deleted || !rec.Active {
		return nil
	}

	token, err := e.tokens.Sign(jwt.PurposePasswordReset, jwt.Claims{
		Email:            rec.Email,
		RegisteredClaims: jwtRegistered(rec.ID),
	})
	if err != nil {
		return err
	}

	ttl := e.config.PasswordReset.TTL
	record := &verifyRecord{
		SecretHash: internal.HashOpaque(token),
		ExpiresAt:  e.now().Add(ttl).UnixMicro(),
	}
	if err := e.verify.Save(ctx, string(jwt.PurposePasswordReset), rec.ID, record, ttl); err != nil {
		return ErrStoreUnavailable
	}

	e.sendMail(ctx, rec.Email, MailPasswordReset, map[string]string{
		"token": token,
		"name":  rec.Name,
	})

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEventPasswordResetSent, true, rec.ID, "", ClientMeta{}, nil, nil)

	return nil
}

// ResetPassword consumes a reset token and sets the new password. Exactly
// one password change per token; on success every session of the account is
// revoked so stolen refresh tokens do not survive the recovery.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(jwt.PurposePasswordReset, token)
	if err != nil {
		e.metricInc(MetricPasswordResetFailure)
		if errors.Is(err, jwt.ErrExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}

	if err := validatePassword(newPassword); err != nil {
		return err
	}

	err = e.verify.Consume(ctx, string(jwt.PurposePasswordReset), claims.Subject, e.now().UnixMicro(), internal.HashOpaque(token))
	if err != nil {
		e.metricInc(MetricPasswordResetFailure)
		e.emitAudit(ctx, auditEventPasswordReset, false, claims.Subject, "", ClientMeta{}, ErrTokenInvalid, nil)
		if errors.Is(err, errVerifyNotFound) || errors.Is(err, errVerifyMismatch) {
			return ErrTokenInvalid
		}
		return ErrStoreUnavailable
	}

	hash, err := e.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	newPassword = ""

	if _, err := e.accounts.Update(ctx, claims.Subject, func(r *accounts.Record) error {
		r.PasswordHash = hash
		r.PasswordChangedAt = e.now().UnixMicro()
		r.FailedAttempts = 0
		r.LockedUntil = 0
		return nil
	}); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return ErrTokenInvalid
		}
		return ErrStoreUnavailable
	}

	if err := e.sessions.RevokeAllForAccount(ctx, claims.Subject, session.ReasonPasswordChange); err != nil {
		e.logger.Warn("session revocation failed after password reset", "error", err.Error())
		return ErrStoreUnavailable
	}

	e.metricInc(MetricPasswordResetSuccess)
	e.emitAudit(ctx, auditEventPasswordReset, true, claims.Subject, "", ClientMeta{}, nil, nil)

	return nil
}

// ChangePassword is the authenticated path: it requires re-proof of the
// current password, rejects reuse of it, and revokes every session on
// success. The caller has already proved identity, so errors here are
// precise rather than collapsed.
func (e *Engine) ChangePassword(ctx context.Context, accountID, current, next string) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}

	rec, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return ErrNotFound
		}
		return ErrStoreUnavailable
	}
	if rec.Deleted || !rec.Active {
		return ErrAccountInactive
	}
	if rec.PasswordHash == "" {
		// OAuth-only account; there is no current password to prove.
		e.metricInc(MetricPasswordChangeFailure)
		return ErrInvalidCredentials
	}

	ok, err := e.passwords.Verify(current, rec.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChanged, false, accountID, "", ClientMeta{}, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	if err := validatePassword(next); err != nil {
		return err
	}
	if same, err := e.passwords.Verify(next, rec.PasswordHash); err == nil && same {
		e.metricInc(MetricPasswordChangeFailure)
		return ErrSamePassword
	}

	hash, err := e.passwords.Hash(next)
	if err != nil {
		return err
	}
	current, next = "", ""

	if _, err := e.accounts.Update(ctx, accountID, func(r *accounts.Record) error {
		r.PasswordHash = hash
		r.PasswordChangedAt = e.now().UnixMicro()
		return nil
	}); err != nil {
		return ErrStoreUnavailable
	}

	if err := e.sessions.RevokeAllForAccount(ctx, accountID, session.ReasonPasswordChange); err != nil {
		e.logger.Warn("session revocation failed after password change", "error", err.Error())
		return ErrStoreUnavailable
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChanged, true, accountID, "", ClientMeta{}, nil, nil)

	return nil
}
