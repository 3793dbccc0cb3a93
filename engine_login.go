package ticketauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"time"

	"github.com/sihab-hasan/ticket-bro-sub000/internal"
	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
)

// Login authenticates an email/password pair. Unknown emails and wrong
// passwords produce the same ErrInvalidCredentials so callers cannot probe
// which addresses are registered. Accounts with two-factor enabled get an
// emailed one-time code instead of tokens; the login completes through
// VerifyTwoFactorLogin.
func (e *Engine) Login(ctx context.Context, email, plaintext string, meta ClientMeta) (*LoginResult, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if plaintext == "" {
		return nil, ErrInvalidCredentials
	}

	rec, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", "", meta, ErrInvalidCredentials, func() map[string]string {
				return map[string]string{"reason": "unknown_email"}
			})
			return nil, ErrInvalidCredentials
		}
		return nil, ErrStoreUnavailable
	}

	// Lock check runs before the expensive password verify.
	if rec.Locked(e.now().UnixMicro()) {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, rec.ID, "", meta, ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}

	if rec.PasswordHash == "" {
		// OAuth-only account: no password to check against.
		return nil, e.failLogin(ctx, rec, meta, "no_password")
	}

	ok, err := e.passwords.Verify(plaintext, rec.PasswordHash)
	if err != nil || !ok {
		return nil, e.failLogin(ctx, rec, meta, "password_mismatch")
	}

	if rec.Deleted || !rec.Active {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, rec.ID, "", meta, ErrAccountInactive, nil)
		return nil, ErrAccountInactive
	}

	if e.config.Password.UpgradeOnLogin {
		e.maybeUpgradeHash(ctx, rec, plaintext)
	}
	plaintext = ""

	if rec.FailedAttempts != 0 || rec.LockedUntil != 0 {
		if err := e.accounts.ResetLoginFailures(ctx, rec.ID); err != nil {
			return nil, ErrStoreUnavailable
		}
	}

	if rec.TwoFactor.Enabled {
		if err := e.issueLoginChallenge(ctx, rec, meta); err != nil {
			return nil, err
		}
		return &LoginResult{RequiresTwoFactor: true, Email: rec.Email}, nil
	}

	return e.finishLogin(ctx, rec, meta)
}

// VerifyTwoFactorLogin completes a two-factor login. It accepts the emailed
// one-time code, a live authenticator code, or an unused recovery code, but
// only while a challenge from a recent password success is outstanding.
func (e *Engine) VerifyTwoFactorLogin(ctx context.Context, email, code string, meta ClientMeta) (*LoginResult, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	rec, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, ErrStoreUnavailable
	}
	if !rec.TwoFactor.Enabled {
		return nil, ErrTwoFactorNotEnrolled
	}

	pending, err := e.otp.Exists(ctx, rec.ID)
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	if !pending {
		// No password success on record; the code alone proves nothing.
		e.metricInc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, rec.ID, "", meta, ErrInvalidTwoFactorCode, func() map[string]string {
			return map[string]string{"reason": "no_pending_challenge"}
		})
		return nil, ErrInvalidTwoFactorCode
	}

	if e.totpValid(rec.TwoFactor.Secret, code) {
		if err := e.otp.Delete(ctx, rec.ID); err != nil {
			return nil, ErrStoreUnavailable
		}
		e.metricInc(MetricTwoFactorSuccess)
		e.emitAudit(ctx, auditEventTwoFactorSuccess, true, rec.ID, "", meta, nil, func() map[string]string {
			return map[string]string{"factor": "totp"}
		})
		return e.finishLogin(ctx, rec, meta)
	}

	if consumed, err := e.consumeRecoveryCode(ctx, rec, code); err != nil {
		return nil, err
	} else if consumed {
		if err := e.otp.Delete(ctx, rec.ID); err != nil {
			return nil, ErrStoreUnavailable
		}
		e.metricInc(MetricRecoveryCodeUsed)
		e.metricInc(MetricTwoFactorSuccess)
		e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, rec.ID, "", meta, nil, nil)
		return e.finishLogin(ctx, rec, meta)
	}

	err = e.otp.Consume(ctx, rec.ID, e.now().UnixMicro(), internal.HashOpaque(code), e.config.TwoFactor.LoginOTPMaxAttempts)
	switch {
	case err == nil:
		e.metricInc(MetricTwoFactorSuccess)
		e.emitAudit(ctx, auditEventTwoFactorSuccess, true, rec.ID, "", meta, nil, func() map[string]string {
			return map[string]string{"factor": "email_otp"}
		})
		return e.finishLogin(ctx, rec, meta)
	case errors.Is(err, errChallengeExceeded):
		e.metricInc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, rec.ID, "", meta, ErrTwoFactorAttemptsExceeded, nil)
		return nil, ErrTwoFactorAttemptsExceeded
	case errors.Is(err, errChallengeMismatch), errors.Is(err, errChallengeNotFound):
		e.metricInc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, rec.ID, "", meta, ErrInvalidTwoFactorCode, nil)
		return nil, ErrInvalidTwoFactorCode
	default:
		return nil, ErrStoreUnavailable
	}
}

// failLogin records the failed attempt and arms the lockout when the limit
// is reached. The caller always surfaces ErrInvalidCredentials.
func (e *Engine) failLogin(ctx context.Context, rec *accounts.Record, meta ClientMeta, reason string) error {
	updated, err := e.accounts.RecordLoginFailure(ctx, rec.ID, e.now().UnixMicro(), e.config.Lockout.MaxAttempts, e.config.Lockout.LockDuration)
	if err != nil {
		return ErrStoreUnavailable
	}

	e.metricInc(MetricLoginFailure)
	if updated.Locked(e.now().UnixMicro()) {
		e.metricInc(MetricLoginLocked)
	}
	e.emitAudit(ctx, auditEventLoginFailure, false, rec.ID, "", meta, ErrInvalidCredentials, func() map[string]string {
		return map[string]string{"reason": reason}
	})

	return ErrInvalidCredentials
}

// finishLogin is the shared success tail for password, two-factor and OAuth
// logins.
func (e *Engine) finishLogin(ctx context.Context, rec *accounts.Record, meta ClientMeta) (*LoginResult, error) {
	tokens, sess, err := e.issueTokens(ctx, rec, meta)
	if err != nil {
		return nil, ErrStoreUnavailable
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, rec.ID, sess.ID, meta, nil, nil)

	return &LoginResult{Account: publicAccount(rec), Tokens: tokens}, nil
}

// issueLoginChallenge mints the emailed second factor and returns nothing to
// the caller beyond the "verification required" branch signal.
func (e *Engine) issueLoginChallenge(ctx context.Context, rec *accounts.Record, meta ClientMeta) error {
	code, err := internal.NewOTP(e.config.TwoFactor.Digits)
	if err != nil {
		return err
	}

	challenge := &otpChallenge{
		CodeHash:  internal.HashOpaque(code),
		ExpiresAt: e.now().Add(e.config.TwoFactor.LoginOTPTTL).UnixMicro(),
	}
	if err := e.otp.Save(ctx, rec.ID, challenge, e.config.TwoFactor.LoginOTPTTL); err != nil {
		return ErrStoreUnavailable
	}

	e.sendMail(ctx, rec.Email, MailLoginOTP, map[string]string{
		"code":    code,
		"minutes": formatMinutes(e.config.TwoFactor.LoginOTPTTL),
	})

	e.metricInc(MetricTwoFactorRequired)
	e.emitAudit(ctx, auditEventTwoFactorRequired, true, rec.ID, "", meta, nil, nil)

	return nil
}

// consumeRecoveryCode burns a matching recovery code. Returns false when no
// stored hash matches.
func (e *Engine) consumeRecoveryCode(ctx context.Context, rec *accounts.Record, code string) (bool, error) {
	if len(rec.TwoFactor.RecoveryHashes) == 0 {
		return false, nil
	}

	provided := internal.HashOpaqueHex(code)
	found := false
	for _, h := range rec.TwoFactor.RecoveryHashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(provided)) == 1 {
			found = true
		}
	}
	if !found {
		return false, nil
	}

	updated, err := e.accounts.Update(ctx, rec.ID, func(r *accounts.Record) error {
		kept := r.TwoFactor.RecoveryHashes[:0]
		for _, h := range r.TwoFactor.RecoveryHashes {
			if h != provided {
				kept = append(kept, h)
			}
		}
		r.TwoFactor.RecoveryHashes = kept
		return nil
	})
	if err != nil {
		return false, ErrStoreUnavailable
	}
	rec.TwoFactor = updated.TwoFactor

	return true, nil
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, rec *accounts.Record, plaintext string) {
	needsUpgrade, err := e.passwords.NeedsUpgrade(rec.PasswordHash)
	if err != nil || !needsUpgrade {
		return
	}

	upgraded, err := e.passwords.Hash(plaintext)
	if err != nil {
		return
	}

	// Best effort: a failed rehash never blocks the login.
	if _, err := e.accounts.Update(ctx, rec.ID, func(r *accounts.Record) error {
		r.PasswordHash = upgraded
		return nil
	}); err != nil {
		e.logger.Warn("password hash upgrade failed", "error", err.Error())
		return
	}
	rec.PasswordHash = upgraded
}

func formatMinutes(d time.Duration) string {
	m := int(d.Minutes())
	if m < 1 {
		m = 1
	}
	return strconv.Itoa(m)
}
