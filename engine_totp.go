package ticketauth

import (
	"context"
	"errors"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/sihab-hasan/ticket-bro-sub000/internal"
	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
)

// SetupTwoFactor starts authenticator enrollment. It returns the secret, a
// scannable provisioning URI and plaintext recovery codes; nothing is
// enabled until ConfirmTwoFactor proves the authenticator works. The
// pending enrollment expires on its own if never confirmed, and calling
// Setup again replaces it.
func (e *Engine) SetupTwoFactor(ctx context.Context, accountID string) (*TwoFactorSetup, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	rec, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStoreUnavailable
	}
	if rec.Deleted || !rec.Active {
		return nil, ErrAccountInactive
	}
	if rec.TwoFactor.Enabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.config.TwoFactor.Issuer,
		AccountName: rec.Email,
		Period:      e.config.TwoFactor.Period,
		Digits:      otp.Digits(e.config.TwoFactor.Digits),
	})
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, e.config.TwoFactor.RecoveryCodes)
	for i := 0; i < e.config.TwoFactor.RecoveryCodes; i++ {
		code, err := internal.NewRecoveryCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}

	setup := &pendingSetup{Secret: key.Secret(), RecoveryCodes: codes}
	if err := e.otp.SavePendingSetup(ctx, rec.ID, setup, e.config.TwoFactor.PendingSetupTTL); err != nil {
		return nil, ErrStoreUnavailable
	}

	return &TwoFactorSetup{
		Secret:        key.Secret(),
		URI:           key.URL(),
		RecoveryCodes: codes,
	}, nil
}

// ConfirmTwoFactor verifies a code against the pending secret and turns
// two-factor on. Recovery codes are hashed onto the account and returned
// once more for the confirmation screen. A wrong code leaves the pending
// enrollment untouched so the user can retry.
func (e *Engine) ConfirmTwoFactor(ctx context.Context, accountID, code string) ([]string, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	setup, err := e.otp.GetPendingSetup(ctx, accountID)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) {
			return nil, ErrTwoFactorNotEnrolled
		}
		return nil, ErrStoreUnavailable
	}

	if !e.totpValid(setup.Secret, code) {
		e.metricInc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, accountID, "", ClientMeta{}, ErrInvalidTwoFactorCode, func() map[string]string {
			return map[string]string{"phase": "confirm"}
		})
		return nil, ErrInvalidTwoFactorCode
	}

	hashes := make([]string, 0, len(setup.RecoveryCodes))
	for _, c := range setup.RecoveryCodes {
		hashes = append(hashes, internal.HashOpaqueHex(c))
	}

	if _, err := e.accounts.Update(ctx, accountID, func(r *accounts.Record) error {
		r.TwoFactor = accounts.TwoFactor{
			Secret:         setup.Secret,
			Enabled:        true,
			RecoveryHashes: hashes,
		}
		return nil
	}); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStoreUnavailable
	}

	if err := e.otp.DeletePendingSetup(ctx, accountID); err != nil {
		e.logger.Warn("pending enrollment cleanup failed", "error", err.Error())
	}

	e.emitAudit(ctx, auditEventTwoFactorEnabled, true, accountID, "", ClientMeta{}, nil, nil)

	return setup.RecoveryCodes, nil
}

// DisableTwoFactor turns two-factor off after re-proof of the password.
// The secret and recovery hashes are cleared; the account is back to
// password-only login.
func (e *Engine) DisableTwoFactor(ctx context.Context, accountID, plaintext string) error {
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
	if !rec.TwoFactor.Enabled {
		return ErrTwoFactorNotEnrolled
	}
	if rec.PasswordHash == "" {
		return ErrInvalidCredentials
	}

	ok, err := e.passwords.Verify(plaintext, rec.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}

	if _, err := e.accounts.Update(ctx, accountID, func(r *accounts.Record) error {
		r.TwoFactor = accounts.TwoFactor{}
		return nil
	}); err != nil {
		return ErrStoreUnavailable
	}

	// Drop any outstanding login challenge minted under the old secret.
	if err := e.otp.Delete(ctx, accountID); err != nil {
		e.logger.Warn("login challenge cleanup failed", "error", err.Error())
	}

	e.emitAudit(ctx, auditEventTwoFactorDisabled, true, accountID, "", ClientMeta{}, nil, nil)

	return nil
}

// totpValid checks a time-window code against a secret with the configured
// skew.
func (e *Engine) totpValid(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}

	ok, err := totp.ValidateCustom(code, secret, e.now().UTC(), totp.ValidateOpts{
		Period:    e.config.TwoFactor.Period,
		Skew:      e.config.TwoFactor.Skew,
		Digits:    otp.Digits(e.config.TwoFactor.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
