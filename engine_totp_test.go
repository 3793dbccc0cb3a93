package ticketauth

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// totpCode computes the current code for a secret using the engine clock.
func totpCode(t *testing.T, e *Engine, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, e.now().UTC(), totp.ValidateOpts{
		Period:    e.config.TwoFactor.Period,
		Skew:      e.config.TwoFactor.Skew,
		Digits:    otp.Digits(e.config.TwoFactor.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// enrollTwoFactor runs setup and confirm, returning the secret and the
// plaintext recovery codes.
func enrollTwoFactor(t *testing.T, e *Engine, accountID string) (string, []string) {
	t.Helper()
	setup, err := e.SetupTwoFactor(context.Background(), accountID)
	require.NoError(t, err)

	codes, err := e.ConfirmTwoFactor(context.Background(), accountID, totpCode(t, e, setup.Secret))
	require.NoError(t, err)
	return setup.Secret, codes
}

func TestTwoFactorSetupAndConfirm(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")

	setup, err := engine.SetupTwoFactor(context.Background(), account.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.URI, "otpauth://totp/")
	assert.Len(t, setup.RecoveryCodes, engine.config.TwoFactor.RecoveryCodes)

	// A wrong code leaves the enrollment pending.
	_, err = engine.ConfirmTwoFactor(context.Background(), account.ID, "000000")
	assert.ErrorIs(t, err, ErrInvalidTwoFactorCode)

	codes, err := engine.ConfirmTwoFactor(context.Background(), account.ID, totpCode(t, engine, setup.Secret))
	require.NoError(t, err)
	assert.Equal(t, setup.RecoveryCodes, codes)

	// Enrollment is terminal until disabled.
	_, err = engine.SetupTwoFactor(context.Background(), account.ID)
	assert.ErrorIs(t, err, ErrTwoFactorAlreadyEnabled)
}

func TestConfirmTwoFactorWithoutSetup(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")

	_, err := engine.ConfirmTwoFactor(context.Background(), account.ID, "123456")
	assert.ErrorIs(t, err, ErrTwoFactorNotEnrolled)
}

func TestLoginWithTwoFactorTOTP(t *testing.T) {
	engine, _, mailer := newTestEngine(t)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")
	secret, _ := enrollTwoFactor(t, engine, account.ID)

	result, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)
	assert.True(t, result.RequiresTwoFactor)
	assert.Nil(t, result.Tokens)
	require.NotEmpty(t, mailer.last(t, MailLoginOTP).Data["code"])

	done, err := engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", totpCode(t, engine, secret), ClientMeta{})
	require.NoError(t, err)
	assert.False(t, done.RequiresTwoFactor)
	require.NotNil(t, done.Tokens)
	assert.NotEmpty(t, done.Tokens.RefreshToken)
}

func TestLoginWithEmailedOTP(t *testing.T) {
	engine, _, mailer := newTestEngine(t)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")
	enrollTwoFactor(t, engine, account.ID)

	_, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)
	code := mailer.last(t, MailLoginOTP).Data["code"]

	done, err := engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", code, ClientMeta{})
	require.NoError(t, err)
	require.NotNil(t, done.Tokens)

	// The challenge was consumed with the code.
	_, err = engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", code, ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidTwoFactorCode)
}

func TestLoginOTPExpiresOnEngineClock(t *testing.T) {
	engine, _, mailer := newTestEngine(t)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")
	enrollTwoFactor(t, engine, account.ID)

	_, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)
	code := mailer.last(t, MailLoginOTP).Data["code"]

	// The expiry stamped on the challenge and the expiry check run on the
	// same clock, so shifting it past the TTL kills the emailed code.
	advanceClock(engine, engine.config.TwoFactor.LoginOTPTTL+time.Minute)
	_, err = engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", code, ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidTwoFactorCode)
}

func TestTwoFactorAttemptLimit(t *testing.T) {
	cfg := testConfig()
	cfg.TwoFactor.LoginOTPMaxAttempts = 3
	engine, _, mailer := newTestEngineWithConfig(t, cfg)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")
	enrollTwoFactor(t, engine, account.ID)

	_, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)
	code := mailer.last(t, MailLoginOTP).Data["code"]

	for i := 0; i < 2; i++ {
		_, err = engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", "99999999", ClientMeta{})
		assert.ErrorIs(t, err, ErrInvalidTwoFactorCode)
	}
	_, err = engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", "99999999", ClientMeta{})
	assert.ErrorIs(t, err, ErrTwoFactorAttemptsExceeded)

	// The challenge is gone; even the real code no longer works.
	_, err = engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", code, ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidTwoFactorCode)
}

func TestRecoveryCodeLogin(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")
	_, codes := enrollTwoFactor(t, engine, account.ID)

	_, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)

	done, err := engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", codes[0], ClientMeta{})
	require.NoError(t, err)
	require.NotNil(t, done.Tokens)

	// A recovery code burns on use.
	_, err = engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)
	_, err = engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", codes[0], ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidTwoFactorCode)

	// The remaining codes are untouched.
	done, err = engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", codes[1], ClientMeta{})
	require.NoError(t, err)
	require.NotNil(t, done.Tokens)
}

func TestVerifyTwoFactorLoginWithoutChallenge(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")
	secret, _ := enrollTwoFactor(t, engine, account.ID)

	// No password step happened, so even a valid code is refused.
	_, err := engine.VerifyTwoFactorLogin(context.Background(), "alice@example.com", totpCode(t, engine, secret), ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidTwoFactorCode)
}

func TestDisableTwoFactor(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")
	enrollTwoFactor(t, engine, account.ID)

	err := engine.DisableTwoFactor(context.Background(), account.ID, "WrongPass1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, engine.DisableTwoFactor(context.Background(), account.ID, "Secret@123"))

	// Login is single-factor again.
	result, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)
	assert.False(t, result.RequiresTwoFactor)
	require.NotNil(t, result.Tokens)
}
