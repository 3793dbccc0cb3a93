package ticketauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
)

func TestLoginSuccess(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustRegister(t, engine, "alice@example.com", "Secret@123")

	result, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
	assert.False(t, result.RequiresTwoFactor)
	assert.Equal(t, "alice@example.com", result.Account.Email)
}

func TestLoginEmailIsCaseInsensitive(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustRegister(t, engine, "alice@example.com", "Secret@123")

	result, err := engine.Login(context.Background(), "Alice@Example.COM", "Secret@123", ClientMeta{})
	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustRegister(t, engine, "alice@example.com", "Secret@123")

	_, badPassword := mustFailLogin(t, engine, "alice@example.com", "Wrong@123")
	_, unknownEmail := mustFailLogin(t, engine, "nobody@example.com", "Secret@123")

	assert.ErrorIs(t, badPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownEmail, ErrInvalidCredentials)
	assert.Equal(t, badPassword.Error(), unknownEmail.Error())
}

func mustFailLogin(t *testing.T, e *Engine, email, password string) (*LoginResult, error) {
	t.Helper()
	result, err := e.Login(context.Background(), email, password, ClientMeta{})
	require.Error(t, err)
	return result, err
}

func TestLoginLockoutAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.Lockout.MaxAttempts = 3
	cfg.Lockout.LockDuration = time.Hour
	engine, _, _ := newTestEngineWithConfig(t, cfg)
	mustRegister(t, engine, "alice@example.com", "Secret@123")

	for i := 0; i < 3; i++ {
		_, err := engine.Login(context.Background(), "alice@example.com", "Wrong@123", ClientMeta{})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Locked now, even with the correct password.
	_, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestLoginLockExpiresAndCounterResets(t *testing.T) {
	cfg := testConfig()
	cfg.Lockout.MaxAttempts = 3
	cfg.Lockout.LockDuration = time.Hour
	engine, _, _ := newTestEngineWithConfig(t, cfg)
	mustRegister(t, engine, "alice@example.com", "Secret@123")

	for i := 0; i < 3; i++ {
		_, _ = engine.Login(context.Background(), "alice@example.com", "Wrong@123", ClientMeta{})
	}
	_, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.ErrorIs(t, err, ErrAccountLocked)

	advanceClock(engine, 2*time.Hour)

	// One failure after an elapsed lock restarts the counter at one
	// instead of re-arming the lock.
	_, err = engine.Login(context.Background(), "alice@example.com", "Wrong@123", ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	result, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
}

func TestLoginSuccessResetsFailedAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.Lockout.MaxAttempts = 3
	engine, _, _ := newTestEngineWithConfig(t, cfg)
	mustRegister(t, engine, "alice@example.com", "Secret@123")

	for i := 0; i < 2; i++ {
		_, _ = engine.Login(context.Background(), "alice@example.com", "Wrong@123", ClientMeta{})
	}

	_, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)

	// The counter restarted; two more failures stay short of the limit.
	for i := 0; i < 2; i++ {
		_, err = engine.Login(context.Background(), "alice@example.com", "Wrong@123", ClientMeta{})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	result, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
}

func TestLoginEmptyPasswordRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustRegister(t, engine, "alice@example.com", "Secret@123")

	_, err := engine.Login(context.Background(), "alice@example.com", "", ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginInactiveAccount(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	account, _ := mustRegister(t, engine, "alice@example.com", "Secret@123")

	_, err := engine.accounts.Update(context.Background(), account.ID, func(r *accounts.Record) error {
		r.Active = false
		return nil
	})
	require.NoError(t, err)

	_, err = engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	assert.ErrorIs(t, err, ErrAccountInactive)
}
