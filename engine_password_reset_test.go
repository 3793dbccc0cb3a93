package ticketauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordResetFlow(t *testing.T) {
	engine, _, mailer := newTestEngine(t)
	_, tokens := mustRegister(t, engine, "alice@example.com", "Secret@123")

	require.NoError(t, engine.RequestPasswordReset(context.Background(), "alice@example.com"))
	reset := mailer.last(t, MailPasswordReset).Data["token"]
	require.NotEmpty(t, reset)

	require.NoError(t, engine.ResetPassword(context.Background(), reset, "Fresh@Pass9"))

	// Old password is dead, new one works.
	_, err := engine.Login(context.Background(), "alice@example.com", "Secret@123", ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = engine.Login(context.Background(), "alice@example.com", "Fresh@Pass9", ClientMeta{})
	require.NoError(t, err)

	// Every pre-reset session was revoked.
	_, err = engine.Refresh(context.Background(), tokens.RefreshToken, ClientMeta{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPasswordResetTokenIsSingleUse(t *testing.T) {
	engine, _, mailer := newTestEngine(t)
	mustRegister(t, engine, "alice@example.com", "Secret@123")

	require.NoError(t, engine.RequestPasswordReset(context.Background(), "alice@example.com"))
	reset := mailer.last(t, MailPasswordReset).Data["token"]

	require.NoError(t, engine.ResetPassword(context.Background(), reset, "Fresh@Pass9"))
	err := engine.ResetPassword(context.Background(), reset, "Other@Pass9")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPasswordResetRejectsWeakReplacement(t *testing.T) {
	engine, _, mailer := newTestEngine(t)
	mustRegister(t, engine, "alice@example.com", "Secret@123")

	require.NoError(t, engine.RequestPasswordReset(context.Background(), "alice@example.com"))
	reset := mailer.last(t, MailPasswordReset).Data["token"]

	err := engine.ResetPassword(context.Background(), reset, "weak")
	assert.ErrorIs(t, err, ErrWeakPassword)

	// Rejection does not burn the token.
	require.NoError(t, engine.ResetPassword(context.Background(), reset, "Fresh@Pass9"))
}

func TestRequestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	engine, _, mailer := newTestEngine(t)

	require.NoError(t, engine.RequestPasswordReset(context.Background(), "nobody@example.com"))
	assert.Zero(t, mailer.count(MailPasswordReset))
}

func TestChangePassword(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	account, tokens := mustRegister(t, engine, "alice@example.com", "Secret@123")

	err := engine.ChangePassword(context.Background(), account.ID, "WrongCurrent1", "Fresh@Pass9")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = engine.ChangePassword(context.Background(), account.ID, "Secret@123", "weak")
	assert.ErrorIs(t, err, ErrWeakPassword)

	err = engine.ChangePassword(context.Background(), account.ID, "Secret@123", "Secret@123")
	assert.ErrorIs(t, err, ErrSamePassword)

	require.NoError(t, engine.ChangePassword(context.Background(), account.ID, "Secret@123", "Fresh@Pass9"))

	_, err = engine.Login(context.Background(), "alice@example.com", "Fresh@Pass9", ClientMeta{})
	require.NoError(t, err)

	// Change revokes existing sessions.
	_, err = engine.Refresh(context.Background(), tokens.RefreshToken, ClientMeta{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestChangePasswordUnknownAccount(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	err := engine.ChangePassword(context.Background(), "no-such-id", "Secret@123", "Fresh@Pass9")
	assert.ErrorIs(t, err, ErrNotFound)
}
