package ticketauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIssuesTokensAndVerificationMail(t *testing.T) {
	engine, _, mailer := newTestEngine(t)

	account, tokens := mustRegister(t, engine, "alice@example.com", "Secret@123")

	assert.Equal(t, "alice@example.com", account.Email)
	assert.Equal(t, RoleUser, account.Role)
	assert.True(t, account.Active)
	assert.False(t, account.EmailVerified)
	assert.True(t, account.HasPassword)

	require.NotNil(t, tokens)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, int64(900), tokens.ExpiresIn)

	mail := mailer.last(t, MailVerifyEmail)
	assert.Equal(t, "alice@example.com", mail.To)
	assert.NotEmpty(t, mail.Data["token"])
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	mustRegister(t, engine, "alice@example.com", "Secret@123")

	_, _, err := engine.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Password: "Another@123",
	}, ClientMeta{})
	assert.ErrorIs(t, err, ErrConflict)

	// Email uniqueness is case-insensitive.
	_, _, err = engine.Register(context.Background(), RegisterInput{
		Email:    "ALICE@example.com",
		Password: "Another@123",
	}, ClientMeta{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegisterRejectsWeakPasswords(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	for _, password := range []string{"", "short1A", "alllowercase1", "ALLUPPERCASE1", "NoDigitsHere"} {
		_, _, err := engine.Register(context.Background(), RegisterInput{
			Email:    "bob@example.com",
			Password: password,
		}, ClientMeta{})
		assert.ErrorIs(t, err, ErrWeakPassword, "password %q", password)
	}
}

func TestRegisterRejectsInvalidEmail(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	for _, email := range []string{"", "not-an-email", "a@", "@example.com", "spaces in@example.com"} {
		_, _, err := engine.Register(context.Background(), RegisterInput{
			Email:    email,
			Password: "Secret@123",
		}, ClientMeta{})
		assert.ErrorIs(t, err, ErrInvalidEmail, "email %q", email)
	}
}

func TestRegisterSucceedsWhenMailerFails(t *testing.T) {
	engine, _, mailer := newTestEngine(t)
	mailer.fail = true

	_, tokens := mustRegister(t, engine, "alice@example.com", "Secret@123")
	assert.NotEmpty(t, tokens.RefreshToken)
}
