package jwt

import (
	"bytes"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registered(subject string) gojwt.RegisteredClaims {
	return gojwt.RegisteredClaims{Subject: subject}
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Issuer:              "ticketauth-test",
		AccessSecret:        bytes.Repeat([]byte("a"), 32),
		RefreshSecret:       bytes.Repeat([]byte("r"), 32),
		EmailVerifySecret:   bytes.Repeat([]byte("e"), 32),
		PasswordResetSecret: bytes.Repeat([]byte("p"), 32),
		AccessTTL:           15 * time.Minute,
		RefreshTTL:          30 * 24 * time.Hour,
		EmailVerifyTTL:      24 * time.Hour,
		PasswordResetTTL:    time.Hour,
	})
	require.NoError(t, err)
	return m
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	m := testManager(t)

	token, err := m.Sign(PurposeAccess, Claims{
		Email:            "alice@example.com",
		SessionID:        "sess-1",
		RegisteredClaims: registered("acct-1"),
	})
	require.NoError(t, err)

	claims, err := m.Verify(PurposeAccess, token)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, string(PurposeAccess), claims.Purpose)
}

func TestVerifyRejectsWrongPurpose(t *testing.T) {
	m := testManager(t)

	token, err := m.Sign(PurposeRefresh, Claims{RegisteredClaims: registered("acct-1")})
	require.NoError(t, err)

	// Each purpose signs with its own secret, so the cross check fails at
	// the signature before the purpose claim is even considered.
	_, err = m.Verify(PurposeAccess, token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	m := testManager(t)

	token, err := m.Sign(PurposeAccess, Claims{RegisteredClaims: registered("acct-1")})
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	_, err = m.Verify(PurposeAccess, tampered)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = m.Verify(PurposeAccess, "not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyDistinguishesExpiry(t *testing.T) {
	m, err := NewManager(Config{
		AccessSecret:        bytes.Repeat([]byte("a"), 32),
		RefreshSecret:       bytes.Repeat([]byte("r"), 32),
		EmailVerifySecret:   bytes.Repeat([]byte("e"), 32),
		PasswordResetSecret: bytes.Repeat([]byte("p"), 32),
		AccessTTL:           time.Nanosecond,
		RefreshTTL:          time.Hour,
		EmailVerifyTTL:      time.Hour,
		PasswordResetTTL:    time.Hour,
	})
	require.NoError(t, err)

	token, err := m.Sign(PurposeAccess, Claims{RegisteredClaims: registered("acct-1")})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = m.Verify(PurposeAccess, token)
	assert.ErrorIs(t, err, ErrExpired)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestVerifyRequiresSubject(t *testing.T) {
	m := testManager(t)

	token, err := m.Sign(PurposeAccess, Claims{Email: "alice@example.com"})
	require.NoError(t, err)

	_, err = m.Verify(PurposeAccess, token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestNewManagerValidation(t *testing.T) {
	base := Config{
		AccessSecret:        bytes.Repeat([]byte("a"), 32),
		RefreshSecret:       bytes.Repeat([]byte("r"), 32),
		EmailVerifySecret:   bytes.Repeat([]byte("e"), 32),
		PasswordResetSecret: bytes.Repeat([]byte("p"), 32),
		AccessTTL:           time.Minute,
		RefreshTTL:          time.Hour,
		EmailVerifyTTL:      time.Hour,
		PasswordResetTTL:    time.Hour,
	}

	missingSecret := base
	missingSecret.RefreshSecret = nil
	_, err := NewManager(missingSecret)
	assert.Error(t, err)

	missingTTL := base
	missingTTL.PasswordResetTTL = 0
	_, err = NewManager(missingTTL)
	assert.Error(t, err)

	badLeeway := base
	badLeeway.Leeway = time.Hour
	_, err = NewManager(badLeeway)
	assert.Error(t, err)
}

func TestDecodeUnsafe(t *testing.T) {
	m := testManager(t)

	token, err := m.Sign(PurposeRefresh, Claims{SessionID: "sess-9", RegisteredClaims: registered("acct-1")})
	require.NoError(t, err)

	claims := m.DecodeUnsafe(token)
	require.NotNil(t, claims)
	assert.Equal(t, "sess-9", claims.SessionID)

	assert.Nil(t, m.DecodeUnsafe("garbage"))
}
