package ticketauth

import "errors"

var (
	// ErrEngineNotReady indicates the engine was used before Build completed.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrInvalidCredentials covers unknown email and password mismatch alike,
	// so login failures do not reveal which accounts exist.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a lockout window is active.
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrAccountInactive is returned for deactivated accounts.
	ErrAccountInactive = errors.New("account inactive")
	// ErrConflict is returned when a registration collides with an existing email.
	ErrConflict = errors.New("account already exists")
	// ErrUnauthorized is returned for refresh tokens that are revoked, consumed,
	// expired, or otherwise not backed by a usable session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTokenExpired is returned when a signed token's lifetime has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for tampered, malformed, wrong-purpose or
	// already-consumed tokens.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrInvalidTwoFactorCode is returned for OTP, TOTP or recovery codes that
	// do not verify.
	ErrInvalidTwoFactorCode = errors.New("invalid two-factor code")
	// ErrTwoFactorAttemptsExceeded is returned once a login challenge has burned
	// its attempt limit; the challenge is destroyed and login must restart.
	ErrTwoFactorAttemptsExceeded = errors.New("two-factor attempts exceeded")
	// ErrTwoFactorNotEnrolled is returned when confirming or verifying without
	// a pending or enabled enrollment.
	ErrTwoFactorNotEnrolled = errors.New("two-factor not enrolled")
	// ErrTwoFactorAlreadyEnabled is returned by SetupTwoFactor on an account
	// that already has two-factor enabled.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrSamePassword rejects a password change to the current password.
	ErrSamePassword = errors.New("new password matches current password")
	// ErrWeakPassword rejects passwords outside the fixed rule set.
	ErrWeakPassword = errors.New("password does not meet requirements")
	// ErrInvalidEmail rejects malformed email addresses at registration.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrNotFound is returned when a referenced account or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable indicates the Redis backend could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)
