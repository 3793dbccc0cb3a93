package ticketauth

import (
	"context"
	"time"
)

// Role is an ordinal account role. Authorization here is a plain ordinal
// comparison; anything richer belongs to the consuming application.
type Role uint8

const (
	RoleUser Role = iota
	RoleStaff
	RoleAdmin
)

// AtLeast reports whether r grants at least the privileges of min.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

func (r Role) String() string {
	switch r {
	case RoleStaff:
		return "staff"
	case RoleAdmin:
		return "admin"
	default:
		return "user"
	}
}

// Account is the public view of a registered identity. It never carries the
// password hash or two-factor secret material.
type Account struct {
	ID            string
	Email         string
	Name          string
	Role          Role
	Active        bool
	EmailVerified bool
	TwoFactor     bool
	HasPassword   bool
	CreatedAt     time.Time
}

// TokenPair is the bearer credential set issued on every successful login,
// two-factor completion, OAuth login and refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
}

// LoginResult is returned by Login. Exactly one of Tokens or
// RequiresTwoFactor is set: with two-factor enabled a correct password never
// yields tokens directly.
type LoginResult struct {
	Account           *Account
	Tokens            *TokenPair
	RequiresTwoFactor bool
	Email             string
}

// TwoFactorSetup is returned by SetupTwoFactor. The secret and recovery
// codes are shown to the user exactly once; only hashes are persisted after
// ConfirmTwoFactor.
type TwoFactorSetup struct {
	Secret        string
	URI           string
	RecoveryCodes []string
}

// Session is the public view of one refresh-token grant.
type Session struct {
	ID            string
	AccountID     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	LastUsedAt    time.Time
	Revoked       bool
	RevokedReason string
	IP            string
	UserAgent     string
}

// Identity is the result of access-token verification.
type Identity struct {
	AccountID string
	Email     string
	SessionID string
}

// ClientMeta carries per-request client attribution recorded on sessions.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// OAuthProfile is the already-resolved profile handed to OAuthLogin. The
// provider-specific token exchange happens upstream; by the time the engine
// sees a profile the provider has vouched for the email.
type OAuthProfile struct {
	Provider   string
	ProviderID string
	Email      string
	Name       string
}

// MailKind selects the outbound template for a Mailer send.
type MailKind string

const (
	MailVerifyEmail   MailKind = "verify_email"
	MailPasswordReset MailKind = "password_reset"
	MailLoginOTP      MailKind = "login_otp"
)

// Mailer delivers outbound auth mail. Send failures are logged and swallowed
// by the engine; they never propagate to the caller of an auth operation.
type Mailer interface {
	Send(ctx context.Context, to string, kind MailKind, data map[string]string) error
}
