package ticketauth

import (
	"errors"
	"time"
)

// Config is the full engine configuration. It is constructed once at process
// start and injected through [Builder]; business logic never reads ambient
// globals, so tests can run distinct configs side by side.
type Config struct {
	Token             TokenConfig
	Session           SessionConfig
	Password          PasswordConfig
	Lockout           LockoutConfig
	TwoFactor         TwoFactorConfig
	EmailVerification EmailVerificationConfig
	PasswordReset     PasswordResetConfig
	Audit             AuditConfig
	Metrics           MetricsConfig
	RedisPrefix       string
}

// TokenConfig configures the signed token codec. Each token purpose carries
// an independent signing secret and TTL.
type TokenConfig struct {
	Issuer              string
	AccessSecret        []byte
	RefreshSecret       []byte
	EmailVerifySecret   []byte
	PasswordResetSecret []byte
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	Leeway              time.Duration
}

// SessionConfig bounds concurrent refresh-token grants per account.
// Creating a grant past MaxPerAccount revokes the oldest usable one first.
type SessionConfig struct {
	MaxPerAccount int
}

// PasswordConfig holds argon2id parameters. The defaults are sized as a
// bcrypt cost-12 equivalent.
type PasswordConfig struct {
	Memory         uint32 // KiB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
}

// LockoutConfig controls the per-account failed-attempt lockout.
type LockoutConfig struct {
	MaxAttempts  int
	LockDuration time.Duration
}

// TwoFactorConfig controls TOTP enrollment and the emailed login OTP
// challenge issued when an enabled account passes the password step.
type TwoFactorConfig struct {
	Issuer              string
	Digits              int
	Period              uint
	Skew                uint
	RecoveryCodes       int
	PendingSetupTTL     time.Duration
	LoginOTPTTL         time.Duration
	LoginOTPMaxAttempts int
}

// EmailVerificationConfig bounds the lifetime of email-verification tokens.
type EmailVerificationConfig struct {
	TTL time.Duration
}

// PasswordResetConfig bounds the lifetime of password-reset tokens.
type PasswordResetConfig struct {
	TTL time.Duration
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled bool
}

const maxResetTTL = time.Hour

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			Issuer:     "ticket-bro",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 30 * 24 * time.Hour,
			Leeway:     30 * time.Second,
		},
		Session: SessionConfig{
			MaxPerAccount: 5,
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Lockout: LockoutConfig{
			MaxAttempts:  5,
			LockDuration: 2 * time.Hour,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:              "ticket-bro",
			Digits:              6,
			Period:              30,
			Skew:                1,
			RecoveryCodes:       8,
			PendingSetupTTL:     time.Hour,
			LoginOTPTTL:         10 * time.Minute,
			LoginOTPMaxAttempts: 5,
		},
		EmailVerification: EmailVerificationConfig{TTL: 24 * time.Hour},
		PasswordReset:     PasswordResetConfig{TTL: time.Hour},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics:     MetricsConfig{Enabled: true},
		RedisPrefix: "tba",
	}
}

const minSecretLen = 32

func validateConfig(cfg Config) error {
	secrets := [][]byte{
		cfg.Token.AccessSecret,
		cfg.Token.RefreshSecret,
		cfg.Token.EmailVerifySecret,
		cfg.Token.PasswordResetSecret,
	}
	for _, s := range secrets {
		if len(s) < minSecretLen {
			return errors.New("token secrets must be at least 32 bytes")
		}
	}
	if cfg.Token.AccessTTL <= 0 || cfg.Token.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if cfg.Token.AccessTTL >= cfg.Token.RefreshTTL {
		return errors.New("access TTL must be shorter than refresh TTL")
	}
	if cfg.Session.MaxPerAccount < 1 {
		return errors.New("session limit must be at least 1")
	}
	if cfg.Lockout.MaxAttempts < 1 {
		return errors.New("lockout attempts must be at least 1")
	}
	if cfg.Lockout.LockDuration <= 0 {
		return errors.New("lockout duration must be positive")
	}
	if cfg.TwoFactor.Digits < 6 || cfg.TwoFactor.Digits > 8 {
		return errors.New("totp digits must be 6-8")
	}
	if cfg.TwoFactor.Period == 0 {
		return errors.New("totp period must be positive")
	}
	if cfg.TwoFactor.RecoveryCodes < 1 {
		return errors.New("recovery code count must be at least 1")
	}
	if cfg.TwoFactor.LoginOTPTTL <= 0 || cfg.TwoFactor.LoginOTPMaxAttempts < 1 {
		return errors.New("invalid login OTP challenge configuration")
	}
	if cfg.EmailVerification.TTL <= 0 {
		return errors.New("email verification TTL must be positive")
	}
	if cfg.PasswordReset.TTL <= 0 || cfg.PasswordReset.TTL > maxResetTTL {
		return errors.New("password reset TTL must be positive and at most one hour")
	}
	if cfg.Password.Memory < 8*1024 {
		return errors.New("password memory must be >= 8192 KiB")
	}
	if cfg.Password.Time < 1 || cfg.Password.Parallelism < 1 {
		return errors.New("invalid password cost parameters")
	}
	if cfg.Password.SaltLength < 16 || cfg.Password.KeyLength < 16 {
		return errors.New("password salt and key lengths must be >= 16")
	}
	if cfg.RedisPrefix == "" {
		return errors.New("redis prefix must not be empty")
	}
	return nil
}
