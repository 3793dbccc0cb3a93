package ticketauth

import (
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
	"github.com/sihab-hasan/ticket-bro-sub000/jwt"
	"github.com/sihab-hasan/ticket-bro-sub000/password"
	"github.com/sihab-hasan/ticket-bro-sub000/session"
)

// Builder assembles an Engine. A builder is single-use.
//
//	engine, err := ticketauth.New().
//		WithConfig(cfg).
//		WithRedis(client).
//		WithMailer(mailer).
//		Build()
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	mailer    Mailer
	auditSink AuditSink
	logger    *slog.Logger

	built bool
}

// New returns a builder seeded with defaults. Signing secrets have no
// default and must be set before Build.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithSecrets sets all four token signing secrets at once. Distinct secrets
// per purpose are recommended but a shared one is accepted.
func (b *Builder) WithSecrets(access, refresh, emailVerify, passwordReset []byte) *Builder {
	b.config.Token.AccessSecret = access
	b.config.Token.RefreshSecret = refresh
	b.config.Token.EmailVerifySecret = emailVerify
	b.config.Token.PasswordResetSecret = passwordReset
	return b
}

// WithRedis sets the backing Redis client. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithMailer sets the outbound mail delivery hook. Required: verification,
// reset and login OTP flows all send mail.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithAuditSink sets the destination for audit events. Optional; without a
// sink events are dropped.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.mailer == nil {
		return nil, errors.New("mailer required")
	}

	cfg := b.config
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := jwt.NewManager(jwt.Config{
		Issuer:              cfg.Token.Issuer,
		Leeway:              cfg.Token.Leeway,
		AccessSecret:        cfg.Token.AccessSecret,
		RefreshSecret:       cfg.Token.RefreshSecret,
		EmailVerifySecret:   cfg.Token.EmailVerifySecret,
		PasswordResetSecret: cfg.Token.PasswordResetSecret,
		AccessTTL:           cfg.Token.AccessTTL,
		RefreshTTL:          cfg.Token.RefreshTTL,
		EmailVerifyTTL:      cfg.EmailVerification.TTL,
		PasswordResetTTL:    cfg.PasswordReset.TTL,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:    cfg,
		accounts:  accounts.NewStore(b.redis, cfg.RedisPrefix),
		sessions:  session.NewStore(b.redis, cfg.RedisPrefix),
		verify:    newVerifyStore(b.redis, cfg.RedisPrefix),
		otp:       newOTPStore(b.redis, cfg.RedisPrefix),
		tokens:    tokens,
		passwords: hasher,
		mailer:    b.mailer,
		audit:     newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:   NewMetrics(cfg.Metrics),
		logger:    logger,
		now:       time.Now,
	}

	b.built = true
	return engine, nil
}
