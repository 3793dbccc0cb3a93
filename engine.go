package ticketauth

import (
	"context"
	"log/slog"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sihab-hasan/ticket-bro-sub000/internal"
	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
	"github.com/sihab-hasan/ticket-bro-sub000/jwt"
	"github.com/sihab-hasan/ticket-bro-sub000/password"
	"github.com/sihab-hasan/ticket-bro-sub000/session"
)

// Engine is the credential and session lifecycle core. It owns no transport;
// callers hand it already-parsed input and map its sentinel errors onto
// whatever surface they expose. All state lives in Redis, so any number of
// engine instances can serve the same account population.
type Engine struct {
	config    Config
	accounts  *accounts.Store
	sessions  *session.Store
	verify    *verifyStore
	otp       *otpStore
	tokens    *jwt.Manager
	passwords *password.Hasher
	mailer    Mailer
	audit     *auditDispatcher
	metrics   *Metrics
	logger    *slog.Logger

	now func() time.Time
}

// Close flushes the audit dispatcher. The engine must not be used after
// Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events discarded because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of every engine counter.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// publicAccount strips credential material from a stored record.
func publicAccount(rec *accounts.Record) *Account {
	return &Account{
		ID:            rec.ID,
		Email:         rec.Email,
		Name:          rec.Name,
		Role:          Role(rec.Role),
		Active:        rec.Active,
		EmailVerified: rec.EmailVerified,
		TwoFactor:     rec.TwoFactor.Enabled,
		HasPassword:   rec.PasswordHash != "",
		CreatedAt:     time.UnixMicro(rec.CreatedAt),
	}
}

// issueTokens creates a session record for the account and signs the access
// and refresh tokens against it. The refresh JWT carries the session id; the
// store keeps only the hash of the full token string.
func (e *Engine) issueTokens(ctx context.Context, rec *accounts.Record, meta ClientMeta) (*TokenPair, *session.Record, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, nil, err
	}
	sessionID := sid.String()

	refresh, err := e.tokens.Sign(jwt.PurposeRefresh, jwt.Claims{
		Email:            rec.Email,
		SessionID:        sessionID,
		RegisteredClaims: jwtRegistered(rec.ID),
	})
	if err != nil {
		return nil, nil, err
	}

	access, err := e.tokens.Sign(jwt.PurposeAccess, jwt.Claims{
		Email:            rec.Email,
		SessionID:        sessionID,
		RegisteredClaims: jwtRegistered(rec.ID),
	})
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	sess := &session.Record{
		ID:         sessionID,
		AccountID:  rec.ID,
		TokenHash:  internal.HashOpaque(refresh),
		IssuedAt:   now.UnixMicro(),
		ExpiresAt:  now.Add(e.config.Token.RefreshTTL).UnixMicro(),
		LastUsedAt: now.UnixMicro(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	}
	if e.config.Session.MaxPerAccount > 0 {
		evicted, err := e.sessions.CreateCapped(ctx, sess, e.config.Session.MaxPerAccount)
		if err != nil {
			return nil, nil, err
		}
		for i := 0; i < evicted; i++ {
			e.metricInc(MetricSessionEvicted)
		}
	} else if err := e.sessions.Create(ctx, sess); err != nil {
		return nil, nil, err
	}

	e.metricInc(MetricSessionCreated)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.config.Token.AccessTTL.Seconds()),
	}, sess, nil
}

// jwtRegistered seeds the registered claim set for a subject. The random
// token ID keeps two tokens minted within the same second distinct, which
// the single-use verification stores rely on.
func jwtRegistered(subject string) gojwt.RegisteredClaims {
	return gojwt.RegisteredClaims{
		Subject: subject,
		ID:      uuid.NewString(),
	}
}

// sendMail is fire-and-forget: delivery failures are logged, never returned,
// so a flaky mail provider cannot fail a registration or login.
func (e *Engine) sendMail(ctx context.Context, to string, kind MailKind, data map[string]string) {
	if e.mailer == nil {
		return
	}
	if err := e.mailer.Send(ctx, to, kind, data); err != nil {
		e.logger.Warn("mail delivery failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

func publicSession(rec *session.Record) *Session {
	s := &Session{
		ID:         rec.ID,
		AccountID:  rec.AccountID,
		IssuedAt:   time.UnixMicro(rec.IssuedAt),
		ExpiresAt:  time.UnixMicro(rec.ExpiresAt),
		LastUsedAt: time.UnixMicro(rec.LastUsedAt),
		Revoked:    rec.Revoked,
		IP:         rec.IP,
		UserAgent:  rec.UserAgent,
	}
	if rec.Revoked {
		s.RevokedReason = rec.Reason.String()
	}
	return s
}
