package ticketauth

import (
	"context"
	"errors"

	"github.com/sihab-hasan/ticket-bro-sub000/internal"
	"github.com/sihab-hasan/ticket-bro-sub000/jwt"
	"github.com/sihab-hasan/ticket-bro-sub000/session"
)

// Refresh rotates a refresh token: the presented grant is revoked and a new
// one issued in its place, atomically. A token can be rotated at most once;
// presenting it again, or presenting any revoked or expired token, fails
// with ErrUnauthorized. The signed claims alone are never trusted without a
// usable backing session.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*TokenPair, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(jwt.PurposeRefresh, refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", meta, ErrUnauthorized, func() map[string]string {
			return map[string]string{"reason": "token_verify_failed"}
		})
		return nil, ErrUnauthorized
	}

	rec, err := e.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.Subject, claims.SessionID, meta, ErrUnauthorized, func() map[string]string {
			return map[string]string{"reason": "account_lookup_failed"}
		})
		return nil, ErrUnauthorized
	}
	if rec.Deleted || !rec.Active {
		_ = e.sessions.Revoke(ctx, claims.SessionID, session.ReasonAccountClosed)
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, rec.ID, claims.SessionID, meta, ErrUnauthorized, func() map[string]string {
			return map[string]string{"reason": "account_inactive"}
		})
		return nil, ErrUnauthorized
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	nextID := sid.String()

	nextRefresh, err := e.tokens.Sign(jwt.PurposeRefresh, jwt.Claims{
		Email:            rec.Email,
		SessionID:        nextID,
		RegisteredClaims: jwtRegistered(rec.ID),
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	next := &session.Record{
		ID:         nextID,
		AccountID:  rec.ID,
		TokenHash:  internal.HashOpaque(nextRefresh),
		IssuedAt:   now.UnixMicro(),
		ExpiresAt:  now.Add(e.config.Token.RefreshTTL).UnixMicro(),
		LastUsedAt: now.UnixMicro(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	}

	err = e.sessions.Rotate(ctx, claims.SessionID, internal.HashOpaque(refreshToken), next)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTokenMismatch):
			// A mismatching hash on a live session means the token was
			// already rotated once.
			e.metricInc(MetricRefreshReuseDetected)
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshReuse, false, rec.ID, claims.SessionID, meta, ErrUnauthorized, nil)
		case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionNotUsable):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, rec.ID, claims.SessionID, meta, ErrUnauthorized, func() map[string]string {
				return map[string]string{"reason": "session_not_usable"}
			})
		default:
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, rec.ID, claims.SessionID, meta, ErrStoreUnavailable, nil)
		}
		return nil, ErrUnauthorized
	}

	access, err := e.tokens.Sign(jwt.PurposeAccess, jwt.Claims{
		Email:            rec.Email,
		SessionID:        nextID,
		RegisteredClaims: jwtRegistered(rec.ID),
	})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, rec.ID, nextID, meta, nil, nil)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: nextRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.config.Token.AccessTTL.Seconds()),
	}, nil
}

// Logout revokes the session behind the presented refresh token. Revoking
// an already-revoked session is a no-op success.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(jwt.PurposeRefresh, refreshToken)
	if err != nil {
		return ErrUnauthorized
	}

	err = e.sessions.Revoke(ctx, claims.SessionID, session.ReasonLogout)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil
		}
		return ErrStoreUnavailable
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, claims.Subject, claims.SessionID, ClientMeta{}, nil, nil)

	return nil
}

// LogoutAll revokes every usable session of an account.
func (e *Engine) LogoutAll(ctx context.Context, accountID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	if err := e.sessions.RevokeAllForAccount(ctx, accountID, session.ReasonLogoutAll); err != nil {
		return ErrStoreUnavailable
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, accountID, "", ClientMeta{}, nil, nil)

	return nil
}

// Authenticate verifies an access token and returns the subject identity.
// It is a pure claim check for upstream middleware; expiry and tampering
// come back as distinct errors so callers can log them apart.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*Identity, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(jwt.PurposeAccess, accessToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	return &Identity{
		AccountID: claims.Subject,
		Email:     claims.Email,
		SessionID: claims.SessionID,
	}, nil
}
