package ticketauth

import (
	"context"
	"errors"

	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
	"github.com/sihab-hasan/ticket-bro-sub000/session"
)

// GetAccount returns the public view of an open account.
func (e *Engine) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	rec, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStoreUnavailable
	}
	if rec.Deleted {
		return nil, ErrNotFound
	}

	return publicAccount(rec), nil
}

// ListSessions returns the account's usable sessions, newest first.
func (e *Engine) ListSessions(ctx context.Context, accountID string) ([]*Session, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	records, err := e.sessions.ListUsable(ctx, accountID)
	if err != nil {
		return nil, ErrStoreUnavailable
	}

	out := make([]*Session, 0, len(records))
	for _, rec := range records {
		out = append(out, publicSession(rec))
	}
	return out, nil
}

// RevokeSession revokes one session of the account, a targeted logout for
// "sign out that device". The session must belong to the account.
func (e *Engine) RevokeSession(ctx context.Context, accountID, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	rec, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return ErrNotFound
		}
		return ErrStoreUnavailable
	}
	if rec.AccountID != accountID {
		return ErrNotFound
	}

	if err := e.sessions.Revoke(ctx, sessionID, session.ReasonLogout); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return ErrNotFound
		}
		return ErrStoreUnavailable
	}

	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventSessionRevoked, true, accountID, sessionID, ClientMeta{}, nil, nil)

	return nil
}

// CloseAccount soft-deletes the account after password re-proof. The email
// index entry is released so the address can register again; every session
// is revoked; the record itself stays for audit trails. OAuth-only accounts
// close with an empty password.
func (e *Engine) CloseAccount(ctx context.Context, accountID, plaintext string) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}

	rec, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return ErrNotFound
		}
		return ErrStoreUnavailable
	}
	if rec.Deleted {
		return ErrNotFound
	}

	if rec.PasswordHash != "" {
		ok, err := e.passwords.Verify(plaintext, rec.PasswordHash)
		if err != nil || !ok {
			return ErrInvalidCredentials
		}
	}

	if err := e.accounts.SoftDelete(ctx, accountID); err != nil {
		return ErrStoreUnavailable
	}

	if err := e.sessions.RevokeAllForAccount(ctx, accountID, session.ReasonAccountClosed); err != nil {
		e.logger.Warn("session revocation failed after account close", "error", err.Error())
		return ErrStoreUnavailable
	}

	e.metricInc(MetricAccountClosed)
	e.emitAudit(ctx, auditEventAccountClosed, true, accountID, "", ClientMeta{}, nil, nil)

	return nil
}
