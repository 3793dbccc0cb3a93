package ticketauth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
)

// OAuthLogin signs in with an already-verified provider profile. Resolution
// is link-or-create: an account linked to (provider, providerID) wins; else
// a matching email gets the provider attached; else a password-less account
// is created. The provider vouched for the email, so all branches end with
// a verified address and the normal login-success path. The two-factor
// branch does not apply; the provider is the second factor's moral
// equivalent here.
func (e *Engine) OAuthLogin(ctx context.Context, profile OAuthProfile, meta ClientMeta) (*LoginResult, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	provider := strings.TrimSpace(strings.ToLower(profile.Provider))
	providerID := strings.TrimSpace(profile.ProviderID)
	if provider == "" || providerID == "" {
		return nil, ErrInvalidCredentials
	}

	email, err := normalizeEmail(profile.Email)
	if err != nil {
		return nil, ErrInvalidEmail
	}

	rec, err := e.accounts.GetByProvider(ctx, provider, providerID)
	switch {
	case err == nil:
		return e.oauthFinish(ctx, rec, meta, false)
	case errors.Is(err, accounts.ErrNotFound):
	default:
		return nil, ErrStoreUnavailable
	}

	rec, err = e.accounts.GetByEmail(ctx, email)
	switch {
	case err == nil:
		linked, err := e.accounts.LinkProvider(ctx, rec.ID, provider, providerID)
		if err != nil {
			if errors.Is(err, accounts.ErrProviderTaken) {
				return nil, ErrConflict
			}
			return nil, ErrStoreUnavailable
		}
		e.emitAudit(ctx, auditEventOAuthAccountLinked, true, rec.ID, "", meta, nil, func() map[string]string {
			return map[string]string{"provider": provider}
		})
		return e.oauthFinish(ctx, linked, meta, true)
	case errors.Is(err, accounts.ErrNotFound):
	default:
		return nil, ErrStoreUnavailable
	}

	created := &accounts.Record{
		ID:            uuid.NewString(),
		Email:         email,
		Name:          strings.TrimSpace(profile.Name),
		Role:          uint8(RoleUser),
		Active:        true,
		EmailVerified: true,
		CreatedAt:     e.now().UnixMicro(),
	}
	if err := e.accounts.Create(ctx, created); err != nil {
		// A concurrent registration can take the email between lookup and
		// create; surface it the same as a duplicate register.
		if errors.Is(err, accounts.ErrEmailTaken) {
			return nil, ErrConflict
		}
		return nil, ErrStoreUnavailable
	}
	linked, err := e.accounts.LinkProvider(ctx, created.ID, provider, providerID)
	if err != nil {
		if errors.Is(err, accounts.ErrProviderTaken) {
			return nil, ErrConflict
		}
		return nil, ErrStoreUnavailable
	}

	e.metricInc(MetricOAuthAccountCreated)
	e.emitAudit(ctx, auditEventOAuthAccountLinked, true, linked.ID, "", meta, nil, func() map[string]string {
		return map[string]string{"provider": provider, "created": "true"}
	})

	return e.oauthFinish(ctx, linked, meta, true)
}

// oauthFinish is the shared success tail for every resolution branch.
func (e *Engine) oauthFinish(ctx context.Context, rec *accounts.Record, meta ClientMeta, emailJustVouched bool) (*LoginResult, error) {
	if rec.Deleted || !rec.Active {
		return nil, ErrAccountInactive
	}

	if emailJustVouched && !rec.EmailVerified {
		updated, err := e.accounts.Update(ctx, rec.ID, func(r *accounts.Record) error {
			r.EmailVerified = true
			return nil
		})
		if err != nil {
			return nil, ErrStoreUnavailable
		}
		rec = updated
	}

	if rec.FailedAttempts != 0 || rec.LockedUntil != 0 {
		if err := e.accounts.ResetLoginFailures(ctx, rec.ID); err != nil {
			return nil, ErrStoreUnavailable
		}
	}

	result, err := e.finishLogin(ctx, rec, meta)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricOAuthLogin)
	e.emitAudit(ctx, auditEventOAuthLogin, true, rec.ID, "", meta, nil, nil)

	return result, nil
}
