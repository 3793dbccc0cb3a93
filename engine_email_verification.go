package ticketauth

import (
	"context"
	"errors"

	"github.com/sihab-hasan/ticket-bro-sub000/internal"
	"github.com/sihab-hasan/ticket-bro-sub000/internal/accounts"
	"github.com/sihab-hasan/ticket-bro-sub000/jwt"
)

// RequestEmailVerification issues a fresh verification token and emails it.
// Unknown and already-verified addresses return success without sending, so
// the endpoint cannot be used to probe for accounts. Issuing a new token
// invalidates any previously issued one.
func (e *Engine) RequestEmailVerification(ctx context.Context, email string) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}

	email, err := normalizeEmail(email)
	if err != nil {
		return nil
	}

	rec, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil
		}
		return ErrStoreUnavailable
	}
	if rec.EmailVerified {
		return nil
	}

	return e.deliverEmailVerification(ctx, rec)
}

// VerifyEmail consumes a verification token. The token must carry a valid
// signature and match the stored hash; consumption clears the stored hash so
// a second call with the same token fails with ErrTokenInvalid.
func (e *Engine) VerifyEmail(ctx context.Context, token string) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(jwt.PurposeEmailVerify, token)
	if err != nil {
		e.metricInc(MetricEmailVerifyFailure)
		if errors.Is(err, jwt.ErrExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}

	err = e.verify.Consume(ctx, string(jwt.PurposeEmailVerify), claims.Subject, e.now().UnixMicro(), internal.HashOpaque(token))
	if err != nil {
		e.metricInc(MetricEmailVerifyFailure)
		e.emitAudit(ctx, auditEventEmailVerified, false, claims.Subject, "", ClientMeta{}, ErrTokenInvalid, nil)
		if errors.Is(err, errVerifyNotFound) || errors.Is(err, errVerifyMismatch) {
			return ErrTokenInvalid
		}
		return ErrStoreUnavailable
	}

	if _, err := e.accounts.Update(ctx, claims.Subject, func(r *accounts.Record) error {
		r.EmailVerified = true
		return nil
	}); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return ErrTokenInvalid
		}
		return ErrStoreUnavailable
	}

	e.metricInc(MetricEmailVerifySuccess)
	e.emitAudit(ctx, auditEventEmailVerified, true, claims.Subject, "", ClientMeta{}, nil, nil)

	return nil
}

// deliverEmailVerification mints the signed token, stores its hash and sends
// the mail. The stored hash is the revocation handle: overwriting it on
// reissue kills the previous token even if its signature is still valid.
func (e *Engine) deliverEmailVerification(ctx context.Context, rec *accounts.Record) error {
	token, err := e.tokens.Sign(jwt.PurposeEmailVerify, jwt.Claims{
		Email:            rec.Email,
		RegisteredClaims: jwtRegistered(rec.ID),
	})
	if err != nil {
		return err
	}

	ttl := e.config.EmailVerification.TTL
	record := &verifyRecord{
		SecretHash: internal.HashOpaque(token),
		ExpiresAt:  e.now().Add(ttl).UnixMicro(),
	}
	if err := e.verify.Save(ctx, string(jwt.PurposeEmailVerify), rec.ID, record, ttl); err != nil {
		return ErrStoreUnavailable
	}

	e.sendMail(ctx, rec.Email, MailVerifyEmail, map[string]string{
		"token": token,
		"name":  rec.Name,
	})

	e.metricInc(MetricEmailVerifyRequest)
	e.emitAudit(ctx, auditEventEmailVerifySent, true, rec.ID, "", ClientMeta{}, nil, nil)

	return nil
}
