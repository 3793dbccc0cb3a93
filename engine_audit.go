package ticketauth

import (
	"context"
	"errors"
)

const (
	auditEventRegisterSuccess    = "register_success"
	auditEventRegisterDuplicate  = "register_duplicate"
	auditEventLoginSuccess       = "login_success"
	auditEventLoginFailure       = "login_failure"
	auditEventLoginLocked        = "login_locked"
	auditEventTwoFactorRequired  = "two_factor_required"
	auditEventTwoFactorSuccess   = "two_factor_success"
	auditEventTwoFactorFailure   = "two_factor_failure"
	auditEventTwoFactorEnabled   = "two_factor_enabled"
	auditEventTwoFactorDisabled  = "two_factor_disabled"
	auditEventRecoveryCodeUsed   = "recovery_code_used"
	auditEventRefreshSuccess     = "refresh_success"
	auditEventRefreshInvalid     = "refresh_invalid"
	auditEventRefreshReuse       = "refresh_reuse_detected"
	auditEventLogoutSession      = "logout_session"
	auditEventLogoutAll          = "logout_all"
	auditEventSessionRevoked     = "session_revoked"
	auditEventPasswordChanged    = "password_changed"
	auditEventPasswordResetSent  = "password_reset_requested"
	auditEventPasswordReset      = "password_reset_confirmed"
	auditEventEmailVerifySent    = "email_verification_requested"
	auditEventEmailVerified      = "email_verified"
	auditEventOAuthLogin         = "oauth_login"
	auditEventOAuthAccountLinked = "oauth_account_linked"
	auditEventAccountClosed      = "account_closed"
)

// AuditErrorCode is the coarse failure class recorded on audit events.
// Events carry codes rather than raw error strings so sinks never see
// backend detail.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrAccountInactive    AuditErrorCode = "account_inactive"
	auditErrDuplicate          AuditErrorCode = "duplicate"
	auditErrUnauthorized       AuditErrorCode = "unauthorized"
	auditErrTokenExpired       AuditErrorCode = "token_expired"
	auditErrTokenInvalid       AuditErrorCode = "token_invalid"
	auditErrTwoFactorInvalid   AuditErrorCode = "two_factor_invalid"
	auditErrTwoFactorExceeded  AuditErrorCode = "two_factor_attempts_exceeded"
	auditErrTwoFactorState     AuditErrorCode = "two_factor_state"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrNotFound           AuditErrorCode = "not_found"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID string,
	sessionID string,
	meta ClientMeta,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		AccountID: accountID,
		SessionID: sessionID,
		IP:        meta.IP,
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountInactive):
		return auditErrAccountInactive
	case errors.Is(err, ErrConflict):
		return auditErrDuplicate
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return auditErrTokenInvalid
	case errors.Is(err, ErrInvalidTwoFactorCode):
		return auditErrTwoFactorInvalid
	case errors.Is(err, ErrTwoFactorAttemptsExceeded):
		return auditErrTwoFactorExceeded
	case errors.Is(err, ErrTwoFactorNotEnrolled),
		errors.Is(err, ErrTwoFactorAlreadyEnabled):
		return auditErrTwoFactorState
	case errors.Is(err, ErrWeakPassword),
		errors.Is(err, ErrSamePassword),
		errors.Is(err, ErrInvalidEmail):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
