package security

// Event types for security audit logging.
const (
	// Client lifecycle

	EventClientRegistered           = "client_registered"
	EventClientRegistrationRejected = "client_registration_rejected"
	EventClientUpdated              = "client_updated"
	EventClientSecretRegenerated    = "client_secret_regenerated" //nolint:gosec // event name, not a credential
	EventClientDeactivated          = "client_deactivated"
	EventClientDeleted              = "client_deleted"

	// Authorization flow

	EventAuthorizationRequested  = "authorization_requested"
	EventConsentGranted          = "consent_granted"
	EventConsentDenied           = "consent_denied"
	EventConsentRevoked          = "consent_revoked"
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// Tokens

	EventTokenIssued      = "token_issued"
	EventTokenRefreshed   = "token_refreshed"
	EventTokenRevoked     = "token_revoked"
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // event name, not a credential

	// Security violations

	EventAuthFailure                    = "auth_failure"
	EventRateLimitExceeded              = "rate_limit_exceeded"
	EventPKCEValidationFailed           = "pkce_validation_failed"
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"
	EventRefreshTokenReuseDetected      = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential
	EventCSRFValidationFailed           = "csrf_validation_failed"
	EventInvalidRedirect                = "invalid_redirect"
	EventScopeEscalationAttempt         = "scope_escalation_attempt"
)
