package errors

// ErrorCode represents a machine-readable error identifier for request-level failures.
// Payment-level rejections are not errors: they travel as x402.Reason inside a 200 response.
type ErrorCode string

// Request validation errors
const (
	ErrCodeInvalidJSON     ErrorCode = "invalid_json"
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidField    ErrorCode = "invalid_field"
	ErrCodeInvalidAddress  ErrorCode = "invalid_address"
	ErrCodeInvalidNonce    ErrorCode = "invalid_nonce"
	ErrCodeInvalidChainID  ErrorCode = "invalid_chain_id"
	ErrCodeUnsupportedPath ErrorCode = "unsupported_path"
)

// Authorization errors
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
)

// Resource/state errors
const (
	ErrCodeSettlementNotFound ErrorCode = "settlement_not_found"
	ErrCodeWebhookNotFound    ErrorCode = "webhook_not_found"
	ErrCodeUnsupportedChain   ErrorCode = "unsupported_chain"
	ErrCodeUnsupportedToken   ErrorCode = "unsupported_token"
	ErrCodeRequestInProgress  ErrorCode = "request_in_progress"
	ErrCodeIdempotencyReuse   ErrorCode = "idempotency_key_reused"
	ErrCodeRateLimited        ErrorCode = "rate_limit_exceeded"
)

// External service errors (chain RPC, signer)
const (
	ErrCodeRPCError          ErrorCode = "rpc_error"
	ErrCodeSignerUnavailable ErrorCode = "signer_unavailable"
	ErrCodeNetworkError      ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeSignerUnavailable,
		ErrCodeDatabaseError,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeInvalidJSON,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAddress,
		ErrCodeInvalidNonce,
		ErrCodeInvalidChainID:
		return 400

	case ErrCodeUnauthorized:
		return 401

	case ErrCodeSettlementNotFound,
		ErrCodeWebhookNotFound,
		ErrCodeUnsupportedChain,
		ErrCodeUnsupportedToken,
		ErrCodeUnsupportedPath:
		return 404

	case ErrCodeRequestInProgress:
		return 409

	case ErrCodeIdempotencyReuse,
		ErrCodeConfigError:
		return 422

	case ErrCodeRateLimited:
		return 429

	case ErrCodeRPCError,
		ErrCodeNetworkError:
		return 502

	case ErrCodeSignerUnavailable:
		return 503

	default:
		return 500
	}
}
