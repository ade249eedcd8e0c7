package model

import "errors"

// Stable wire error codes. The same taxonomy is surfaced in HTTP error
// bodies and in WebSocket error frames so callers can branch on the code
// rather than on prose.
const (
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeTokenExpired            = "TOKEN_EXPIRED"
	CodeTokenInvalid            = "TOKEN_INVALID"
	CodeInvalidCredentials      = "INVALID_CREDENTIALS"
	CodePairingInvalid          = "PAIRING_INVALID"
	CodePairingExpired          = "PAIRING_EXPIRED"
	CodePairingAttemptsExceeded = "PAIRING_ATTEMPTS_EXCEEDED"
	CodeAgentSecretMismatch     = "AGENT_SECRET_MISMATCH"
	CodeAgentOffline            = "AGENT_OFFLINE"
	CodeAgentNotPaired          = "AGENT_NOT_PAIRED"
	CodeMessageTooLarge         = "MESSAGE_TOO_LARGE"
	CodeInvalidMessage          = "INVALID_MESSAGE"
	CodeRateLimited             = "RATE_LIMITED"
	CodeFreePlanLimit           = "FREE_PLAN_LIMIT"
	CodeInternalError           = "INTERNAL_ERROR"
)

// CodedError carries a stable wire code alongside a human-readable message.
// Services return it; transports translate the code into an HTTP status or
// a WebSocket error frame.
type CodedError struct {
	Code    string
	Message string
	err     error
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *CodedError) Unwrap() error { return e.err }

// Coded builds a CodedError with the given wire code.
func Coded(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// CodedWrap wraps an underlying error so errors.Is/As still reach it while
// the transport sees a stable code.
func CodedWrap(code, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, err: err}
}

// ErrCode extracts the wire code from err, defaulting to INTERNAL_ERROR for
// anything the service layer did not classify.
func ErrCode(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternalError
}

// ErrMessage extracts the safe-to-expose message from err. Unclassified
// errors get a generic message so internals never leak to peers.
func ErrMessage(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return "internal error"
}
