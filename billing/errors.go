package billing

import "fmt"

// Code classifies every failure surfaced by the public API.
type Code uint8

const (
	CodeUnknown Code = iota
	CodeNotInitialized
	CodeAlreadyConnecting
	CodeOperationInProgress
	CodeUserCancelled
	CodeInvalidArgument
	CodeNetworkError
	CodeStoreUnavailable
	CodeItemAlreadyOwned
	CodeItemNotOwned
	CodeVerificationUnavailable
	CodeFeatureNotSupported
)

func (c Code) String() string {
	switch c {
	case CodeNotInitialized:
		return "NOT_INITIALIZED"
	case CodeAlreadyConnecting:
		return "ALREADY_CONNECTING"
	case CodeOperationInProgress:
		return "OPERATION_IN_PROGRESS"
	case CodeUserCancelled:
		return "USER_CANCELLED"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeNetworkError:
		return "NETWORK_ERROR"
	case CodeStoreUnavailable:
		return "STORE_UNAVAILABLE"
	case CodeItemAlreadyOwned:
		return "ITEM_ALREADY_OWNED"
	case CodeItemNotOwned:
		return "ITEM_NOT_OWNED"
	case CodeVerificationUnavailable:
		return "VERIFICATION_UNAVAILABLE"
	case CodeFeatureNotSupported:
		return "FEATURE_NOT_SUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed failure crossing the public API boundary. Adapter and
// SDK faults are always converted to an Error before reaching a caller or a
// listener.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func NewErrorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError preserves the original fault as the cause while classifying it.
func WrapError(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// AsError classifies an arbitrary error, passing through values that are
// already typed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if typed, ok := err.(*Error); ok {
		return typed
	}
	return &Error{Code: CodeUnknown, Message: err.Error(), cause: err}
}

// IsCode reports whether err is a billing Error with the given code.
func IsCode(err error, code Code) bool {
	typed, ok := err.(*Error)
	return ok && typed.Code == code
}
