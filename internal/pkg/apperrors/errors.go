package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrInvalidRate         ErrorType = "INVALID_RATE"
	ErrNoTimeRemaining     ErrorType = "NO_TIME_REMAINING"
	ErrNoSupportedPayment  ErrorType = "NO_SUPPORTED_PAYMENT"
	ErrUnsupportedPayment  ErrorType = "UNSUPPORTED_PAYMENT"
	ErrShuttingDown        ErrorType = "SHUTTING_DOWN"
	ErrUnrecognisedInvoice ErrorType = "UNRECOGNISED_INVOICE"
	ErrInvalidRequest      ErrorType = "INVALID_REQUEST"
	ErrInternal            ErrorType = "INTERNAL_ERROR"
	ErrNotFound            ErrorType = "NOT_FOUND"
	ErrUpstream            ErrorType = "UPSTREAM_ERROR"
	ErrRateLimited         ErrorType = "RATE_LIMITED"
	ErrUnauthorized        ErrorType = "UNAUTHORIZED"
	ErrConflict            ErrorType = "CONFLICT"
)

// AppError is the standard error struct for the application.
// TimedOut marks a NO_TIME_REMAINING decision taken after the sync wait expired,
// i.e. on possibly stale ledger data.
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any *AppError of the same Type, so errors.Is works against
// values built with New(t, "", nil).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewInvalidRate(msg string) *AppError {
	return New(ErrInvalidRate, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewShuttingDown() *AppError {
	return New(ErrShuttingDown, "seller is shutting down", nil)
}

// NewNoTimeRemaining reports an exhausted entitlement. timedOut distinguishes
// an optimistic post-timeout judgment from one taken on a synced ledger.
func NewNoTimeRemaining(timedOut bool) *AppError {
	msg := "no time left on subscription"
	if timedOut {
		msg += " after timeout"
	}
	e := New(ErrNoTimeRemaining, msg, nil)
	e.TimedOut = timedOut
	return e
}

func NewUnrecognisedInvoice(cause error) *AppError {
	return New(ErrUnrecognisedInvoice, "unrecognised invoice", cause)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// IsType reports whether err (or anything it wraps) is an AppError of type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type == t
}

// TypeOf returns the AppError type of err, or ErrInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrInternal
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRate, ErrInvalidRequest, ErrUnrecognisedInvoice:
		return http.StatusBadRequest
	case ErrNoTimeRemaining, ErrNoSupportedPayment:
		return http.StatusPaymentRequired
	case ErrUnsupportedPayment:
		return http.StatusUnprocessableEntity
	case ErrShuttingDown:
		return http.StatusServiceUnavailable
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrNoTimeRemaining:
		return "Pay for more time and retry."
	case ErrNoSupportedPayment, ErrUnsupportedPayment:
		return "Check the payment methods advertised by the seller."
	case ErrShuttingDown:
		return "Stop using this seller session."
	case ErrInvalidRate:
		return "Use a rate like \"50 Sat/s\" or amount/interval/unit."
	case ErrRateLimited:
		return "Retry after a short delay."
	case ErrConflict:
		return "A request with this idempotency key is still running."
	default:
		return ""
	}
}
