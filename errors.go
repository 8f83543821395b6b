package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error with a wire code
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayment     = "invalid_payment"
	ErrCodePaymentRequired    = "payment_required"
	ErrCodeNetworkMismatch    = "network_mismatch"
	ErrCodeSchemeMismatch     = "scheme_mismatch"
	ErrCodeSettlementFailed   = "settlement_failed"
	ErrCodeUnsupportedScheme  = "unsupported_scheme"
	ErrCodeUnsupportedNetwork = "unsupported_network"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorKind classifies failures by where they originate and how they are surfaced.
type ErrorKind int

const (
	// KindProtocol is a malformed or missing payment payload. Surfaced as JSON, never fatal.
	KindProtocol ErrorKind = iota + 1
	// KindLedger is an RPC timeout or rejection. Retried once, only for nonce conflicts.
	KindLedger
	// KindExecution is a protected action that failed or timed out after settlement.
	KindExecution
	// KindConfiguration is invalid startup configuration. Fails before any port is opened.
	KindConfiguration
	// KindPersistence is an unreadable or unwritable state file.
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindLedger:
		return "ledger"
	case KindExecution:
		return "execution"
	case KindConfiguration:
		return "configuration"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is to test the kind of an *Error.
var (
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrLedger        = &Error{Kind: KindLedger}
	ErrExecution     = &Error{Kind: KindExecution}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrPersistence   = &Error{Kind: KindPersistence}
)

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is(err, ErrLedger) works on wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ProtocolErrorf builds a KindProtocol error.
func ProtocolErrorf(op, format string, args ...interface{}) *Error {
	return NewError(KindProtocol, op, fmt.Errorf(format, args...))
}

// ConfigErrorf builds a KindConfiguration error.
func ConfigErrorf(op, format string, args ...interface{}) *Error {
	return NewError(KindConfiguration, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
