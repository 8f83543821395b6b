package facilitator

const (
	ErrMissingTransaction = "MISSING_TRANSACTION"
	ErrInvalidTransaction = "INVALID_TRANSACTION"
	ErrInvalidNetwork     = "invalid_network"
)
