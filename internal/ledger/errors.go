package ledger

import "fmt"

// ErrorKind classifies why a payment claim was rejected.
type ErrorKind string

const (
	TxNotFound         ErrorKind = "tx_not_found"
	TxPending          ErrorKind = "tx_pending"
	TxFailed           ErrorKind = "tx_failed"
	RecipientMismatch  ErrorKind = "recipient_mismatch"
	UnsupportedToken   ErrorKind = "unsupported_token"
	InsufficientAmount ErrorKind = "insufficient_amount"
	DecodeError        ErrorKind = "decode_error"
	LedgerUnavailable  ErrorKind = "ledger_unavailable"
)

// VerificationError reports a rejected claim. For RecipientMismatch Expected
// and Actual are addresses; for InsufficientAmount they are smallest-unit
// integers of Currency.
type VerificationError struct {
	Kind     ErrorKind
	TxHash   string
	Currency CurrencyKind
	Expected string
	Actual   string
	Err      error
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("tx %s: %s", e.TxHash, e.Kind)
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}
