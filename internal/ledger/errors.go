package ledger

import "github.com/cockroachdb/errors"

// Ledger errors.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrOverflow            = errors.New("balance arithmetic overflow")
	ErrUnderflow           = errors.New("balance arithmetic underflow")
)
