package ledger

import (
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// EntryType is the direction of a ledger entry.
type EntryType int32

const (
	EntryTypeCredit EntryType = iota // pool custody increases (deposit)
	EntryTypeDebit                   // pool custody decreases (withdraw)
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeCredit:
		return "credit"
	case EntryTypeDebit:
		return "debit"
	default:
		return "unknown"
	}
}

// Entry is a single balance movement. It touches the user's balance entry and
// the asset total by the same delta.
type Entry struct {
	Type   EntryType
	User   common.Address
	Asset  common.Address
	Amount *big.Int // unsigned 256-bit
}

// Key returns the balance entry touched by e.
func (e Entry) Key() AccountKey {
	return NewAccountKey(e.User, e.Asset)
}

// Validate checks that the amount is a valid unsigned 256-bit integer.
func (e Entry) Validate() error {
	if err := ValidateAmount(e.Amount); err != nil {
		return err
	}
	if e.Type != EntryTypeCredit && e.Type != EntryTypeDebit {
		return errors.Newf("unknown entry type %d", e.Type)
	}
	return nil
}

// ValidateAmount rejects nil, negative and wider-than-256-bit amounts.
func ValidateAmount(amount *big.Int) error {
	if amount == nil {
		return errors.Wrap(ErrInvalidAmount, "amount is nil")
	}
	if amount.Sign() < 0 {
		return errors.Wrapf(ErrInvalidAmount, "negative amount %s", amount)
	}
	if amount.Cmp(math.MaxBig256) > 0 {
		return errors.Wrapf(ErrOverflow, "amount %s exceeds 256 bits", amount)
	}
	return nil
}
