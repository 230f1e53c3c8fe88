package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Withdrawn records funds leaving pool custody back to a user. Unconfirmed
// withdrawals were debited but the push could not be confirmed on chain.
type Withdrawn struct {
	User        common.Address `json:"user"`
	Asset       common.Address `json:"asset"`
	Amount      *big.Int       `json:"amount"`
	Unconfirmed bool           `json:"unconfirmed,omitempty"`
}

func (w *Withdrawn) EventType() EventType {
	return EventTypeWithdrawn
}

func (w *Withdrawn) Account() common.Address {
	return w.User
}

func (w *Withdrawn) AssetID() *common.Address {
	a := w.Asset
	return &a
}
