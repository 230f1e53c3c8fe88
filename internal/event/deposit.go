package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Deposited records a credited deposit. Amount is the observed pool balance
// delta, which may be less than Requested for fee-on-transfer assets.
type Deposited struct {
	User      common.Address `json:"user"`
	Asset     common.Address `json:"asset"`
	Amount    *big.Int       `json:"amount"`
	Requested *big.Int       `json:"requested"`
}

func (d *Deposited) EventType() EventType {
	return EventTypeDeposited
}

func (d *Deposited) Account() common.Address {
	return d.User
}

func (d *Deposited) AssetID() *common.Address {
	a := d.Asset
	return &a
}
