package transfer

import (
	"context"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrTransferFailed means the transfer did not move any funds.
	ErrTransferFailed = errors.New("asset transfer failed")

	// ErrOutcomeUnknown means the transfer was submitted but whether it moved
	// funds could not be confirmed.
	ErrOutcomeUnknown = errors.New("asset transfer outcome unknown")
)

// Bank moves fungible assets between users and the pool. The vault never
// trusts Pull to move exactly the requested amount; it measures BalanceOf the
// pool before and after.
type Bank interface {
	// Pool returns the custody address holding deposited funds.
	Pool() common.Address

	// BalanceOf returns holder's balance of asset.
	BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error)

	// Pull moves amount of asset from a user into pool custody.
	Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error

	// Push moves amount of asset from pool custody to a user.
	Push(ctx context.Context, asset, to common.Address, amount *big.Int) error
}
