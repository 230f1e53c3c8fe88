package ledger

import (
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateAsset verifies that the stored total of asset equals the sum of all
// user balances and that neither is negative.
func (v *InvariantValidator) ValidateAsset(asset common.Address) error {
	total := v.tracker.totalOf(asset)
	if total.Sign() < 0 {
		return errors.Newf("asset %s has negative total: %s", asset.Hex(), total)
	}

	sum := v.tracker.ComputeTotals()[asset]
	if sum == nil {
		if total.Sign() != 0 {
			return errors.Newf("asset %s total %s but no balances", asset.Hex(), total)
		}
		return nil
	}
	if sum.Cmp(total) != 0 {
		return errors.Newf("asset %s total %s != sum of balances %s", asset.Hex(), total, sum)
	}
	return nil
}

// ValidateUser checks a single balance entry is non-negative.
func (v *InvariantValidator) ValidateUser(user, asset common.Address) error {
	balance := v.tracker.get(NewAccountKey(user, asset))
	if balance.Sign() < 0 {
		return errors.Newf("account %s has negative balance: %s",
			NewAccountKey(user, asset).AccountPath(), balance)
	}
	return nil
}

// ValidateGlobal verifies the sum invariant for every asset the tracker knows.
func (v *InvariantValidator) ValidateGlobal() error {
	sums := v.tracker.ComputeTotals()
	for asset := range v.tracker.totals {
		if _, ok := sums[asset]; !ok {
			sums[asset] = nil
		}
	}
	for asset := range sums {
		if err := v.ValidateAsset(asset); err != nil {
			return err
		}
	}
	return nil
}
