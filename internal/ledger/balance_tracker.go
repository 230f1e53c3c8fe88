package ledger

import (
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// BalanceTracker maintains in-memory user balances and per-asset totals.
// Not thread-safe: only accessed under the vault's lock.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
	totals   map[common.Address]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
		totals:   make(map[common.Address]*big.Int),
	}
}

// Apply applies a single entry to the balance entry and the asset total.
// Both are updated or neither is.
func (bt *BalanceTracker) Apply(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	key := e.Key()
	balance := bt.get(key)
	total := bt.totalOf(e.Asset)

	var newBalance, newTotal *big.Int
	switch e.Type {
	case EntryTypeCredit:
		newBalance = new(big.Int).Add(balance, e.Amount)
		newTotal = new(big.Int).Add(total, e.Amount)
		if newBalance.Cmp(math.MaxBig256) > 0 {
			return errors.Wrapf(ErrOverflow, "balance %s + %s", balance, e.Amount)
		}
		if newTotal.Cmp(math.MaxBig256) > 0 {
			return errors.Wrapf(ErrOverflow, "total %s + %s for asset %s", total, e.Amount, e.Asset.Hex())
		}

	case EntryTypeDebit:
		if balance.Cmp(e.Amount) < 0 {
			return errors.Wrapf(ErrInsufficientBalance, "have=%s, need=%s", balance, e.Amount)
		}
		if total.Cmp(e.Amount) < 0 {
			// A user balance can never exceed the asset total.
			return errors.Wrapf(ErrUnderflow, "total %s - %s for asset %s", total, e.Amount, e.Asset.Hex())
		}
		newBalance = new(big.Int).Sub(balance, e.Amount)
		newTotal = new(big.Int).Sub(total, e.Amount)
	}

	bt.set(key, newBalance)
	bt.setTotal(e.Asset, newTotal)
	return nil
}

// CheckCredit reports whether crediting amount would succeed, without mutating.
func (bt *BalanceTracker) CheckCredit(user, asset common.Address, amount *big.Int) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if new(big.Int).Add(bt.get(NewAccountKey(user, asset)), amount).Cmp(math.MaxBig256) > 0 {
		return errors.Wrapf(ErrOverflow, "balance + %s", amount)
	}
	if new(big.Int).Add(bt.totalOf(asset), amount).Cmp(math.MaxBig256) > 0 {
		return errors.Wrapf(ErrOverflow, "total + %s for asset %s", amount, asset.Hex())
	}
	return nil
}

// Credit increases a user's balance and the asset total by amount.
func (bt *BalanceTracker) Credit(user, asset common.Address, amount *big.Int) error {
	return bt.Apply(Entry{Type: EntryTypeCredit, User: user, Asset: asset, Amount: amount})
}

// Debit decreases a user's balance and the asset total by amount.
func (bt *BalanceTracker) Debit(user, asset common.Address, amount *big.Int) error {
	return bt.Apply(Entry{Type: EntryTypeDebit, User: user, Asset: asset, Amount: amount})
}

// GetBalance returns a copy of the balance for (user, asset); zero if absent.
func (bt *BalanceTracker) GetBalance(user, asset common.Address) *big.Int {
	return new(big.Int).Set(bt.get(NewAccountKey(user, asset)))
}

// GetTotal returns a copy of the aggregate deposits of an asset.
func (bt *BalanceTracker) GetTotal(asset common.Address) *big.Int {
	return new(big.Int).Set(bt.totalOf(asset))
}

// HasDeposits reports whether any user holds a nonzero balance of asset.
func (bt *BalanceTracker) HasDeposits(asset common.Address) bool {
	return bt.totalOf(asset).Sign() != 0
}

// ComputeTotals sums balance entries per asset. Used to verify the stored totals.
func (bt *BalanceTracker) ComputeTotals() map[common.Address]*big.Int {
	sums := make(map[common.Address]*big.Int)
	for key, balance := range bt.balances {
		sum, ok := sums[key.Asset]
		if !ok {
			sum = new(big.Int)
			sums[key.Asset] = sum
		}
		sum.Add(sum, balance)
	}
	return sums
}

// Totals returns a copy of the stored per-asset totals.
func (bt *BalanceTracker) Totals() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(bt.totals))
	for asset, total := range bt.totals {
		out[asset] = new(big.Int).Set(total)
	}
	return out
}

// Snapshot returns a copy of all nonzero balances (for state hashing and persistence).
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all state with the given balances. Totals are rebuilt from
// the entries so the sum invariant holds by construction.
func (bt *BalanceTracker) Restore(balances map[AccountKey]*big.Int) error {
	restored := NewBalanceTracker()
	for key, amount := range balances {
		if err := restored.Credit(key.User, key.Asset, amount); err != nil {
			return errors.Wrapf(err, "restore %s", key.AccountPath())
		}
	}
	bt.balances = restored.balances
	bt.totals = restored.totals
	return nil
}

func (bt *BalanceTracker) get(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return v
	}
	return new(big.Int)
}

func (bt *BalanceTracker) totalOf(asset common.Address) *big.Int {
	if v, ok := bt.totals[asset]; ok {
		return v
	}
	return new(big.Int)
}

func (bt *BalanceTracker) set(key AccountKey, v *big.Int) {
	if v.Sign() == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = v
}

func (bt *BalanceTracker) setTotal(asset common.Address, v *big.Int) {
	if v.Sign() == 0 {
		delete(bt.totals, asset)
		return
	}
	bt.totals[asset] = v
}
