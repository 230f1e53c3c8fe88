package transfer

import (
	"context"
	"math/big"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
)

// Hook runs inside Pull or Push before any balance moves. A non-nil error
// aborts the transfer. Errors marked ErrOutcomeUnknown are returned as is;
// any other error is marked ErrTransferFailed.
type Hook func(ctx context.Context, asset, account common.Address, amount *big.Int) error

// MemoryBank is an in-process Bank for development and tests. Assets may
// charge a fee on transfer, expressed in basis points of the moved amount;
// the fee is burned.
type MemoryBank struct {
	mu       sync.Mutex
	pool     common.Address
	balances map[common.Address]map[common.Address]*big.Int // asset -> holder -> balance
	feeBps   map[common.Address]int64

	onPull Hook
	onPush Hook
}

func NewMemoryBank(pool common.Address) *MemoryBank {
	return &MemoryBank{
		pool:     pool,
		balances: make(map[common.Address]map[common.Address]*big.Int),
		feeBps:   make(map[common.Address]int64),
	}
}

func (b *MemoryBank) Pool() common.Address {
	return b.pool
}

// Mint credits holder with amount of asset outside of the pool's accounting.
func (b *MemoryBank) Mint(asset, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balanceLocked(asset, holder)
	bal.Add(bal, amount)
}

// SetFee makes asset charge feeBps/10000 of every transfer.
func (b *MemoryBank) SetFee(asset common.Address, feeBps int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feeBps[asset] = feeBps
}

// OnPull installs a hook invoked at the start of every Pull.
func (b *MemoryBank) OnPull(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPull = h
}

// OnPush installs a hook invoked at the start of every Push.
func (b *MemoryBank) OnPush(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPush = h
}

func (b *MemoryBank) BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceLocked(asset, holder)), nil
}

func (b *MemoryBank) Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	b.mu.Lock()
	hook := b.onPull
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, asset, from, amount); err != nil {
			return hookErr("pull hook", err)
		}
	}
	return b.move(asset, from, b.pool, amount)
}

func (b *MemoryBank) Push(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	hook := b.onPush
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, asset, to, amount); err != nil {
			return hookErr("push hook", err)
		}
	}
	return b.move(asset, b.pool, to, amount)
}

func hookErr(msg string, err error) error {
	if errors.Is(err, ErrOutcomeUnknown) {
		return errors.Wrap(err, msg)
	}
	return errors.Mark(errors.Wrap(err, msg), ErrTransferFailed)
}

func (b *MemoryBank) move(asset, from, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.balanceLocked(asset, from)
	if src.Cmp(amount) < 0 {
		return errors.Wrapf(ErrTransferFailed, "%s holds %s of %s, need %s",
			from.Hex(), src, asset.Hex(), amount)
	}

	fee := new(big.Int).Mul(amount, big.NewInt(b.feeBps[asset]))
	fee.Quo(fee, big.NewInt(10_000))
	received := new(big.Int).Sub(amount, fee)

	src.Sub(src, amount)
	dst := b.balanceLocked(asset, to)
	dst.Add(dst, received)
	return nil
}

func (b *MemoryBank) balanceLocked(asset, holder common.Address) *big.Int {
	holders, ok := b.balances[asset]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		b.balances[asset] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = new(big.Int)
		holders[holder] = bal
	}
	return bal
}
