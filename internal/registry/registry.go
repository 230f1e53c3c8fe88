package registry

import (
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
)

// Registry errors.
var (
	ErrAlreadyWhitelisted  = errors.New("asset already whitelisted")
	ErrNotWhitelisted      = errors.New("asset not whitelisted")
	ErrDepositsOutstanding = errors.New("asset has outstanding deposits")
)

// TotalsReader exposes the aggregate deposits the registry must consult before
// removing an asset.
type TotalsReader interface {
	HasDeposits(asset common.Address) bool
	GetTotal(asset common.Address) *big.Int
}

// Registry is the enumerable set of accepted assets. Membership is O(1) via the
// index map; enumeration follows the slice, which is compacted by swap-remove,
// so removing an asset moves the last asset into its slot.
// Not thread-safe: only accessed under the vault's lock.
type Registry struct {
	index  map[common.Address]int
	assets []common.Address
}

func NewRegistry() *Registry {
	return &Registry{
		index: make(map[common.Address]int),
	}
}

// SetWhitelisted adds (whitelist=true) or removes (whitelist=false) an asset.
// Removal requires a zero total in totals; that check precedes the membership
// check.
func (r *Registry) SetWhitelisted(asset common.Address, whitelist bool, totals TotalsReader) error {
	if whitelist {
		return r.add(asset)
	}

	if totals.HasDeposits(asset) {
		return errors.Wrapf(ErrDepositsOutstanding, "asset %s total %s", asset.Hex(), totals.GetTotal(asset))
	}
	return r.remove(asset)
}

// Contains reports whether asset is whitelisted.
func (r *Registry) Contains(asset common.Address) bool {
	_, ok := r.index[asset]
	return ok
}

// All returns the whitelisted assets in registry order.
func (r *Registry) All() []common.Address {
	out := make([]common.Address, len(r.assets))
	copy(out, r.assets)
	return out
}

// Len returns the number of whitelisted assets.
func (r *Registry) Len() int {
	return len(r.assets)
}

// Restore replaces the set with assets, keeping their order. Duplicates are rejected.
func (r *Registry) Restore(assets []common.Address) error {
	restored := NewRegistry()
	for _, a := range assets {
		if err := restored.add(a); err != nil {
			return err
		}
	}
	r.index = restored.index
	r.assets = restored.assets
	return nil
}

func (r *Registry) add(asset common.Address) error {
	if r.Contains(asset) {
		return errors.Wrapf(ErrAlreadyWhitelisted, "asset %s", asset.Hex())
	}
	r.index[asset] = len(r.assets)
	r.assets = append(r.assets, asset)
	return nil
}

func (r *Registry) remove(asset common.Address) error {
	i, ok := r.index[asset]
	if !ok {
		return errors.Wrapf(ErrNotWhitelisted, "asset %s", asset.Hex())
	}

	last := len(r.assets) - 1
	if i != last {
		moved := r.assets[last]
		r.assets[i] = moved
		r.index[moved] = i
	}
	r.assets = r.assets[:last]
	delete(r.index, asset)
	return nil
}
