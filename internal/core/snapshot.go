package core

import (
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"CustodyLedger/internal/ledger"
)

// SnapshotState is the vault's full in-memory state at a sequence.
type SnapshotState struct {
	// Last committed sequence
	Sequence  int64
	StateHash [32]byte

	Balances   map[ledger.AccountKey]*big.Int
	Whitelist  []common.Address
	Paused     bool
	Owner      common.Address

	// Dedup keys, as built by DedupKey
	RequestIDs []string
}

// CreateSnapshotState captures the current state. Returns false when nothing
// has been committed yet.
func (v *Vault) CreateSnapshotState() (*SnapshotState, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.sequence == 0 {
		return nil, false
	}

	return &SnapshotState{
		Sequence:   v.sequence - 1,
		StateHash:  v.hasher.GetPrevHash(),
		Balances:   v.balances.Snapshot(),
		Whitelist:  v.registry.All(),
		Paused:     v.gate.Paused(),
		Owner:      v.owner.Current(),
		RequestIDs: v.idempotency.Keys(),
	}, true
}

// RestoreFromSnapshot replaces the vault's state. Replay continues at
// snap.Sequence+1.
func (v *Vault) RestoreFromSnapshot(snap *SnapshotState) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if snap.Owner == (common.Address{}) {
		return errors.New("snapshot has no administrator")
	}
	if err := v.balances.Restore(snap.Balances); err != nil {
		return errors.Wrap(err, "restore balances")
	}
	if err := v.registry.Restore(snap.Whitelist); err != nil {
		return errors.Wrap(err, "restore whitelist")
	}
	if err := v.validator.ValidateGlobal(); err != nil {
		return errors.Wrap(err, "snapshot fails invariants")
	}
	for asset, total := range v.balances.Totals() {
		if total.Sign() != 0 && !v.registry.Contains(asset) {
			return errors.Newf("snapshot holds %s of non-whitelisted asset %s", total, asset.Hex())
		}
	}

	v.gate.Restore(snap.Paused)
	v.owner.Restore(snap.Owner)
	v.hasher.Restore(snap.StateHash)
	v.sequence = snap.Sequence + 1
	v.idempotency.Warm(snap.RequestIDs)
	return nil
}
