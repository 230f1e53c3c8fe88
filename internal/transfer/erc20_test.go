package transfer_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CustodyLedger/internal/transfer"
)

// tokenCode is the runtime code of a minimal ERC-20. balanceOf(a) lives in
// slot a and allowance(owner, spender) in slot owner + spender<<96.
// Slot 1<<255 selects how transfer and transferFrom behave.
var tokenCode = common.FromHex("0x" +
	"60003560e01c806370a0823114610052578063a9059cbb1461007e57806323b872dd" +
	"1461009f578063095ea7b31461006b578063dd62ed3e1461005b575b600080fd5b60" +
	"005260206000f35b6000610042565b60043554610042565b60243560601b60043501" +
	"54610042565b60243560043560601b3301556001610042565b600160ff1b54806003" +
	"1461003d5760011461004b57336004356024356100da565b600160ff1b5480600314" +
	"61003d5760011461004b573360601b60043501805460443580821061003d57900390" +
	"556004356024356044356100da565b825481811061003d578190038355815401905550" +
	"600160ff1b54600214610102576001610042565b00")

const (
	tokenNormal   = 0 // move funds, return true
	tokenFalse    = 1 // move nothing, return false
	tokenNoReturn = 2 // move funds, return no data
	tokenRevert   = 3
)

var simChainID = big.NewInt(1337)

func balanceSlot(holder common.Address) common.Hash {
	return common.BytesToHash(holder.Bytes())
}

func allowanceSlot(owner, spender common.Address) common.Hash {
	slot := new(big.Int).Lsh(spender.Big(), 96)
	return common.BigToHash(slot.Add(slot, owner.Big()))
}

func modeSlot() common.Hash {
	return common.BigToHash(new(big.Int).Lsh(big.NewInt(1), 255))
}

// minedClient seals a block after every accepted transaction.
type minedClient struct {
	simulated.Client
	sim *simulated.Backend
}

func (c minedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	c.sim.Commit()
	return nil
}

type chainFixture struct {
	sim     *simulated.Backend
	poolKey *ecdsa.PrivateKey
	pool    common.Address
	holder  common.Address
}

// newChain deploys the token with holder owning 500 and the pool allowed to
// pull allowance of it. The pool is funded for gas.
func newChain(t *testing.T, mode, allowance int64) *chainFixture {
	t.Helper()

	poolKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	pool := crypto.PubkeyToAddress(poolKey.PublicKey)

	sim := simulated.NewBackend(types.GenesisAlloc{
		pool: {Balance: big.NewInt(1e18)},
		token: {
			Code:    tokenCode,
			Balance: new(big.Int),
			Storage: map[common.Hash]common.Hash{
				balanceSlot(user):         common.BigToHash(big.NewInt(500)),
				allowanceSlot(user, pool): common.BigToHash(big.NewInt(allowance)),
				modeSlot():                common.BigToHash(big.NewInt(mode)),
			},
		},
	})
	t.Cleanup(func() { sim.Close() })

	return &chainFixture{sim: sim, poolKey: poolKey, pool: pool, holder: user}
}

func (f *chainFixture) bank(t *testing.T, backend transfer.Backend) *transfer.ERC20Bank {
	t.Helper()
	b, err := transfer.NewERC20Bank(backend, f.poolKey, simChainID)
	require.NoError(t, err)
	return b
}

func (f *chainFixture) autoMined(t *testing.T) *transfer.ERC20Bank {
	return f.bank(t, minedClient{Client: f.sim.Client(), sim: f.sim})
}

func tokenBalance(t *testing.T, b *transfer.ERC20Bank, holder common.Address) int64 {
	t.Helper()
	v, err := b.BalanceOf(context.Background(), token, holder)
	require.NoError(t, err)
	return v.Int64()
}

func (f *chainFixture) sentTxs(t *testing.T) uint64 {
	t.Helper()
	nonce, err := f.sim.Client().PendingNonceAt(context.Background(), f.pool)
	require.NoError(t, err)
	return nonce
}

func TestERC20Bank_PullAndPush(t *testing.T) {
	f := newChain(t, tokenNormal, 300)
	b := f.autoMined(t)
	ctx := context.Background()

	assert.Equal(t, f.pool, b.Pool())
	assert.Equal(t, int64(500), tokenBalance(t, b, f.holder))

	require.NoError(t, b.Pull(ctx, token, f.holder, big.NewInt(200)))
	assert.Equal(t, int64(300), tokenBalance(t, b, f.holder))
	assert.Equal(t, int64(200), tokenBalance(t, b, f.pool))

	require.NoError(t, b.Push(ctx, token, f.holder, big.NewInt(50)))
	assert.Equal(t, int64(350), tokenBalance(t, b, f.holder))
	assert.Equal(t, int64(150), tokenBalance(t, b, f.pool))
	assert.Equal(t, uint64(2), f.sentTxs(t))
}

func TestERC20Bank_PullBeyondAllowanceSendsNothing(t *testing.T) {
	f := newChain(t, tokenNormal, 100)
	b := f.autoMined(t)

	err := b.Pull(context.Background(), token, f.holder, big.NewInt(150))
	require.Error(t, err)
	assert.True(t, errors.Is(err, transfer.ErrTransferFailed))
	assert.False(t, errors.Is(err, transfer.ErrOutcomeUnknown))

	assert.Equal(t, uint64(0), f.sentTxs(t))
	assert.Equal(t, int64(500), tokenBalance(t, b, f.holder))
}

func TestERC20Bank_TokenBehaviours(t *testing.T) {
	tests := []struct {
		name       string
		mode       int64
		wantErr    bool
		wantHolder int64
	}{
		{"returns false", tokenFalse, true, 500},
		{"reverts", tokenRevert, true, 500},
		{"returns nothing", tokenNoReturn, false, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChain(t, tt.mode, 300)
			b := f.autoMined(t)

			err := b.Pull(context.Background(), token, f.holder, big.NewInt(100))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, transfer.ErrTransferFailed))
				assert.Equal(t, uint64(0), f.sentTxs(t), "a rejected dry run must not broadcast")
			} else {
				require.NoError(t, err)
				assert.Equal(t, uint64(1), f.sentTxs(t))
			}
			assert.Equal(t, tt.wantHolder, tokenBalance(t, b, f.holder))
		})
	}
}

func TestERC20Bank_UnminedPushIsOutcomeUnknown(t *testing.T) {
	f := newChain(t, tokenNormal, 300)
	ctx := context.Background()

	// Fund the pool first, then switch to a backend that never seals.
	require.NoError(t, f.autoMined(t).Pull(ctx, token, f.holder, big.NewInt(200)))
	b := f.bank(t, f.sim.Client())

	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	err := b.Push(waitCtx, token, f.holder, big.NewInt(80))
	require.Error(t, err)
	assert.True(t, errors.Is(err, transfer.ErrOutcomeUnknown))
	assert.False(t, errors.Is(err, transfer.ErrTransferFailed))

	// The transaction was broadcast and lands once a block is sealed.
	f.sim.Commit()
	assert.Equal(t, int64(380), tokenBalance(t, b, f.holder))
	assert.Equal(t, int64(120), tokenBalance(t, b, f.pool))
}
