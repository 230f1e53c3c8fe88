package ledger_test

import (
	"CustodyLedger/internal/ledger"
	"math/big"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdt  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	weth  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_PathRoundTrip(t *testing.T) {
	key := ledger.NewAccountKey(alice, usdt)

	path := key.AccountPath()
	assert.Equal(t, "user:"+alice.Hex()+":asset:"+usdt.Hex(), path)

	parsed, ok := ledger.ParseAccountPath(path)
	require.True(t, ok)
	assert.Equal(t, key, parsed)
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, path := range []string{
		"",
		"user:0x1111111111111111111111111111111111111111",
		"system:fees:USDT",
		"user:nothex:asset:0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	} {
		_, ok := ledger.ParseAccountPath(path)
		assert.False(t, ok, path)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	assert.Equal(t, 0, bt.GetBalance(alice, usdt).Sign())
	assert.Equal(t, 0, bt.GetTotal(usdt).Sign())
	assert.False(t, bt.HasDeposits(usdt))
}

func TestBalanceTracker_CreditDebitLockstep(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	require.NoError(t, bt.Credit(alice, usdt, big.NewInt(100)))
	require.NoError(t, bt.Credit(bob, usdt, big.NewInt(50)))

	assert.Equal(t, big.NewInt(100), bt.GetBalance(alice, usdt))
	assert.Equal(t, big.NewInt(150), bt.GetTotal(usdt))

	require.NoError(t, bt.Debit(alice, usdt, big.NewInt(100)))
	assert.Equal(t, 0, bt.GetBalance(alice, usdt).Sign())
	assert.Equal(t, big.NewInt(50), bt.GetTotal(usdt))
	assert.True(t, bt.HasDeposits(usdt))
}

func TestBalanceTracker_InsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	require.NoError(t, bt.Credit(alice, usdt, big.NewInt(100)))

	err := bt.Debit(alice, usdt, big.NewInt(101))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))

	assert.Equal(t, big.NewInt(100), bt.GetBalance(alice, usdt))
	assert.Equal(t, big.NewInt(100), bt.GetTotal(usdt))
}

func TestBalanceTracker_OverflowFailsLoudly(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	require.NoError(t, bt.Credit(alice, usdt, math.MaxBig256))

	err := bt.Credit(bob, usdt, big.NewInt(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrOverflow))

	// Neither the balance nor the total moved.
	assert.Equal(t, 0, bt.GetBalance(bob, usdt).Sign())
	assert.Equal(t, math.MaxBig256, bt.GetTotal(usdt))
}

func TestBalanceTracker_RejectsInvalidAmounts(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	err := bt.Credit(alice, usdt, nil)
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	err = bt.Credit(alice, usdt, big.NewInt(-1))
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	tooWide := new(big.Int).Add(math.MaxBig256, big.NewInt(1))
	err = bt.Credit(alice, usdt, tooWide)
	assert.True(t, errors.Is(err, ledger.ErrOverflow))
}

func TestBalanceTracker_ReturnedValuesAreCopies(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	require.NoError(t, bt.Credit(alice, usdt, big.NewInt(10)))

	got := bt.GetBalance(alice, usdt)
	got.SetInt64(999)

	assert.Equal(t, big.NewInt(10), bt.GetBalance(alice, usdt))
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	require.NoError(t, bt.Credit(alice, usdt, big.NewInt(100)))
	require.NoError(t, bt.Credit(bob, usdt, big.NewInt(7)))
	require.NoError(t, bt.Credit(bob, weth, big.NewInt(3)))

	snap := bt.Snapshot()
	require.Len(t, snap, 3)

	restored := ledger.NewBalanceTracker()
	require.NoError(t, restored.Restore(snap))

	assert.Equal(t, big.NewInt(107), restored.GetTotal(usdt))
	assert.Equal(t, big.NewInt(3), restored.GetTotal(weth))
	assert.Equal(t, big.NewInt(7), restored.GetBalance(bob, usdt))
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_SumMatchesTotals(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	steps := []struct {
		credit bool
		user   common.Address
		asset  common.Address
		amount int64
	}{
		{true, alice, usdt, 500},
		{true, bob, usdt, 250},
		{false, alice, usdt, 125},
		{true, bob, weth, 9},
		{false, bob, usdt, 250},
		{false, bob, weth, 9},
	}

	for i, s := range steps {
		var err error
		if s.credit {
			err = bt.Credit(s.user, s.asset, big.NewInt(s.amount))
		} else {
			err = bt.Debit(s.user, s.asset, big.NewInt(s.amount))
		}
		require.NoError(t, err, "step %d", i)
		require.NoError(t, v.ValidateGlobal(), "step %d", i)
	}

	assert.Equal(t, big.NewInt(375), bt.GetTotal(usdt))
	assert.False(t, bt.HasDeposits(weth))
	assert.NoError(t, v.ValidateUser(alice, usdt))
}
