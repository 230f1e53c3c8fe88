package core_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CustodyLedger/internal/admission"
	"CustodyLedger/internal/core"
	"CustodyLedger/internal/event"
	"CustodyLedger/internal/gate"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/registry"
	testhelp "CustodyLedger/internal/testutil"
	"CustodyLedger/internal/transfer"
)

var (
	admin    = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
	pool     = common.HexToAddress("0x0000000000000000000000000000000000009001")
	tokenA   = common.HexToAddress("0x000000000000000000000000000000000000AAAA")
	tokenB   = common.HexToAddress("0x000000000000000000000000000000000000BBBB")
	fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	vault    *core.Vault
	bank     *transfer.MemoryBank
	recorder *testhelp.Recorder
	metrics  *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bank := transfer.NewMemoryBank(pool)
	bank.Mint(tokenA, alice, big.NewInt(1_000))
	bank.Mint(tokenA, bob, big.NewInt(1_000))
	bank.Mint(tokenB, alice, big.NewInt(1_000))

	recorder := testhelp.NewRecorder()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	v, err := core.NewVault(core.VaultConfig{
		Admin:               admin,
		Bank:                bank,
		Sink:                recorder,
		IdempotencyCapacity: 1024,
		IdempotencyTTL:      time.Hour,
		Metrics:             metrics,
		Clock:               func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	return &fixture{vault: v, bank: bank, recorder: recorder, metrics: metrics}
}

func as(caller common.Address) core.Call {
	return core.Call{Caller: caller}
}

func amt(n int64) *big.Int {
	return big.NewInt(n)
}

func requireAmount(t *testing.T, want int64, got *big.Int) {
	t.Helper()
	require.NotNil(t, got)
	require.Zerof(t, big.NewInt(want).Cmp(got), "want %d, got %s", want, got)
}

func (f *fixture) whitelist(t *testing.T, asset common.Address) {
	t.Helper()
	require.NoError(t, f.vault.SetWhitelist(context.Background(), as(admin), asset, true))
}

func (f *fixture) bankBalance(t *testing.T, asset, holder common.Address) *big.Int {
	t.Helper()
	bal, err := f.bank.BalanceOf(context.Background(), asset, holder)
	require.NoError(t, err)
	return bal
}

// =============================================================================
// Basic flows
// =============================================================================

func TestVault_DepositCreditsUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	credited, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(100))
	require.NoError(t, err)

	requireAmount(t, 100, credited)
	requireAmount(t, 100, f.vault.UserBalance(alice, tokenA))
	requireAmount(t, 100, f.vault.AssetTotal(tokenA))
	requireAmount(t, 100, f.bankBalance(t, tokenA, pool))
	requireAmount(t, 900, f.bankBalance(t, tokenA, alice))

	env := f.recorder.Last()
	require.NotNil(t, env)
	assert.Equal(t, event.EventTypeDeposited, env.EventType)
	dep, ok := env.Notification.(*event.Deposited)
	require.True(t, ok)
	assert.Equal(t, alice, dep.User)
	assert.Equal(t, tokenA, dep.Asset)
	requireAmount(t, 100, dep.Amount)
	requireAmount(t, 100, dep.Requested)
	assert.Equal(t, fixedNow, env.Timestamp)
}

func TestVault_WithdrawReturnsFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(100))
	require.NoError(t, err)
	require.NoError(t, f.vault.Withdraw(ctx, as(alice), tokenA, amt(100)))

	assert.Zero(t, f.vault.UserBalance(alice, tokenA).Sign())
	assert.Zero(t, f.vault.AssetTotal(tokenA).Sign())
	requireAmount(t, 1_000, f.bankBalance(t, tokenA, alice))

	assert.Equal(t, []event.EventType{
		event.EventTypeWhitelistChanged,
		event.EventTypeDeposited,
		event.EventTypeWithdrawn,
	}, f.recorder.Types())
}

func TestVault_WithdrawMoreThanBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(100))
	require.NoError(t, err)

	err = f.vault.Withdraw(ctx, as(alice), tokenA, amt(101))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))

	requireAmount(t, 100, f.vault.UserBalance(alice, tokenA))
	requireAmount(t, 100, f.vault.AssetTotal(tokenA))
	assert.Len(t, f.recorder.Envelopes(), 2)
}

func TestVault_NonAdminCannotPause(t *testing.T) {
	f := newFixture(t)

	err := f.vault.Pause(context.Background(), as(alice))
	require.Error(t, err)
	assert.True(t, errors.Is(err, admission.ErrUnauthorized))
	assert.False(t, f.vault.IsPaused())
}

func TestVault_DepositRequiresWhitelist(t *testing.T) {
	f := newFixture(t)

	_, err := f.vault.Deposit(context.Background(), as(alice), tokenB, amt(10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrNotWhitelisted))
	assert.Zero(t, f.vault.AssetTotal(tokenB).Sign())
	requireAmount(t, 1_000, f.bankBalance(t, tokenB, alice))
}

func TestVault_PauseBlocksUserOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(50))
	require.NoError(t, err)

	require.NoError(t, f.vault.Pause(ctx, as(admin)))
	assert.True(t, f.vault.IsPaused())

	_, err = f.vault.Deposit(ctx, as(alice), tokenA, amt(10))
	assert.True(t, errors.Is(err, gate.ErrPaused))
	err = f.vault.Withdraw(ctx, as(alice), tokenA, amt(10))
	assert.True(t, errors.Is(err, gate.ErrPaused))

	// Admin operations still work while paused.
	require.NoError(t, f.vault.SetWhitelist(ctx, as(admin), tokenB, true))

	require.NoError(t, f.vault.Unpause(ctx, as(admin)))
	_, err = f.vault.Deposit(ctx, as(alice), tokenA, amt(10))
	require.NoError(t, err)
	requireAmount(t, 60, f.vault.UserBalance(alice, tokenA))
}

func TestVault_PauseStateTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.vault.Unpause(ctx, as(admin))
	assert.True(t, errors.Is(err, gate.ErrNotPaused))

	require.NoError(t, f.vault.Pause(ctx, as(admin)))
	err = f.vault.Pause(ctx, as(admin))
	assert.True(t, errors.Is(err, gate.ErrAlreadyPaused))

	require.NoError(t, f.vault.Unpause(ctx, as(admin)))
	err = f.vault.Unpause(ctx, as(admin))
	assert.True(t, errors.Is(err, gate.ErrNotPaused))

	assert.Equal(t, []event.EventType{event.EventTypePaused, event.EventTypeUnpaused}, f.recorder.Types())
}

// =============================================================================
// Registry
// =============================================================================

func TestVault_WhitelistRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.whitelist(t, tokenA)
	f.whitelist(t, tokenB)
	assert.True(t, f.vault.IsWhitelisted(tokenA))
	assert.ElementsMatch(t, []common.Address{tokenA, tokenB}, f.vault.Whitelist())

	err := f.vault.SetWhitelist(ctx, as(admin), tokenA, true)
	assert.True(t, errors.Is(err, registry.ErrAlreadyWhitelisted))

	require.NoError(t, f.vault.SetWhitelist(ctx, as(admin), tokenA, false))
	assert.False(t, f.vault.IsWhitelisted(tokenA))
	assert.Equal(t, []common.Address{tokenB}, f.vault.Whitelist())

	err = f.vault.SetWhitelist(ctx, as(admin), tokenA, false)
	assert.True(t, errors.Is(err, registry.ErrNotWhitelisted))
}

func TestVault_RemovalBlockedByDeposits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(5))
	require.NoError(t, err)

	err = f.vault.SetWhitelist(ctx, as(admin), tokenA, false)
	assert.True(t, errors.Is(err, registry.ErrDepositsOutstanding))
	assert.True(t, f.vault.IsWhitelisted(tokenA))

	require.NoError(t, f.vault.Withdraw(ctx, as(alice), tokenA, amt(5)))
	require.NoError(t, f.vault.SetWhitelist(ctx, as(admin), tokenA, false))
}

func TestVault_AuthorizationPrecedesOtherChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	// Already whitelisted, but the caller is checked first.
	err := f.vault.SetWhitelist(ctx, as(bob), tokenA, true)
	assert.True(t, errors.Is(err, admission.ErrUnauthorized))

	// Not paused, but the caller is checked first.
	err = f.vault.Unpause(ctx, as(bob))
	assert.True(t, errors.Is(err, admission.ErrUnauthorized))

	// A request ID bob already used does not turn the refusal into a duplicate.
	_, err = f.vault.Deposit(ctx, core.Call{Caller: bob, RequestID: "b-1"}, tokenA, amt(1))
	require.NoError(t, err)
	err = f.vault.Pause(ctx, core.Call{Caller: bob, RequestID: "b-1"})
	assert.True(t, errors.Is(err, admission.ErrUnauthorized))
	assert.False(t, errors.Is(err, core.ErrDuplicateRequest))
	assert.False(t, f.vault.IsPaused())
}

func TestVault_WithdrawFromDelistedAssetFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.vault.Withdraw(ctx, as(alice), tokenB, amt(0))
	assert.True(t, errors.Is(err, registry.ErrNotWhitelisted))
}

// =============================================================================
// Amounts
// =============================================================================

func TestVault_AmountValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(-1))
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	_, err = f.vault.Deposit(ctx, as(alice), tokenA, nil)
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	err = f.vault.Withdraw(ctx, as(alice), tokenA, amt(-1))
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	credited, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(0))
	require.NoError(t, err)
	assert.Zero(t, credited.Sign())
}

func TestVault_FeeOnTransferCreditsObservedDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)
	f.bank.SetFee(tokenA, 100) // 1%

	credited, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(1_000))
	require.NoError(t, err)

	requireAmount(t, 990, credited)
	requireAmount(t, 990, f.vault.UserBalance(alice, tokenA))
	requireAmount(t, 990, f.vault.AssetTotal(tokenA))
	requireAmount(t, 990, f.bankBalance(t, tokenA, pool))

	dep := f.recorder.Last().Notification.(*event.Deposited)
	requireAmount(t, 990, dep.Amount)
	requireAmount(t, 1_000, dep.Requested)

	// Alice can withdraw what was credited, never what was requested.
	err = f.vault.Withdraw(ctx, as(alice), tokenA, amt(1_000))
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
	require.NoError(t, f.vault.Withdraw(ctx, as(alice), tokenA, amt(990)))
}

// blindBank loses sight of pool balances once a pull has gone through.
type blindBank struct {
	*transfer.MemoryBank

	mu    sync.Mutex
	armed bool
	blind bool
}

func (b *blindBank) arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed = true
}

func (b *blindBank) Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	err := b.MemoryBank.Pull(ctx, asset, from, amount)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil && b.armed {
		b.blind = true
	}
	return err
}

func (b *blindBank) BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error) {
	b.mu.Lock()
	blind := b.blind
	b.mu.Unlock()
	if blind {
		return nil, errors.New("rpc unavailable")
	}
	return b.MemoryBank.BalanceOf(ctx, asset, holder)
}

func TestVault_UnmeasuredPullIsNotReturned(t *testing.T) {
	ctx := context.Background()
	bank := &blindBank{MemoryBank: transfer.NewMemoryBank(pool)}
	bank.Mint(tokenA, bob, amt(1_000))
	bank.SetFee(tokenA, 1_000) // 10%
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	v, err := core.NewVault(core.VaultConfig{Admin: admin, Bank: bank, Metrics: metrics})
	require.NoError(t, err)
	defer v.Close()
	require.NoError(t, v.SetWhitelist(ctx, as(admin), tokenA, true))

	credited, err := v.Deposit(ctx, as(bob), tokenA, amt(500))
	require.NoError(t, err)
	requireAmount(t, 450, credited)

	bank.arm()
	_, err = v.Deposit(ctx, as(bob), tokenA, amt(500))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrOutcomeUnknown))
	assert.Equal(t, int64(2), v.GetSequence())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UnreconciledTransfers.WithLabelValues("pull")))

	// Nothing was credited and nothing was pushed back: the pool still
	// covers every ledger balance.
	requireAmount(t, 450, v.UserBalance(bob, tokenA))
	requireAmount(t, 450, v.AssetTotal(tokenA))
	poolBal, err := bank.MemoryBank.BalanceOf(ctx, tokenA, pool)
	require.NoError(t, err)
	requireAmount(t, 900, poolBal)
	bobBal, err := bank.MemoryBank.BalanceOf(ctx, tokenA, bob)
	require.NoError(t, err)
	requireAmount(t, 0, bobBal)
}

func TestVault_PullFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(5_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTransferFailed))
	assert.Zero(t, f.vault.AssetTotal(tokenA).Sign())
	assert.Len(t, f.recorder.Envelopes(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TransferFailures.WithLabelValues("pull")))
}

// =============================================================================
// Reentrancy and rollback
// =============================================================================

func TestVault_ReentrantPullAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(100))
	require.NoError(t, err)

	var nestedErr error
	f.bank.OnPull(func(ctx context.Context, asset, account common.Address, amount *big.Int) error {
		nestedErr = f.vault.Withdraw(ctx, as(account), asset, amount)
		return nestedErr
	})

	_, err = f.vault.Deposit(ctx, as(alice), tokenA, amt(50))
	require.Error(t, err)
	assert.True(t, errors.Is(nestedErr, core.ErrReentrantCall))
	assert.True(t, errors.Is(err, core.ErrReentrantCall))
	assert.True(t, errors.Is(err, core.ErrTransferFailed))

	requireAmount(t, 100, f.vault.UserBalance(alice, tokenA))
	requireAmount(t, 100, f.vault.AssetTotal(tokenA))
	requireAmount(t, 100, f.bankBalance(t, tokenA, pool))
	assert.Len(t, f.recorder.Envelopes(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReentryRejected))

	// The guard is released once the outer call returns.
	f.bank.OnPull(nil)
	_, err = f.vault.Deposit(ctx, as(alice), tokenA, amt(50))
	require.NoError(t, err)
}

func TestVault_ReentrantPushAbortsAndRestores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(100))
	require.NoError(t, err)

	f.bank.OnPush(func(ctx context.Context, asset, account common.Address, amount *big.Int) error {
		// A second withdrawal during the push would drain twice.
		return f.vault.Withdraw(ctx, as(account), asset, amount)
	})

	err = f.vault.Withdraw(ctx, as(alice), tokenA, amt(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrReentrantCall))

	requireAmount(t, 100, f.vault.UserBalance(alice, tokenA))
	requireAmount(t, 100, f.vault.AssetTotal(tokenA))
	requireAmount(t, 100, f.bankBalance(t, tokenA, pool))
}

func TestVault_PushFailureRestoresBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(100))
	require.NoError(t, err)

	errRecipientRejected := errors.New("recipient rejected transfer")
	f.bank.OnPush(func(context.Context, common.Address, common.Address, *big.Int) error {
		return errRecipientRejected
	})

	err = f.vault.Withdraw(ctx, as(alice), tokenA, amt(40))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTransferFailed))
	assert.True(t, errors.Is(err, errRecipientRejected))

	requireAmount(t, 100, f.vault.UserBalance(alice, tokenA))
	requireAmount(t, 100, f.vault.AssetTotal(tokenA))
	assert.Equal(t, event.EventTypeDeposited, f.recorder.Last().EventType)
}

func TestVault_UnknownPushOutcomeKeepsDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(100))
	require.NoError(t, err)

	f.bank.OnPush(func(context.Context, common.Address, common.Address, *big.Int) error {
		return errors.Wrap(transfer.ErrOutcomeUnknown, "receipt wait cancelled")
	})

	err = f.vault.Withdraw(ctx, core.Call{Caller: alice, RequestID: "w-1"}, tokenA, amt(40))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrOutcomeUnknown))
	assert.False(t, errors.Is(err, core.ErrTransferFailed))

	// The push may have landed, so the debit stands and is on the record.
	requireAmount(t, 60, f.vault.UserBalance(alice, tokenA))
	requireAmount(t, 60, f.vault.AssetTotal(tokenA))
	env := f.recorder.Last()
	assert.Equal(t, "w-1", env.RequestID)
	wd := env.Notification.(*event.Withdrawn)
	assert.True(t, wd.Unconfirmed)
	requireAmount(t, 40, wd.Amount)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.VaultOps.WithLabelValues(core.OpWithdraw, "unconfirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UnreconciledTransfers.WithLabelValues("push")))

	// A retry under the same ID cannot push twice.
	f.bank.OnPush(nil)
	err = f.vault.Withdraw(ctx, core.Call{Caller: alice, RequestID: "w-1"}, tokenA, amt(40))
	assert.True(t, errors.Is(err, core.ErrDuplicateRequest))

	// Replay reproduces the debit.
	replica := newReplica(t)
	for _, env := range f.recorder.Envelopes() {
		require.NoError(t, replica.Apply(env))
	}
	assert.Equal(t, f.vault.GetStateHash(), replica.GetStateHash())
	requireAmount(t, 60, replica.UserBalance(alice, tokenA))
}

func TestVault_CallerCancellationDoesNotAbortTransfer(t *testing.T) {
	f := newFixture(t)
	f.whitelist(t, tokenA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := f.vault.Deposit(ctx, as(alice), tokenA, amt(100))
	require.NoError(t, err)

	var pushCtxErr error
	var hasDeadline bool
	f.bank.OnPush(func(pushCtx context.Context, _, _ common.Address, _ *big.Int) error {
		// The client goes away while the transfer is in flight.
		cancel()
		pushCtxErr = pushCtx.Err()
		_, hasDeadline = pushCtx.Deadline()
		return nil
	})

	require.NoError(t, f.vault.Withdraw(ctx, as(alice), tokenA, amt(40)))
	assert.NoError(t, pushCtxErr)
	assert.True(t, hasDeadline)
	requireAmount(t, 60, f.vault.UserBalance(alice, tokenA))
	requireAmount(t, 940, f.bankBalance(t, tokenA, alice))

	// An already cancelled request is refused before anything runs.
	_, err = f.vault.Deposit(ctx, as(alice), tokenA, amt(10))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, event.EventTypeWithdrawn, f.recorder.Last().EventType)
}

// =============================================================================
// Idempotency
// =============================================================================

func TestVault_DuplicateRequestRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	call := core.Call{Caller: alice, RequestID: "dep-1"}
	_, err := f.vault.Deposit(ctx, call, tokenA, amt(10))
	require.NoError(t, err)

	_, err = f.vault.Deposit(ctx, call, tokenA, amt(10))
	assert.True(t, errors.Is(err, core.ErrDuplicateRequest))
	requireAmount(t, 10, f.vault.UserBalance(alice, tokenA))
	assert.Equal(t, "dep-1", f.recorder.Last().RequestID)
	assert.Equal(t, alice, f.recorder.Last().Caller)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IdempotencyDuplicates.WithLabelValues(core.OpDeposit, core.TierCache)))
}

func TestVault_RequestIDsAreScopedToCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	// Bob takes the ID alice is about to use.
	_, err := f.vault.Deposit(ctx, core.Call{Caller: bob, RequestID: "alice-w-1"}, tokenA, amt(5))
	require.NoError(t, err)

	_, err = f.vault.Deposit(ctx, core.Call{Caller: alice, RequestID: "alice-w-1"}, tokenA, amt(100))
	require.NoError(t, err)
	requireAmount(t, 100, f.vault.UserBalance(alice, tokenA))

	_, err = f.vault.Deposit(ctx, core.Call{Caller: bob, RequestID: "alice-w-1"}, tokenA, amt(5))
	assert.True(t, errors.Is(err, core.ErrDuplicateRequest))
	requireAmount(t, 5, f.vault.UserBalance(bob, tokenA))
}

func TestVault_FailedRequestCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call := core.Call{Caller: alice, RequestID: "dep-2"}
	_, err := f.vault.Deposit(ctx, call, tokenA, amt(10))
	assert.True(t, errors.Is(err, registry.ErrNotWhitelisted))

	f.whitelist(t, tokenA)
	_, err = f.vault.Deposit(ctx, call, tokenA, amt(10))
	require.NoError(t, err)
}

type stubDBChecker map[string]bool

func (s stubDBChecker) IsDuplicate(caller common.Address, requestID string) (bool, error) {
	return s[core.DedupKey(caller, requestID)], nil
}

type failingDBChecker struct{}

func (failingDBChecker) IsDuplicate(common.Address, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestVault_DuplicateFoundInEventLog(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	v, err := core.NewVault(core.VaultConfig{
		Admin:     admin,
		Bank:      transfer.NewMemoryBank(pool),
		DBChecker: stubDBChecker{core.DedupKey(admin, "old-request"): true},
		Metrics:   metrics,
	})
	require.NoError(t, err)
	defer v.Close()

	err = v.Pause(context.Background(), core.Call{Caller: admin, RequestID: "old-request"})
	assert.True(t, errors.Is(err, core.ErrDuplicateRequest))
	assert.False(t, v.IsPaused())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues(core.OpPause, core.TierDB)))

	// The event log hit is cached.
	err = v.Pause(context.Background(), core.Call{Caller: admin, RequestID: "old-request"})
	assert.True(t, errors.Is(err, core.ErrDuplicateRequest))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues(core.OpPause, core.TierCache)))
}

func TestVault_EventLogLookupFailureRefusesRequest(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	v, err := core.NewVault(core.VaultConfig{
		Admin:     admin,
		Bank:      transfer.NewMemoryBank(pool),
		DBChecker: failingDBChecker{},
		Metrics:   metrics,
	})
	require.NoError(t, err)
	defer v.Close()

	err = v.Pause(context.Background(), core.Call{Caller: admin, RequestID: "p-1"})
	assert.True(t, errors.Is(err, core.ErrDedupUnavailable))
	assert.False(t, v.IsPaused())
	assert.Equal(t, int64(0), v.GetSequence())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyTier2Errors))

	// Requests without an ID never reach the event log.
	require.NoError(t, v.Pause(context.Background(), as(admin)))
}

// =============================================================================
// Ownership
// =============================================================================

func TestVault_TransferOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.vault.TransferOwnership(ctx, as(alice), bob)
	assert.True(t, errors.Is(err, admission.ErrUnauthorized))

	err = f.vault.TransferOwnership(ctx, as(admin), common.Address{})
	assert.True(t, errors.Is(err, admission.ErrZeroAddress))

	require.NoError(t, f.vault.TransferOwnership(ctx, as(admin), bob))
	assert.Equal(t, bob, f.vault.Owner())

	ot := f.recorder.Last().Notification.(*event.OwnershipTransferred)
	assert.Equal(t, admin, ot.PreviousOwner)
	assert.Equal(t, bob, ot.NewOwner)

	err = f.vault.Pause(ctx, as(admin))
	assert.True(t, errors.Is(err, admission.ErrUnauthorized))
	require.NoError(t, f.vault.Pause(ctx, as(bob)))
}

func TestNewVault_RejectsZeroAdmin(t *testing.T) {
	_, err := core.NewVault(core.VaultConfig{Bank: transfer.NewMemoryBank(pool)})
	assert.True(t, errors.Is(err, admission.ErrZeroAddress))
}

// =============================================================================
// Invariants and concurrency
// =============================================================================

func TestVault_ConcurrentOperationsKeepSumInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.whitelist(t, tokenA)

	users := make([]common.Address, 16)
	for i := range users {
		users[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		f.bank.Mint(tokenA, users[i], big.NewInt(1_000))
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u common.Address) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := f.vault.Deposit(ctx, as(u), tokenA, amt(10))
				assert.NoError(t, err)
			}
			for i := 0; i < 5; i++ {
				assert.NoError(t, f.vault.Withdraw(ctx, as(u), tokenA, amt(10)))
			}
		}(u)
	}
	wg.Wait()

	sum := new(big.Int)
	for _, u := range users {
		bal := f.vault.UserBalance(u, tokenA)
		requireAmount(t, 50, bal)
		sum.Add(sum, bal)
	}
	assert.Zero(t, sum.Cmp(f.vault.AssetTotal(tokenA)))
	requireAmount(t, 16*50, f.bankBalance(t, tokenA, pool))

	// 1 whitelist + 16*15 user operations, strictly sequenced.
	envs := f.recorder.Envelopes()
	require.Len(t, envs, 1+16*15)
	for i, env := range envs {
		assert.Equal(t, int64(i), env.Sequence)
	}
}

// =============================================================================
// Hash chain, replay and snapshots
// =============================================================================

func runScript(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	f.whitelist(t, tokenA)
	f.whitelist(t, tokenB)
	_, err := f.vault.Deposit(ctx, core.Call{Caller: alice, RequestID: "r1"}, tokenA, amt(300))
	require.NoError(t, err)
	_, err = f.vault.Deposit(ctx, as(bob), tokenA, amt(200))
	require.NoError(t, err)
	require.NoError(t, f.vault.Withdraw(ctx, as(alice), tokenA, amt(120)))
	require.NoError(t, f.vault.Pause(ctx, as(admin)))
	require.NoError(t, f.vault.Unpause(ctx, as(admin)))
	require.NoError(t, f.vault.SetWhitelist(ctx, as(admin), tokenB, false))
	require.NoError(t, f.vault.TransferOwnership(ctx, as(admin), bob))
}

func TestVault_HashChainLinks(t *testing.T) {
	f := newFixture(t)
	runScript(t, f)

	envs := f.recorder.Envelopes()
	require.NotEmpty(t, envs)
	assert.Equal(t, core.GenesisHash(), envs[0].PrevHash)
	for i := 1; i < len(envs); i++ {
		assert.Equal(t, envs[i-1].StateHash, envs[i].PrevHash, "seq %d", i)
		assert.NotEqual(t, envs[i].PrevHash, envs[i].StateHash)
	}
	assert.Equal(t, envs[len(envs)-1].StateHash, f.vault.GetStateHash())
	assert.Equal(t, int64(len(envs)), f.vault.GetSequence())
}

func newReplica(t *testing.T) *core.Vault {
	t.Helper()
	v, err := core.NewVault(core.VaultConfig{Admin: admin, Bank: transfer.NewMemoryBank(pool)})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestVault_ReplayReproducesState(t *testing.T) {
	f := newFixture(t)
	runScript(t, f)

	replica := newReplica(t)
	for _, env := range f.recorder.Envelopes() {
		require.NoError(t, replica.Apply(env))
	}

	assert.Equal(t, f.vault.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, f.vault.GetSequence(), replica.GetSequence())
	assert.Equal(t, bob, replica.Owner())
	assert.Equal(t, []common.Address{tokenA}, replica.Whitelist())
	requireAmount(t, 180, replica.UserBalance(alice, tokenA))
	requireAmount(t, 200, replica.UserBalance(bob, tokenA))
	requireAmount(t, 380, replica.AssetTotal(tokenA))

	// Replayed request IDs are deduplicated per caller.
	_, err := replica.Deposit(context.Background(), core.Call{Caller: alice, RequestID: "r1"}, tokenA, amt(1))
	assert.True(t, errors.Is(err, core.ErrDuplicateRequest))
	require.NoError(t, replica.Pause(context.Background(), core.Call{Caller: bob, RequestID: "r1"}))
}

func TestVault_ApplyRejectsTamperedLog(t *testing.T) {
	f := newFixture(t)
	runScript(t, f)
	envs := f.recorder.Envelopes()

	t.Run("sequence gap", func(t *testing.T) {
		replica := newReplica(t)
		err := replica.Apply(envs[1])
		assert.True(t, errors.Is(err, core.ErrSequenceMismatch))
	})

	t.Run("altered amount", func(t *testing.T) {
		replica := newReplica(t)
		require.NoError(t, replica.Apply(envs[0]))
		require.NoError(t, replica.Apply(envs[1]))

		forged := *envs[2]
		dep := *forged.Notification.(*event.Deposited)
		dep.Amount = amt(301)
		forged.Notification = &dep

		err := replica.Apply(&forged)
		assert.True(t, errors.Is(err, core.ErrStateHashMismatch))
	})
}

func TestVault_SnapshotRestoreThenReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok := f.vault.CreateSnapshotState()
	assert.False(t, ok)

	f.whitelist(t, tokenA)
	_, err := f.vault.Deposit(ctx, core.Call{Caller: alice, RequestID: "snap-1"}, tokenA, amt(70))
	require.NoError(t, err)
	require.NoError(t, f.vault.Pause(ctx, as(admin)))

	snap, ok := f.vault.CreateSnapshotState()
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Sequence)
	assert.True(t, snap.Paused)
	assert.Contains(t, snap.RequestIDs, core.DedupKey(alice, "snap-1"))

	require.NoError(t, f.vault.Unpause(ctx, as(admin)))
	require.NoError(t, f.vault.Withdraw(ctx, as(alice), tokenA, amt(20)))

	replica := newReplica(t)
	require.NoError(t, replica.RestoreFromSnapshot(snap))
	assert.Equal(t, snap.StateHash, replica.GetStateHash())

	for _, env := range f.recorder.Envelopes()[snap.Sequence+1:] {
		require.NoError(t, replica.Apply(env))
	}
	assert.Equal(t, f.vault.GetStateHash(), replica.GetStateHash())
	requireAmount(t, 50, replica.UserBalance(alice, tokenA))
	assert.False(t, replica.IsPaused())

	_, err = replica.Deposit(ctx, core.Call{Caller: alice, RequestID: "snap-1"}, tokenA, amt(1))
	assert.True(t, errors.Is(err, core.ErrDuplicateRequest))
}

func TestVault_RestoreRejectsInconsistentSnapshot(t *testing.T) {
	replica := newReplica(t)
	err := replica.RestoreFromSnapshot(&core.SnapshotState{
		Sequence: 3,
		Balances: map[ledger.AccountKey]*big.Int{
			ledger.NewAccountKey(alice, tokenA): amt(5),
		},
		Owner: admin,
	})
	require.Error(t, err)
}
