package core

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CustodyLedger/internal/admission"
	"CustodyLedger/internal/event"
	"CustodyLedger/internal/gate"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/registry"
	"CustodyLedger/internal/transfer"
)

// Vault errors. Component errors (registry, gate, ledger, admission) are
// returned unchanged so callers can match them with errors.Is.
var (
	ErrReentrantCall      = errors.New("reentrant call")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrTransferAccounting = errors.New("pool balance decreased across pull")
	ErrSequenceMismatch   = errors.New("sequence mismatch")
	ErrStateHashMismatch  = errors.New("state hash mismatch")

	ErrTransferFailed = transfer.ErrTransferFailed
	ErrOutcomeUnknown = transfer.ErrOutcomeUnknown
)

// Operation names used in logs and metrics.
const (
	OpDeposit           = "deposit"
	OpWithdraw          = "withdraw"
	OpSetWhitelist      = "set_whitelist"
	OpPause             = "pause"
	OpUnpause           = "unpause"
	OpTransferOwnership = "transfer_ownership"
)

// Full-ledger invariant sweep period, in events.
const globalCheckInterval = 1000

const (
	defaultBankTimeout = 2 * time.Minute

	// Reads of the pool balance after a pull
	measureAttempts = 3
	measureBackoff  = 100 * time.Millisecond
)

// Call identifies who is invoking a mutating operation.
type Call struct {
	Caller common.Address

	// Optional idempotency key, scoped to Caller. Empty means no dedup.
	RequestID string
}

// inFlightKey marks a context as originating inside a vault operation.
type inFlightKey struct{}

// VaultConfig wires a Vault's collaborators.
type VaultConfig struct {
	Admin common.Address
	Bank  transfer.Bank

	// Sink receives every committed envelope. Defaults to event.Discard.
	Sink event.Sink

	// BankTimeout bounds the external transfers of one operation. Once an
	// operation starts, cancelling the caller's context does not abort it.
	// Defaults to 2m.
	BankTimeout time.Duration

	// Tier-2 dedup lookup. Optional.
	DBChecker           DBIdempotencyChecker
	IdempotencyCapacity int
	IdempotencyTTL      time.Duration

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// Clock stamps envelopes. Defaults to time.Now.
	Clock func() time.Time
}

// Vault is the custody ledger. It composes the asset registry, the access
// gate, the balance ledger and admission control, and is the only writer of
// their state.
//
// Every mutating call holds mu for its whole duration, external transfer
// included. The context handed to the Bank is tagged with inFlightKey, so a
// collaborator that calls back into the vault with that context gets
// ErrReentrantCall instead of deadlocking. It is detached from the caller's
// cancellation and bounded by BankTimeout instead.
type Vault struct {
	mu      sync.RWMutex
	entered bool

	registry *registry.Registry
	gate     *gate.Gate
	balances *ledger.BalanceTracker
	owner    *admission.Owner

	validator   *ledger.InvariantValidator
	hasher      *StateHasher
	idempotency *IdempotencyChecker

	bank        transfer.Bank
	bankTimeout time.Duration
	sink        event.Sink
	clock       func() time.Time

	// Next sequence to assign
	sequence int64

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewVault(cfg VaultConfig) (*Vault, error) {
	owner, err := admission.NewOwner(cfg.Admin)
	if err != nil {
		return nil, err
	}
	if cfg.Bank == nil {
		return nil, errors.New("vault requires a bank")
	}
	if cfg.Sink == nil {
		cfg.Sink = event.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.BankTimeout <= 0 {
		cfg.BankTimeout = defaultBankTimeout
	}

	balances := ledger.NewBalanceTracker()
	v := &Vault{
		registry:    registry.NewRegistry(),
		gate:        gate.NewGate(),
		balances:    balances,
		owner:       owner,
		validator:   ledger.NewInvariantValidator(balances),
		hasher:      NewStateHasher(),
		idempotency: NewIdempotencyChecker(cfg.IdempotencyCapacity, cfg.IdempotencyTTL, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		bank:        cfg.Bank,
		bankTimeout: cfg.BankTimeout,
		sink:        cfg.Sink,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	return v, nil
}

// Close releases the dedup cache.
func (v *Vault) Close() error {
	return v.idempotency.Close()
}

// --- User operations ---

// Deposit pulls amount of asset from the caller into the pool and credits the
// caller with the observed pool balance delta, which is returned.
func (v *Vault) Deposit(ctx context.Context, call Call, asset common.Address, amount *big.Int) (*big.Int, error) {
	var credited *big.Int
	err := v.execute(ctx, OpDeposit, call, nil, func(ctx context.Context) (event.Notification, error) {
		if err := v.gate.RequireUnpaused(); err != nil {
			return nil, err
		}
		if !v.registry.Contains(asset) {
			return nil, errors.Wrapf(registry.ErrNotWhitelisted, "asset %s", asset.Hex())
		}
		if err := v.balances.CheckCredit(call.Caller, asset, amount); err != nil {
			return nil, err
		}

		pool := v.bank.Pool()
		before, err := v.bank.BalanceOf(ctx, asset, pool)
		if err != nil {
			return nil, v.transferErr("pull", err)
		}
		if err := v.bank.Pull(ctx, asset, call.Caller, amount); err != nil {
			if errors.Is(err, ErrOutcomeUnknown) {
				v.unreconciled("pull", call.Caller, asset, amount, err)
			}
			return nil, v.transferErr("pull", err)
		}
		after, err := v.measurePool(ctx, asset, pool)
		if err != nil {
			// The pull went through but its effect is unknown: credit nothing
			// and return nothing. The pool keeps the surplus.
			v.unreconciled("pull", call.Caller, asset, amount, err)
			return nil, errors.Mark(errors.Wrap(err, "measure pull"), ErrOutcomeUnknown)
		}

		delta := new(big.Int).Sub(after, before)
		if delta.Sign() < 0 {
			return nil, errors.Wrapf(ErrTransferAccounting, "before=%s after=%s", before, after)
		}
		if err := v.balances.Credit(call.Caller, asset, delta); err != nil {
			v.compensate(ctx, asset, call.Caller, delta)
			return nil, err
		}

		credited = delta
		return &event.Deposited{
			User:      call.Caller,
			Asset:     asset,
			Amount:    new(big.Int).Set(delta),
			Requested: new(big.Int).Set(amount),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return credited, nil
}

// Withdraw debits the caller and pushes amount of asset out of the pool.
// The debit is restored if the push fails. If the push outcome is unknown the
// debit stands, an unconfirmed Withdrawn is committed and the error is
// returned.
func (v *Vault) Withdraw(ctx context.Context, call Call, asset common.Address, amount *big.Int) error {
	return v.execute(ctx, OpWithdraw, call, nil, func(ctx context.Context) (event.Notification, error) {
		if err := v.gate.RequireUnpaused(); err != nil {
			return nil, err
		}
		if !v.registry.Contains(asset) {
			return nil, errors.Wrapf(registry.ErrNotWhitelisted, "asset %s", asset.Hex())
		}
		if err := v.balances.Debit(call.Caller, asset, amount); err != nil {
			return nil, err
		}

		if err := v.bank.Push(ctx, asset, call.Caller, amount); err != nil {
			if errors.Is(err, ErrOutcomeUnknown) {
				v.unreconciled("push", call.Caller, asset, amount, err)
				return &event.Withdrawn{
					User:        call.Caller,
					Asset:       asset,
					Amount:      new(big.Int).Set(amount),
					Unconfirmed: true,
				}, errors.Wrap(err, "push")
			}
			if rbErr := v.balances.Credit(call.Caller, asset, amount); rbErr != nil {
				v.fatal("withdraw rollback failed", rbErr)
			}
			return nil, v.transferErr("push", err)
		}

		return &event.Withdrawn{
			User:   call.Caller,
			Asset:  asset,
			Amount: new(big.Int).Set(amount),
		}, nil
	})
}

// --- Administrative operations ---

// SetWhitelist adds (whitelist=true) or removes an asset from the registry.
func (v *Vault) SetWhitelist(ctx context.Context, call Call, asset common.Address, whitelist bool) error {
	return v.execute(ctx, OpSetWhitelist, call, v.owner.Authorize, func(context.Context) (event.Notification, error) {
		if err := v.registry.SetWhitelisted(asset, whitelist, v.balances); err != nil {
			return nil, err
		}
		return &event.WhitelistChanged{
			Asset:       asset,
			Whitelisted: whitelist,
			Admin:       call.Caller,
		}, nil
	})
}

func (v *Vault) Pause(ctx context.Context, call Call) error {
	return v.execute(ctx, OpPause, call, v.owner.Authorize, func(context.Context) (event.Notification, error) {
		if err := v.gate.Pause(); err != nil {
			return nil, err
		}
		return &event.Paused{Admin: call.Caller}, nil
	})
}

func (v *Vault) Unpause(ctx context.Context, call Call) error {
	return v.execute(ctx, OpUnpause, call, v.owner.Authorize, func(context.Context) (event.Notification, error) {
		if err := v.gate.Unpause(); err != nil {
			return nil, err
		}
		return &event.Unpaused{Admin: call.Caller}, nil
	})
}

// TransferOwnership hands the administrator role to newOwner.
func (v *Vault) TransferOwnership(ctx context.Context, call Call, newOwner common.Address) error {
	return v.execute(ctx, OpTransferOwnership, call, v.owner.Authorize, func(context.Context) (event.Notification, error) {
		prev, err := v.owner.Transfer(call.Caller, newOwner)
		if err != nil {
			return nil, err
		}
		return &event.OwnershipTransferred{PreviousOwner: prev, NewOwner: newOwner}, nil
	})
}

// execute runs op under the vault lock and commits its notification.
// guard, when set, authorizes the caller before anything else is looked at.
// fn must leave state untouched when it returns an error and no
// notification; a notification returned with an error is committed and the
// error still reported.
func (v *Vault) execute(ctx context.Context, op string, call Call, guard func(common.Address) error, fn func(ctx context.Context) (event.Notification, error)) error {
	start := time.Now()

	if ctx.Value(inFlightKey{}) == v {
		if v.metrics != nil {
			v.metrics.ReentryRejected.Inc()
		}
		v.reject(op, call, ErrReentrantCall)
		return errors.Wrapf(ErrReentrantCall, "%s", op)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.entered {
		v.fatal("vault entered while another operation is in flight", nil)
	}
	v.entered = true
	defer func() { v.entered = false }()

	if err := ctx.Err(); err != nil {
		v.reject(op, call, err)
		return errors.Wrapf(err, "%s", op)
	}

	if guard != nil {
		if err := guard(call.Caller); err != nil {
			v.reject(op, call, err)
			return err
		}
	}

	tier, err := v.idempotency.Lookup(call.Caller, call.RequestID)
	if err != nil {
		v.reject(op, call, err)
		return err
	}
	if tier != "" {
		if v.metrics != nil {
			v.metrics.IdempotencyDuplicates.WithLabelValues(op, tier).Inc()
		}
		v.reject(op, call, ErrDuplicateRequest)
		return errors.Wrapf(ErrDuplicateRequest, "request %s", call.RequestID)
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.bankTimeout)
	defer cancel()

	n, err := fn(context.WithValue(opCtx, inFlightKey{}, v))
	if n == nil {
		if err == nil {
			err = errors.Newf("%s produced no notification", op)
		}
		v.reject(op, call, err)
		return err
	}

	env := v.commit(call, n)
	v.postCheckInvariants(n)
	v.sink.Emit(env)

	result := "ok"
	if err != nil {
		result = "unconfirmed"
	}
	if v.metrics != nil {
		v.metrics.VaultOps.WithLabelValues(op, result).Inc()
		v.metrics.VaultOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		v.metrics.VaultSequence.Set(float64(v.sequence))
		v.metrics.WhitelistSize.Set(float64(v.registry.Len()))
		v.metrics.VaultPaused.Set(boolGauge(v.gate.Paused()))
		v.metrics.DedupCacheSize.Set(float64(v.idempotency.Size()))
	}
	v.logger.Debug().
		Str("op", op).
		Str("result", result).
		Int64("sequence", env.Sequence).
		Str("caller", call.Caller.Hex()).
		Str("request_id", call.RequestID).
		Msg("operation committed")
	return err
}

// commit assigns the next sequence, advances the hash chain and builds the envelope.
func (v *Vault) commit(call Call, n event.Notification) *event.EventEnvelope {
	hashStart := time.Now()
	prev := v.hasher.GetPrevHash()
	hash := v.hasher.ComputeHash(v.sequence, v.computeStateDigest(n))
	if v.metrics != nil {
		v.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	env := &event.EventEnvelope{
		EventID:      uuid.New(),
		Sequence:     v.sequence,
		RequestID:    call.RequestID,
		Caller:       call.Caller,
		EventType:    n.EventType(),
		Notification: n,
		Timestamp:    v.clock().UTC(),
		StateHash:    hash,
		PrevHash:     prev,
	}
	v.sequence++
	v.idempotency.MarkProcessed(call.Caller, call.RequestID)
	return env
}

// Apply replays a committed envelope (recovery). The envelope's sequence must
// be the next expected one and, when set, its state hash must match.
func (v *Vault) Apply(env *event.EventEnvelope) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if env.Sequence != v.sequence {
		return errors.Wrapf(ErrSequenceMismatch, "expected=%d, got=%d", v.sequence, env.Sequence)
	}

	var err error
	switch n := env.Notification.(type) {
	case *event.Deposited:
		err = v.balances.Credit(n.User, n.Asset, n.Amount)
	case *event.Withdrawn:
		err = v.balances.Debit(n.User, n.Asset, n.Amount)
	case *event.WhitelistChanged:
		err = v.registry.SetWhitelisted(n.Asset, n.Whitelisted, v.balances)
	case *event.Paused:
		err = v.gate.Pause()
	case *event.Unpaused:
		err = v.gate.Unpause()
	case *event.OwnershipTransferred:
		v.owner.Restore(n.NewOwner)
	default:
		err = errors.Newf("unknown notification type %T", env.Notification)
	}
	if err != nil {
		return errors.Wrapf(err, "apply seq %d", env.Sequence)
	}

	hash := v.hasher.ComputeHash(v.sequence, v.computeStateDigest(env.Notification))
	if env.StateHash != ([32]byte{}) && hash != env.StateHash {
		return errors.Wrapf(ErrStateHashMismatch, "seq %d: computed %x, stored %x", env.Sequence, hash, env.StateHash)
	}

	v.sequence++
	v.idempotency.MarkProcessed(env.Caller, env.RequestID)
	return nil
}

// computeStateDigest serializes the post-state touched by n.
func (v *Vault) computeStateDigest(n event.Notification) []byte {
	buf := []byte{byte(n.EventType())}

	switch e := n.(type) {
	case *event.Deposited:
		buf = v.appendAccountState(buf, e.User, e.Asset)
	case *event.Withdrawn:
		buf = v.appendAccountState(buf, e.User, e.Asset)
	case *event.WhitelistChanged:
		buf = append(buf, e.Asset.Bytes()...)
		buf = append(buf, boolByte(v.registry.Contains(e.Asset)))
	case *event.Paused, *event.Unpaused:
		buf = append(buf, boolByte(v.gate.Paused()))
	case *event.OwnershipTransferred:
		buf = append(buf, v.owner.Current().Bytes()...)
	}
	return buf
}

func (v *Vault) appendAccountState(buf []byte, user, asset common.Address) []byte {
	buf = append(buf, user.Bytes()...)
	buf = append(buf, asset.Bytes()...)
	buf = append(buf, math.PaddedBigBytes(v.balances.GetBalance(user, asset), 32)...)
	buf = append(buf, math.PaddedBigBytes(v.balances.GetTotal(asset), 32)...)
	return buf
}

// postCheckInvariants panics when the books no longer balance.
func (v *Vault) postCheckInvariants(n event.Notification) {
	if asset := n.AssetID(); asset != nil {
		if err := v.validator.ValidateAsset(*asset); err != nil {
			v.fatal("asset invariant violated", err)
		}
		if err := v.validator.ValidateUser(n.Account(), *asset); err != nil {
			v.fatal("user invariant violated", err)
		}
	}
	if v.sequence%globalCheckInterval == 0 {
		if err := v.validator.ValidateGlobal(); err != nil {
			v.fatal("global invariant violated", err)
		}
	}
}

// compensate returns funds already pulled when the deposit cannot be credited.
func (v *Vault) compensate(ctx context.Context, asset, user common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	if err := v.bank.Push(ctx, asset, user, amount); err != nil {
		v.logger.Error().Err(err).
			Str("asset", asset.Hex()).
			Str("user", user.Hex()).
			Str("amount", amount.String()).
			Msg("deposit compensation failed, funds held in pool uncredited")
	}
}

// measurePool reads the pool balance, retrying transient failures.
func (v *Vault) measurePool(ctx context.Context, asset, pool common.Address) (*big.Int, error) {
	var err error
	for attempt := 1; attempt <= measureAttempts; attempt++ {
		var bal *big.Int
		if bal, err = v.bank.BalanceOf(ctx, asset, pool); err == nil {
			return bal, nil
		}
		if attempt == measureAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.CombineErrors(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * measureBackoff):
		}
	}
	return nil, errors.Wrapf(err, "pool balance after %d attempts", measureAttempts)
}

// unreconciled records a transfer that may have moved funds the ledger does
// not reflect.
func (v *Vault) unreconciled(direction string, user, asset common.Address, amount *big.Int, err error) {
	if v.metrics != nil {
		v.metrics.UnreconciledTransfers.WithLabelValues(direction).Inc()
	}
	v.logger.Error().Err(err).
		Str("direction", direction).
		Str("user", user.Hex()).
		Str("asset", asset.Hex()).
		Str("amount", amount.String()).
		Msg("transfer outcome unknown, manual reconciliation required")
}

func (v *Vault) transferErr(direction string, err error) error {
	if errors.Is(err, ErrOutcomeUnknown) {
		return err
	}
	if v.metrics != nil {
		v.metrics.TransferFailures.WithLabelValues(direction).Inc()
	}
	if errors.Is(err, ErrTransferFailed) {
		return err
	}
	return errors.Mark(errors.Wrap(err, direction), ErrTransferFailed)
}

func (v *Vault) reject(op string, call Call, err error) {
	if v.metrics != nil {
		v.metrics.VaultOps.WithLabelValues(op, "rejected").Inc()
	}
	v.logger.Debug().
		Err(err).
		Str("op", op).
		Str("caller", call.Caller.Hex()).
		Str("request_id", call.RequestID).
		Msg("operation rejected")
}

func (v *Vault) fatal(msg string, err error) {
	v.logger.Error().Err(err).Int64("sequence", v.sequence).Msg(msg)
	panic(fmt.Sprintf("FATAL: %s: %v", msg, err))
}

// --- Queries ---

func (v *Vault) UserBalance(user, asset common.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances.GetBalance(user, asset)
}

func (v *Vault) AssetTotal(asset common.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances.GetTotal(asset)
}

func (v *Vault) IsWhitelisted(asset common.Address) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.registry.Contains(asset)
}

// Whitelist returns the whitelisted assets. Order is unspecified.
func (v *Vault) Whitelist() []common.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.registry.All()
}

func (v *Vault) IsPaused() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.gate.Paused()
}

func (v *Vault) Owner() common.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.owner.Current()
}

// GetSequence returns the next sequence to be assigned.
func (v *Vault) GetSequence() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sequence
}

// GetStateHash returns the current hash chain tip.
func (v *Vault) GetStateHash() [32]byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.hasher.GetPrevHash()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func boolGauge(b bool) float64 {
	return float64(boolByte(b))
}
