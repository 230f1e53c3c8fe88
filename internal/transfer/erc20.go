package transfer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20ABI is the subset of the ERC-20 interface the pool needs.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// Backend is what ERC20Bank needs from a node connection; *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// ERC20Bank moves ERC-20 tokens on an EVM chain. The pool is the address of
// the signing key; users must approve the pool before depositing so that
// transferFrom succeeds. Each transfer blocks until its transaction is mined
// or ctx ends.
type ERC20Bank struct {
	backend Backend
	abi     abi.ABI
	signer  *bind.TransactOpts
	pool    common.Address

	mu        sync.Mutex
	contracts map[common.Address]*bind.BoundContract
}

func NewERC20Bank(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int) (*ERC20Bank, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse erc20 abi")
	}

	signer, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "pool transactor")
	}

	return &ERC20Bank{
		backend:   backend,
		abi:       parsed,
		signer:    signer,
		pool:      crypto.PubkeyToAddress(key.PublicKey),
		contracts: make(map[common.Address]*bind.BoundContract),
	}, nil
}

// DialERC20Bank connects to an RPC endpoint and builds a bank signing with poolKeyHex.
func DialERC20Bank(ctx context.Context, rpcURL, poolKeyHex string, chainID int64) (*ERC20Bank, *ethclient.Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(poolKeyHex, "0x"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "pool key")
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dial %s", rpcURL)
	}

	bank, err := NewERC20Bank(client, key, big.NewInt(chainID))
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return bank, client, nil
}

func (b *ERC20Bank) Pool() common.Address {
	return b.pool
}

func (b *ERC20Bank) BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error) {
	var out []interface{}
	if err := b.contract(asset).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, errors.Wrapf(err, "balanceOf %s on %s", holder.Hex(), asset.Hex())
	}
	if len(out) != 1 {
		return nil, errors.Newf("balanceOf on %s returned %d values", asset.Hex(), len(out))
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (b *ERC20Bank) Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	return b.transact(ctx, asset, "transferFrom", from, b.pool, amount)
}

func (b *ERC20Bank) Push(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	return b.transact(ctx, asset, "transfer", to, amount)
}

// transact dry-runs method, then signs, sends and waits for it. A revert or
// an explicit false return is a failed transfer and nothing is sent. Once the
// transaction may have reached the node, a failure to confirm it is
// ErrOutcomeUnknown rather than ErrTransferFailed.
func (b *ERC20Bank) transact(ctx context.Context, asset common.Address, method string, args ...interface{}) error {
	input, err := b.abi.Pack(method, args...)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "pack %s", method), ErrTransferFailed)
	}

	out, err := b.backend.CallContract(ctx, ethereum.CallMsg{From: b.pool, To: &asset, Data: input}, nil)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%s on %s", method, asset.Hex()), ErrTransferFailed)
	}
	if err := b.checkReturn(method, out); err != nil {
		return errors.Wrapf(err, "%s on %s", method, asset.Hex())
	}

	opts := *b.signer
	opts.Context = ctx
	opts.NoSend = true
	tx, err := b.contract(asset).RawTransact(&opts, input)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "build %s on %s", method, asset.Hex()), ErrTransferFailed)
	}

	if err := b.backend.SendTransaction(ctx, tx); err != nil {
		wrapped := errors.Wrapf(err, "send %s tx %s", method, tx.Hash().Hex())
		if ctx.Err() != nil {
			return errors.Mark(wrapped, ErrOutcomeUnknown)
		}
		return errors.Mark(wrapped, ErrTransferFailed)
	}

	receipt, err := bind.WaitMined(ctx, b.backend, tx)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "wait %s tx %s", method, tx.Hash().Hex()), ErrOutcomeUnknown)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return errors.Wrapf(ErrTransferFailed, "%s tx %s reverted", method, tx.Hash().Hex())
	}
	return nil
}

// checkReturn accepts an empty return (tokens that return nothing) or true.
func (b *ERC20Bank) checkReturn(method string, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	vals, err := b.abi.Unpack(method, out)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "decode return"), ErrTransferFailed)
	}
	if ok, _ := vals[0].(bool); !ok {
		return errors.Wrap(ErrTransferFailed, "token returned false")
	}
	return nil
}

func (b *ERC20Bank) contract(asset common.Address) *bind.BoundContract {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contracts[asset]
	if !ok {
		c = bind.NewBoundContract(asset, b.abi, b.backend, b.backend, b.backend)
		b.contracts[asset] = c
	}
	return c
}
