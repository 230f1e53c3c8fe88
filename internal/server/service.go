package server

import (
	"context"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/query"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrHistoryUnavailable = errors.New("event log not configured")
)

// --- Commands ---

type DepositRequest struct {
	Asset     common.Address `json:"asset"`
	Amount    string         `json:"amount"` // decimal or 0x-hex
	RequestID string         `json:"request_id,omitempty"`
}

type DepositResponse struct {
	Credited string `json:"credited"`
}

type WithdrawRequest struct {
	Asset     common.Address `json:"asset"`
	Amount    string         `json:"amount"`
	RequestID string         `json:"request_id,omitempty"`
}

type WithdrawResponse struct {
	Withdrawn string `json:"withdrawn"`
}

type SetWhitelistRequest struct {
	Asset       common.Address `json:"asset"`
	Whitelisted bool           `json:"whitelisted"`
	RequestID   string         `json:"request_id,omitempty"`
}

// AdminRequest is the body of pause and unpause.
type AdminRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

type TransferOwnershipRequest struct {
	NewOwner  common.Address `json:"new_owner"`
	RequestID string         `json:"request_id,omitempty"`
}

// Ack acknowledges a committed admin command.
type Ack struct {
	Accepted bool `json:"accepted"`
}

// --- Queries ---

type BalanceRequest struct {
	User  common.Address `json:"user"`
	Asset common.Address `json:"asset"`
}

type BalanceResponse struct {
	User       common.Address `json:"user"`
	Asset      common.Address `json:"asset"`
	Balance    string         `json:"balance"`
	AssetTotal string         `json:"asset_total"`
}

type AssetRequest struct {
	Asset common.Address `json:"asset"`
}

type AssetResponse struct {
	Asset       common.Address `json:"asset"`
	Whitelisted bool           `json:"whitelisted"`
	Total       string         `json:"total"`
}

type StateRequest struct{}

type StateResponse struct {
	Owner     common.Address   `json:"owner"`
	Paused    bool             `json:"paused"`
	Whitelist []common.Address `json:"whitelist"`
	Sequence  int64            `json:"sequence"` // next sequence to assign
	StateHash hexutil.Bytes    `json:"state_hash"`
}

type HistoryRequest struct {
	User       common.Address  `json:"user"`
	Asset      *common.Address `json:"asset,omitempty"`
	EventTypes []string        `json:"event_types,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Before     *int64          `json:"before,omitempty"`
}

type IntegrityRequest struct{}

// CustodyService adapts the vault and the history reader to request/response
// messages shared by the gRPC and HTTP transports. Command methods expect the
// transport to have attached an authenticated caller to ctx.
type CustodyService struct {
	vault   *core.Vault
	queries *query.QueryService
}

// NewCustodyService builds the service. queries may be nil when no event log
// is configured; history and integrity calls then fail.
func NewCustodyService(vault *core.Vault, queries *query.QueryService) *CustodyService {
	return &CustodyService{vault: vault, queries: queries}
}

func (s *CustodyService) Deposit(ctx context.Context, req *DepositRequest) (*DepositResponse, error) {
	call, err := commandCall(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	credited, err := s.vault.Deposit(ctx, call, req.Asset, amount)
	if err != nil {
		return nil, err
	}
	return &DepositResponse{Credited: credited.String()}, nil
}

func (s *CustodyService) Withdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResponse, error) {
	call, err := commandCall(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Withdraw(ctx, call, req.Asset, amount); err != nil {
		return nil, err
	}
	return &WithdrawResponse{Withdrawn: amount.String()}, nil
}

func (s *CustodyService) SetWhitelist(ctx context.Context, req *SetWhitelistRequest) (*Ack, error) {
	call, err := commandCall(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if err := s.vault.SetWhitelist(ctx, call, req.Asset, req.Whitelisted); err != nil {
		return nil, err
	}
	return &Ack{Accepted: true}, nil
}

func (s *CustodyService) Pause(ctx context.Context, req *AdminRequest) (*Ack, error) {
	call, err := commandCall(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Pause(ctx, call); err != nil {
		return nil, err
	}
	return &Ack{Accepted: true}, nil
}

func (s *CustodyService) Unpause(ctx context.Context, req *AdminRequest) (*Ack, error) {
	call, err := commandCall(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Unpause(ctx, call); err != nil {
		return nil, err
	}
	return &Ack{Accepted: true}, nil
}

func (s *CustodyService) TransferOwnership(ctx context.Context, req *TransferOwnershipRequest) (*Ack, error) {
	call, err := commandCall(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if err := s.vault.TransferOwnership(ctx, call, req.NewOwner); err != nil {
		return nil, err
	}
	return &Ack{Accepted: true}, nil
}

func (s *CustodyService) GetBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	return &BalanceResponse{
		User:       req.User,
		Asset:      req.Asset,
		Balance:    s.vault.UserBalance(req.User, req.Asset).String(),
		AssetTotal: s.vault.AssetTotal(req.Asset).String(),
	}, nil
}

func (s *CustodyService) GetAsset(ctx context.Context, req *AssetRequest) (*AssetResponse, error) {
	return &AssetResponse{
		Asset:       req.Asset,
		Whitelisted: s.vault.IsWhitelisted(req.Asset),
		Total:       s.vault.AssetTotal(req.Asset).String(),
	}, nil
}

func (s *CustodyService) GetState(ctx context.Context, _ *StateRequest) (*StateResponse, error) {
	hash := s.vault.GetStateHash()
	return &StateResponse{
		Owner:     s.vault.Owner(),
		Paused:    s.vault.IsPaused(),
		Whitelist: s.vault.Whitelist(),
		Sequence:  s.vault.GetSequence(),
		StateHash: hash[:],
	}, nil
}

func (s *CustodyService) GetHistory(ctx context.Context, req *HistoryRequest) (*query.HistoryPage, error) {
	if s.queries == nil {
		return nil, ErrHistoryUnavailable
	}
	if req.User == (common.Address{}) {
		return nil, errors.Wrap(ErrBadRequest, "user is required")
	}
	return s.queries.GetHistory(ctx, query.HistoryFilter{
		User:           req.User,
		Asset:          req.Asset,
		EventTypes:     req.EventTypes,
		Limit:          req.Limit,
		BeforeSequence: req.Before,
	})
}

func (s *CustodyService) VerifyIntegrity(ctx context.Context, _ *IntegrityRequest) (*query.IntegrityReport, error) {
	if s.queries == nil {
		return nil, ErrHistoryUnavailable
	}
	return s.queries.VerifyIntegrity(ctx)
}

// Longest request ID accepted from clients.
const maxRequestIDLen = 128

// commandCall builds the vault call for an authenticated command. Every
// command must carry a request ID, which makes a replayed signed request a
// duplicate.
func commandCall(ctx context.Context, requestID string) (core.Call, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return core.Call{}, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return core.Call{}, errors.Wrap(ErrBadRequest, "request_id is required")
	}
	if len(requestID) > maxRequestIDLen {
		return core.Call{}, errors.Wrapf(ErrBadRequest, "request_id longer than %d bytes", maxRequestIDLen)
	}
	return core.Call{Caller: caller, RequestID: requestID}, nil
}

// parseAmount accepts a decimal or 0x-hex integer of at most 256 bits.
// Sign is left to the vault.
func parseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.Wrap(ledger.ErrInvalidAmount, "amount is required")
	}
	neg := strings.HasPrefix(s, "-")
	v, ok := math.ParseBig256(strings.TrimPrefix(s, "-"))
	if !ok {
		return nil, errors.Wrapf(ledger.ErrInvalidAmount, "cannot parse %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}
