package client

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"CustodyLedger/internal/query"
	"CustodyLedger/internal/server"
)

var ErrNoKey = errors.New("a signing key is required for commands")

// APIError is a non-2xx response from the HTTP API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to the custodyd HTTP API. Commands are signed with key;
// queries need no key.
type Client struct {
	http *resty.Client
	key  *ecdsa.PrivateKey
}

// New builds a client. key may be nil for read-only use.
// Transport errors are retried. Every command carries a request ID, generated
// when the caller leaves it empty, so a retried command that already
// committed fails as a duplicate instead of applying twice.
func New(baseURL string, key *ecdsa.PrivateKey) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: http, key: key}
}

// Address returns the signer's address, or the zero address without a key.
func (c *Client) Address() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

func (c *Client) Deposit(ctx context.Context, req server.DepositRequest) (*server.DepositResponse, error) {
	req.RequestID = requestID(req.RequestID)
	var out server.DepositResponse
	return &out, c.post(ctx, "Deposit", "/v1/deposit", req, &out)
}

func (c *Client) Withdraw(ctx context.Context, req server.WithdrawRequest) (*server.WithdrawResponse, error) {
	req.RequestID = requestID(req.RequestID)
	var out server.WithdrawResponse
	return &out, c.post(ctx, "Withdraw", "/v1/withdraw", req, &out)
}

func (c *Client) SetWhitelist(ctx context.Context, req server.SetWhitelistRequest) error {
	req.RequestID = requestID(req.RequestID)
	return c.post(ctx, "SetWhitelist", "/v1/admin/whitelist", req, &server.Ack{})
}

func (c *Client) Pause(ctx context.Context, req server.AdminRequest) error {
	req.RequestID = requestID(req.RequestID)
	return c.post(ctx, "Pause", "/v1/admin/pause", req, &server.Ack{})
}

func (c *Client) Unpause(ctx context.Context, req server.AdminRequest) error {
	req.RequestID = requestID(req.RequestID)
	return c.post(ctx, "Unpause", "/v1/admin/unpause", req, &server.Ack{})
}

func (c *Client) TransferOwnership(ctx context.Context, req server.TransferOwnershipRequest) error {
	req.RequestID = requestID(req.RequestID)
	return c.post(ctx, "TransferOwnership", "/v1/admin/ownership", req, &server.Ack{})
}

func (c *Client) Balance(ctx context.Context, user, asset common.Address) (*server.BalanceResponse, error) {
	var out server.BalanceResponse
	return &out, c.get(ctx, "/v1/balances/{user}/{asset}",
		map[string]string{"user": user.Hex(), "asset": asset.Hex()}, nil, &out)
}

func (c *Client) Asset(ctx context.Context, asset common.Address) (*server.AssetResponse, error) {
	var out server.AssetResponse
	return &out, c.get(ctx, "/v1/assets/{asset}", map[string]string{"asset": asset.Hex()}, nil, &out)
}

func (c *Client) State(ctx context.Context) (*server.StateResponse, error) {
	var out server.StateResponse
	return &out, c.get(ctx, "/v1/state", nil, nil, &out)
}

func (c *Client) History(ctx context.Context, req server.HistoryRequest) (*query.HistoryPage, error) {
	params := url.Values{}
	if req.Asset != nil {
		params.Set("asset", req.Asset.Hex())
	}
	for _, t := range req.EventTypes {
		params.Add("type", t)
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Before != nil {
		params.Set("before", strconv.FormatInt(*req.Before, 10))
	}

	var out query.HistoryPage
	return &out, c.get(ctx, "/v1/history/{user}", map[string]string{"user": req.User.Hex()}, params, &out)
}

func (c *Client) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	var out query.IntegrityReport
	return &out, c.get(ctx, "/v1/admin/integrity", nil, nil, &out)
}

func requestID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// post signs the exact JSON body it sends for method.
func (c *Client) post(ctx context.Context, method, path string, req, out interface{}) error {
	if c.key == nil {
		return ErrNoKey
	}
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	sig, err := server.SignCommand(c.key, method, body)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(server.SignatureHeader, sig).
		SetBody(body).
		SetResult(out).
		SetError(&APIError{}).
		Post(path)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	return responseError(resp)
}

func (c *Client) get(ctx context.Context, path string, pathParams map[string]string, params url.Values, out interface{}) error {
	r := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&APIError{})
	if pathParams != nil {
		r.SetPathParams(pathParams)
	}
	if params != nil {
		r.SetQueryParamsFromValues(params)
	}

	resp, err := r.Get(path)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	return responseError(resp)
}

func responseError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr.Code == "" {
		return &APIError{Status: resp.StatusCode(), Code: resp.Status(), Message: string(resp.Body())}
	}
	apiErr.Status = resp.StatusCode()
	return apiErr
}
