package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/status"
)

// Request bodies above this size are rejected.
const maxBodyBytes = 1 << 20

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

// Handler builds the HTTP/JSON API. Command routes require the
// X-Signature header over the raw request body.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		{"POST", "/v1/deposit", signedRoute(s, "Deposit", s.service.Deposit)},
		{"POST", "/v1/withdraw", signedRoute(s, "Withdraw", s.service.Withdraw)},
		{"POST", "/v1/admin/whitelist", signedRoute(s, "SetWhitelist", s.service.SetWhitelist)},
		{"POST", "/v1/admin/pause", signedRoute(s, "Pause", s.service.Pause)},
		{"POST", "/v1/admin/unpause", signedRoute(s, "Unpause", s.service.Unpause)},
		{"POST", "/v1/admin/ownership", signedRoute(s, "TransferOwnership", s.service.TransferOwnership)},

		{"GET", "/v1/balances/{user}/{asset}", queryRoute(s, "GetBalance", parseBalanceRequest, s.service.GetBalance)},
		{"GET", "/v1/assets/{asset}", queryRoute(s, "GetAsset", parseAssetRequest, s.service.GetAsset)},
		{"GET", "/v1/state", queryRoute(s, "GetState", parseStateRequest, s.service.GetState)},
		{"GET", "/v1/history/{user}", queryRoute(s, "GetHistory", parseHistoryRequest, s.service.GetHistory)},
		{"GET", "/v1/admin/integrity", queryRoute(s, "VerifyIntegrity", parseIntegrityRequest, s.service.VerifyIntegrity)},
	}
	if s.health != nil {
		routes = append(routes,
			route{"GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				s.health.LivenessHandler(w, r)
			}},
			route{"GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				s.health.ReadinessHandler(w, r)
			}},
		)
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, errors.Wrapf(err, "register %s %s", rt.method, rt.pattern)
		}
	}
	return mux, nil
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func signedRoute[Req, Resp any](s *Server, method string, call func(context.Context, *Req) (*Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		start := time.Now()
		resp, err := func() (*Resp, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				return nil, errors.Wrap(ErrBadRequest, err.Error())
			}
			caller, err := RecoverCommandSigner(method, body, r.Header.Get(SignatureHeader))
			if err != nil {
				return nil, err
			}
			req := new(Req)
			if err := decodeStrict(body, req); err != nil {
				return nil, err
			}
			return call(withCaller(r.Context(), caller), req)
		}()
		s.observe(method, start, err)
		writeResult(w, resp, err)
	}
}

func queryRoute[Req, Resp any](
	s *Server,
	method string,
	parse func(*http.Request, map[string]string) (*Req, error),
	call func(context.Context, *Req) (*Resp, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := func() (*Resp, error) {
			req, err := parse(r, params)
			if err != nil {
				return nil, err
			}
			return call(r.Context(), req)
		}()
		s.observe(method, start, err)
		writeResult(w, resp, err)
	}
}

func decodeStrict(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(ErrBadRequest, "decode body: %v", err)
	}
	return nil
}

// errorBody is the JSON error shape of the HTTP API.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeResult(w http.ResponseWriter, resp interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		st := status.Convert(toStatusError(err))
		w.WriteHeader(httpStatus(err))
		json.NewEncoder(w).Encode(errorBody{Code: st.Code().String(), Message: st.Message()})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// --- Query parameter parsing ---

func parseBalanceRequest(_ *http.Request, params map[string]string) (*BalanceRequest, error) {
	user, err := parseAddress("user", params["user"])
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", params["asset"])
	if err != nil {
		return nil, err
	}
	return &BalanceRequest{User: user, Asset: asset}, nil
}

func parseAssetRequest(_ *http.Request, params map[string]string) (*AssetRequest, error) {
	asset, err := parseAddress("asset", params["asset"])
	if err != nil {
		return nil, err
	}
	return &AssetRequest{Asset: asset}, nil
}

func parseStateRequest(*http.Request, map[string]string) (*StateRequest, error) {
	return &StateRequest{}, nil
}

func parseIntegrityRequest(*http.Request, map[string]string) (*IntegrityRequest, error) {
	return &IntegrityRequest{}, nil
}

// parseHistoryRequest reads ?asset=&type=&limit=&before=; type may repeat.
func parseHistoryRequest(r *http.Request, params map[string]string) (*HistoryRequest, error) {
	user, err := parseAddress("user", params["user"])
	if err != nil {
		return nil, err
	}
	req := &HistoryRequest{User: user}

	q := r.URL.Query()
	if v := q.Get("asset"); v != "" {
		asset, err := parseAddress("asset", v)
		if err != nil {
			return nil, err
		}
		req.Asset = &asset
	}
	req.EventTypes = q["type"]
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(ErrBadRequest, "limit %q", v)
		}
		req.Limit = limit
	}
	if v := q.Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrBadRequest, "before %q", v)
		}
		req.Before = &before
	}
	return req, nil
}

func parseAddress(name, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, errors.Wrapf(ErrBadRequest, "%s %q is not an address", name, v)
	}
	return common.HexToAddress(v), nil
}
