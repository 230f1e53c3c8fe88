package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/query"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "custodyledger.v1.CustodyService"

// CustodyServer is the handler type of the custody gRPC service.
type CustodyServer interface {
	Deposit(context.Context, *DepositRequest) (*DepositResponse, error)
	Withdraw(context.Context, *WithdrawRequest) (*WithdrawResponse, error)
	SetWhitelist(context.Context, *SetWhitelistRequest) (*Ack, error)
	Pause(context.Context, *AdminRequest) (*Ack, error)
	Unpause(context.Context, *AdminRequest) (*Ack, error)
	TransferOwnership(context.Context, *TransferOwnershipRequest) (*Ack, error)
	GetBalance(context.Context, *BalanceRequest) (*BalanceResponse, error)
	GetAsset(context.Context, *AssetRequest) (*AssetResponse, error)
	GetState(context.Context, *StateRequest) (*StateResponse, error)
	GetHistory(context.Context, *HistoryRequest) (*query.HistoryPage, error)
	VerifyIntegrity(context.Context, *IntegrityRequest) (*query.IntegrityReport, error)
}

var _ CustodyServer = (*CustodyService)(nil)

// Methods that need a signed request. Everything else is a read.
var signedMethods = map[string]bool{
	"Deposit":           true,
	"Withdraw":          true,
	"SetWhitelist":      true,
	"Pause":             true,
	"Unpause":           true,
	"TransferOwnership": true,
}

// FullMethod returns the gRPC path of a custody service method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

var custodyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CustodyServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Deposit", CustodyServer.Deposit),
		unaryMethod("Withdraw", CustodyServer.Withdraw),
		unaryMethod("SetWhitelist", CustodyServer.SetWhitelist),
		unaryMethod("Pause", CustodyServer.Pause),
		unaryMethod("Unpause", CustodyServer.Unpause),
		unaryMethod("TransferOwnership", CustodyServer.TransferOwnership),
		unaryMethod("GetBalance", CustodyServer.GetBalance),
		unaryMethod("GetAsset", CustodyServer.GetAsset),
		unaryMethod("GetState", CustodyServer.GetState),
		unaryMethod("GetHistory", CustodyServer.GetHistory),
		unaryMethod("VerifyIntegrity", CustodyServer.VerifyIntegrity),
	},
	Streams: []grpc.StreamDesc{},
}

func unaryMethod[Req, Resp any](name string, call func(CustodyServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CustodyServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CustodyServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server hosts the custody service over gRPC and HTTP/JSON.
type Server struct {
	service    *CustodyService
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string

	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Deps holds everything the transports need.
type Deps struct {
	Vault         *core.Vault
	Queries       *query.QueryService // optional
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewServer creates the gRPC server with the custody, health and reflection
// services registered. The HTTP mux is built by StartHTTP or Handler.
func NewServer(grpcAddr, httpAddr string, deps Deps) *Server {
	s := &Server{
		service:  NewCustodyService(deps.Vault, deps.Queries),
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		health:   deps.HealthChecker,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	s.grpcServer.RegisterService(&custodyServiceDesc, s.service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl
	reflection.Register(s.grpcServer)

	return s
}

// GRPCServer exposes the underlying server, e.g. to serve on a test listener.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return errors.Wrap(err, "grpc listen")
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// unaryInterceptor authenticates signed methods and records API metrics.
// The signature covers the command payload of the method name and the JSON
// encoding of the request message.
func (s *Server) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	method := path.Base(info.FullMethod)

	if info.FullMethod == FullMethod(method) && signedMethods[method] {
		caller, err := callerFromMetadata(ctx, method, req)
		if err != nil {
			s.observe(method, start, err)
			return nil, toStatusError(err)
		}
		ctx = withCaller(ctx, caller)
	}

	resp, err := handler(ctx, req)
	s.observe(method, start, err)
	if err != nil {
		return nil, toStatusError(err)
	}
	return resp, nil
}

func callerFromMetadata(ctx context.Context, method string, req interface{}) (common.Address, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	sigs := md.Get(signatureMetadataKey)
	if len(sigs) == 0 {
		return common.Address{}, ErrMissingSignature
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return common.Address{}, errors.Wrap(ErrBadRequest, err.Error())
	}
	return RecoverCommandSigner(method, payload, sigs[0])
}

// observe records one API call and logs failures.
func (s *Server) observe(method string, start time.Time, err error) {
	code := errorCode(err)
	if s.metrics != nil {
		s.metrics.APIRequests.WithLabelValues(method, code.String()).Inc()
		s.metrics.APIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	switch {
	case err == nil:
	case code == codes.Internal:
		s.logger.Error().Err(err).Str("method", method).Msg("request failed")
	default:
		s.logger.Debug().Err(err).Str("method", method).Str("code", code.String()).Msg("request rejected")
	}
}
