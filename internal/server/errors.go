package server

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"CustodyLedger/internal/admission"
	"CustodyLedger/internal/core"
	"CustodyLedger/internal/gate"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/registry"
)

// errorCode maps a vault or transport error to its gRPC code.
func errorCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	switch {
	case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrBadSignature), errors.Is(err, ErrNoCaller):
		return codes.Unauthenticated
	case errors.Is(err, admission.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, ErrBadRequest), errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, admission.ErrZeroAddress):
		return codes.InvalidArgument
	case errors.Is(err, core.ErrDuplicateRequest), errors.Is(err, registry.ErrAlreadyWhitelisted):
		return codes.AlreadyExists
	case errors.Is(err, gate.ErrPaused),
		errors.Is(err, gate.ErrAlreadyPaused),
		errors.Is(err, gate.ErrNotPaused),
		errors.Is(err, registry.ErrNotWhitelisted),
		errors.Is(err, registry.ErrDepositsOutstanding),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return codes.FailedPrecondition
	case errors.Is(err, ledger.ErrOverflow), errors.Is(err, ledger.ErrUnderflow):
		return codes.OutOfRange
	case errors.Is(err, core.ErrOutcomeUnknown):
		return codes.Unknown
	case errors.Is(err, core.ErrDedupUnavailable):
		return codes.Unavailable
	case errors.Is(err, core.ErrReentrantCall),
		errors.Is(err, core.ErrTransferFailed),
		errors.Is(err, core.ErrTransferAccounting):
		return codes.Aborted
	case errors.Is(err, ErrHistoryUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// toStatusError converts err into a gRPC status error. Internal errors are
// reported without detail.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok {
		return s.Err()
	}
	code := errorCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// httpStatus maps err to the HTTP status the gateway would use for its code.
func httpStatus(err error) int {
	return runtime.HTTPStatusFromCode(errorCode(err))
}
