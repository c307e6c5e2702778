package api

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/bulk"
	"github.com/matheus3301/convsync/internal/httpapi"
	"github.com/matheus3301/convsync/internal/transport"
)

var kindCodes = map[bulk.Kind]codes.Code{
	bulk.KindTooManyMessages:   codes.InvalidArgument,
	bulk.KindInvalidMessageIDs: codes.InvalidArgument,
	bulk.KindInvalidThreadID:   codes.InvalidArgument,
	bulk.KindInvalidRequest:    codes.InvalidArgument,
	bulk.KindInvalidUndoToken:  codes.InvalidArgument,
	bulk.KindAccessDenied:      codes.PermissionDenied,
	bulk.KindThreadNotFound:    codes.NotFound,
	bulk.KindTimeout:           codes.DeadlineExceeded,
	bulk.KindInternal:          codes.Internal,
	bulk.KindNetwork:           codes.Unavailable,
	bulk.KindRateLimited:       codes.ResourceExhausted,
	bulk.KindUndoExpired:       codes.FailedPrecondition,
}

// toStatus maps a domain error to a gRPC status. Bulk errors carry their
// kind, hint and retriability as a Struct detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}

	var be *bulk.Error
	if errors.As(err, &be) {
		code, ok := kindCodes[be.Kind]
		if !ok {
			code = codes.Unknown
		}
		st := grpcstatus.New(code, be.Error())
		detail, derr := structpb.NewStruct(map[string]any{
			"kind":      string(be.Kind),
			"hint":      be.Hint,
			"retriable": be.Retriable(),
		})
		if derr == nil {
			if withDetail, werr := st.WithDetails(detail); werr == nil {
				st = withDetail
			}
		}
		return st.Err()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.FromContextError(err).Err()
	}
	if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrStopped) {
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	if errors.Is(err, transport.ErrNotSubscribed) {
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	}

	var apiErr *httpapi.Error
	if errors.As(err, &apiErr) {
		return grpcstatus.Error(httpCode(apiErr.Status), err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func httpCode(status int) codes.Code {
	switch {
	case status == 0:
		return codes.Unavailable
	case status == http.StatusUnauthorized:
		return codes.Unauthenticated
	case status == http.StatusForbidden:
		return codes.PermissionDenied
	case status == http.StatusNotFound:
		return codes.NotFound
	case status == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case status >= 500:
		return codes.Unavailable
	default:
		return codes.InvalidArgument
	}
}
