package server

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/nainya/govlifecycle/pkg/checksum"
	"github.com/nainya/govlifecycle/pkg/lifecycle"
	"github.com/nainya/govlifecycle/pkg/version"
)

const (
	errorDomain = "govlifecycle"

	// conflictRetryDelay is advertised to clients that lost a race.
	conflictRetryDelay = 100 * time.Millisecond
)

// Error reasons carried in errdetails.ErrorInfo.
const (
	ReasonIllegalTransition = "ILLEGAL_TRANSITION"
	ReasonConflict          = "CONFLICT"
	ReasonIntegrity         = "INTEGRITY_VIOLATION"
	ReasonCrossChain        = "CROSS_CHAIN_COMPARISON"
	ReasonNotFound          = "NOT_FOUND"
	ReasonEncoding          = "CONTENT_ENCODING"
	ReasonInvalidRequest    = "INVALID_REQUEST"
	ReasonNumberRange       = "NUMBER_OUT_OF_RANGE"
)

// toStatus translates engine errors into gRPC status errors with an
// ErrorInfo detail. Conflicts also carry RetryInfo.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		code     = codes.Internal
		reason   string
		meta     = map[string]string{}
		retry    bool
		illegal  *version.IllegalTransitionError
		conflict *version.ConflictError
		corrupt  *version.IntegrityError
		encoding *checksum.EncodingError
		overflow *version.NumberRangeError
	)
	switch {
	case errors.As(err, &illegal):
		code, reason = codes.FailedPrecondition, ReasonIllegalTransition
		meta["kind"] = illegal.Kind.String()
		meta["from"] = illegal.From.String()
		meta["to"] = illegal.To.String()
	case errors.As(err, &conflict):
		code, reason, retry = codes.Aborted, ReasonConflict, true
		meta["chain"] = conflict.Key.String()
	case errors.As(err, &corrupt):
		code, reason = codes.DataLoss, ReasonIntegrity
		meta["version_id"] = corrupt.VersionID
	case errors.Is(err, version.ErrCrossChain):
		code, reason = codes.InvalidArgument, ReasonCrossChain
	case errors.As(err, &overflow):
		code, reason = codes.OutOfRange, ReasonNumberRange
		meta["component"] = overflow.Component
	case errors.Is(err, version.ErrNotFound):
		code, reason = codes.NotFound, ReasonNotFound
	case errors.As(err, &encoding):
		code, reason = codes.InvalidArgument, ReasonEncoding
		meta["path"] = encoding.Path
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		code, reason = codes.InvalidArgument, ReasonInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}

	st := status.New(code, err.Error())
	if reason == "" {
		return st.Err()
	}
	details := []protoadapt.MessageV1{&errdetails.ErrorInfo{Reason: reason, Domain: errorDomain, Metadata: meta}}
	if retry {
		details = append(details, &errdetails.RetryInfo{RetryDelay: durationpb.New(conflictRetryDelay)})
	}
	if withDetails, derr := st.WithDetails(details...); derr == nil {
		st = withDetails
	}
	return st.Err()
}
