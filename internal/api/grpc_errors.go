package api

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/spikenet/model"
)

const (
	errorDomain        = "spikenet.dev"
	bindingErrorReason = "BindingError"
)

// codeForKind maps a kernel error kind onto a gRPC status code.
func codeForKind(kind model.ErrorKind) codes.Code {
	switch kind {
	case model.KindUnknownModel, model.KindUnknownNode, model.KindInexistentConnection:
		return codes.NotFound
	case model.KindBadParameter, model.KindDictError, model.KindIllegalConnection, model.KindBadDelay:
		return codes.InvalidArgument
	case model.KindNumerical:
		return codes.Aborted
	case model.KindDistributed:
		return codes.Unavailable
	default:
		return codes.FailedPrecondition
	}
}

// ToStatusError maps kernel and binding errors onto gRPC status errors. The
// kind travels as an ErrorInfo detail so that clients can rebuild the typed
// error.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var be *BindingError
	if errors.As(err, &be) {
		return withInfo(codes.InvalidArgument, err.Error(), &errdetails.ErrorInfo{
			Reason:   bindingErrorReason,
			Domain:   errorDomain,
			Metadata: map[string]string{"path": be.Path, "reason": be.Reason},
		})
	}

	var ke *model.KernelError
	if !errors.As(err, &ke) {
		return status.Error(codes.Internal, err.Error())
	}
	code := codeForKind(ke.Kind)
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return withInfo(code, err.Error(), &errdetails.ErrorInfo{
		Reason:   string(ke.Kind),
		Domain:   errorDomain,
		Metadata: map[string]string{"command": ke.Command, "message": ke.Message},
	})
}

func withInfo(code codes.Code, msg string, info *errdetails.ErrorInfo) error {
	st := status.New(code, msg)
	if detailed, err := st.WithDetails(info); err == nil {
		st = detailed
	}
	return st.Err()
}

// FromStatusError rebuilds the typed error carried by a status error.
// Errors without a spikenet ErrorInfo are returned unchanged.
func FromStatusError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		md := info.GetMetadata()
		if info.GetReason() == bindingErrorReason {
			return &BindingError{Path: md["path"], Reason: md["reason"]}
		}
		kind, ok := model.ParseErrorKind(info.GetReason())
		if !ok {
			break
		}
		ke := &model.KernelError{Kind: kind, Command: md["command"], Message: md["message"]}
		switch st.Code() {
		case codes.Canceled:
			ke.Err = context.Canceled
		case codes.DeadlineExceeded:
			ke.Err = context.DeadlineExceeded
		}
		return ke
	}
	return err
}
