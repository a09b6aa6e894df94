package api

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/spikenet/model"
)

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "unknown model", err: model.Errorf(model.KindUnknownModel, "x"), code: codes.NotFound},
		{name: "unknown node", err: model.InCommand("GetStatus", model.Errorf(model.KindUnknownNode, "x")), code: codes.NotFound},
		{name: "bad delay", err: model.Errorf(model.KindBadDelay, "x"), code: codes.InvalidArgument},
		{name: "illegal connection", err: model.Errorf(model.KindIllegalConnection, "x"), code: codes.InvalidArgument},
		{name: "numerical", err: model.Errorf(model.KindNumerical, "x"), code: codes.Aborted},
		{name: "distributed", err: model.Errorf(model.KindDistributed, "x"), code: codes.Unavailable},
		{name: "faulted kernel", err: model.Errorf(model.KindKernelException, "x"), code: codes.FailedPrecondition},
		{name: "cancelled run", err: model.Wrap(model.KindKernelException, context.Canceled, "interrupted"), code: codes.Canceled},
		{name: "binding", err: bindErr("n", "must be an integer"), code: codes.InvalidArgument},
		{name: "wrapped kernel error", err: fmt.Errorf("scenario: %w", model.Errorf(model.KindDictError, "x")), code: codes.InvalidArgument},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("ToStatusError(%v) = nil, want error", tc.err)
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}

func TestStatusErrorRoundTrip(t *testing.T) {
	orig := model.InCommand("Connect", model.Errorf(model.KindBadDelay, "delay 9 ms is outside the frozen range"))
	back := FromStatusError(ToStatusError(orig))

	var ke *model.KernelError
	if !errors.As(back, &ke) {
		t.Fatalf("FromStatusError = %T, want *model.KernelError", back)
	}
	if ke.Kind != model.KindBadDelay || ke.Command != "Connect" || ke.Message != "delay 9 ms is outside the frozen range" {
		t.Fatalf("rebuilt %+v", ke)
	}
	if back.Error() != orig.Error() {
		t.Fatalf("message changed: %q vs %q", back.Error(), orig.Error())
	}

	cancelled := FromStatusError(ToStatusError(model.Wrap(model.KindKernelException, context.Canceled, "interrupted")))
	if !errors.Is(cancelled, context.Canceled) {
		t.Fatalf("rebuilt cancellation %v does not wrap context.Canceled", cancelled)
	}

	plain := status.Error(codes.Unavailable, "connection refused")
	if got := FromStatusError(plain); got != plain {
		t.Fatalf("plain status error was rewritten: %v", got)
	}
}

func TestValueConversion(t *testing.T) {
	d := model.Dict{
		"flag":   model.Bool(true),
		"count":  model.Int(7),
		"rate":   model.Float(12.5),
		"name":   model.String("iaf"),
		"times":  model.Floats([]float64{1, 2.5}),
		"nested": model.DictValue(model.Dict{"empty": model.Null()}),
	}
	s, err := DictToStruct(d)
	if err != nil {
		t.Fatalf("DictToStruct: %v", err)
	}
	back, err := StructToDict(s)
	if err != nil {
		t.Fatalf("StructToDict: %v", err)
	}
	if !back.Equal(d) {
		t.Fatalf("round trip = %v, want %v", back, d)
	}
	if n, _ := back["count"].AsInt(); n != 7 {
		t.Fatalf("count = %d, want 7", n)
	}

	_, err = DictToStruct(model.Dict{"seed": model.List(model.Int(1 << 60))})
	var be *BindingError
	if !errors.As(err, &be) || be.Path != "seed[0]" {
		t.Fatalf("oversized integer error = %v, want BindingError at seed[0]", err)
	}

	v, err := FromProto(structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewNumberValue(3)}}))
	if err != nil {
		t.Fatalf("FromProto: %v", err)
	}
	if xs, _ := v.AsInts(); len(xs) != 1 || xs[0] != 3 {
		t.Fatalf("FromProto = %v", v)
	}
}
