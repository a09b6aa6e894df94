package exchange

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/model"
)

const (
	barrierServiceName = "spikenet.exchange.v1.Barrier"

	methodJoin      = "/" + barrierServiceName + "/Join"
	methodAllGather = "/" + barrierServiceName + "/AllGather"
	methodLeave     = "/" + barrierServiceName + "/Leave"
)

// barrierServer is the handler set behind the Barrier service descriptor.
type barrierServer interface {
	Join(context.Context, *wrapperspb.Int64Value) (*wrapperspb.Int64Value, error)
	AllGather(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Leave(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
}

var barrierServiceDesc = grpc.ServiceDesc{
	ServiceName: barrierServiceName,
	HandlerType: (*barrierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "AllGather", Handler: allGatherHandler},
		{MethodName: "Leave", Handler: leaveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spikenet/exchange/v1/barrier.proto",
}

func joinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(barrierServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodJoin}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(barrierServer).Join(ctx, req.(*wrapperspb.Int64Value))
	})
}

func allGatherHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(barrierServer).AllGather(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAllGather}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(barrierServer).AllGather(ctx, req.(*wrapperspb.BytesValue))
	})
}

func leaveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(barrierServer).Leave(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLeave}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(barrierServer).Leave(ctx, req.(*wrapperspb.Int64Value))
	})
}

// Coordinator hosts the barrier for a multi-process run. Ranks connect with
// Dial; the coordinator itself does not simulate.
type Coordinator struct {
	b   *barrier
	log logging.Logger
}

// NewCoordinator builds a coordinator for size ranks.
func NewCoordinator(size int, log logging.Logger) (*Coordinator, error) {
	if size < 1 {
		return nil, model.Errorf(model.KindBadParameter, "communicator size must be positive, got %d", size)
	}
	return &Coordinator{b: newBarrier(size), log: logging.OrNoop(log)}, nil
}

// Register installs the Barrier service on s.
func (c *Coordinator) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&barrierServiceDesc, c)
}

// Size is the number of ranks the coordinator waits for.
func (c *Coordinator) Size() int { return c.b.size }

// Done is closed when every rank has left or the barrier broke.
func (c *Coordinator) Done() <-chan struct{} { return c.b.done() }

// Err returns the error that broke the barrier, or nil.
func (c *Coordinator) Err() error { return c.b.broken() }

func (c *Coordinator) Join(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.Int64Value, error) {
	rank := int(req.GetValue())
	if rank < 0 || rank >= c.b.size {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d outside communicator of size %d", rank, c.b.size)
	}
	if err := c.b.broken(); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	c.log.Info(ctx, "rank joined", logging.Int("rank", rank), logging.Int("size", c.b.size))
	return wrapperspb.Int64(int64(c.b.size)), nil
}

func (c *Coordinator) AllGather(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	frame := req.GetValue()
	h, err := PeekHeader(frame)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	frames, err := c.b.arrive(ctx, h.Rank, h.Seq, frame)
	if err != nil {
		c.log.Error(ctx, "barrier round failed", logging.Int("rank", h.Rank), logging.Any("seq", h.Seq), logging.Err(err))
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return wrapperspb.Bytes(packFrames(frames)), nil
}

func (c *Coordinator) Leave(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	rank := int(req.GetValue())
	c.b.leave(rank)
	c.log.Info(ctx, "rank left", logging.Int("rank", rank))
	return &emptypb.Empty{}, nil
}

// distributedFromStatus turns an RPC failure into a Distributed kernel error.
func distributedFromStatus(op string, rank int, err error) error {
	if err == nil {
		return nil
	}
	var ke *model.KernelError
	if errors.As(err, &ke) {
		return err
	}
	if st, ok := status.FromError(err); ok {
		return model.Errorf(model.KindDistributed, "rank %d: %s: %s: %s", rank, op, st.Code(), st.Message())
	}
	return model.Wrap(model.KindDistributed, err, "rank %d: %s", rank, op)
}
