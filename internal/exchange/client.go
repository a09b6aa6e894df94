package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/model"
)

// DialOptions tune how a rank reaches the coordinator.
type DialOptions struct {
	// JoinTimeout bounds the retries of the initial join. Only joining is
	// retried; a failed barrier round never is.
	JoinTimeout time.Duration
	// RoundTimeout bounds a single all-gather. Zero means no limit.
	RoundTimeout time.Duration
	Logger       logging.Logger
	// GRPCOptions are appended to the defaults (insecure transport, otel
	// stats handler).
	GRPCOptions []grpc.DialOption
}

// Client is the Communicator of one rank in a multi-process run.
type Client struct {
	cc   *grpc.ClientConn
	rank int
	size int
	opts DialOptions
	log  logging.Logger

	mu     sync.Mutex
	seq    uint64
	failed error
	closed bool
}

// Dial connects rank to the coordinator at addr and joins the barrier.
func Dial(ctx context.Context, addr string, rank int, opts DialOptions) (*Client, error) {
	log := logging.OrNoop(opts.Logger).With(logging.Int("rank", rank))
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts.GRPCOptions...)

	cc, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, model.Wrap(model.KindDistributed, err, "dial coordinator %s", addr)
	}

	joinTimeout := opts.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = 30 * time.Second
	}
	attempt := 0
	size, err := backoff.Retry(ctx, func() (int, error) {
		attempt++
		resp := new(wrapperspb.Int64Value)
		err := cc.Invoke(ctx, methodJoin, wrapperspb.Int64(int64(rank)), resp)
		if err == nil {
			return int(resp.GetValue()), nil
		}
		if status.Code(err) != codes.Unavailable {
			return 0, backoff.Permanent(err)
		}
		log.Debug(ctx, "coordinator not reachable yet", logging.Int("attempt", attempt), logging.Err(err))
		return 0, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(joinTimeout),
	)
	if err != nil {
		_ = cc.Close()
		return nil, distributedFromStatus("join", rank, err)
	}
	if rank >= size {
		_ = cc.Close()
		return nil, model.Errorf(model.KindDistributed, "rank %d outside communicator of size %d", rank, size)
	}

	log.Info(ctx, "joined coordinator", logging.String("addr", addr), logging.Int("size", size))
	return &Client{cc: cc, rank: rank, size: size, opts: opts, log: log}, nil
}

func (c *Client) Rank() int { return c.rank }
func (c *Client) Size() int { return c.size }

func (c *Client) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return nil, c.failed
	}
	if c.closed {
		return nil, model.Errorf(model.KindDistributed, "rank %d: communicator closed", c.rank)
	}
	seq := c.seq
	c.seq++

	out, err := c.allGather(ctx, seq, payload)
	if err != nil {
		c.failed = err
		c.log.Error(ctx, "all-gather failed", logging.Any("seq", seq), logging.Err(err))
		return nil, err
	}
	return out, nil
}

func (c *Client) allGather(ctx context.Context, seq uint64, payload []byte) ([][]byte, error) {
	frame, err := EncodeFrame(c.rank, seq, payload)
	if err != nil {
		return nil, model.Wrap(model.KindDistributed, err, "rank %d: encode frame", c.rank)
	}
	if c.opts.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RoundTimeout)
		defer cancel()
	}

	resp := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, methodAllGather, wrapperspb.Bytes(frame), resp); err != nil {
		return nil, distributedFromStatus("all-gather", c.rank, err)
	}
	frames, err := unpackFrames(resp.GetValue())
	if err != nil {
		return nil, model.Wrap(model.KindDistributed, err, "rank %d: round %d", c.rank, seq)
	}
	if len(frames) != c.size {
		return nil, model.Errorf(model.KindDistributed, "rank %d: round %d returned %d frames, want %d", c.rank, seq, len(frames), c.size)
	}
	out := make([][]byte, c.size)
	for i, f := range frames {
		h, body, err := DecodeFrame(f)
		if err != nil {
			return nil, model.Wrap(model.KindDistributed, err, "rank %d: round %d", c.rank, seq)
		}
		if h.Rank != i || h.Seq != seq {
			return nil, model.Errorf(model.KindDistributed, "rank %d: frame %d carries rank %d round %d, want rank %d round %d", c.rank, i, h.Rank, h.Seq, i, seq)
		}
		out[i] = body
	}
	return out, nil
}

// Close leaves the barrier and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cc.Invoke(ctx, methodLeave, wrapperspb.Int64(int64(c.rank)), new(emptypb.Empty)); err != nil {
		c.log.Warn(ctx, "leave failed", logging.Err(err))
	}
	return c.cc.Close()
}
