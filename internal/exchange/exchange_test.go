package exchange

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/spikenet/model"
)

func TestSpikeCodecSortsAndCompresses(t *testing.T) {
	entries := []model.SpikeEntry{
		{Source: 40, Lag: 3, Multiplicity: 1},
		{Source: 7, Lag: 9, Multiplicity: 2},
		{Source: 12, Lag: 4, Mean: 0.25},
		{Source: 7, Lag: 1, Multiplicity: 1},
	}
	got, err := DecodeSpikes(EncodeSpikes(entries))
	if err != nil {
		t.Fatalf("DecodeSpikes: %v", err)
	}
	want := []model.SpikeEntry{
		{Source: 7, Lag: 1, Multiplicity: 1},
		{Source: 7, Lag: 9, Multiplicity: 2},
		{Source: 12, Lag: 4, Mean: 0.25},
		{Source: 40, Lag: 3, Multiplicity: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decoded %v, want %v", got, want)
		}
	}

	// a Poisson step whose mean is not positive is corrupt
	var bad []byte
	for _, v := range []uint64{1, 1, 0, 0, math.Float64bits(-1)} {
		bad = binary.AppendUvarint(bad, v)
	}
	if _, err := DecodeSpikes(bad); err == nil {
		t.Fatalf("DecodeSpikes accepted a negative mean")
	}

	big := make([]model.SpikeEntry, 2000)
	for i := range big {
		big[i] = model.SpikeEntry{Source: model.NodeID(i + 1), Lag: i % 10, Multiplicity: 1}
	}
	body := EncodeSpikes(big)
	frame, err := EncodeFrame(2, 17, body)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	h, back, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if h.Flags&flagCompressed == 0 || h.Rank != 2 || h.Seq != 17 {
		t.Fatalf("header = %+v, want compressed rank 2 seq 17", h)
	}
	if !bytes.Equal(back, body) {
		t.Fatalf("body changed in transit")
	}

	if _, _, err := DecodeFrame([]byte("XXXX0123456789abcdef")); !errors.Is(err, errBadMagic) {
		t.Fatalf("bad magic error = %v", err)
	}
}

func runRanks(t *testing.T, comms []Communicator, fn func(c Communicator) error) []error {
	t.Helper()
	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(c)
		}()
	}
	wg.Wait()
	return errs
}

func TestGroupAllGatherOrdersByRank(t *testing.T) {
	comms := NewGroup(3)
	errs := runRanks(t, comms, func(c Communicator) error {
		for round := 0; round < 5; round++ {
			out, err := c.AllGather(context.Background(), []byte(fmt.Sprintf("r%d-%d", c.Rank(), round)))
			if err != nil {
				return err
			}
			for rank, p := range out {
				if want := fmt.Sprintf("r%d-%d", rank, round); string(p) != want {
					return fmt.Errorf("rank %d round %d saw %q at %d, want %q", c.Rank(), round, p, rank, want)
				}
			}
		}
		return c.Close()
	})
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestGroupBrokenBarrierFailsEveryRank(t *testing.T) {
	comms := NewGroup(3)
	ctx, cancel := context.WithCancel(context.Background())

	errs := runRanks(t, comms, func(c Communicator) error {
		if c.Rank() == 2 {
			// rank 2 never arrives; its run is cancelled instead
			time.Sleep(20 * time.Millisecond)
			cancel()
			_, err := c.AllGather(ctx, nil)
			return err
		}
		_, err := c.AllGather(context.Background(), []byte{1})
		return err
	})
	for rank, err := range errs {
		if !errors.Is(err, model.ErrDistributed) {
			t.Fatalf("rank %d error = %v, want Distributed", rank, err)
		}
	}
}

func TestGroupLeaveBreaksPendingRound(t *testing.T) {
	comms := NewGroup(2)
	done := make(chan error, 1)
	go func() {
		_, err := comms[0].AllGather(context.Background(), nil)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = comms[1].Close()

	select {
	case err := <-done:
		if !errors.Is(err, model.ErrDistributed) {
			t.Fatalf("error = %v, want Distributed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiting rank was not released")
	}
}

func startCoordinator(t *testing.T, size int) (*Coordinator, func(context.Context, string) (net.Conn, error)) {
	t.Helper()
	coord, err := NewCoordinator(size, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	coord.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return coord, func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
}

func TestCoordinatorAllGatherOverGRPC(t *testing.T) {
	coord, dialer := startCoordinator(t, 3)

	comms := make([]Communicator, 3)
	for r := range comms {
		c, err := Dial(context.Background(), "passthrough:///bufnet", r, DialOptions{
			JoinTimeout: 5 * time.Second,
			GRPCOptions: []grpc.DialOption{grpc.WithContextDialer(dialer)},
		})
		if err != nil {
			t.Fatalf("Dial rank %d: %v", r, err)
		}
		comms[r] = c
	}

	errs := runRanks(t, comms, func(c Communicator) error {
		for round := 0; round < 3; round++ {
			spikes := []model.SpikeEntry{{Source: model.NodeID(c.Rank() + 1), Lag: round, Multiplicity: 1}}
			out, err := c.AllGather(context.Background(), EncodeSpikes(spikes))
			if err != nil {
				return err
			}
			if len(out) != 3 {
				return fmt.Errorf("got %d payloads", len(out))
			}
			for rank, p := range out {
				got, err := DecodeSpikes(p)
				if err != nil {
					return err
				}
				if len(got) != 1 || got[0].Source != model.NodeID(rank+1) || got[0].Lag != round {
					return fmt.Errorf("rank %d round %d: payload %d = %v", c.Rank(), round, rank, got)
				}
			}
		}
		return c.Close()
	})
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("coordinator not done after every rank left")
	}
	if err := coord.Err(); err != nil {
		t.Fatalf("clean shutdown reported %v", err)
	}
}

func TestCoordinatorRoundTimeoutIsFatalForAll(t *testing.T) {
	coord, dialer := startCoordinator(t, 2)
	opts := DialOptions{
		JoinTimeout:  5 * time.Second,
		RoundTimeout: 50 * time.Millisecond,
		GRPCOptions:  []grpc.DialOption{grpc.WithContextDialer(dialer)},
	}
	c0, err := Dial(context.Background(), "passthrough:///bufnet", 0, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c1, err := Dial(context.Background(), "passthrough:///bufnet", 1, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// rank 1 never shows up for round 0
	if _, err := c0.AllGather(context.Background(), nil); !errors.Is(err, model.ErrDistributed) {
		t.Fatalf("rank 0 error = %v, want Distributed", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for coord.Err() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("coordinator did not record the broken round")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := c1.AllGather(context.Background(), nil); !errors.Is(err, model.ErrDistributed) {
		t.Fatalf("late rank error = %v, want Distributed", err)
	}
	// failures stick
	if _, err := c0.AllGather(context.Background(), nil); !errors.Is(err, model.ErrDistributed) {
		t.Fatalf("second call error = %v, want Distributed", err)
	}
}
