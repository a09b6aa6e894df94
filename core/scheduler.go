package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/internal/observability"
	"github.com/signalsfoundry/spikenet/model"
)

// Simulate advances the network by ms milliseconds. Time moves in slices
// of min_delay; ranks exchange spikes only at full slice boundaries, and a
// run that ends inside a slice is continued by the next call, so two calls
// produce the same network as one call over the summed duration.
func (k *Kernel) Simulate(ctx context.Context, ms float64) error {
	ctx, span := observability.StartSpan(ctx, "kernel.Simulate",
		attribute.Float64("duration_ms", ms),
		attribute.Int("rank", k.comm.Rank()),
	)
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	log := logging.FromContext(ctx, k.log)
	start := time.Now()
	from := k.clock.NowMs()
	err := k.simulateLocked(ctx, ms)
	k.metrics.ObserveSimulate(time.Since(start))
	k.updateMetricsLocked()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "simulation failed",
			logging.Float("from_ms", from),
			logging.Float("at_ms", k.clock.NowMs()),
			logging.Int("rank", k.comm.Rank()),
			logging.Err(err),
		)
		return model.InCommand("Simulate", err)
	}
	log.Info(ctx, "simulation finished",
		logging.Float("from_ms", from),
		logging.Float("to_ms", k.clock.NowMs()),
		logging.Int("rank", k.comm.Rank()),
		logging.Any("elapsed", time.Since(start).String()),
	)
	return nil
}

func (k *Kernel) simulateLocked(ctx context.Context, ms float64) error {
	if err := k.usableLocked(); err != nil {
		return err
	}
	steps, err := k.clock.Steps(ms)
	if err != nil {
		return err
	}
	if err := k.prepareLocked(ctx); err != nil {
		return k.failRunLocked(err)
	}
	if err := k.runLocked(ctx, int64(steps)); err != nil {
		return k.failRunLocked(err)
	}
	return nil
}

// failRunLocked decides whether err leaves the kernel usable. Numerical,
// delivery and communication failures fault it; in a distributed run every
// failure does, and the communicator is closed so that peers waiting at the
// barrier fail too instead of blocking.
func (k *Kernel) failRunLocked(err error) error {
	switch model.KindOf(err) {
	case model.KindNumerical, model.KindDistributed, model.KindBadDelay:
	default:
		if k.comm.Size() == 1 {
			return err
		}
	}
	k.faulted = err
	if k.comm.Size() > 1 {
		_ = k.comm.Close()
	}
	return err
}

// prepareLocked freezes the delay extrema on the first run and calibrates
// every node against them.
func (k *Kernel) prepareLocked(ctx context.Context) error {
	if !k.delays.frozen {
		if err := k.freezeDelaysLocked(ctx); err != nil {
			return err
		}
	}
	env := model.CalibrateEnv{
		Resolution: k.clock.Resolution(),
		MinDelay:   k.delays.min,
		MaxDelay:   k.delays.max,
		Now:        k.clock.Now(),
	}
	if err := k.net.forEachWorker(func(w *worker) error { return w.calibrate(env) }); err != nil {
		return err
	}
	k.clock.BeginRun(time.Now())
	return nil
}

// rankSettings is what ranks agree on before the first run. The delay
// bounds are in steps, 0 when unknown on that rank.
type rankSettings struct {
	lo, hi  int
	threads int
	res     float64
	seed    uint64
}

func (s rankSettings) encode() []byte {
	buf := binary.AppendUvarint(nil, uint64(s.lo))
	buf = binary.AppendUvarint(buf, uint64(s.hi))
	buf = binary.AppendUvarint(buf, uint64(s.threads))
	buf = binary.AppendUvarint(buf, math.Float64bits(s.res))
	return binary.AppendUvarint(buf, s.seed)
}

func decodeRankSettings(b []byte) (rankSettings, error) {
	var v [5]uint64
	for i := range v {
		x, n := binary.Uvarint(b)
		if n <= 0 {
			return rankSettings{}, fmt.Errorf("settings field %d: malformed", i)
		}
		v[i], b = x, b[n:]
	}
	return rankSettings{
		lo:      int(v[0]),
		hi:      int(v[1]),
		threads: int(v[2]),
		res:     math.Float64frombits(v[3]),
		seed:    v[4],
	}, nil
}

// freezeDelaysLocked fixes the delay extrema. In a distributed run the
// ranks first reduce their bounds and check that resolution, thread count
// and seed agree.
func (k *Kernel) freezeDelaysLocked(ctx context.Context) error {
	lo, hi := k.knownExtremaLocked()
	if k.comm.Size() > 1 {
		mine := rankSettings{lo: lo, hi: hi, threads: k.threads, res: k.clock.Resolution(), seed: k.seed}
		frames, err := k.comm.AllGather(ctx, mine.encode())
		if err != nil {
			return distributed(err, "delay extrema reduction")
		}
		for rank, f := range frames {
			s, err := decodeRankSettings(f)
			if err != nil {
				return model.Wrap(model.KindDistributed, err, "settings from rank %d", rank)
			}
			if s.threads != mine.threads || s.res != mine.res || s.seed != mine.seed {
				return model.Errorf(model.KindDistributed,
					"rank %d runs %d threads at %v ms with seed %d, rank %d runs %d threads at %v ms with seed %d",
					rank, s.threads, s.res, s.seed, k.comm.Rank(), mine.threads, mine.res, mine.seed)
			}
			if s.lo > 0 {
				lo, _ = widen(lo, 0, s.lo)
			}
			hi = max(hi, s.hi)
		}
	}
	lo, hi = fillExtrema(lo, hi, k.defaultDelayStepsLocked())
	k.delays.frozen = true
	k.delays.min, k.delays.max = lo, hi
	res := k.clock.Resolution()
	k.log.Info(ctx, "delay extrema frozen",
		logging.Float("min_delay_ms", float64(lo)*res),
		logging.Float("max_delay_ms", float64(hi)*res),
		logging.Int("rank", k.comm.Rank()),
	)
	return nil
}

// runLocked advances time by steps. Updates run in parallel over the
// workers; at each full slice the spikes are exchanged and delivered.
func (k *Kernel) runLocked(ctx context.Context, steps int64) error {
	slice := k.delays.min
	res := k.clock.Resolution()
	for steps > 0 {
		if err := ctx.Err(); err != nil {
			return model.Wrap(model.KindKernelException, err, "simulation interrupted at %v ms", k.clock.NowMs())
		}
		from := k.lag
		to := from + int(min(int64(slice-from), steps))
		origin := k.clock.Now() - model.Tick(from)

		began := time.Now()
		err := k.net.forEachWorker(func(w *worker) error { return w.update(origin, res, from, to) })
		if err != nil {
			return err
		}
		k.sliceUpdate += time.Since(began)
		k.clock.Advance(to - from)
		k.lag = to
		steps -= int64(to - from)

		if k.lag == slice {
			if err := k.endSliceLocked(ctx, origin); err != nil {
				return err
			}
		}
	}
	return nil
}

// endSliceLocked runs the exchange and delivery of a completed slice.
func (k *Kernel) endSliceLocked(ctx context.Context, origin model.Tick) error {
	began := time.Now()
	local := k.collectSpikesLocked()
	spikes, err := k.exchangeLocked(ctx, local)
	if err != nil {
		return err
	}
	exchanged := time.Since(began)
	delivered, err := k.deliverLocked(origin, spikes)
	if err != nil {
		return err
	}
	k.metrics.ObserveSlice(k.sliceUpdate, exchanged, emittedSpikes(local), delivered)
	k.sliceUpdate = 0
	k.lag = 0
	if err := k.clock.SliceDone(ctx); err != nil {
		return model.Wrap(model.KindKernelException, err, "simulation interrupted at %v ms", k.clock.NowMs())
	}
	return nil
}
