// Package core is the simulation kernel: node placement over processes and
// threads, the connection registry and its delay extrema, connection rules,
// the slice scheduler with its node update loop, and event delivery.
//
// A Kernel is an owned context object. Any number of kernels can live in one
// process; a group of kernels sharing an exchange.Communicator forms one
// distributed simulation.
package core

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/spikenet/internal/exchange"
	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/model"
	"github.com/signalsfoundry/spikenet/nodes"
	"github.com/signalsfoundry/spikenet/timectrl"
)

// DefaultSeed seeds the random streams when no seed is configured.
const DefaultSeed uint64 = 143202461

// MetricsRecorder receives kernel gauges and per-slice observations.
// *observability.RankRecorder implements it.
type MetricsRecorder interface {
	SetNetworkCounts(nodes, connections int)
	SetDelayExtrema(minMs, maxMs float64)
	SetBiologicalTime(ms float64)
	ObserveSlice(update, exchange time.Duration, emitted, delivered int)
	ObserveSimulate(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) SetNetworkCounts(int, int)                           {}
func (noopMetrics) SetDelayExtrema(float64, float64)                    {}
func (noopMetrics) SetBiologicalTime(float64)                           {}
func (noopMetrics) ObserveSlice(time.Duration, time.Duration, int, int) {}
func (noopMetrics) ObserveSimulate(time.Duration)                       {}

// settings are the kernel parameters ResetKernel returns to.
type settings struct {
	resolution float64
	threads    int
	seed       uint64
	mode       timectrl.Mode
}

// Option customises Kernel construction.
type Option func(*Kernel)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithCommunicator makes the kernel one rank of a distributed simulation.
func WithCommunicator(c exchange.Communicator) Option {
	return func(k *Kernel) { k.comm = c }
}

// WithThreads sets the number of worker threads of this process.
func WithThreads(n int) Option {
	return func(k *Kernel) { k.initial.threads = n }
}

// WithSeed sets the seed all random streams derive from.
func WithSeed(seed uint64) Option {
	return func(k *Kernel) { k.initial.seed = seed }
}

// WithResolution sets the step size in ms.
func WithResolution(ms float64) Option {
	return func(k *Kernel) { k.initial.resolution = ms }
}

// WithMode selects accelerated or real-time pacing.
func WithMode(m timectrl.Mode) Option {
	return func(k *Kernel) { k.initial.mode = m }
}

var epochs atomic.Uint64

// Kernel holds the complete state of one simulation rank.
type Kernel struct {
	// mu serialises every public operation.
	mu sync.Mutex

	log     logging.Logger
	metrics MetricsRecorder
	comm    exchange.Communicator

	initial settings
	threads int
	seed    uint64

	clock    *timectrl.Clock
	catalog  *nodes.Catalog
	synapses *synapseCatalog

	// epoch identifies the current network; collections from earlier
	// epochs are rejected.
	epoch   uint64
	net     *network
	delays  delayExtrema
	syncRNG *rand.Rand

	// lag is the number of steps of the current slice already updated.
	lag         int
	sliceUpdate time.Duration

	// faulted holds the fatal error of an aborted run until ResetKernel.
	faulted error
}

// New builds a kernel with an empty network.
func New(opts ...Option) (*Kernel, error) {
	k := &Kernel{
		initial: settings{
			resolution: timectrl.DefaultResolution,
			threads:    1,
			seed:       DefaultSeed,
			mode:       timectrl.Accelerated,
		},
	}
	for _, opt := range opts {
		opt(k)
	}
	k.log = logging.OrNoop(k.log)
	if k.metrics == nil {
		k.metrics = noopMetrics{}
	}
	if k.comm == nil {
		k.comm = exchange.Local{}
	}
	if k.initial.threads < 1 {
		return nil, model.InCommand("New", model.Errorf(model.KindBadParameter, "thread count must be at least 1, got %d", k.initial.threads))
	}
	if k.initial.seed > math.MaxInt64 {
		return nil, model.InCommand("New", model.Errorf(model.KindBadParameter, "seed %d out of range", k.initial.seed))
	}
	clock, err := timectrl.NewClock(k.initial.resolution, k.initial.mode)
	if err != nil {
		return nil, model.InCommand("New", err)
	}
	k.clock = clock
	k.catalog = nodes.NewCatalog()
	k.synapses = newSynapseCatalog()
	k.resetLocked()
	return k, nil
}

// resetLocked returns the kernel to its construction-time state.
func (k *Kernel) resetLocked() {
	k.epoch = epochs.Add(1)
	k.threads = k.initial.threads
	k.seed = k.initial.seed
	_ = k.clock.Reset(k.initial.resolution)
	k.clock.SetMode(k.initial.mode)
	k.catalog.Reset()
	k.synapses.reset()
	k.delays = delayExtrema{}
	k.net = newNetwork(placement{rank: k.comm.Rank(), size: k.comm.Size(), threads: k.threads}, k.seed)
	k.syncRNG = newSyncStream(k.seed)
	k.lag = 0
	k.sliceUpdate = 0
	k.faulted = nil
	k.updateMetricsLocked()
}

// ResetKernel discards nodes, connections, copied models, slice listeners
// and simulated time and restores the construction-time kernel parameters.
// Collections created before the reset become invalid.
func (k *Kernel) ResetKernel() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resetLocked()
	k.log.Info(context.Background(), "kernel reset", logging.Int("rank", k.comm.Rank()))
}

// ResetNetwork restores the dynamic state of every node to its initial
// value and drops pending spikes and recorded events. Structure,
// parameters and simulated time are kept.
func (k *Kernel) ResetNetwork() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.usableLocked(); err != nil {
		return model.InCommand("ResetNetwork", err)
	}
	for _, w := range k.net.workers {
		w.spikes = w.spikes[:0]
		for _, n := range w.nodes {
			n.node.ResetState()
		}
	}
	return nil
}

// Close releases the communicator. A closed rank breaks any collective its
// peers are still waiting in.
func (k *Kernel) Close() error {
	return k.comm.Close()
}

// Rank is this process's rank; NumProcesses the number of ranks.
func (k *Kernel) Rank() int         { return k.comm.Rank() }
func (k *Kernel) NumProcesses() int { return k.comm.Size() }

// Resolution is the step size in ms.
func (k *Kernel) Resolution() float64 { return k.clock.Resolution() }

// Time is the simulated time reached so far in ms.
func (k *Kernel) Time() float64 { return k.clock.NowMs() }

// AddSliceListener registers fn to run after every completed slice until
// the next ResetKernel.
func (k *Kernel) AddSliceListener(fn timectrl.SliceListener) {
	k.clock.AddListener(fn)
}

func (k *Kernel) usableLocked() error {
	if k.faulted != nil {
		return model.Wrap(model.KindKernelException, k.faulted, "kernel is faulted, call ResetKernel")
	}
	return nil
}

func (k *Kernel) updateMetricsLocked() {
	res := k.clock.Resolution()
	lo, hi := k.currentExtremaLocked()
	k.metrics.SetNetworkCounts(k.net.size, k.net.numConnections())
	k.metrics.SetDelayExtrema(float64(lo)*res, float64(hi)*res)
	k.metrics.SetBiologicalTime(k.clock.NowMs())
}
