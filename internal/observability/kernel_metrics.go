package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KernelCollector exposes simulation metrics. Every series carries a rank
// label so that the ranks of an in-process group share one registry.
type KernelCollector struct {
	gatherer prometheus.Gatherer

	NetworkNodes     *prometheus.GaugeVec
	Connections      *prometheus.GaugeVec
	BiologicalTime   *prometheus.GaugeVec
	DelayExtrema     *prometheus.GaugeVec
	SlicesTotal      *prometheus.CounterVec
	SpikesEmitted    *prometheus.CounterVec
	SpikesDelivered  *prometheus.CounterVec
	UpdateDuration   *prometheus.HistogramVec
	ExchangeDuration *prometheus.HistogramVec
	SimulateDuration *prometheus.HistogramVec
}

var sliceBuckets = []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// NewKernelCollector registers kernel metrics against reg, defaulting to the
// global registry when nil.
func NewKernelCollector(reg prometheus.Registerer) (*KernelCollector, error) {
	reg, gatherer := registryPair(reg)
	rank := []string{"rank"}
	c := &KernelCollector{gatherer: gatherer}
	var err error

	if c.NetworkNodes, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spikenet_network_nodes",
		Help: "Nodes in the network, local and remote.",
	}, rank), "spikenet_network_nodes"); err != nil {
		return nil, err
	}
	if c.Connections, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spikenet_connections",
		Help: "Connections stored on this rank.",
	}, rank), "spikenet_connections"); err != nil {
		return nil, err
	}
	if c.BiologicalTime, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spikenet_biological_time_ms",
		Help: "Simulated time reached so far.",
	}, rank), "spikenet_biological_time_ms"); err != nil {
		return nil, err
	}
	if c.DelayExtrema, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spikenet_delay_ms",
		Help: "Delay extrema in ms, labeled bound=min|max.",
	}, []string{"rank", "bound"}), "spikenet_delay_ms"); err != nil {
		return nil, err
	}
	if c.SlicesTotal, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spikenet_slices_total",
		Help: "Completed min-delay slices.",
	}, rank), "spikenet_slices_total"); err != nil {
		return nil, err
	}
	if c.SpikesEmitted, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spikenet_spikes_emitted_total",
		Help: "Spikes emitted by local nodes, counting multiplicity.",
	}, rank), "spikenet_spikes_emitted_total"); err != nil {
		return nil, err
	}
	if c.SpikesDelivered, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spikenet_spikes_delivered_total",
		Help: "Spike events delivered to local targets.",
	}, rank), "spikenet_spikes_delivered_total"); err != nil {
		return nil, err
	}
	if c.UpdateDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spikenet_slice_update_duration_seconds",
		Help:    "Wall time spent updating nodes per slice.",
		Buckets: sliceBuckets,
	}, rank), "spikenet_slice_update_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ExchangeDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spikenet_exchange_duration_seconds",
		Help:    "Wall time spent in the spike exchange barrier per slice.",
		Buckets: sliceBuckets,
	}, rank), "spikenet_exchange_duration_seconds"); err != nil {
		return nil, err
	}
	if c.SimulateDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spikenet_simulate_duration_seconds",
		Help:    "Wall time of Simulate calls.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, rank), "spikenet_simulate_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the registry the collector was registered with.
func (c *KernelCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a /metrics handler over the collector's registry.
func (c *KernelCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// ForRank binds the collector to one rank's label.
func (c *KernelCollector) ForRank(rank int) *RankRecorder {
	if c == nil {
		return nil
	}
	return &RankRecorder{c: c, rank: strconv.Itoa(rank)}
}

// RankRecorder is the per-kernel view of a KernelCollector. A nil
// RankRecorder drops every observation.
type RankRecorder struct {
	c    *KernelCollector
	rank string
}

func (r *RankRecorder) SetNetworkCounts(nodes, connections int) {
	if r == nil {
		return
	}
	r.c.NetworkNodes.WithLabelValues(r.rank).Set(float64(nodes))
	r.c.Connections.WithLabelValues(r.rank).Set(float64(connections))
}

func (r *RankRecorder) SetDelayExtrema(minMs, maxMs float64) {
	if r == nil {
		return
	}
	r.c.DelayExtrema.WithLabelValues(r.rank, "min").Set(minMs)
	r.c.DelayExtrema.WithLabelValues(r.rank, "max").Set(maxMs)
}

func (r *RankRecorder) SetBiologicalTime(ms float64) {
	if r == nil {
		return
	}
	r.c.BiologicalTime.WithLabelValues(r.rank).Set(ms)
}

// ObserveSlice records one completed slice.
func (r *RankRecorder) ObserveSlice(update, exchange time.Duration, emitted, delivered int) {
	if r == nil {
		return
	}
	r.c.SlicesTotal.WithLabelValues(r.rank).Inc()
	r.c.UpdateDuration.WithLabelValues(r.rank).Observe(update.Seconds())
	r.c.ExchangeDuration.WithLabelValues(r.rank).Observe(exchange.Seconds())
	r.c.SpikesEmitted.WithLabelValues(r.rank).Add(float64(emitted))
	r.c.SpikesDelivered.WithLabelValues(r.rank).Add(float64(delivered))
}

func (r *RankRecorder) ObserveSimulate(d time.Duration) {
	if r == nil {
		return
	}
	r.c.SimulateDuration.WithLabelValues(r.rank).Observe(d.Seconds())
}
