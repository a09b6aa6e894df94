package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/spikenet.kernel.v1.KernelService/Simulate"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "boom")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("KernelService", "Simulate", "OK")); got != 1 {
		t.Fatalf("spikenet_rpc_requests_total{code=OK} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("KernelService", "Simulate", "InvalidArgument")); got != 1 {
		t.Fatalf("spikenet_rpc_requests_total{code=InvalidArgument} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "spikenet_rpc_request_duration_seconds", map[string]string{
		"service": "KernelService",
		"method":  "Simulate",
	}); count != 2 {
		t.Fatalf("duration sample_count = %d, want 2", count)
	}
}

func TestCollectorsReuseExistingRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewKernelCollector(reg)
	if err != nil {
		t.Fatalf("NewKernelCollector: %v", err)
	}
	b, err := NewKernelCollector(reg)
	if err != nil {
		t.Fatalf("second NewKernelCollector: %v", err)
	}
	a.ForRank(0).ObserveSlice(time.Millisecond, time.Millisecond, 3, 7)
	b.ForRank(1).ObserveSlice(time.Millisecond, time.Millisecond, 1, 2)

	if got := testutil.ToFloat64(a.SlicesTotal.WithLabelValues("1")); got != 1 {
		t.Fatalf("rank 1 slices seen through first collector = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.SpikesDelivered.WithLabelValues("0")); got != 7 {
		t.Fatalf("rank 0 delivered = %v, want 7", got)
	}
}

func TestKernelHandlerExposesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewKernelCollector(reg)
	if err != nil {
		t.Fatalf("NewKernelCollector: %v", err)
	}
	r := c.ForRank(0)
	r.SetNetworkCounts(12, 40)
	r.SetDelayExtrema(0.5, 4)
	r.SetBiologicalTime(250)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`spikenet_network_nodes{rank="0"} 12`,
		`spikenet_connections{rank="0"} 40`,
		`spikenet_delay_ms{bound="max",rank="0"} 4`,
		`spikenet_biological_time_ms{rank="0"} 250`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in /metrics output:\n%s", want, body)
		}
	}

	var nilRecorder *RankRecorder
	nilRecorder.ObserveSimulate(time.Second) // must not panic
}

func TestSplitMethod(t *testing.T) {
	tests := []struct {
		in            string
		service, meth string
	}{
		{"/spikenet.exchange.v1.Barrier/AllGather", "Barrier", "AllGather"},
		{"", "unknown", "unknown"},
		{"/nomethod", "unknown", "unknown"},
	}
	for _, tc := range tests {
		s, m := SplitMethod(tc.in)
		if s != tc.service || m != tc.meth {
			t.Fatalf("SplitMethod(%q) = %q, %q; want %q, %q", tc.in, s, m, tc.service, tc.meth)
		}
	}
}

func TestInitTracingStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := StartSpan(context.Background(), "Simulate")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), `"Name":"Simulate"`) {
		t.Fatalf("exported spans missing Simulate: %s", buf.String())
	}

	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}, nil); err == nil {
		t.Fatalf("unknown exporter should fail")
	}
	off, _ := InitTracing(context.Background(), TracingConfig{}, nil)
	ShutdownWithTimeout(context.Background(), off, nil)
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
