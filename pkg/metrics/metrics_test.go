package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIncCounterAccumulatesPerLabelSet(t *testing.T) {
	r := New()
	r.IncCounter("gateway_rate_limited_total", "requests rejected by the rate limiter", map[string]string{"endpoint": "tools/call"}, 1)
	r.IncCounter("gateway_rate_limited_total", "requests rejected by the rate limiter", map[string]string{"endpoint": "tools/call"}, 2)
	r.IncCounter("gateway_rate_limited_total", "requests rejected by the rate limiter", map[string]string{"endpoint": "tools/list"}, 5)

	out := string(r.WriteProm())
	require.Contains(t, out, `gateway_rate_limited_total{endpoint="tools/call"} 3`)
	require.Contains(t, out, `gateway_rate_limited_total{endpoint="tools/list"} 5`)
}

func TestSetGaugeOverwritesValue(t *testing.T) {
	r := New()
	r.SetGauge("gateway_healthy_peers", "currently healthy peers", nil, 3)
	r.SetGauge("gateway_healthy_peers", "currently healthy peers", nil, 1)

	out := string(r.WriteProm())
	require.Contains(t, out, "gateway_healthy_peers 1\n")
	require.NotContains(t, out, "gateway_healthy_peers 3\n")
}

func TestObserveHistogramBucketsAreCumulative(t *testing.T) {
	r := New()
	buckets := []float64{0.1, 0.5, 1}
	r.ObserveHistogram("gateway_request_duration_seconds", "latency", buckets, nil, 0.05)
	r.ObserveHistogram("gateway_request_duration_seconds", "latency", buckets, nil, 0.3)
	r.ObserveHistogram("gateway_request_duration_seconds", "latency", buckets, nil, 2)

	out := string(r.WriteProm())
	require.Contains(t, out, `gateway_request_duration_seconds_bucket{le="0.1"} 1`)
	require.Contains(t, out, `gateway_request_duration_seconds_bucket{le="0.5"} 2`)
	require.Contains(t, out, `gateway_request_duration_seconds_bucket{le="1"} 2`)
	require.Contains(t, out, "gateway_request_duration_seconds_count 3")
}

func TestTimerRecordsElapsedSeconds(t *testing.T) {
	r := New()
	stop := r.Timer("gateway_op_seconds", "op latency", []float64{1, 5}, nil)
	time.Sleep(5 * time.Millisecond)
	stop()

	out := string(r.WriteProm())
	require.True(t, strings.Contains(out, "gateway_op_seconds_count 1"))
}

func TestWritePromSortsMetricNames(t *testing.T) {
	r := New()
	r.IncCounter("zzz_last", "z", nil, 1)
	r.IncCounter("aaa_first", "a", nil, 1)

	out := string(r.WriteProm())
	require.Less(t, strings.Index(out, "aaa_first"), strings.Index(out, "zzz_last"))
}
