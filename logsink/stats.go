package logsink

import (
	"context"
	"sort"
	"time"

	"github.com/portcullis-io/portcullis/store"
)

// Percentiles over the response time samples of a window.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Stats is the aggregate view served by the management API.
type Stats struct {
	WindowSeconds      int64                 `json:"window_seconds"`
	TotalRequests      int64                 `json:"total_requests"`
	SuccessfulRequests int64                 `json:"successful_requests"`
	FailedRequests     int64                 `json:"failed_requests"`
	ErrorRatePercent   float64               `json:"error_rate_percent"`
	RequestsPerSecond  float64               `json:"requests_per_second"`
	AvgResponseTimeMs  float64               `json:"avg_response_time_ms"`
	Percentiles        Percentiles           `json:"response_time_percentiles"`
	StatusClasses      map[string]int64      `json:"status_classes"`
	TopEndpoints       []store.EndpointCount `json:"top_endpoints"`
	ServiceStats       []store.ServiceCount  `json:"service_stats"`
	LogsDropped        int64                 `json:"logs_dropped"`
	GeneratedAt        time.Time             `json:"generated_at"`
}

// sampleLimit bounds the exact quantile computation.
const sampleLimit = 10000

// Stats computes the windowed aggregates from the persisted records.
func (s *Sink) Stats(ctx context.Context, window time.Duration, topN int) (*Stats, error) {
	since := time.Now().Add(-window)

	counts, err := s.store.CountByStatusClass(ctx, since)
	if err != nil {
		return nil, err
	}

	samples, err := s.store.ResponseTimes(ctx, since, sampleLimit)
	if err != nil {
		return nil, err
	}

	top, err := s.store.TopEndpoints(ctx, since, topN)
	if err != nil {
		return nil, err
	}

	services, err := s.store.ServiceStats(ctx, since)
	if err != nil {
		return nil, err
	}

	// 1xx, 2xx and 3xx count as success; 4xx, 5xx and records
	// without a response count as failed.
	successful := counts.Success + counts.Redirect + counts.Informational
	failed := counts.Total - successful

	out := &Stats{
		WindowSeconds:      int64(window / time.Second),
		TotalRequests:      counts.Total,
		SuccessfulRequests: successful,
		FailedRequests:     failed,
		StatusClasses: map[string]int64{
			"1xx":         counts.Informational,
			"2xx":         counts.Success,
			"3xx":         counts.Redirect,
			"4xx":         counts.ClientErr,
			"5xx":         counts.ServerErr,
			"no_response": counts.NoResponse,
		},
		TopEndpoints: top,
		ServiceStats: services,
		LogsDropped:  s.Dropped(),
		GeneratedAt:  time.Now(),
	}

	if counts.Total > 0 {
		out.ErrorRatePercent = float64(failed) / float64(counts.Total) * 100
	}
	if secs := window.Seconds(); secs > 0 {
		out.RequestsPerSecond = float64(counts.Total) / secs
	}

	if len(samples) > 0 {
		var sum float64
		for _, v := range samples {
			sum += v
		}
		out.AvgResponseTimeMs = sum / float64(len(samples))

		sort.Float64s(samples)
		out.Percentiles = Percentiles{
			P50: percentile(samples, 0.50),
			P90: percentile(samples, 0.90),
			P95: percentile(samples, 0.95),
			P99: percentile(samples, 0.99),
		}
	}

	return out, nil
}

// percentile returns the sample of sorted samples at rank q*n rounded
// to the nearest integer, clamped to [1, n].
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	i := int(q*float64(len(sorted))+0.5) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}
