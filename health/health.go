// Package health runs the background supervisor that probes the
// registered upstream services and maintains their durable health
// records. The supervisor only publishes status; circuit breakers are
// driven by real dispatch outcomes, so the two views disagree at most
// transiently.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/portcullis-io/portcullis/circuit"
	"github.com/portcullis-io/portcullis/store"
)

const probePath = "/health"

// RouteSource lists the (service, base URL) pairs currently present
// in the routing table, so services are registered for probing on
// first observation.
type RouteSource func() map[string]string

// Supervisor probes all registered services on a fixed interval.
type Supervisor struct {
	store    *store.Store
	breakers *circuit.Registry
	routes   RouteSource
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
}

// NewSupervisor creates a supervisor. routes may be nil when services
// are only registered explicitly through the management API.
func NewSupervisor(st *store.Store, breakers *circuit.Registry, routes RouteSource, interval, timeout time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Supervisor{
		store:    st,
		breakers: breakers,
		routes:   routes,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
	}
}

// Run probes until the context is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep registers newly observed services and probes every registered
// one once. Probes run concurrently; each commits its own record.
func (s *Supervisor) Sweep(ctx context.Context) {
	if s.routes != nil {
		for name, baseURL := range s.routes() {
			if err := s.store.EnsureService(ctx, name, baseURL); err != nil {
				log.Errorf("failed to register service %s: %v", name, err)
			}
		}
	}

	services, err := s.store.ListServices(ctx)
	if err != nil {
		log.Errorf("health sweep: cannot list services: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc *store.ServiceHealth) {
			defer wg.Done()
			s.probe(ctx, svc)
		}(svc)
	}
	wg.Wait()
}

func (s *Supervisor) probe(ctx context.Context, svc *store.ServiceHealth) {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	status, success := store.StatusUnhealthy, false

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, svc.BaseURL+probePath, nil)
	if err != nil {
		log.Errorf("health probe %s: %v", svc.ServiceName, err)
		return
	}

	resp, err := s.client.Do(req)
	if err == nil {
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			status, success = store.StatusHealthy, true
		default:
			// Responded, but not well. 5xx and unexpected codes
			// both count as degraded service, not a dead one.
			status = store.StatusDegraded
		}
	}

	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	pr := store.ProbeResult{
		Status:         status,
		ResponseTimeMs: elapsed,
		Success:        success,
		CircuitOpen:    s.breakers.State(svc.ServiceName) == circuit.Open,
		CheckedAt:      time.Now(),
	}
	if err := s.store.RecordProbe(ctx, svc.ServiceName, pr); err != nil {
		log.Errorf("health probe %s: cannot record outcome: %v", svc.ServiceName, err)
	}
}

// Aggregate is the roll-up over all registered services.
type Aggregate struct {
	OverallStatus     string                 `json:"overall_status"`
	TotalServices     int                    `json:"total_services"`
	HealthyServices   int                    `json:"healthy_services"`
	DegradedServices  int                    `json:"degraded_services"`
	UnhealthyServices int                    `json:"unhealthy_services"`
	UnknownServices   int                    `json:"unknown_services"`
	Services          []*store.ServiceHealth `json:"services"`
}

// Aggregated computes the overall health: healthy when every service
// is healthy, degraded when at least one is healthy and none
// unhealthy, unhealthy otherwise. No registered services is unknown.
func (s *Supervisor) Aggregated(ctx context.Context) (*Aggregate, error) {
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{TotalServices: len(services), Services: services}
	for _, svc := range services {
		switch svc.Status {
		case store.StatusHealthy:
			agg.HealthyServices++
		case store.StatusDegraded:
			agg.DegradedServices++
		case store.StatusUnhealthy:
			agg.UnhealthyServices++
		default:
			agg.UnknownServices++
		}
	}

	switch {
	case len(services) == 0:
		agg.OverallStatus = store.StatusUnknown
	case agg.HealthyServices == len(services):
		agg.OverallStatus = store.StatusHealthy
	case agg.HealthyServices > 0 && agg.UnhealthyServices == 0:
		agg.OverallStatus = store.StatusDegraded
	default:
		agg.OverallStatus = store.StatusUnhealthy
	}
	return agg, nil
}
