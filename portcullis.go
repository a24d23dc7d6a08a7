// Package portcullis wires the gateway together: the persistent
// store, the routing table, the rate limit engine, the circuit
// breakers, the health supervisor, the log sink, the management API
// and the public listener.
package portcullis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/portcullis-io/portcullis/admin"
	"github.com/portcullis-io/portcullis/auth"
	"github.com/portcullis-io/portcullis/circuit"
	"github.com/portcullis-io/portcullis/config"
	"github.com/portcullis-io/portcullis/health"
	"github.com/portcullis-io/portcullis/logging"
	"github.com/portcullis-io/portcullis/logsink"
	"github.com/portcullis-io/portcullis/metrics"
	gwnet "github.com/portcullis-io/portcullis/net"
	"github.com/portcullis-io/portcullis/proxy"
	"github.com/portcullis-io/portcullis/ratelimit"
	"github.com/portcullis-io/portcullis/routing"
	"github.com/portcullis-io/portcullis/store"
)

const shutdownGrace = 15 * time.Second

// Run starts the gateway and blocks until the context is canceled or
// the listener fails.
func Run(ctx context.Context, cfg *config.Config) error {
	logging.Init(logging.Options{
		ApplicationLogLevel:       cfg.ApplicationLogLevel,
		ApplicationLogJSONEnabled: cfg.ApplicationLogJSON,
		AccessLogDisabled:         cfg.AccessLogDisabled,
		AccessLogJSONEnabled:      cfg.AccessLogJSONEnabled,
	})

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.DevBootstrap {
		if err := st.Bootstrap(ctx); err != nil {
			return fmt.Errorf("%w: %v", store.ErrUnreachable, err)
		}
	}
	if err := st.Ping(ctx); err != nil {
		return err
	}
	if err := st.CheckSchema(ctx); err != nil {
		return err
	}

	trusted, err := gwnet.ParseIPCIDRs(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("invalid trusted_proxy_cidrs: %w", err)
	}

	m := metrics.New()

	table, err := routing.New(ctx, st, routing.Defaults{
		Timeout: cfg.Timeout(),
		Retries: cfg.GatewayRetryCount,
	})
	if err != nil {
		return err
	}

	var counters ratelimit.CounterStore
	if cfg.RedisAddr != "" {
		rc := ratelimit.NewRedisCounters(ratelimit.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rc.Close()
		counters = rc
		log.Infof("rate limit counters shared via redis at %s", cfg.RedisAddr)
	} else {
		counters = ratelimit.NewLocalCounters()
	}

	engine, err := ratelimit.NewEngine(ctx, st, counters, !cfg.RateLimitEnabled)
	if err != nil {
		return err
	}

	breakers := circuit.NewRegistry(circuit.Settings{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenTimeout:      time.Duration(cfg.OpenTimeoutSeconds) * time.Second,
	}, !cfg.CircuitBreakerEnabled)

	var identity *auth.IdentityClient
	if cfg.IdentityServiceURL != "" {
		identity = auth.NewIdentityClient(cfg.IdentityServiceURL, 5*time.Second)
	}
	verifier := auth.NewVerifier(cfg.SecretKey, cfg.TokenAlgorithm, identity)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := logsink.New(st, cfg.LogBufferSize, cfg.LogSamplingRatio, m.IncLogsDropped)
	go sink.Run(runCtx)

	supervisor := health.NewSupervisor(st, breakers, func() map[string]string {
		services := make(map[string]string)
		for _, r := range table.Routes() {
			services[r.TargetService] = r.TargetBaseURL
		}
		return services
	},
		time.Duration(cfg.HealthCheckIntervalSeconds)*time.Second,
		time.Duration(cfg.HealthCheckTimeoutSeconds)*time.Second,
	)
	go supervisor.Run(runCtx)

	api := admin.New(admin.Options{
		Store:          st,
		Routes:         table,
		Limits:         engine,
		Breakers:       breakers,
		Supervisor:     supervisor,
		Sink:           sink,
		Verifier:       verifier,
		AdminRole:      cfg.AdminRole,
		MetricsHandler: m.Handler(),
	})

	handler := proxy.New(proxy.Options{
		Routes:         table,
		Verifier:       verifier,
		Limits:         engine,
		Breakers:       breakers,
		Sink:           sink,
		Metrics:        m,
		Admin:          api,
		TrustedProxies: trusted,
		MaxInFlight:    cfg.MaxInFlight,
		CORS: proxy.CORSOptions{
			Origins:          cfg.CORSOrigins,
			Methods:          cfg.CORSMethods,
			Headers:          cfg.CORSHeaders,
			AllowCredentials: cfg.CORSAllowCredentials,
		},
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("portcullis listening on :%d", cfg.ListenPort)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("listener shutdown: %v", err)
		}
		cancel()
		sink.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
