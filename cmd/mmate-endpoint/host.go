package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	mmate "github.com/glimte/mmate-bus"
	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/metrics"
	"github.com/glimte/mmate-bus/persistence/bolt"
	"github.com/glimte/mmate-bus/transports/inmemory"
	natstransport "github.com/glimte/mmate-bus/transports/nats"
	rabbitmqtransport "github.com/glimte/mmate-bus/transports/rabbitmq"
)

const (
	shutdownTimeout = 5 * time.Second

	goroutineWarning  = 500
	goroutineCritical = 1000
	pendingWarning    = 10000
)

// host owns the bus of one endpoint and everything it was built from
type host struct {
	cfg      *config.File
	bus      *mmate.Bus
	db       *bolt.DB
	registry *prometheus.Registry
	health   *health.Registry
	logger   *slog.Logger
}

func newHost(ctx context.Context, f *config.File, logger *slog.Logger) (*host, error) {
	transport, err := newTransport(ctx, f, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", f.Transport.Kind, err)
	}

	h := &host{cfg: f, logger: logger}
	opts := []mmate.Option{mmate.WithLogger(logger)}

	if f.Persistence.Kind == config.PersistenceBolt {
		db, err := bolt.Open(f.Persistence.Path, bolt.WithLogger(logger))
		if err != nil {
			_ = transport.Close()
			return nil, err
		}
		h.db = db
		opts = append(opts, mmate.WithSubscriptionPersister(db), mmate.WithTimeoutPersister(db))
	}

	chain := interceptors.NewChainBuilder(logger).WithLogging()
	if f.Metrics.Enabled {
		h.registry = prometheus.NewRegistry()
		collector, err := metrics.NewPrometheusCollector(h.registry, metrics.WithEndpointLabel(f.Endpoint.Name))
		if err != nil {
			h.release(transport)
			return nil, err
		}
		chain.WithMetrics(collector)
	}
	if f.Endpoint.DuplicateCacheSize > 0 {
		detector, err := interceptors.NewLRUDuplicateDetector(f.Endpoint.DuplicateCacheSize)
		if err != nil {
			h.release(transport)
			return nil, err
		}
		chain.WithDuplicateDetection(detector)
	}
	opts = append(opts, mmate.WithInterceptors(chain.Build()))

	bus, err := mmate.New(f.BusConfig(), transport, opts...)
	if err != nil {
		h.release(transport)
		return nil, err
	}
	h.bus = bus
	h.health = h.healthChecks(transport)
	return h, nil
}

func (h *host) healthChecks(transport messaging.Transport) *health.Registry {
	checks := health.NewRegistry(health.WithLogger(h.logger))
	checks.Register(health.NewBusChecker(h.bus))
	checks.Register(health.NewGoroutineChecker(goroutineWarning, goroutineCritical))
	if conn, ok := transport.(health.Connection); ok {
		checks.Register(health.NewConnectionChecker(h.cfg.Transport.Kind, conn))
	}
	if h.db != nil {
		endpoint := h.cfg.Endpoint.Name
		checks.Register(health.NewComponentChecker("timeouts", func(ctx context.Context) (health.Status, string, map[string]interface{}, error) {
			pending := h.db.Pending(endpoint)
			details := map[string]interface{}{"pending": pending}
			if pending > pendingWarning {
				return health.StatusDegraded, fmt.Sprintf("%d deferred messages pending", pending), details, nil
			}
			return health.StatusHealthy, "", details, nil
		}))
	}
	return checks
}

func newTransport(ctx context.Context, f *config.File, logger *slog.Logger) (messaging.Transport, error) {
	local, err := contracts.ParseAddress(f.Routing.LocalAddress)
	if err != nil {
		return nil, err
	}
	poison := reliability.PoisonPolicy{MaxAttempts: f.Transport.MaxAttempts}
	var send reliability.Policy = reliability.DefaultSendPolicy()
	if f.Transport.SendRetryDelay.Duration > 0 {
		send = reliability.NewFixedDelay(f.Transport.SendRetryDelay.Duration, f.Transport.SendRetries)
	}

	switch f.Transport.Kind {
	case config.TransportRabbitMQ:
		t, err := rabbitmqtransport.NewTransport(ctx, f.Transport.URL, local,
			rabbitmqtransport.WithLogger(logger),
			rabbitmqtransport.WithPoisonPolicy(poison),
			rabbitmqtransport.WithSendPolicy(send),
			rabbitmqtransport.WithConnectionOptions(
				rabbitmq.WithLogger(logger),
				rabbitmq.WithConnectionName(f.Endpoint.Name),
				rabbitmq.WithDialTimeout(f.Transport.DialTimeout.Duration),
			),
			rabbitmqtransport.WithConsumerOptions(
				rabbitmq.WithPrefetchCount(f.Transport.PrefetchCount),
				rabbitmq.WithConsumerLogger(logger),
			),
		)
		if err != nil {
			return nil, err
		}
		return t, nil

	case config.TransportNATS:
		natsCfg := natstransport.DefaultConfig()
		natsCfg.URL = f.Transport.URL
		natsCfg.Name = f.Endpoint.Name
		natsCfg.ConnectTimeout = f.Transport.DialTimeout.Duration

		t, err := natstransport.NewTransport(natsCfg, local,
			natstransport.WithLogger(logger),
			natstransport.WithPoisonPolicy(poison),
			natstransport.WithSendPolicy(send),
		)
		if err != nil {
			return nil, err
		}
		return t, nil

	default:
		network := inmemory.NewNetwork(inmemory.WithPoisonPolicy(poison), inmemory.WithLogger(logger))
		return network.Transport(local), nil
	}
}

func (h *host) release(transport messaging.Transport) {
	_ = transport.Close()
	if h.db != nil {
		_ = h.db.Close()
	}
}

// run starts the bus and the metrics and health endpoint and blocks until ctx is done
func (h *host) run(ctx context.Context) error {
	if err := h.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}

	var server *http.Server
	serveErr := make(chan error, 1)
	if h.registry != nil {
		listener, err := net.Listen("tcp", h.cfg.Metrics.Address)
		if err != nil {
			_ = h.shutdown(nil)
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle(h.cfg.Metrics.Path, metrics.Handler(h.registry))
		mux.Handle(h.cfg.Metrics.HealthPath, h.health.Handler())
		server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		h.logger.Info("serving metrics",
			"address", listener.Addr().String(),
			"path", h.cfg.Metrics.Path,
			"health_path", h.cfg.Metrics.HealthPath,
		)
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		h.logger.Info("shutting down")
	case runErr = <-serveErr:
		h.logger.Error("metrics server failed", "error", runErr)
	}

	return errors.Join(runErr, h.shutdown(server))
}

func (h *host) shutdown(server *http.Server) error {
	var errs []error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, server.Shutdown(ctx))
	}
	errs = append(errs, h.bus.Close())
	if h.db != nil {
		errs = append(errs, h.db.Close())
	}
	return errors.Join(errs...)
}
