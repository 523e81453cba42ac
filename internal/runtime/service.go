package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/relayflow/internal/runtime/behavior"
	"github.com/drblury/relayflow/internal/runtime/broker"
	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/endpoint"
	"github.com/drblury/relayflow/internal/runtime/errorpolicy"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metrics"
	"github.com/drblury/relayflow/internal/runtime/outbox"
	"github.com/drblury/relayflow/transport"
	_ "github.com/drblury/relayflow/transport/transports"
)

const shutdownTimeout = 10 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the in-memory or default implementations.
type ServiceDependencies struct {
	// Outbox persists messages of producers using the outbox strategy.
	// Defaults to an in-memory store.
	Outbox    outbox.Store
	Validator behavior.Validator
	Hooks     behavior.JobHooks

	// ConsumerBehaviors and ProducerBehaviors are added to the built-in pipelines.
	ConsumerBehaviors []behavior.Behavior[*behavior.ConsumerContext]
	ProducerBehaviors []behavior.Behavior[*behavior.ProducerContext]

	// TransportRegistry builds the primary broker adapter. Defaults to
	// transport.DefaultRegistry with every bundled transport registered.
	TransportRegistry *transport.Registry
	// Adapters adds further brokers next to the configured one. Endpoints
	// select them by adapter name.
	Adapters []broker.Adapter

	// MetricsRegistry receives the collectors. Defaults to a private registry.
	MetricsRegistry *prometheus.Registry
}

// Service assembles the brokers, the outbox worker and the metrics endpoint
// from configuration.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	brokers  *broker.Collection
	store    outbox.Store
	worker   *outbox.Worker
	metrics  *metrics.Collectors
	registry *prometheus.Registry

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService is TryNewService but panics on error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf, builds the configured transport and wires
// the broker collection. Add endpoints on the returned Service before
// calling Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = loggingpkg.NopLogger()
	}
	log.Info("Creating relay service", loggingpkg.LogFields{
		"pubsub_system": conf.WithPubSubSystemDefault(),
		"config":        conf,
	})

	s := &Service{
		Conf:     conf,
		Logger:   log,
		store:    deps.Outbox,
		registry: deps.MetricsRegistry,
	}
	if s.store == nil {
		s.store = outbox.NewMemoryStore()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.registry)
	if err := s.metrics.Register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	primary, err := s.buildAdapter(ctx, deps.TransportRegistry)
	if err != nil {
		return nil, err
	}

	opts := broker.Options{
		Logger:            log,
		Metrics:           s.metrics,
		Outbox:            outbox.NewWriter(s.store),
		Hooks:             deps.Hooks,
		Validator:         deps.Validator,
		ConsumerBehaviors: deps.ConsumerBehaviors,
		ProducerBehaviors: deps.ProducerBehaviors,
	}
	s.brokers, err = broker.NewCollection()
	if err != nil {
		return nil, err
	}
	for _, adapter := range append([]broker.Adapter{primary}, deps.Adapters...) {
		b, err := broker.New(adapter, opts)
		if err != nil {
			return nil, err
		}
		if err := s.brokers.Add(b); err != nil {
			return nil, err
		}
	}

	s.worker = outbox.NewWorker(s.store, s.brokers, log, outbox.WorkerConfig{
		Interval:        conf.WithOutboxIntervalDefault(),
		BatchSize:       conf.WithOutboxBatchSizeDefault(),
		RelaxedOrdering: conf.OutboxRelaxedOrdering,
	})
	s.worker.SetObserver(s.metrics)

	if conf.MetricsEnabled {
		s.RegisterHTTPHandler(conf.WithMetricsPortDefault(), "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return s, nil
}

// buildAdapter builds the configured transport. With metrics enabled its
// publisher and subscriber are decorated with Watermill's collectors.
func (s *Service) buildAdapter(ctx context.Context, registry *transport.Registry) (*transport.Adapter, error) {
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	name := s.Conf.WithPubSubSystemDefault()
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)

	t, err := registry.Build(ctx, s.Conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}
	if s.Conf.MetricsEnabled {
		if t, err = transport.Instrument(t, s.registry, name); err != nil {
			return nil, err
		}
	}
	return transport.NewAdapter(name, t, registry.GetCapabilities(name), wmLogger), nil
}

// GetProducer returns the producer of ep, creating it on first use.
func (s *Service) GetProducer(ep endpoint.Producer) (*broker.Producer, error) {
	return s.brokers.GetProducer(ep)
}

// AddConsumer registers a consumer. Unset sequence timeout, stream buffer
// and error policy fall back to the configured defaults.
func (s *Service) AddConsumer(ep endpoint.Consumer, subscriber behavior.Subscriber) (*broker.Consumer, error) {
	if ep.Sequence.Timeout == 0 {
		ep.Sequence.Timeout = s.Conf.WithSequenceTimeoutDefault()
	}
	if ep.Stream.Enabled && ep.Stream.BufferSize == 0 {
		ep.Stream.BufferSize = s.Conf.WithStreamBufferSizeDefault()
	}
	if ep.ErrorPolicy == nil && s.Conf.RetryMaxRetries > 0 {
		ep.ErrorPolicy = errorpolicy.Retry(s.Conf.RetryMaxRetries,
			errorpolicy.WithDelay(s.Conf.RetryInitialInterval, s.Conf.RetryIncrement))
	}
	return s.brokers.AddConsumer(ep, subscriber)
}

func (s *Service) Brokers() *broker.Collection { return s.brokers }

func (s *Service) OutboxWorker() *outbox.Worker { return s.worker }

func (s *Service) Metrics() *metrics.Collectors { return s.metrics }

// Start connects every broker, runs the outbox worker and the HTTP servers
// and blocks until ctx is cancelled. The brokers are closed before it
// returns, so a Service runs once.
func (s *Service) Start(ctx context.Context) error {
	if err := s.brokers.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect brokers: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.worker.Run(ctx)
	}()
	servers := s.startHTTPServers()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	wg.Wait()
	if err := s.brokers.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	s.Logger.Info("Relay service stopped", nil)
	return errors.Join(errs...)
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	return servers
}
