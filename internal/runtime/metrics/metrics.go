// Package metrics exposes Prometheus collectors for producers, consumers,
// sequences, error policies and the outbox worker.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relayflow"

// EndpointStats is a point-in-time view of one endpoint.
type EndpointStats struct {
	Produced      uint64    `json:"produced"`
	Consumed      uint64    `json:"consumed"`
	Failed        uint64    `json:"failed"`
	Moved         uint64    `json:"moved"`
	Duplicates    uint64    `json:"duplicates"`
	AvgMoveRetry  float64   `json:"avg_move_retry"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Snapshot collects EndpointStats for every endpoint seen so far.
type Snapshot struct {
	Endpoints     map[string]EndpointStats `json:"endpoints"`
	OutboxPending int                      `json:"outbox_pending"`
	CollectedAt   time.Time                `json:"collected_at"`
}

// Collectors groups every relayflow collector. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointStats
	pending   int

	produced        *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	processing      *prometheus.HistogramVec
	policyActions   *prometheus.CounterVec
	movedRetries    *prometheus.HistogramVec
	seqCompleted    *prometheus.CounterVec
	seqAborted      *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	outboxRelayed   *prometheus.CounterVec
	outboxFailed    *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	endpointsStatus *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// New creates the collectors. They are registered with registerer, or the
// Prometheus default registerer when nil, by Register.
func New(registerer prometheus.Registerer) *Collectors {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Collectors{
		endpoints:     map[string]*EndpointStats{},
		registerer:    registerer,
		produced:      newCounterVec("producer", "messages_total", "Messages produced per endpoint and strategy", "endpoint", "strategy"),
		consumed:      newCounterVec("consumer", "messages_total", "Inbound messages per endpoint and outcome", "endpoint", "outcome"),
		processing:    newHistogramVec("consumer", "processing_seconds", "Time spent in the inbound pipeline", prometheus.DefBuckets, "endpoint"),
		policyActions: newCounterVec("consumer", "policy_actions_total", "Error policy actions taken", "endpoint", "action"),
		movedRetries:  newHistogramVec("consumer", "moved_attempts", "Failed attempts before a message was moved", []float64{1, 2, 3, 5, 10, 20}, "endpoint", "target"),
		seqCompleted:  newCounterVec("sequence", "completed_total", "Completed sequences", "endpoint", "kind"),
		seqAborted:    newCounterVec("sequence", "aborted_total", "Aborted sequences", "endpoint", "kind", "reason"),
		duplicates:    newCounterVec("exactly_once", "duplicates_total", "Inbound messages skipped as already processed", "endpoint"),
		outboxRelayed: newCounterVec("outbox", "relayed_total", "Outbox entries relayed", "endpoint"),
		outboxFailed:  newCounterVec("outbox", "failed_total", "Outbox relay failures", "endpoint"),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Outbox entries waiting to be relayed",
		}),
		endpointsStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_status",
			Help:      "Current status of producers and consumers (0 disconnected to 4 consuming)",
		}, []string{"role", "endpoint"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collectors) Register() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}

	for _, collector := range []prometheus.Collector{
		c.produced, c.consumed, c.processing, c.policyActions, c.movedRetries,
		c.seqCompleted, c.seqAborted, c.duplicates,
		c.outboxRelayed, c.outboxFailed, c.outboxPending, c.endpointsStatus,
	} {
		if err := c.registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	c.registered = true
	return nil
}

func (c *Collectors) stats(endpoint string) *EndpointStats {
	s, ok := c.endpoints[endpoint]
	if !ok {
		s = &EndpointStats{}
		c.endpoints[endpoint] = s
	}
	s.LastUpdatedAt = time.Now()
	return s
}

func (c *Collectors) update(endpoint string, fn func(*EndpointStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.stats(endpoint))
}

func (c *Collectors) Produced(endpoint, strategy string) {
	if c == nil {
		return
	}
	c.produced.WithLabelValues(endpoint, strategy).Inc()
	c.update(endpoint, func(s *EndpointStats) { s.Produced++ })
}

// Consumed records one pipeline run with its outcome and duration.
func (c *Collectors) Consumed(endpoint, outcome string, took time.Duration, err error) {
	if c == nil {
		return
	}
	if err != nil {
		outcome = "failed"
	}
	c.consumed.WithLabelValues(endpoint, outcome).Inc()
	c.processing.WithLabelValues(endpoint).Observe(took.Seconds())
	c.update(endpoint, func(s *EndpointStats) {
		if err != nil {
			s.Failed++
		} else {
			s.Consumed++
		}
	})
}

func (c *Collectors) PolicyAction(endpoint, action string) {
	if c == nil {
		return
	}
	c.policyActions.WithLabelValues(endpoint, action).Inc()
}

// Moved records a message moved to target after attempts failures.
func (c *Collectors) Moved(endpoint, target string, attempts int) {
	if c == nil {
		return
	}
	c.movedRetries.WithLabelValues(endpoint, target).Observe(float64(attempts))
	c.update(endpoint, func(s *EndpointStats) {
		s.Moved++
		s.AvgMoveRetry = (s.AvgMoveRetry*float64(s.Moved-1) + float64(attempts)) / float64(s.Moved)
	})
}

func (c *Collectors) SequenceCompleted(endpoint, kind string) {
	if c == nil {
		return
	}
	c.seqCompleted.WithLabelValues(endpoint, kind).Inc()
}

func (c *Collectors) SequenceAborted(endpoint, kind, reason string) {
	if c == nil {
		return
	}
	c.seqAborted.WithLabelValues(endpoint, kind, reason).Inc()
}

func (c *Collectors) Duplicate(endpoint string) {
	if c == nil {
		return
	}
	c.duplicates.WithLabelValues(endpoint).Inc()
	c.update(endpoint, func(s *EndpointStats) { s.Duplicates++ })
}

func (c *Collectors) OutboxRelayed(endpoint string) {
	if c == nil {
		return
	}
	c.outboxRelayed.WithLabelValues(endpoint).Inc()
}

func (c *Collectors) OutboxFailed(endpoint string) {
	if c == nil {
		return
	}
	c.outboxFailed.WithLabelValues(endpoint).Inc()
}

func (c *Collectors) OutboxPending(n int) {
	if c == nil {
		return
	}
	c.outboxPending.Set(float64(n))
	c.mu.Lock()
	c.pending = n
	c.mu.Unlock()
}

// Status sets the status gauge of a producer or consumer endpoint.
func (c *Collectors) Status(role, endpoint string, status int) {
	if c == nil {
		return
	}
	c.endpointsStatus.WithLabelValues(role, endpoint).Set(float64(status))
}

// Snapshot returns a copy of the per-endpoint counters.
func (c *Collectors) Snapshot() Snapshot {
	snap := Snapshot{Endpoints: map[string]EndpointStats{}, CollectedAt: time.Now()}
	if c == nil {
		return snap
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, s := range c.endpoints {
		snap.Endpoints[name] = *s
	}
	snap.OutboxPending = c.pending
	return snap
}
