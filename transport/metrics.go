package transport

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsNamespace prefixes the Watermill publisher and subscriber metrics.
const MetricsNamespace = "relayflow"

// Instrument decorates the publisher and subscriber of t with Watermill's
// Prometheus metrics. The transport name is used as metrics subsystem.
func Instrument(t Transport, registerer prometheus.Registerer, name string) (Transport, error) {
	builder := metrics.NewPrometheusMetricsBuilder(registerer, MetricsNamespace, name)

	pub, err := builder.DecoratePublisher(t.Publisher)
	if err != nil {
		return Transport{}, fmt.Errorf("failed to instrument publisher: %w", err)
	}
	sub, err := builder.DecorateSubscriber(t.Subscriber)
	if err != nil {
		return Transport{}, fmt.Errorf("failed to instrument subscriber: %w", err)
	}
	t.Publisher = pub
	t.Subscriber = sub
	return t, nil
}
