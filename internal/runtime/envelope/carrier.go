package envelope

import "go.opentelemetry.io/otel/propagation"

var _ propagation.TextMapCarrier = HeaderCarrier{}

// HeaderCarrier exposes headers to OpenTelemetry propagators.
type HeaderCarrier struct {
	Headers *Headers
}

func (c HeaderCarrier) Get(key string) string {
	return c.Headers.Value(key)
}

func (c HeaderCarrier) Set(key, value string) {
	c.Headers.Set(key, value)
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.Headers))
	for _, header := range *c.Headers {
		keys = append(keys, header.Name)
	}
	return keys
}
