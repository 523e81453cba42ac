// Package http provides an HTTP transport. Publishers POST messages to
// PublisherURL+topic and the subscriber serves one route per topic.
package http

import (
	"context"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relayflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the HTTP transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Build creates a new HTTP transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(TopicURL(publisherURL, topic), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		cfg.GetHTTPServerAddress(),
		http.SubscriberConfig{UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &lazyServer{Subscriber: subscriber, logger: logger},
	}, nil
}

// TopicURL joins the publisher base URL and topic with exactly one slash.
func TopicURL(base, topic string) string {
	if base == "" {
		return "/" + strings.TrimPrefix(topic, "/")
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(topic, "/")
}

// lazyServer starts the HTTP server after the first route was registered.
type lazyServer struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

type serverStarter interface {
	StartHTTPServer() error
}

func (s *lazyServer) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	messages, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		starter, ok := s.Subscriber.(serverStarter)
		if !ok {
			return
		}
		go func() {
			if err := starter.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				s.logger.Error("Failed to start HTTP subscriber server", err, nil)
			}
		}()
	})
	return messages, nil
}
