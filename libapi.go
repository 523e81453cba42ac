package relayflow

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/relayflow/internal/runtime"
	"github.com/drblury/relayflow/internal/runtime/behavior"
	"github.com/drblury/relayflow/internal/runtime/broker"
	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/endpoint"
	"github.com/drblury/relayflow/internal/runtime/envelope"
	"github.com/drblury/relayflow/internal/runtime/errorpolicy"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/exactlyonce"
	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/relayflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metrics"
	"github.com/drblury/relayflow/internal/runtime/outbox"
	"github.com/drblury/relayflow/internal/runtime/sequence"
	"github.com/drblury/relayflow/internal/runtime/serialization"
	"github.com/drblury/relayflow/internal/runtime/status"
	"github.com/drblury/relayflow/internal/runtime/transaction"
	"github.com/drblury/relayflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Brokers and endpoints
	Broker           = broker.Broker
	BrokerOptions    = broker.Options
	BrokerAdapter    = broker.Adapter
	BrokerCollection = broker.Collection
	Producer         = broker.Producer
	Consumer         = broker.Consumer
	ProducerEndpoint = endpoint.Producer
	ConsumerEndpoint = endpoint.Consumer
	ChunkSettings    = endpoint.ChunkSettings
	BatchSettings    = endpoint.BatchSettings
	StreamSettings   = endpoint.StreamSettings
	SequenceSettings = sequence.Settings
	ProduceStrategy  = endpoint.Strategy
	ValidationMode   = endpoint.ValidationMode

	// Envelopes
	Header            = envelope.Header
	Headers           = envelope.Headers
	Identifier        = envelope.Identifier
	MessageIdentifier = envelope.MessageIdentifier
	Offset            = envelope.Offset
	InboundEnvelope   = envelope.Inbound
	OutboundEnvelope  = envelope.Outbound

	// Subscribers and behaviors
	Subscriber                       = behavior.Subscriber
	InboundMessage                   = behavior.InboundMessage
	StreamReader                     = sequence.Reader
	Validator                        = behavior.Validator
	ValidatorFunc                    = behavior.ValidatorFunc
	ConsumerContext                  = behavior.ConsumerContext
	ProducerContext                  = behavior.ProducerContext
	ConsumerBehavior                 = behavior.Behavior[*behavior.ConsumerContext]
	ProducerBehavior                 = behavior.Behavior[*behavior.ProducerContext]
	JobContext                       = behavior.JobContext
	JobHooks                         = behavior.JobHooks
	Serializer                       = serialization.Serializer
	RawSerializer                    = serialization.Raw
	AnyJSONSerializer                = serialization.AnyJSON
	JSONSerializer[T any]            = serialization.JSON[T]
	ProtoSerializer[T proto.Message] = serialization.Proto[T]
	ProtoFormat                      = serialization.ProtoFormat

	// Error policies
	ErrorPolicy      = errorpolicy.Policy
	ErrorPolicyChain = errorpolicy.Chain
	PolicyOption     = errorpolicy.Option
	Failure          = errorpolicy.Failure

	// Reliability
	Transaction         = transaction.Transaction
	OutboxStore         = outbox.Store
	OutboxEntry         = outbox.Entry
	OutboxWorker        = outbox.Worker
	OutboxWorkerConfig  = outbox.WorkerConfig
	ExactlyOnceStrategy = exactlyonce.Strategy
	OffsetStore         = exactlyonce.OffsetStore
	InboundLog          = exactlyonce.InboundLog
	InboundLogRecord    = exactlyonce.Record
	Status              = status.Status
	StatusTracker       = status.Tracker
	StatusChange        = status.Change
	MetricsCollectors   = metrics.Collectors
	MetricsSnapshot     = metrics.Snapshot
	EndpointStats       = metrics.EndpointStats

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError
	ErrorKind             = errspkg.Kind

	// Transports
	Transport             = transport.Transport
	TransportAdapter      = transport.Adapter
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

const (
	Direct = endpoint.Direct
	Outbox = endpoint.Outbox

	ValidationNone        = endpoint.ValidationNone
	ValidationLogWarning  = endpoint.ValidationLogWarning
	ValidationReturnError = endpoint.ValidationReturnError

	ProtoBinary = serialization.ProtoBinary
	ProtoJSON   = serialization.ProtoJSON

	StatusDisconnected = status.Disconnected
	StatusConnected    = status.Connected
	StatusReady        = status.Ready
	StatusProducing    = status.Producing
	StatusConsuming    = status.Consuming

	KindOK        = errspkg.KindOK
	KindRetryable = errspkg.KindRetryable
	KindFatal     = errspkg.KindFatal
)

// Reserved header names.
const (
	HeaderMessageID      = envelope.HeaderMessageID
	HeaderMessageType    = envelope.HeaderMessageType
	HeaderChunkIndex     = envelope.HeaderChunkIndex
	HeaderChunkCount     = envelope.HeaderChunkCount
	HeaderChunkLast      = envelope.HeaderChunkLast
	HeaderFailedAttempts = envelope.HeaderFailedAttempts
	HeaderBatchID        = envelope.HeaderBatchID
	HeaderBatchSize      = envelope.HeaderBatchSize
	HeaderSourceEndpoint = envelope.HeaderSourceEndpoint
	HeaderFailureReason  = envelope.HeaderFailureReason
	HeaderContentType    = envelope.HeaderContentType
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	NewBroker           = broker.New
	NewBrokerCollection = broker.NewCollection

	NewHeaders     = envelope.New
	HeadersFromMap = envelope.FromMap

	// Error policies
	NewPolicyChain     = errorpolicy.NewChain
	Skip               = errorpolicy.Skip
	Retry              = errorpolicy.Retry
	Move               = errorpolicy.Move
	Stop               = errorpolicy.Stop
	ApplyTo            = errorpolicy.ApplyTo
	Exclude            = errorpolicy.Exclude
	ApplyWhen          = errorpolicy.ApplyWhen
	MaxFailedAttempts  = errorpolicy.MaxFailedAttempts
	WithDelay          = errorpolicy.WithDelay
	WithFailureHeaders = errorpolicy.WithFailureHeaders
	ErrorIs            = errorpolicy.ErrorIs

	// Transactions, outbox and exactly-once
	NewTransaction         = transaction.New
	WithTransaction        = transaction.WithTransaction
	TransactionFromContext = transaction.FromContext
	NewMemoryOutboxStore   = outbox.NewMemoryStore
	NewOutboxWriter        = outbox.NewWriter
	NewOutboxWorker        = outbox.NewWorker
	OffsetStrategy         = exactlyonce.OffsetStrategy
	LogStrategy            = exactlyonce.LogStrategy
	NewMemoryOffsetStore   = exactlyonce.NewMemoryOffsetStore
	NewMemoryInboundLog    = exactlyonce.NewMemoryInboundLog

	// Job lifecycle hooks
	LoggingHooks  = behavior.LoggingHooks
	MetricsHooks  = behavior.MetricsHooks
	AlertingHooks = behavior.AlertingHooks

	NewMetricsCollectors = metrics.New
	NewTypedJSON         = serialization.NewTypedJSON

	Fatal     = errspkg.Fatal
	Retryable = errspkg.Retryable
	Classify  = errspkg.Classify

	// Transport registry
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	BuildTransportAdapter    = transport.BuildAdapter
	NewTransportAdapter      = transport.NewAdapter
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrAdapterRequired     = errspkg.ErrAdapterRequired
	ErrSubscriberRequired  = errspkg.ErrSubscriberRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrEndpointNotFound    = errspkg.ErrEndpointNotFound
	ErrBrokerNotFound      = errspkg.ErrBrokerNotFound
	ErrBrokerConnected     = errspkg.ErrBrokerConnected
	ErrBrokerNotConnected  = errspkg.ErrBrokerNotConnected
	ErrConsumerStopped     = errspkg.ErrConsumerStopped
	ErrSequenceOrdering    = errspkg.ErrSequenceOrdering
	ErrSequenceTimeout     = errspkg.ErrSequenceTimeout
	ErrMessageValidation   = errspkg.ErrMessageValidation
	ErrOutboxNotConfigured = errspkg.ErrOutboxNotConfigured

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	CreateULID = idspkg.CreateULID
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// NewJSONSerializer returns a serializer for T, which must be a pointer type.
func NewJSONSerializer[T any]() (*JSONSerializer[T], error) {
	return serialization.NewJSON[T]()
}

// NewProtoSerializer returns a serializer for the protobuf message type T.
func NewProtoSerializer[T proto.Message](format ProtoFormat) (*ProtoSerializer[T], error) {
	return serialization.NewProto[T](format)
}

// RegisterJSONType makes T resolvable by its message type header.
func RegisterJSONType[T any](r *serialization.TypedJSON) error {
	return serialization.RegisterJSONType[T](r)
}

// ErrorAs matches errors that have a T in their chain.
func ErrorAs[T error]() errorpolicy.Matcher {
	return errorpolicy.ErrorAs[T]()
}
