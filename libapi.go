package sbflow

import (
	runtimepkg "github.com/drblury/sbflow/internal/runtime"
	"github.com/drblury/sbflow/internal/runtime/broker"
	configpkg "github.com/drblury/sbflow/internal/runtime/config"
	"github.com/drblury/sbflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	idspkg "github.com/drblury/sbflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/sbflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/metrics"
	"github.com/drblury/sbflow/internal/runtime/session"
	transportpkg "github.com/drblury/sbflow/internal/runtime/transport"
	newtransport "github.com/drblury/sbflow/transport"
)

type (
	Config              = configpkg.Config
	ConnectionString    = configpkg.ConnectionString
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Subscription        = runtimepkg.Subscription
	Status              = runtimepkg.Status
	ResourceUsage       = runtimepkg.ResourceUsage
	OutboundMessage     = runtimepkg.OutboundMessage
	ReceiveRequest      = runtimepkg.ReceiveRequest

	// Broker boundary, for plugging in another client or a test double.
	Dialer          = broker.Dialer
	DialerFunc      = broker.DialerFunc
	Connection      = broker.Connection
	Receiver        = broker.Receiver
	SessionReceiver = broker.SessionReceiver
	Sender          = broker.Sender
	Target          = broker.Target
	RetryPolicy     = broker.RetryPolicy
	Message         = broker.Message

	Record          = dispatch.Record
	SessionInfo     = dispatch.SessionInfo
	Sink            = dispatch.Sink
	SinkFunc        = dispatch.SinkFunc
	Encoding        = dispatch.Encoding
	Hooks           = dispatch.Hooks
	DispatchContext = dispatch.DispatchContext

	SessionInfoSnapshot = session.Info
	MetricsSnapshot     = metrics.Snapshot
	TargetMetrics       = metrics.TargetMetrics

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Error = errspkg.Error

	Transport        = transportpkg.Transport
	TransportFactory = transportpkg.Factory
	TransportFunc    = transportpkg.FactoryFunc

	// Modular sink transport types.
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadEnv        = configpkg.LoadEnv
	FromEnv        = configpkg.FromEnv
	DefaultConfig  = configpkg.Default

	ParseConnectionString = configpkg.ParseConnectionString

	QueueTarget        = broker.QueueTarget
	SubscriptionTarget = broker.SubscriptionTarget
	BoundedRetries     = broker.BoundedRetries
	UnboundedRetries   = broker.UnboundedRetries

	NewBrokerMessage   = runtimepkg.NewBrokerMessage
	NewRecord          = dispatch.NewRecord
	NewPublisherSink   = dispatch.NewPublisherSink
	EncodeRecord       = dispatch.EncodeRecord
	DecodeRecord       = dispatch.DecodeRecord
	LoggingHooks       = dispatch.LoggingHooks
	DecodeSessionState = session.DecodeState
	EncodeSessionState = session.EncodeState

	// Modular sink transport registry. Import individual transports via:
	// _ "github.com/drblury/sbflow/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	KindOf         = errspkg.KindOf
	IsSessionError = errspkg.IsSessionError

	ErrConfiguration       = errspkg.ErrConfiguration
	ErrSessionUnavailable  = errspkg.ErrSessionUnavailable
	ErrNoSessionsAvailable = errspkg.ErrNoSessionsAvailable
	ErrTransport           = errspkg.ErrTransport
	ErrStateCodec          = errspkg.ErrStateCodec
	ErrSink                = errspkg.ErrSink
	ErrConnectionClosing   = errspkg.ErrConnectionClosing
	ErrAlreadyStarted      = errspkg.ErrAlreadyStarted
	ErrEntityRequired      = errspkg.ErrEntityRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	NewULID = idspkg.New
)

// Session modes, completion policies and record encodings.
const (
	SessionModeNone     = configpkg.SessionModeNone
	SessionModeAny      = configpkg.SessionModeAny
	SessionModeSpecific = configpkg.SessionModeSpecific

	CompletionAuto   = configpkg.CompletionAuto
	CompletionManual = configpkg.CompletionManual

	EncodingJSON     = dispatch.EncodingJSON
	EncodingProtobuf = dispatch.EncodingProtobuf
)
