package dnvme

import (
	"github.com/ehrlich-b/go-dnvme/internal/ctrl"
	"github.com/ehrlich-b/go-dnvme/internal/interfaces"
	"github.com/ehrlich-b/go-dnvme/internal/logging"
	"github.com/ehrlich-b/go-dnvme/internal/queue"
)

// Transport is the kernel command channel a Device drives. Open uses the
// dnvme ioctl transport; tests and --simulate use SimulatedController.
type Transport = interfaces.Transport

// Optional transport capabilities.
type (
	RegisterTransport = interfaces.RegisterTransport
	MetricsTransport  = interfaces.MetricsTransport
	SyslogTransport   = interfaces.SyslogTransport
)

// TransportError is a failed kernel call.
type TransportError = interfaces.TransportError

type (
	BootstrapStep   = interfaces.BootstrapStep
	BootstrapArg    = interfaces.BootstrapArg
	IRQType         = interfaces.IRQType
	IRQConfig       = interfaces.IRQConfig
	QueueDescriptor = interfaces.QueueDescriptor
	RegisterSpace   = interfaces.RegisterSpace
	DriverInfo      = interfaces.DriverInfo
)

const (
	IRQMSISingle = interfaces.IRQMSISingle
	IRQMSIMulti  = interfaces.IRQMSIMulti
	IRQMSIX      = interfaces.IRQMSIX
	IRQNone      = interfaces.IRQNone

	SpacePCIHeader = interfaces.SpacePCIHeader
	SpaceBAR01     = interfaces.SpaceBAR01
)

// ParseIRQType maps "msi-single", "msi-multi", "msix" or "none" to an IRQType.
func ParseIRQType(s string) (IRQType, error) {
	return interfaces.ParseIRQType(s)
}

// Media is the storage behind a simulated namespace.
type Media = interfaces.Media

// Optional media capabilities used by Write Zeroes, Dataset Management and
// Stats.
type (
	DiscardMedia     = interfaces.DiscardMedia
	WriteZeroesMedia = interfaces.WriteZeroesMedia
	StatMedia        = interfaces.StatMedia
)

// Lifecycle types.
type (
	AdminConfig     = ctrl.AdminConfig
	ControllerState = ctrl.State
	QueueState      = ctrl.QueueState
	QueueInfo       = ctrl.QueueInfo
	PreparedQueue   = ctrl.PreparedQueue
	DoorbellError   = ctrl.DoorbellError
)

const (
	StateUnknown          = ctrl.StateUnknown
	StateDisabled         = ctrl.StateDisabled
	StateAdminCQAllocated = ctrl.StateAdminCQAllocated
	StateAdminSQAllocated = ctrl.StateAdminSQAllocated
	StateIRQConfigured    = ctrl.StateIRQConfigured
	StateEnabled          = ctrl.StateEnabled

	QueueUncreated = ctrl.QueueUncreated
	QueuePrepared  = ctrl.QueuePrepared
	QueueCreated   = ctrl.QueueCreated
	QueueDeleted   = ctrl.QueueDeleted
)

// DefaultAdminConfig returns the admin queue defaults.
func DefaultAdminConfig() AdminConfig {
	return ctrl.DefaultAdminConfig()
}

// Batch is the result of one reap.
type Batch = queue.Batch

// Logger is the structured logger used throughout the package.
type Logger = logging.Logger

// LogConfig configures NewLogger.
type LogConfig = logging.Config

// LogLevel is a logger verbosity.
type LogLevel = logging.LogLevel

const (
	LevelDebug = logging.LevelDebug
	LevelInfo  = logging.LevelInfo
	LevelWarn  = logging.LevelWarn
	LevelError = logging.LevelError
)

// NewLogger creates a zerolog-backed logger.
func NewLogger(cfg *LogConfig) *Logger {
	return logging.NewLogger(cfg)
}

// ParseLogLevel maps "debug", "info", "warn" or "error" to a level.
func ParseLogLevel(s string) (LogLevel, error) {
	return logging.ParseLevel(s)
}
