package interfaces

import (
	"fmt"
	"syscall"

	"github.com/ehrlich-b/go-dnvme/nvme"
)

// BootstrapStep is one of the controller bring-up primitives.
type BootstrapStep int

const (
	StepDisable BootstrapStep = iota
	StepCreateAdminCQ
	StepCreateAdminSQ
	StepSetIRQ
	StepEnable
)

func (s BootstrapStep) String() string {
	switch s {
	case StepDisable:
		return "disable"
	case StepCreateAdminCQ:
		return "create-admin-cq"
	case StepCreateAdminSQ:
		return "create-admin-sq"
	case StepSetIRQ:
		return "set-irq"
	case StepEnable:
		return "enable"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// IRQType is the interrupt scheme the kernel driver should use.
type IRQType uint32

const (
	IRQMSISingle IRQType = iota
	IRQMSIMulti
	IRQMSIX
	IRQNone
)

func (t IRQType) String() string {
	switch t {
	case IRQMSISingle:
		return "msi-single"
	case IRQMSIMulti:
		return "msi-multi"
	case IRQMSIX:
		return "msix"
	case IRQNone:
		return "none"
	}
	return fmt.Sprintf("irq(%d)", uint32(t))
}

// ParseIRQType maps a config string to an IRQType.
func ParseIRQType(s string) (IRQType, error) {
	for t := IRQMSISingle; t <= IRQNone; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return IRQNone, fmt.Errorf("%w: unknown irq type %q", nvme.ErrInvalidArgument, s)
}

// IRQConfig selects the interrupt scheme and vector count.
type IRQConfig struct {
	Type  IRQType
	Count uint16
}

// BootstrapArg carries the argument of a bootstrap step. Elements is used
// by the admin queue steps, IRQ by StepSetIRQ and Completely by
// StepDisable (which then also tears down the admin queues).
type BootstrapArg struct {
	Elements   uint32
	IRQ        IRQConfig
	Completely bool
}

// QueueDescriptor describes an I/O queue to prepare and create.
type QueueDescriptor struct {
	Kind              nvme.QueueKind
	ID                uint16
	CQID              uint16 // paired CQ, submission queues only
	Elements          uint32 // 1-based
	Contiguous        bool
	InterruptsEnabled bool
	Vector            uint16
	Priority          uint8
	NVMSetID          uint16
}

// Transport is the kernel command channel. Implementations must not
// retry; every failure is returned to the caller.
type Transport interface {
	// BootstrapStep performs one controller bring-up primitive.
	BootstrapStep(step BootstrapStep, arg BootstrapArg) error

	// Prepare asks the driver to reserve bookkeeping and, for contiguous
	// queues, memory for an I/O queue before its create command is sent.
	Prepare(desc QueueDescriptor) error

	// Send places one command on submission queue sqID and returns the
	// command identifier the driver assigned. A nil error means the entry
	// was queued, not that it completed.
	Send(sqID uint16, cmd *nvme.Command, xfer *nvme.Transfer) (uint16, error)

	// RingDoorbell publishes queued entries of sqID to the controller.
	RingDoorbell(sqID uint16) error

	// Inquire reports how many completions wait on cqID without
	// consuming them.
	Inquire(cqID uint16) (remaining, isr uint32, err error)

	// Reap copies up to count completion entries of cqID into buf.
	Reap(cqID uint16, count uint32, buf []byte) (reaped, remaining, isr uint32, err error)

	Close() error
}

// RegisterSpace selects what ReadRegister and WriteRegister address.
type RegisterSpace uint32

const (
	SpacePCIHeader RegisterSpace = iota
	SpaceBAR01
)

// RegisterTransport is an optional interface for transports that can
// access PCI config space and controller registers.
type RegisterTransport interface {
	Transport

	ReadRegister(space RegisterSpace, offset uint32, buf []byte) error
	WriteRegister(space RegisterSpace, offset uint32, buf []byte) error
}

// DriverInfo is what the kernel driver reports about itself.
type DriverInfo struct {
	DriverVersion uint32
	APIVersion    uint32
}

// MetricsTransport is an optional interface for transports that expose
// driver and device metrics.
type MetricsTransport interface {
	Transport

	DriverMetrics() (DriverInfo, error)
	DeviceMetrics() (IRQConfig, error)
}

// SyslogTransport is an optional interface for writing a marker string to
// the kernel log.
type SyslogTransport interface {
	Transport

	MarkSyslog(msg string) error
}

// TransportError is a failed kernel call. Status is the raw return value.
type TransportError struct {
	Op     string
	Errno  syscall.Errno
	Status int
}

func (e *TransportError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Errno, e.Status)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

func (e *TransportError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}
