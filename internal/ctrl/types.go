package ctrl

import (
	"fmt"

	"github.com/ehrlich-b/go-dnvme/internal/constants"
	"github.com/ehrlich-b/go-dnvme/internal/interfaces"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// QueueDescriptor describes an I/O queue to prepare and create.
type QueueDescriptor = interfaces.QueueDescriptor

// ErrInvalidState is wrapped by every error caused by calling a lifecycle
// operation out of order.
var ErrInvalidState = fmt.Errorf("%w: invalid lifecycle state", nvme.ErrInvalidArgument)

// DoorbellError reports a command that reached the submission queue but
// whose doorbell write failed. The command counts as submitted: CID is
// valid and queue state has moved on. Ringing the doorbell again with
// Controller.Doorbell publishes it.
type DoorbellError struct {
	SQID uint16
	CID  uint16
	Err  error
}

func (e *DoorbellError) Error() string {
	return fmt.Sprintf("SQ %d: cid %d queued, doorbell failed: %v", e.SQID, e.CID, e.Err)
}

func (e *DoorbellError) Unwrap() error { return e.Err }

// State is the controller bootstrap state.
type State int

const (
	StateUnknown State = iota
	StateDisabled
	StateAdminCQAllocated
	StateAdminSQAllocated
	StateIRQConfigured
	StateEnabled
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateDisabled:
		return "disabled"
	case StateAdminCQAllocated:
		return "admin-cq-allocated"
	case StateAdminSQAllocated:
		return "admin-sq-allocated"
	case StateIRQConfigured:
		return "irq-configured"
	case StateEnabled:
		return "enabled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// QueueState is the lifecycle state of one I/O queue.
type QueueState int

const (
	QueueUncreated QueueState = iota
	QueuePrepared
	QueueCreated
	QueueDeleted
)

func (s QueueState) String() string {
	switch s {
	case QueueUncreated:
		return "uncreated"
	case QueuePrepared:
		return "prepared"
	case QueueCreated:
		return "created"
	case QueueDeleted:
		return "deleted"
	}
	return fmt.Sprintf("queue-state(%d)", int(s))
}

// AdminConfig is the argument of Bootstrap.
type AdminConfig struct {
	CQElements uint32
	SQElements uint32
	IRQ        interfaces.IRQConfig
}

// DefaultAdminConfig returns admin queues of the driver default depth with
// interrupts off; completions are then reaped by polling.
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{
		CQElements: constants.DefaultAdminElements,
		SQElements: constants.DefaultAdminElements,
		IRQ:        interfaces.IRQConfig{Type: interfaces.IRQNone},
	}
}

// PreparedQueue is returned by a successful prepare and consumed by the
// matching create. It cannot be constructed outside this package.
type PreparedQueue struct {
	owner *Controller
	desc  QueueDescriptor
	mem   []byte
	used  bool
}

// Descriptor returns the queue the token was prepared for.
func (p *PreparedQueue) Descriptor() QueueDescriptor {
	return p.desc
}

// QueueInfo is one row of Controller.Queues.
type QueueInfo struct {
	Desc  QueueDescriptor
	State QueueState
}
