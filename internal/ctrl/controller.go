// Package ctrl tracks controller bring-up and I/O queue lifecycle on top of
// a Transport. Every transition is checked before the transport is called,
// so an out-of-order request never reaches the kernel.
package ctrl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ehrlich-b/go-dnvme/internal/constants"
	"github.com/ehrlich-b/go-dnvme/internal/interfaces"
	"github.com/ehrlich-b/go-dnvme/internal/logging"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// Params configures a Controller.
type Params struct {
	Transport interfaces.Transport
	Logger    *logging.Logger

	// DeferDoorbell leaves doorbell writes to the caller (see Doorbell).
	DeferDoorbell bool
}

type queueEntry struct {
	desc  QueueDescriptor
	state QueueState
	token *PreparedQueue
}

// Controller is the lifecycle state machine for one device.
type Controller struct {
	tr            interfaces.Transport
	logger        *logging.Logger
	deferDoorbell bool

	mu    sync.Mutex
	state State
	cqs   map[uint16]*queueEntry
	sqs   map[uint16]*queueEntry
}

// NewController wraps a transport. The initial state is Unknown, so the
// first bootstrap step must be Disable.
func NewController(p Params) (*Controller, error) {
	if p.Transport == nil {
		return nil, fmt.Errorf("%w: nil transport", nvme.ErrInvalidArgument)
	}
	logger := p.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		tr:            p.Transport,
		logger:        logger,
		deferDoorbell: p.DeferDoorbell,
		cqs:           make(map[uint16]*queueEntry),
		sqs:           make(map[uint16]*queueEntry),
	}, nil
}

// Transport returns the underlying transport.
func (c *Controller) Transport() interfaces.Transport {
	return c.tr
}

// State returns the bootstrap state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disable resets the controller. It is legal from every state and forgets
// all I/O queues. With completely set the driver also drops the admin
// queues.
func (c *Controller) Disable(completely bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.tr.BootstrapStep(interfaces.StepDisable, interfaces.BootstrapArg{Completely: completely})
	c.cqs = make(map[uint16]*queueEntry)
	c.sqs = make(map[uint16]*queueEntry)
	if err != nil {
		c.logger.WithError(err).Warn("disable failed", "from", c.state.String())
		c.state = StateUnknown
		return err
	}
	c.logger.Info("controller disabled", "from", c.state.String())
	c.state = StateDisabled
	return nil
}

func normalizeAdminElements(n uint32) (uint32, error) {
	if n == 0 {
		return constants.DefaultAdminElements, nil
	}
	if n < 2 || n > constants.MaxAdminElements {
		return 0, fmt.Errorf("%w: admin queue of %d elements, want 2..%d",
			nvme.ErrInvalidArgument, n, constants.MaxAdminElements)
	}
	return n, nil
}

// step runs one bootstrap primitive if the controller is in from.
func (c *Controller) step(step interfaces.BootstrapStep, arg interfaces.BootstrapArg, from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != from {
		return fmt.Errorf("%w: %s requires %s, controller is %s", ErrInvalidState, step, from, c.state)
	}
	if err := c.tr.BootstrapStep(step, arg); err != nil {
		c.logger.WithError(err).Warn("bootstrap step failed", "step", step.String())
		return err
	}
	c.logger.Debug("bootstrap step", "step", step.String(), "state", to.String())
	c.state = to
	return nil
}

// CreateAdminCompletionQueue allocates the admin CQ. Zero elements selects
// the default depth.
func (c *Controller) CreateAdminCompletionQueue(elements uint32) error {
	n, err := normalizeAdminElements(elements)
	if err != nil {
		return err
	}
	return c.step(interfaces.StepCreateAdminCQ, interfaces.BootstrapArg{Elements: n}, StateDisabled, StateAdminCQAllocated)
}

// CreateAdminSubmissionQueue allocates the admin SQ.
func (c *Controller) CreateAdminSubmissionQueue(elements uint32) error {
	n, err := normalizeAdminElements(elements)
	if err != nil {
		return err
	}
	return c.step(interfaces.StepCreateAdminSQ, interfaces.BootstrapArg{Elements: n}, StateAdminCQAllocated, StateAdminSQAllocated)
}

// SetIRQ selects the interrupt scheme.
func (c *Controller) SetIRQ(irq interfaces.IRQConfig) error {
	if irq.Type > interfaces.IRQNone {
		return fmt.Errorf("%w: irq type %d", nvme.ErrInvalidArgument, uint32(irq.Type))
	}
	if irq.Type != interfaces.IRQNone && irq.Count == 0 {
		return fmt.Errorf("%w: %s needs at least one vector", nvme.ErrInvalidArgument, irq.Type)
	}
	return c.step(interfaces.StepSetIRQ, interfaces.BootstrapArg{IRQ: irq}, StateAdminSQAllocated, StateIRQConfigured)
}

// Enable sets CC.EN and makes the admin queue usable.
func (c *Controller) Enable() error {
	if err := c.step(interfaces.StepEnable, interfaces.BootstrapArg{}, StateIRQConfigured, StateEnabled); err != nil {
		return err
	}
	c.logger.Info("controller enabled")
	return nil
}

// Bootstrap runs all five steps in order. ctx is checked between steps.
func (c *Controller) Bootstrap(ctx context.Context, cfg AdminConfig) error {
	steps := []func() error{
		func() error { return c.Disable(false) },
		func() error { return c.CreateAdminCompletionQueue(cfg.CQElements) },
		func() error { return c.CreateAdminSubmissionQueue(cfg.SQElements) },
		func() error { return c.SetIRQ(cfg.IRQ) },
		c.Enable,
	}
	for _, run := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := run(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) table(kind nvme.QueueKind) map[uint16]*queueEntry {
	if kind == nvme.SubmissionQueue {
		return c.sqs
	}
	return c.cqs
}

func stateOf(m map[uint16]*queueEntry, id uint16) QueueState {
	if e, ok := m[id]; ok {
		return e.state
	}
	return QueueUncreated
}

// QueueState returns the lifecycle state of an I/O queue.
func (c *Controller) QueueState(kind nvme.QueueKind, id uint16) QueueState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return stateOf(c.table(kind), id)
}

// Queues lists every known I/O queue, CQs first, each by id.
func (c *Controller) Queues() []QueueInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []QueueInfo
	for _, m := range []map[uint16]*queueEntry{c.cqs, c.sqs} {
		start := len(out)
		for _, e := range m {
			out = append(out, QueueInfo{Desc: e.desc, State: e.state})
		}
		part := out[start:]
		sort.Slice(part, func(i, j int) bool { return part[i].Desc.ID < part[j].Desc.ID })
	}
	return out
}

func (c *Controller) requireEnabled(what string) error {
	if c.state != StateEnabled {
		return fmt.Errorf("%w: %s requires an enabled controller, state is %s", ErrInvalidState, what, c.state)
	}
	return nil
}

func validateDescriptor(desc QueueDescriptor, mem []byte) error {
	if desc.ID == nvme.AdminQueueID {
		return fmt.Errorf("%w: %s id 0 is the admin queue", nvme.ErrInvalidArgument, desc.Kind)
	}
	if desc.Elements == 0 || desc.Elements > nvme.MaxQueueElements {
		return fmt.Errorf("%w: %s %d has %d elements, want 1..%d",
			nvme.ErrInvalidArgument, desc.Kind, desc.ID, desc.Elements, nvme.MaxQueueElements)
	}
	if !desc.Contiguous {
		need := int(desc.Elements) * desc.Kind.EntrySize()
		if len(mem) < need {
			return fmt.Errorf("%w: %s %d needs %d bytes of queue memory, have %d",
				nvme.ErrBufferTooSmall, desc.Kind, desc.ID, need, len(mem))
		}
	}
	return nil
}

// PrepareCompletionQueue validates desc and reserves driver state for it.
// mem is the queue memory of a non-contiguous queue and ignored otherwise.
func (c *Controller) PrepareCompletionQueue(desc QueueDescriptor, mem []byte) (*PreparedQueue, error) {
	desc.Kind = nvme.CompletionQueue
	desc.CQID = 0
	return c.prepare(desc, mem)
}

// PrepareSubmissionQueue is PrepareCompletionQueue for SQs. The paired CQ
// named by desc.CQID must already be created.
func (c *Controller) PrepareSubmissionQueue(desc QueueDescriptor, mem []byte) (*PreparedQueue, error) {
	desc.Kind = nvme.SubmissionQueue
	return c.prepare(desc, mem)
}

func (c *Controller) prepare(desc QueueDescriptor, mem []byte) (*PreparedQueue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEnabled("prepare " + desc.Kind.String()); err != nil {
		return nil, err
	}
	if err := validateDescriptor(desc, mem); err != nil {
		return nil, err
	}
	m := c.table(desc.Kind)
	if st := stateOf(m, desc.ID); st == QueuePrepared || st == QueueCreated {
		return nil, fmt.Errorf("%w: %s %d is already %s", ErrInvalidState, desc.Kind, desc.ID, st)
	}
	if desc.Kind == nvme.SubmissionQueue {
		if st := stateOf(c.cqs, desc.CQID); st != QueueCreated {
			return nil, fmt.Errorf("%w: SQ %d references CQ %d which is %s", ErrInvalidState, desc.ID, desc.CQID, st)
		}
	}

	log := c.logger.WithQueue(desc.ID)
	if err := c.tr.Prepare(desc); err != nil {
		log.WithError(err).Warn("prepare failed", "kind", desc.Kind.String())
		return nil, err
	}

	tok := &PreparedQueue{owner: c, desc: desc, mem: mem}
	m[desc.ID] = &queueEntry{desc: desc, state: QueuePrepared, token: tok}
	log.Debug("queue prepared", "kind", desc.Kind.String(), "elements", desc.Elements)
	return tok, nil
}

// CreateCompletionQueue sends Create I/O CQ for a prepared queue.
func (c *Controller) CreateCompletionQueue(tok *PreparedQueue) (uint16, error) {
	return c.create(nvme.CompletionQueue, tok)
}

// CreateSubmissionQueue sends Create I/O SQ for a prepared queue.
func (c *Controller) CreateSubmissionQueue(tok *PreparedQueue) (uint16, error) {
	return c.create(nvme.SubmissionQueue, tok)
}

func (c *Controller) create(kind nvme.QueueKind, tok *PreparedQueue) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEnabled("create " + kind.String()); err != nil {
		return 0, err
	}
	if tok == nil || tok.owner != c {
		return 0, fmt.Errorf("%w: queue was not prepared by this controller", ErrInvalidState)
	}
	if tok.used {
		return 0, fmt.Errorf("%w: %s %d token already used", ErrInvalidState, tok.desc.Kind, tok.desc.ID)
	}
	if tok.desc.Kind != kind {
		return 0, fmt.Errorf("%w: token is for a %s, not a %s", ErrInvalidState, tok.desc.Kind, kind)
	}
	e, ok := c.table(kind)[tok.desc.ID]
	if !ok || e.token != tok || e.state != QueuePrepared {
		return 0, fmt.Errorf("%w: %s %d is no longer prepared", ErrInvalidState, kind, tok.desc.ID)
	}

	d := tok.desc
	var (
		cmd  nvme.Command
		xfer nvme.Transfer
		err  error
	)
	if kind == nvme.SubmissionQueue {
		if st := stateOf(c.cqs, d.CQID); st != QueueCreated {
			return 0, fmt.Errorf("%w: SQ %d references CQ %d which is %s", ErrInvalidState, d.ID, d.CQID, st)
		}
		cmd, xfer, err = nvme.CreateIOSubmissionQueue(nvme.CreateSQ{
			QID: d.ID, Elements: d.Elements, Contiguous: d.Contiguous,
			Priority: d.Priority, CQID: d.CQID, NVMSetID: d.NVMSetID,
		}, tok.mem)
	} else {
		cmd, xfer, err = nvme.CreateIOCompletionQueue(nvme.CreateCQ{
			QID: d.ID, Elements: d.Elements, Contiguous: d.Contiguous,
			InterruptsEnabled: d.InterruptsEnabled, Vector: d.Vector,
		}, tok.mem)
	}
	if err != nil {
		return 0, err
	}

	cid, err := c.send(nvme.AdminQueueID, &cmd, &xfer)
	if err != nil && !isDoorbellError(err) {
		return 0, err
	}
	tok.used = true
	e.token = nil
	e.state = QueueCreated
	c.logger.WithQueue(d.ID).Info("queue created", "kind", kind.String(), "elements", d.Elements, "cid", cid)
	return cid, err
}

// DeleteIOSubmissionQueue sends Delete I/O SQ for a created SQ.
func (c *Controller) DeleteIOSubmissionQueue(id uint16) (uint16, error) {
	return c.delete(nvme.SubmissionQueue, id)
}

// DeleteIOCompletionQueue sends Delete I/O CQ. Every SQ using the CQ must
// be deleted first.
func (c *Controller) DeleteIOCompletionQueue(id uint16) (uint16, error) {
	return c.delete(nvme.CompletionQueue, id)
}

func (c *Controller) delete(kind nvme.QueueKind, id uint16) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEnabled("delete " + kind.String()); err != nil {
		return 0, err
	}
	e, ok := c.table(kind)[id]
	if !ok || e.state != QueueCreated {
		return 0, fmt.Errorf("%w: %s %d is %s", ErrInvalidState, kind, id, stateOf(c.table(kind), id))
	}
	if kind == nvme.CompletionQueue {
		for sqid, sq := range c.sqs {
			if sq.state == QueueCreated && sq.desc.CQID == id {
				return 0, fmt.Errorf("%w: CQ %d is still used by SQ %d", ErrInvalidState, id, sqid)
			}
		}
	}

	cmd, xfer, err := nvme.DeleteIOQueue(kind, id)
	if err != nil {
		return 0, err
	}
	cid, err := c.send(nvme.AdminQueueID, &cmd, &xfer)
	if err != nil && !isDoorbellError(err) {
		return 0, err
	}
	e.state = QueueDeleted
	c.logger.WithQueue(id).Info("queue deleted", "kind", kind.String(), "cid", cid)
	return cid, err
}

// Abandon forgets a queue whose create command completed with an error.
// Creation is tracked from submission, so a create the controller rejects
// leaves the queue Created here; Abandon moves it to Deleted without
// touching the transport, after which the id can be prepared again. A CQ
// still referenced by a created SQ must have that SQ abandoned first.
func (c *Controller) Abandon(kind nvme.QueueKind, id uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.table(kind)[id]
	if !ok || (e.state != QueueCreated && e.state != QueuePrepared) {
		return fmt.Errorf("%w: %s %d is %s", ErrInvalidState, kind, id, stateOf(c.table(kind), id))
	}
	if kind == nvme.CompletionQueue {
		for sqid, sq := range c.sqs {
			if sq.state == QueueCreated && sq.desc.CQID == id {
				return fmt.Errorf("%w: CQ %d is still used by SQ %d", ErrInvalidState, id, sqid)
			}
		}
	}
	if e.token != nil {
		e.token.used = true
		e.token = nil
	}
	e.state = QueueDeleted
	c.logger.WithQueue(id).Warn("queue abandoned", "kind", kind.String())
	return nil
}

// CheckCompletionQueue reports whether cqID can be inquired or reaped:
// the admin CQ once allocated, an I/O CQ once created.
func (c *Controller) CheckCompletionQueue(cqID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cqID == nvme.AdminQueueID {
		if c.state < StateAdminCQAllocated {
			return fmt.Errorf("%w: admin CQ is not allocated, state is %s", ErrInvalidState, c.state)
		}
		return nil
	}
	if st := stateOf(c.cqs, cqID); st != QueueCreated {
		return fmt.Errorf("%w: CQ %d is %s", ErrInvalidState, cqID, st)
	}
	return nil
}

// Submit validates a built command against its target queue and sends it.
// op must be the opcode the command was built for: admin opcodes go to
// queue 0, NVM opcodes to a created I/O SQ. A *DoorbellError comes back
// with the valid cid of the queued command.
func (c *Controller) Submit(sqID uint16, op nvme.Opcode, cmd *nvme.Command, xfer *nvme.Transfer) (uint16, error) {
	if cmd == nil {
		return 0, fmt.Errorf("%w: nil command", nvme.ErrInvalidArgument)
	}
	if cmd.OpcodeByte() != op.Code() {
		return 0, fmt.Errorf("%w: command opcode 0x%02x is not %s", nvme.ErrInvalidArgument, cmd.OpcodeByte(), op)
	}
	if op == nvme.OpCreateIOCQ || op == nvme.OpCreateIOSQ || op == nvme.OpDeleteIOCQ || op == nvme.OpDeleteIOSQ {
		return 0, fmt.Errorf("%w: %s must go through the queue lifecycle", nvme.ErrInvalidArgument, op)
	}
	x := nvme.Transfer{}
	if xfer != nil {
		x = *xfer
	}
	if err := x.Validate(op); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEnabled(op.String()); err != nil {
		return 0, err
	}
	if op.IsAdmin() != (sqID == nvme.AdminQueueID) {
		return 0, fmt.Errorf("%w: %s cannot be sent on queue %d", nvme.ErrInvalidArgument, op, sqID)
	}
	if sqID != nvme.AdminQueueID {
		if st := stateOf(c.sqs, sqID); st != QueueCreated {
			return 0, fmt.Errorf("%w: SQ %d is %s", ErrInvalidState, sqID, st)
		}
	}
	return c.send(sqID, cmd, &x)
}

// send issues a command and rings the doorbell unless deferred. c.mu held.
func (c *Controller) send(sqID uint16, cmd *nvme.Command, xfer *nvme.Transfer) (uint16, error) {
	log := c.logger.WithQueue(sqID)
	cid, err := c.tr.Send(sqID, cmd, xfer)
	if err != nil {
		log.WithError(err).Warn("send failed", "opc", cmd.OpcodeByte())
		return 0, err
	}
	if !c.deferDoorbell {
		if err := c.tr.RingDoorbell(sqID); err != nil {
			log.WithError(err).Warn("doorbell failed", "cid", cid)
			return cid, &DoorbellError{SQID: sqID, CID: cid, Err: err}
		}
	}
	log.Debug("submitted", "opc", cmd.OpcodeByte(), "cid", cid)
	return cid, nil
}

func isDoorbellError(err error) bool {
	var de *DoorbellError
	return errors.As(err, &de)
}

// Doorbell rings the doorbell of sqID. Needed with DeferDoorbell and after
// a DoorbellError.
func (c *Controller) Doorbell(sqID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEnabled("doorbell"); err != nil {
		return err
	}
	if sqID != nvme.AdminQueueID && stateOf(c.sqs, sqID) != QueueCreated {
		return fmt.Errorf("%w: SQ %d is %s", ErrInvalidState, sqID, stateOf(c.sqs, sqID))
	}
	return c.tr.RingDoorbell(sqID)
}
