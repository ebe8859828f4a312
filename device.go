// Package dnvme drives an NVMe controller through the dnvme kernel command
// channel. A Device bundles the transport, the controller lifecycle and the
// completion reaper behind one explicit handle.
package dnvme

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-dnvme/internal/constants"
	"github.com/ehrlich-b/go-dnvme/internal/ctrl"
	"github.com/ehrlich-b/go-dnvme/internal/logging"
	"github.com/ehrlich-b/go-dnvme/internal/queue"
	"github.com/ehrlich-b/go-dnvme/internal/transport"
	"github.com/ehrlich-b/go-dnvme/internal/uapi"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// Options configures a Device.
type Options struct {
	// Logger for debug/info messages (if nil, the package default)
	Logger *Logger

	// Observer for metrics collection (if nil, records into Device.Metrics)
	Observer Observer

	// DeferDoorbell leaves doorbell writes to the caller (see Device.Doorbell)
	DeferDoorbell bool

	// Admin queue sizes and interrupt scheme used by Bootstrap
	Admin AdminConfig

	// PollInterval is the inquire interval of WaitForCompletions
	PollInterval time.Duration
}

// DefaultOptions returns default device options
func DefaultOptions() Options {
	return Options{
		Admin:        DefaultAdminConfig(),
		PollInterval: constants.DefaultPollInterval,
	}
}

// Device is an open NVMe controller.
type Device struct {
	path     string
	tr       Transport
	ctrl     *ctrl.Controller
	reaper   *queue.Reaper
	logger   *logging.Logger
	metrics  *Metrics
	observer Observer
	admin    AdminConfig
	interval time.Duration

	// completions reaped by AwaitCompletion for other commands, per CQ
	pendingMu  sync.Mutex
	pending    map[uint16][]nvme.Completion
	maxPending int

	closeOnce sync.Once
	closeErr  error
}

// Open opens the dnvme node at path (for example "/dev/nvme0"). The
// controller is left untouched; call Bootstrap before sending commands.
func Open(path string, opts *Options) (*Device, error) {
	o := resolveOptions(opts)
	tr, err := transport.Open(path, o.Logger)
	if err != nil {
		e := WrapError("open", err)
		e.Device = path
		return nil, e
	}
	d, err := newDevice(path, tr, o)
	if err != nil {
		return nil, err
	}
	if info, err := d.DriverMetrics(); err == nil && info.APIVersion != uapi.DNVME_API_VERSION {
		d.logger.Warn("driver API version mismatch",
			"driver_api", fmt.Sprintf("%#x", info.APIVersion),
			"library_api", fmt.Sprintf("%#x", uapi.DNVME_API_VERSION))
	}
	return d, nil
}

// New wraps an already open transport, such as a SimulatedController.
func New(tr Transport, opts *Options) (*Device, error) {
	if tr == nil {
		return nil, NewError("new", ErrCodeInvalidArgument, "nil transport")
	}
	path := "transport"
	if p, ok := tr.(interface{ Path() string }); ok {
		path = p.Path()
	}
	return newDevice(path, tr, resolveOptions(opts))
}

func resolveOptions(opts *Options) Options {
	o := DefaultOptions()
	if opts != nil {
		o.Logger = opts.Logger
		o.Observer = opts.Observer
		o.DeferDoorbell = opts.DeferDoorbell
		if opts.Admin != (AdminConfig{}) {
			o.Admin = opts.Admin
		}
		if opts.PollInterval > 0 {
			o.PollInterval = opts.PollInterval
		}
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

func newDevice(path string, tr Transport, o Options) (*Device, error) {
	logger := o.Logger.WithDevice(path)

	c, err := ctrl.NewController(ctrl.Params{
		Transport:     tr,
		Logger:        logger,
		DeferDoorbell: o.DeferDoorbell,
	})
	if err != nil {
		tr.Close()
		e := WrapError("open", err)
		e.Device = path
		return nil, e
	}

	metrics := NewMetrics()
	var observer Observer
	if o.Observer != nil {
		observer = o.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	d := &Device{
		path:     path,
		tr:       tr,
		ctrl:     c,
		reaper:   queue.NewReaper(tr, logger),
		logger:   logger,
		metrics:  metrics,
		observer: observer,
		admin:    o.Admin,
		interval: o.PollInterval,
		pending:  make(map[uint16][]nvme.Completion),

		maxPending: constants.MaxPendingCompletions,
	}
	logger.Debug("device opened", "defer_doorbell", o.DeferDoorbell)
	return d, nil
}

// wrap adds device context to err. Context errors are returned as is so
// callers can compare them directly.
func (d *Device) wrap(op string, qid int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e := WrapError(op, err)
	e.Device = d.path
	if e.Queue < 0 {
		e.Queue = qid
	}
	return e
}

// IsDoorbellFailure reports whether err means a command was queued but its
// doorbell write failed. The accompanying cid is valid.
func IsDoorbellFailure(err error) bool {
	var de *DoorbellError
	return errors.As(err, &de)
}

func isTransportFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Path returns the device node (or the simulator name).
func (d *Device) Path() string { return d.path }

// Transport returns the underlying transport.
func (d *Device) Transport() Transport { return d.tr }

// State returns the controller bootstrap state.
func (d *Device) State() ControllerState { return d.ctrl.State() }

// Disable resets the controller and forgets every I/O queue.
func (d *Device) Disable() error {
	return d.wrap("disable", -1, d.ctrl.Disable(false))
}

// DisableCompletely is Disable that also tears down the admin queues.
func (d *Device) DisableCompletely() error {
	return d.wrap("disable-completely", -1, d.ctrl.Disable(true))
}

// CreateAdminCompletionQueue allocates the admin CQ; 0 selects the default.
func (d *Device) CreateAdminCompletionQueue(elements uint32) error {
	return d.wrap("create-admin-cq", 0, d.ctrl.CreateAdminCompletionQueue(elements))
}

// CreateAdminSubmissionQueue allocates the admin SQ; 0 selects the default.
func (d *Device) CreateAdminSubmissionQueue(elements uint32) error {
	return d.wrap("create-admin-sq", 0, d.ctrl.CreateAdminSubmissionQueue(elements))
}

func (d *Device) SetIRQ(irq IRQConfig) error {
	return d.wrap("set-irq", -1, d.ctrl.SetIRQ(irq))
}

func (d *Device) Enable() error {
	return d.wrap("enable", -1, d.ctrl.Enable())
}

// Bootstrap runs disable, admin CQ, admin SQ, IRQ and enable in order
// using the admin configuration from Options.
func (d *Device) Bootstrap(ctx context.Context) error {
	start := time.Now()
	if err := d.ctrl.Bootstrap(ctx, d.admin); err != nil {
		return d.wrap("bootstrap", -1, err)
	}
	d.logger.Info("controller bootstrapped",
		"cq_elements", d.admin.CQElements,
		"sq_elements", d.admin.SQElements,
		"irq", d.admin.IRQ.Type.String(),
		"took", time.Since(start).String())
	return nil
}

// PrepareCompletionQueue reserves driver state for an I/O CQ. mem is the
// queue memory of a non-contiguous queue.
func (d *Device) PrepareCompletionQueue(desc QueueDescriptor, mem []byte) (*PreparedQueue, error) {
	tok, err := d.ctrl.PrepareCompletionQueue(desc, mem)
	d.observePrepare(err)
	return tok, d.wrap("prepare-cq", int(desc.ID), err)
}

// PrepareSubmissionQueue reserves driver state for an I/O SQ.
func (d *Device) PrepareSubmissionQueue(desc QueueDescriptor, mem []byte) (*PreparedQueue, error) {
	tok, err := d.ctrl.PrepareSubmissionQueue(desc, mem)
	d.observePrepare(err)
	return tok, d.wrap("prepare-sq", int(desc.ID), err)
}

func (d *Device) observePrepare(err error) {
	if err == nil || isTransportFailure(err) {
		d.observer.ObservePrepare(err == nil)
	}
}

// CreateCompletionQueue sends Create I/O CQ for a prepared queue and
// returns the command identifier.
func (d *Device) CreateCompletionQueue(tok *PreparedQueue) (uint16, error) {
	return d.createQueue(nvme.OpCreateIOCQ, tok, d.ctrl.CreateCompletionQueue)
}

// CreateSubmissionQueue sends Create I/O SQ for a prepared queue.
func (d *Device) CreateSubmissionQueue(tok *PreparedQueue) (uint16, error) {
	return d.createQueue(nvme.OpCreateIOSQ, tok, d.ctrl.CreateSubmissionQueue)
}

func (d *Device) createQueue(op nvme.Opcode, tok *PreparedQueue, create func(*PreparedQueue) (uint16, error)) (uint16, error) {
	qid := -1
	if tok != nil {
		qid = int(tok.Descriptor().ID)
	}
	start := time.Now()
	cid, err := create(tok)
	if err == nil || isTransportFailure(err) {
		d.observer.ObserveSubmit(true, 0, uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	if err != nil && !IsDoorbellFailure(err) {
		return 0, d.wrap(op.String(), qid, err)
	}
	d.observer.ObserveQueue(true)
	return cid, d.wrap(op.String(), qid, err)
}

// CreateIOCompletionQueue prepares and creates an I/O CQ in one call.
func (d *Device) CreateIOCompletionQueue(desc QueueDescriptor, mem []byte) (uint16, error) {
	tok, err := d.PrepareCompletionQueue(desc, mem)
	if err != nil {
		return 0, err
	}
	return d.CreateCompletionQueue(tok)
}

// CreateIOSubmissionQueue prepares and creates an I/O SQ in one call. The
// paired CQ must already exist.
func (d *Device) CreateIOSubmissionQueue(desc QueueDescriptor, mem []byte) (uint16, error) {
	tok, err := d.PrepareSubmissionQueue(desc, mem)
	if err != nil {
		return 0, err
	}
	return d.CreateSubmissionQueue(tok)
}

// DeleteIOSubmissionQueue sends Delete I/O SQ.
func (d *Device) DeleteIOSubmissionQueue(id uint16) (uint16, error) {
	return d.deleteQueue(nvme.OpDeleteIOSQ, id, d.ctrl.DeleteIOSubmissionQueue)
}

// DeleteIOCompletionQueue sends Delete I/O CQ. SQs using the CQ must be
// deleted first.
func (d *Device) DeleteIOCompletionQueue(id uint16) (uint16, error) {
	return d.deleteQueue(nvme.OpDeleteIOCQ, id, d.ctrl.DeleteIOCompletionQueue)
}

func (d *Device) deleteQueue(op nvme.Opcode, id uint16, del func(uint16) (uint16, error)) (uint16, error) {
	start := time.Now()
	cid, err := del(id)
	if err == nil || isTransportFailure(err) {
		d.observer.ObserveSubmit(true, 0, uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	if err != nil && !IsDoorbellFailure(err) {
		return 0, d.wrap(op.String(), int(id), err)
	}
	d.observer.ObserveQueue(false)
	if op == nvme.OpDeleteIOCQ {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
	}
	return cid, d.wrap(op.String(), int(id), err)
}

// AbandonQueue forgets an I/O queue whose create command completed with an
// error status, so its id can be prepared again. Queue state follows
// submissions, not completions; callers that see a failed create
// completion use this to bring the two back in line.
func (d *Device) AbandonQueue(kind nvme.QueueKind, id uint16) error {
	if err := d.ctrl.Abandon(kind, id); err != nil {
		return d.wrap("abandon-"+kind.String(), int(id), err)
	}
	if kind == nvme.CompletionQueue {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
	}
	return nil
}

// QueueState returns the lifecycle state of an I/O queue.
func (d *Device) QueueState(kind nvme.QueueKind, id uint16) QueueState {
	return d.ctrl.QueueState(kind, id)
}

// Queues lists every known I/O queue.
func (d *Device) Queues() []QueueInfo {
	return d.ctrl.Queues()
}

// Submit sends a command built by the nvme package. op must be the opcode
// the command was built for. It returns the command identifier assigned
// by the driver; a nil error means the command was queued. When only the
// doorbell write fails the command is still queued: the cid is returned
// with an error for which IsDoorbellFailure is true, and Doorbell retries
// the write.
func (d *Device) Submit(sqID uint16, op nvme.Opcode, cmd *nvme.Command, xfer *nvme.Transfer) (uint16, error) {
	var bytes uint64
	if xfer != nil {
		bytes = uint64(xfer.Len())
	}

	start := time.Now()
	cid, err := d.ctrl.Submit(sqID, op, cmd, xfer)
	latency := uint64(time.Since(start).Nanoseconds())
	if err == nil || isTransportFailure(err) {
		d.observer.ObserveSubmit(op.IsAdmin(), bytes, latency, err == nil)
	}
	if err != nil && !IsDoorbellFailure(err) {
		return 0, d.wrap(op.String(), int(sqID), err)
	}
	d.logger.WithCommand(op.String(), cid).Debug("command sent", "sqid", sqID, "bytes", bytes)
	return cid, d.wrap(op.String(), int(sqID), err)
}

// Doorbell publishes commands queued on sqID. Needed with
// Options.DeferDoorbell and to retry after a failed doorbell write.
func (d *Device) Doorbell(sqID uint16) error {
	return d.wrap("doorbell", int(sqID), d.ctrl.Doorbell(sqID))
}

// Inquire reports how many completions wait on cqID without consuming them.
func (d *Device) Inquire(cqID uint16) (remaining, isr uint32, err error) {
	if err := d.ctrl.CheckCompletionQueue(cqID); err != nil {
		return 0, 0, d.wrap("inquire", int(cqID), err)
	}
	remaining, isr, err = d.reaper.Inquire(cqID)
	d.observer.ObserveInquire(err == nil)
	if err != nil {
		return 0, 0, d.wrap("inquire", int(cqID), err)
	}
	return remaining, isr, nil
}

// Reap copies exactly count completions of cqID into buf, which must hold
// count*16 bytes. Asking for more than Inquire reports is an error.
func (d *Device) Reap(cqID uint16, count uint32, buf []byte) (Batch, error) {
	if err := d.ctrl.CheckCompletionQueue(cqID); err != nil {
		return Batch{}, d.wrap("reap", int(cqID), err)
	}
	batch, err := d.reaper.Reap(cqID, count, buf)
	if err == nil || isTransportFailure(err) {
		d.observer.ObserveReap(batch.Reaped, err == nil)
	}
	if err != nil {
		return Batch{}, d.wrap("reap", int(cqID), err)
	}
	return batch, nil
}

// ReapAll reaps and decodes every completion currently on cqID.
func (d *Device) ReapAll(cqID uint16) ([]nvme.Completion, error) {
	if err := d.ctrl.CheckCompletionQueue(cqID); err != nil {
		return nil, d.wrap("reap", int(cqID), err)
	}
	entries, err := d.reaper.ReapAll(cqID)
	if err == nil || isTransportFailure(err) {
		d.observer.ObserveReap(uint32(len(entries)), err == nil)
	}
	if err != nil {
		return nil, d.wrap("reap", int(cqID), err)
	}
	return entries, nil
}

// WaitForCompletions polls cqID until at least one completion is available
// and returns the count. It gives up when ctx is done.
func (d *Device) WaitForCompletions(ctx context.Context, cqID uint16) (uint32, error) {
	if err := d.ctrl.CheckCompletionQueue(cqID); err != nil {
		return 0, d.wrap("wait", int(cqID), err)
	}
	n, err := d.reaper.WaitForCompletions(ctx, cqID, d.interval)
	return n, d.wrap("wait", int(cqID), err)
}

// AwaitCompletion waits for the completion of command cid on cqID and
// returns it whatever its status; use Completion.Err to check the status.
// Completions of other commands reaped on the way are kept and handed out
// by later AwaitCompletion calls. At most MaxPendingCompletions are kept
// per CQ, oldest dropped first; DrainPending collects the ones nobody
// awaits, such as AER completions.
func (d *Device) AwaitCompletion(ctx context.Context, cqID, cid uint16) (nvme.Completion, error) {
	for {
		if c, ok := d.takePending(cqID, cid); ok {
			return c, nil
		}
		if _, err := d.WaitForCompletions(ctx, cqID); err != nil {
			return nvme.Completion{}, err
		}
		entries, err := d.ReapAll(cqID)
		if err != nil {
			return nvme.Completion{}, err
		}
		d.park(cqID, entries)
	}
}

func (d *Device) park(cqID uint16, entries []nvme.Completion) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	list := append(d.pending[cqID], entries...)
	if over := len(list) - d.maxPending; over > 0 {
		d.logger.WithQueue(cqID).Warn("dropping unclaimed completions",
			"dropped", over, "oldest_cid", list[0].CID)
		list = append(list[:0:0], list[over:]...)
	}
	d.pending[cqID] = list
}

// DrainPending returns and forgets every completion of cqID that was
// reaped by AwaitCompletion on behalf of another command and not yet
// claimed.
func (d *Device) DrainPending(cqID uint16) []nvme.Completion {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	list := d.pending[cqID]
	delete(d.pending, cqID)
	return list
}

func (d *Device) takePending(cqID, cid uint16) (nvme.Completion, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	list := d.pending[cqID]
	for i, c := range list {
		if c.CID == cid {
			d.pending[cqID] = append(list[:i], list[i+1:]...)
			return c, true
		}
	}
	return nvme.Completion{}, false
}

// ReadRegister reads len(buf) bytes of PCI config space or BAR0.
func (d *Device) ReadRegister(space RegisterSpace, offset uint32, buf []byte) error {
	rt, ok := d.tr.(RegisterTransport)
	if !ok {
		return d.unsupported("read-register")
	}
	return d.wrap("read-register", -1, rt.ReadRegister(space, offset, buf))
}

// WriteRegister writes buf to PCI config space or BAR0.
func (d *Device) WriteRegister(space RegisterSpace, offset uint32, buf []byte) error {
	rt, ok := d.tr.(RegisterTransport)
	if !ok {
		return d.unsupported("write-register")
	}
	return d.wrap("write-register", -1, rt.WriteRegister(space, offset, buf))
}

// DriverMetrics returns the kernel driver and API versions.
func (d *Device) DriverMetrics() (DriverInfo, error) {
	mt, ok := d.tr.(MetricsTransport)
	if !ok {
		return DriverInfo{}, d.unsupported("driver-metrics")
	}
	info, err := mt.DriverMetrics()
	return info, d.wrap("driver-metrics", -1, err)
}

// DeviceMetrics returns the interrupt scheme the driver has active.
func (d *Device) DeviceMetrics() (IRQConfig, error) {
	mt, ok := d.tr.(MetricsTransport)
	if !ok {
		return IRQConfig{}, d.unsupported("device-metrics")
	}
	irq, err := mt.DeviceMetrics()
	return irq, d.wrap("device-metrics", -1, err)
}

// MarkSyslog writes msg to the kernel log.
func (d *Device) MarkSyslog(msg string) error {
	st, ok := d.tr.(SyslogTransport)
	if !ok {
		return d.unsupported("mark-syslog")
	}
	return d.wrap("mark-syslog", -1, st.MarkSyslog(msg))
}

func (d *Device) unsupported(op string) error {
	e := NewError(op, ErrCodeNotSupported, fmt.Sprintf("%s is not supported by %T", op, d.tr))
	e.Device = d.path
	return e
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Close releases the transport. The controller is not disabled; a later
// Open finds it in whatever state it was left. Close is idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.metrics.Stop()
		if err := d.tr.Close(); err != nil {
			d.closeErr = d.wrap("close", -1, err)
			return
		}
		d.logger.Debug("device closed")
	})
	return d.closeErr
}
