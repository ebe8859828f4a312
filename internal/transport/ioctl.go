// Package transport implements the dnvme kernel command channel.
package transport

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-dnvme/internal/interfaces"
	"github.com/ehrlich-b/go-dnvme/internal/logging"
	"github.com/ehrlich-b/go-dnvme/internal/uapi"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// Ioctl talks to a dnvme character device through ioctl(2).
type Ioctl struct {
	fd     int
	path   string
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

var (
	_ interfaces.Transport         = (*Ioctl)(nil)
	_ interfaces.RegisterTransport = (*Ioctl)(nil)
	_ interfaces.MetricsTransport  = (*Ioctl)(nil)
	_ interfaces.SyslogTransport   = (*Ioctl)(nil)
)

// The driver reads the command through cmd_buf_ptr, so the 64 bytes must
// live on the heap for the duration of the call.
var commandPool = sync.Pool{
	New: func() interface{} { return new(nvme.Command) },
}

// Open opens a dnvme device node. Anything other than a character or block
// device is rejected with ENODEV.
func Open(path string, logger *logging.Logger) (*Ioctl, error) {
	if logger == nil {
		logger = logging.Default()
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &interfaces.TransportError{Op: "open", Errno: errnoOf(err), Status: -1}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, &interfaces.TransportError{Op: "fstat", Errno: errnoOf(err), Status: -1}
	}
	if !isDeviceNode(st.Mode) {
		unix.Close(fd)
		return nil, &interfaces.TransportError{Op: "open", Errno: unix.ENODEV, Status: -1}
	}

	t := &Ioctl{fd: fd, path: path, logger: logger.WithDevice(path)}
	t.logger.Debug("device opened", "fd", fd)
	return t, nil
}

func isDeviceNode(mode uint32) bool {
	switch mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK:
		return true
	}
	return false
}

func errnoOf(err error) unix.Errno {
	if e, ok := err.(unix.Errno); ok {
		return e
	}
	return unix.EIO
}

// Path returns the device node this transport was opened on.
func (t *Ioctl) Path() string { return t.path }

func (t *Ioctl) ioctl(op string, cmd uint32, arg uintptr) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return &interfaces.TransportError{Op: op, Errno: unix.EBADF, Status: -1}
	}

	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), uintptr(cmd), arg)
	if errno != 0 {
		t.logger.Debug("ioctl failed", "op", op, "errno", int(errno))
		return &interfaces.TransportError{Op: op, Errno: errno, Status: int(int32(r1))}
	}
	if int32(r1) < 0 {
		return &interfaces.TransportError{Op: op, Status: int(int32(r1))}
	}
	return nil
}

// ioctlStruct marshals v, issues the ioctl with a pointer to the bytes and
// decodes the driver's answer back into v when out is set.
func (t *Ioctl) ioctlStruct(op string, cmd uint32, v interface{}, out bool) error {
	buf := uapi.Marshal(v)
	if buf == nil {
		return fmt.Errorf("%s: unsupported argument %T", op, v)
	}
	err := t.ioctl(op, cmd, uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(buf)
	if err != nil {
		return err
	}
	if out {
		return uapi.Unmarshal(buf, v)
	}
	return nil
}

// BootstrapStep issues one controller bring-up ioctl.
func (t *Ioctl) BootstrapStep(step interfaces.BootstrapStep, arg interfaces.BootstrapArg) error {
	switch step {
	case interfaces.StepDisable:
		state := uintptr(uapi.ST_DISABLE)
		if arg.Completely {
			state = uapi.ST_DISABLE_COMPLETELY
		}
		return t.ioctl("disable", uapi.IOCTL_DEVICE_STATE, state)
	case interfaces.StepEnable:
		return t.ioctl("enable", uapi.IOCTL_DEVICE_STATE, uintptr(uapi.ST_ENABLE))
	case interfaces.StepCreateAdminCQ:
		return t.ioctlStruct("create-admin-cq", uapi.IOCTL_CREATE_ADMN_Q,
			&uapi.CreateAdmnQ{Type: uapi.ADMIN_CQ, Elements: adminElements(arg.Elements)}, false)
	case interfaces.StepCreateAdminSQ:
		return t.ioctlStruct("create-admin-sq", uapi.IOCTL_CREATE_ADMN_Q,
			&uapi.CreateAdmnQ{Type: uapi.ADMIN_SQ, Elements: adminElements(arg.Elements)}, false)
	case interfaces.StepSetIRQ:
		return t.ioctlStruct("set-irq", uapi.IOCTL_SET_IRQ,
			&uapi.Interrupts{NumIRQs: arg.IRQ.Count, IRQType: uint32(arg.IRQ.Type)}, false)
	}
	return fmt.Errorf("%w: unknown bootstrap step %v", nvme.ErrInvalidArgument, step)
}

func adminElements(n uint32) uint32 {
	if n == 0 {
		return uapi.NVME_QUEUE_ELEMENTS
	}
	return n
}

// Prepare reserves driver state for an I/O queue.
func (t *Ioctl) Prepare(desc interfaces.QueueDescriptor) error {
	if desc.Kind == nvme.SubmissionQueue {
		return t.ioctlStruct("prepare-sq", uapi.IOCTL_PREPARE_SQ_CREATION, buildPrepSQ(desc), false)
	}
	return t.ioctlStruct("prepare-cq", uapi.IOCTL_PREPARE_CQ_CREATION, buildPrepCQ(desc), false)
}

func buildPrepSQ(desc interfaces.QueueDescriptor) *uapi.PrepSQ {
	return &uapi.PrepSQ{
		Elements: desc.Elements,
		SQID:     desc.ID,
		CQID:     desc.CQID,
		Contig:   boolByte(desc.Contiguous),
	}
}

func buildPrepCQ(desc interfaces.QueueDescriptor) *uapi.PrepCQ {
	return &uapi.PrepCQ{
		Elements: desc.Elements,
		CQID:     desc.ID,
		Contig:   boolByte(desc.Contiguous),
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// buildSend64B fills the send descriptor for a command already copied to
// cmdAddr.
func buildSend64B(sqID uint16, cmdAddr uintptr, xfer *nvme.Transfer) *uapi.Send64B {
	s := &uapi.Send64B{
		BitMask:   uint32(nvme.MaskNonPRP),
		DataDir:   uapi.DMA_NONE,
		CmdBufPtr: uint64(cmdAddr),
		QID:       sqID,
	}
	if xfer == nil {
		return s
	}
	s.BitMask = uint32(xfer.Mask)
	s.DataDir = uint8(xfer.Direction)
	s.MetaBufID = xfer.MetaBufID
	if len(xfer.Buffer) > 0 {
		s.DataBufPtr = uint64(uintptr(unsafe.Pointer(&xfer.Buffer[0])))
		s.DataBufSize = uint32(len(xfer.Buffer))
	}
	return s
}

// Send copies cmd into a heap slot and hands it to the driver, which
// assigns the command identifier.
func (t *Ioctl) Send(sqID uint16, cmd *nvme.Command, xfer *nvme.Transfer) (uint16, error) {
	slot := commandPool.Get().(*nvme.Command)
	defer commandPool.Put(slot)
	*slot = *cmd

	send := buildSend64B(sqID, uintptr(unsafe.Pointer(slot)), xfer)
	err := t.ioctlStruct("send-64b", uapi.IOCTL_SEND_64B_CMD, send, true)
	runtime.KeepAlive(slot)
	if xfer != nil {
		runtime.KeepAlive(xfer.Buffer)
	}
	if err != nil {
		return 0, err
	}
	t.logger.WithQueue(sqID).Debug("command sent", "opc", cmd.OpcodeByte(), "cid", send.UniqueID)
	return send.UniqueID, nil
}

// RingDoorbell writes the SQ tail doorbell for sqID.
func (t *Ioctl) RingDoorbell(sqID uint16) error {
	return t.ioctl("ring-doorbell", uapi.IOCTL_RING_SQ_DOORBELL, uintptr(sqID))
}

// Inquire returns the number of unreaped completions on cqID.
func (t *Ioctl) Inquire(cqID uint16) (uint32, uint32, error) {
	inq := &uapi.ReapInquiry{QID: cqID}
	if err := t.ioctlStruct("reap-inquiry", uapi.IOCTL_REAP_INQUIRY, inq, true); err != nil {
		return 0, 0, err
	}
	return inq.NumRemaining, inq.ISRCount, nil
}

// Reap copies up to count completions from cqID into buf.
func (t *Ioctl) Reap(cqID uint16, count uint32, buf []byte) (uint32, uint32, uint32, error) {
	if len(buf) == 0 {
		return 0, 0, 0, fmt.Errorf("%w: empty reap buffer", nvme.ErrBufferTooSmall)
	}
	r := &uapi.Reap{
		QID:      cqID,
		Elements: count,
		Buffer:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Size:     uint32(len(buf)),
	}
	err := t.ioctlStruct("reap", uapi.IOCTL_REAP, r, true)
	runtime.KeepAlive(buf)
	if err != nil {
		return 0, 0, 0, err
	}
	return r.NumReaped, r.NumRemaining, r.ISRCount, nil
}

func registerType(space interfaces.RegisterSpace) uint32 {
	if space == interfaces.SpacePCIHeader {
		return uapi.NVMEIO_PCI_HDR
	}
	return uapi.NVMEIO_BAR01
}

func (t *Ioctl) registerIO(op string, cmd uint32, space interfaces.RegisterSpace, offset uint32, buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w: %s of zero bytes", nvme.ErrInvalidArgument, op)
	}
	rw := &uapi.RWGeneric{
		Type:    registerType(space),
		Offset:  offset,
		NBytes:  uint32(len(buf)),
		AccType: uapi.BYTE_LEN,
		Buffer:  uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	err := t.ioctlStruct(op, cmd, rw, false)
	runtime.KeepAlive(buf)
	return err
}

// ReadRegister reads len(buf) bytes of PCI config space or BAR0/1.
func (t *Ioctl) ReadRegister(space interfaces.RegisterSpace, offset uint32, buf []byte) error {
	return t.registerIO("read-generic", uapi.IOCTL_READ_GENERIC, space, offset, buf)
}

// WriteRegister writes buf to PCI config space or BAR0/1.
func (t *Ioctl) WriteRegister(space interfaces.RegisterSpace, offset uint32, buf []byte) error {
	return t.registerIO("write-generic", uapi.IOCTL_WRITE_GENERIC, space, offset, buf)
}

func (t *Ioctl) DriverMetrics() (interfaces.DriverInfo, error) {
	m := &uapi.DriverMetrics{}
	if err := t.ioctlStruct("driver-metrics", uapi.IOCTL_GET_DRIVER_METRICS, m, true); err != nil {
		return interfaces.DriverInfo{}, err
	}
	return interfaces.DriverInfo{DriverVersion: m.DriverVersion, APIVersion: m.APIVersion}, nil
}

func (t *Ioctl) DeviceMetrics() (interfaces.IRQConfig, error) {
	m := &uapi.DeviceMetrics{}
	if err := t.ioctlStruct("device-metrics", uapi.IOCTL_GET_DEVICE_METRICS, m, true); err != nil {
		return interfaces.IRQConfig{}, err
	}
	return interfaces.IRQConfig{
		Type:  interfaces.IRQType(m.IRQActive.IRQType),
		Count: m.IRQActive.NumIRQs,
	}, nil
}

// MarkSyslog writes msg to the kernel log.
func (t *Ioctl) MarkSyslog(msg string) error {
	if len(msg) == 0 || len(msg) > 0xffff {
		return fmt.Errorf("%w: syslog marker of %d bytes", nvme.ErrInvalidArgument, len(msg))
	}
	b := append([]byte(msg), 0)
	ls := &uapi.LogStr{
		SLen:   uint16(len(msg)),
		LogStr: uint64(uintptr(unsafe.Pointer(&b[0]))),
	}
	err := t.ioctlStruct("mark-syslog", uapi.IOCTL_MARK_SYSLOG, ls, false)
	runtime.KeepAlive(b)
	return err
}

// Close releases the file descriptor. It is safe to call more than once.
func (t *Ioctl) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.logger.Debug("device closed")
	return unix.Close(t.fd)
}
