package dnvme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-dnvme/backend"
	"github.com/ehrlich-b/go-dnvme/internal/interfaces"
	"github.com/ehrlich-b/go-dnvme/internal/uapi"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// Simulated controller identity.
const (
	SimVendorID        uint16 = 0x1b36
	SimSubVendorID     uint16 = 0x1af4
	SimDeviceID        uint16 = 0x0010
	SimMaxQueues              = 64
	simPowerStates            = 5
	simVersion                = 0x00010400 // NVMe 1.4
	simLogPageSize            = 512
	simMaxCreatedBytes        = 256 << 20 // total media of namespaces made by Namespace Management
	simPMCap                  = 0x40
	simMSIXCap                = 0x50
)

// LBA data sizes selectable with FLBAS in a Namespace Management create.
var simLBASizes = []int{512, 4096}

// BAR0 register offsets.
const (
	regCAP  = 0x00
	regVS   = 0x08
	regCC   = 0x14
	regCSTS = 0x1c
)

// SimulatedController is an in-process Transport that executes commands
// the way a controller would. Admin commands update its queue and feature
// tables; NVM commands run against namespace Media. Commands run when
// their doorbell is rung and post completions, phase tag included, to the
// paired completion queue.
//
// It is meant for unit testing code built on Device and for the CLI
// --simulate mode.
type SimulatedController struct {
	mu      sync.Mutex
	name    string
	closed  bool
	enabled bool
	irq     IRQConfig
	isr     uint32

	cqs      map[uint16]*simCQ
	sqs      map[uint16]*simSQ
	prepared map[simQueueKey]QueueDescriptor

	identify   nvme.IdentifyController
	namespaces map[uint32]*simNamespace
	features   map[nvme.FeatureID]uint32
	saved      map[nvme.FeatureID]uint32
	uuids      []uuid.UUID
	firmware   []byte
	aers       int
	security   map[uint16][]byte // ATA security payloads by SPSP
	created    int64

	bytesRead    uint64
	bytesWritten uint64
	hostReads    uint64
	hostWrites   uint64

	pciHeader [256]byte
	bar0      [0x1000]byte
	syslog    []string

	// Method call tracking
	calls    map[string]int
	failures map[string]syscall.Errno
}

type simQueueKey struct {
	kind nvme.QueueKind
	id   uint16
}

type simCQ struct {
	elements uint32
	tail     uint32
	phase    uint16
	pending  []nvme.Completion
}

type simSQ struct {
	cqID     uint16
	elements uint32
	head     uint32
	nextCID  uint16
	queued   []simCommand
}

type simCommand struct {
	cmd  nvme.Command
	xfer nvme.Transfer
}

type simNamespace struct {
	media     Media
	blockSize int
	guid      uuid.UUID
	bad       map[uint64]bool
	owned     bool // created by Namespace Management
}

func (ns *simNamespace) blocks() uint64 {
	return uint64(ns.media.Size()) / uint64(ns.blockSize)
}

func (ns *simNamespace) zero(slba, blocks uint64) error {
	off := int64(slba) * int64(ns.blockSize)
	n := int64(blocks) * int64(ns.blockSize)
	if wz, ok := ns.media.(interfaces.WriteZeroesMedia); ok {
		return wz.WriteZeroes(off, n)
	}
	_, err := ns.media.WriteAt(make([]byte, n), off)
	return err
}

func (ns *simNamespace) discard(slba, blocks uint64) error {
	if dm, ok := ns.media.(interfaces.DiscardMedia); ok {
		return dm.Discard(int64(slba)*int64(ns.blockSize), int64(blocks)*int64(ns.blockSize))
	}
	return ns.zero(slba, blocks)
}

func (ns *simNamespace) clearBad(slba, blocks uint64) {
	for lba := slba; lba < slba+blocks; lba++ {
		delete(ns.bad, lba)
	}
}

// NewSimulatedController returns a disabled controller without
// namespaces. name is reported as the device path.
func NewSimulatedController(name string) *SimulatedController {
	s := &SimulatedController{
		name:       name,
		irq:        IRQConfig{Type: IRQNone},
		cqs:        make(map[uint16]*simCQ),
		sqs:        make(map[uint16]*simSQ),
		prepared:   make(map[simQueueKey]QueueDescriptor),
		namespaces: make(map[uint32]*simNamespace),
		features:   make(map[nvme.FeatureID]uint32),
		saved:      make(map[nvme.FeatureID]uint32),
		calls:      make(map[string]int),
		failures:   make(map[string]syscall.Errno),
		security:   make(map[uint16][]byte),
	}
	s.uuids = []uuid.UUID{uuid.NewSHA1(uuid.NameSpaceOID, []byte(name+"/vendor"))}

	id := &s.identify
	id.VID = SimVendorID
	id.SSVID = SimSubVendorID
	copy(id.SN[:], fmt.Sprintf("%-20s", "SIM0001"))
	copy(id.MN[:], fmt.Sprintf("%-40s", "go-dnvme simulated controller"))
	copy(id.FR[:], fmt.Sprintf("%-8s", "1.0"))
	id.CNTLID = 1
	id.VER = simVersion
	id.MDTS = 5
	id.OACS = 1 | 1<<1 | 1<<2 | 1<<3 | 1<<4 // security, format, firmware, ns management, self-test
	id.FRMW = 1<<1 | 1                      // one slot, slot 1 read only
	id.LPA = 1 << 1
	id.NPSS = simPowerStates - 1
	id.SQES = 0x66
	id.CQES = 0x44
	id.ONCS = 1 | 1<<1 | 1<<2 | 1<<3 // compare, write uncorrectable, DSM, write zeroes
	id.VWC = 1
	id.WCTEMP = 343
	id.CCTEMP = 353
	for ps, mw := range []uint16{2500, 1800, 1200, 500, 20} {
		binary.LittleEndian.PutUint16(id.PSD[ps*32:], mw)
		if ps >= 3 {
			id.PSD[ps*32+3] = 1 << 1 // non-operational
		}
	}
	copy(id.SUBNQN[:], "nqn.2014.08.org.nvmexpress:uuid:"+uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String())

	binary.LittleEndian.PutUint16(s.pciHeader[0:], SimVendorID)
	binary.LittleEndian.PutUint16(s.pciHeader[2:], SimDeviceID)
	s.pciHeader[0x0b] = 0x01 // mass storage
	s.pciHeader[0x0a] = 0x08 // NVM
	s.pciHeader[0x09] = 0x02 // NVMe

	// Capability list: power management, then MSI-X with one vector per queue.
	binary.LittleEndian.PutUint16(s.pciHeader[nvme.PCIStatus:], nvme.PCIStatusCapList)
	s.pciHeader[nvme.PCICapPointer] = simPMCap
	s.pciHeader[simPMCap], s.pciHeader[simPMCap+1] = 0x01, simMSIXCap
	s.pciHeader[simMSIXCap], s.pciHeader[simMSIXCap+1] = nvme.PCICapIDMSIX, 0
	binary.LittleEndian.PutUint16(s.pciHeader[simMSIXCap+nvme.MSIXControlOffset:], SimMaxQueues-1)
	binary.LittleEndian.PutUint32(s.pciHeader[simMSIXCap+4:], 0x2000) // table at BAR0+0x2000
	binary.LittleEndian.PutUint32(s.pciHeader[simMSIXCap+8:], 0x3000) // PBA at BAR0+0x3000

	// CAP: MQES 0xFFFF, CQR, TO 500ms units
	binary.LittleEndian.PutUint64(s.bar0[regCAP:], 0xFFFF|1<<16|uint64(1)<<24)
	binary.LittleEndian.PutUint32(s.bar0[regVS:], simVersion)
	return s
}

// Path returns the simulator name.
func (s *SimulatedController) Path() string { return s.name }

// AddNamespace attaches media as namespace nsid with the given logical
// block size.
func (s *SimulatedController) AddNamespace(nsid uint32, media Media, blockSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nsid == 0 || nsid == 0xFFFFFFFF {
		return NewError("add-namespace", ErrCodeInvalidArgument, fmt.Sprintf("namespace id %#x is reserved", nsid))
	}
	if blockSize < 512 || blockSize&(blockSize-1) != 0 {
		return NewError("add-namespace", ErrCodeInvalidArgument, fmt.Sprintf("block size %d is not a power of two >= 512", blockSize))
	}
	if _, ok := s.namespaces[nsid]; ok {
		return NewError("add-namespace", ErrCodeInvalidArgument, fmt.Sprintf("namespace %d exists", nsid))
	}
	s.namespaces[nsid] = &simNamespace{
		media:     media,
		blockSize: blockSize,
		guid:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/ns%d", s.name, nsid))),
		bad:       make(map[uint64]bool),
	}
	if nsid > s.identify.NN {
		s.identify.NN = nsid
	}
	return nil
}

// FailNext makes the next call of op fail with errno. op is one of
// "bootstrap", "prepare", "send", "doorbell", "inquire" or "reap".
func (s *SimulatedController) FailNext(op string, errno syscall.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = errno
}

// Calls returns how often op was called.
func (s *SimulatedController) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Syslog returns the messages written with MarkSyslog.
func (s *SimulatedController) Syslog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.syslog...)
}

// Firmware returns the image assembled from Firmware Image Download.
func (s *SimulatedController) Firmware() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.firmware...)
}

func (s *SimulatedController) enter(op string) error {
	if s.closed {
		return &TransportError{Op: op, Errno: syscall.EBADF, Status: -1}
	}
	s.calls[op]++
	if errno, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return &TransportError{Op: op, Errno: errno, Status: -int(errno)}
	}
	return nil
}

func einval(op string) error {
	return &TransportError{Op: op, Errno: syscall.EINVAL, Status: -int(syscall.EINVAL)}
}

func (s *SimulatedController) setReady(ready bool) {
	cc := nvme.ControllerConfig{Enable: ready, IOSQES: 6, IOCQES: 4}
	var csts uint32
	if ready {
		csts = 1
	}
	binary.LittleEndian.PutUint32(s.bar0[regCC:], cc.Encode())
	binary.LittleEndian.PutUint32(s.bar0[regCSTS:], csts)
}

func (s *SimulatedController) BootstrapStep(step BootstrapStep, arg BootstrapArg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("bootstrap"); err != nil {
		return err
	}
	switch step {
	case interfaces.StepDisable:
		s.enabled = false
		s.setReady(false)
		for id := range s.cqs {
			if id != nvme.AdminQueueID || arg.Completely {
				delete(s.cqs, id)
			}
		}
		for id := range s.sqs {
			if id != nvme.AdminQueueID || arg.Completely {
				delete(s.sqs, id)
			}
		}
		if sq, ok := s.sqs[nvme.AdminQueueID]; ok {
			sq.queued = nil
		}
		if cq, ok := s.cqs[nvme.AdminQueueID]; ok {
			cq.pending = nil
		}
		s.prepared = make(map[simQueueKey]QueueDescriptor)
		s.aers = 0
	case interfaces.StepCreateAdminCQ:
		if s.enabled || arg.Elements < 2 {
			return einval("create-admin-cq")
		}
		s.cqs[nvme.AdminQueueID] = &simCQ{elements: arg.Elements, phase: 1}
	case interfaces.StepCreateAdminSQ:
		if s.enabled || arg.Elements < 2 {
			return einval("create-admin-sq")
		}
		s.sqs[nvme.AdminQueueID] = &simSQ{cqID: nvme.AdminQueueID, elements: arg.Elements}
	case interfaces.StepSetIRQ:
		s.irq = arg.IRQ
	case interfaces.StepEnable:
		if s.cqs[nvme.AdminQueueID] == nil || s.sqs[nvme.AdminQueueID] == nil {
			return einval("enable")
		}
		s.enabled = true
		s.setReady(true)
	default:
		return einval("bootstrap")
	}
	return nil
}

func (s *SimulatedController) Prepare(desc QueueDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("prepare"); err != nil {
		return err
	}
	if !s.enabled || desc.ID == nvme.AdminQueueID {
		return einval("prepare")
	}
	if desc.Kind == nvme.CompletionQueue && s.cqs[desc.ID] != nil ||
		desc.Kind == nvme.SubmissionQueue && s.sqs[desc.ID] != nil {
		return &TransportError{Op: "prepare", Errno: syscall.EEXIST, Status: -int(syscall.EEXIST)}
	}
	s.prepared[simQueueKey{desc.Kind, desc.ID}] = desc
	return nil
}

func (s *SimulatedController) Send(sqID uint16, cmd *nvme.Command, xfer *nvme.Transfer) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("send"); err != nil {
		return 0, err
	}
	sq, ok := s.sqs[sqID]
	if !ok || cmd == nil {
		return 0, einval("send-64b")
	}
	if uint32(len(sq.queued)) >= sq.elements-1 {
		return 0, &TransportError{Op: "send-64b", Errno: syscall.EBUSY, Status: -int(syscall.EBUSY)}
	}

	entry := simCommand{cmd: *cmd}
	if xfer != nil {
		entry.xfer = *xfer
	}
	cid := sq.nextCID
	sq.nextCID++
	entry.cmd.SetCID(cid)
	sq.queued = append(sq.queued, entry)
	return cid, nil
}

// RingDoorbell executes every command queued on sqID in order.
func (s *SimulatedController) RingDoorbell(sqID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("doorbell"); err != nil {
		return err
	}
	sq, ok := s.sqs[sqID]
	if !ok {
		return einval("ring-doorbell")
	}
	queued := sq.queued
	sq.queued = nil
	for i := range queued {
		c := &queued[i]
		dw0, status, done := s.execute(sqID, &c.cmd, &c.xfer)
		if done {
			s.post(sq, sqID, c.cmd.CID(), dw0, status)
		}
	}
	return nil
}

func (s *SimulatedController) post(sq *simSQ, sqID, cid uint16, dw0 uint32, status uint16) {
	sq.head = (sq.head + 1) % sq.elements
	cq, ok := s.cqs[sq.cqID]
	if !ok {
		return
	}
	cq.pending = append(cq.pending, nvme.Completion{
		DW0:    dw0,
		SQHead: uint16(sq.head),
		SQID:   sqID,
		CID:    cid,
		Status: status | cq.phase,
	})
	cq.tail++
	if cq.tail == cq.elements {
		cq.tail = 0
		cq.phase ^= 1
	}
	if s.irq.Type != IRQNone {
		s.isr++
	}
}

func (s *SimulatedController) Inquire(cqID uint16) (uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("inquire"); err != nil {
		return 0, 0, err
	}
	cq, ok := s.cqs[cqID]
	if !ok {
		return 0, 0, einval("reap-inquiry")
	}
	return uint32(len(cq.pending)), s.isr, nil
}

func (s *SimulatedController) Reap(cqID uint16, count uint32, buf []byte) (uint32, uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("reap"); err != nil {
		return 0, 0, 0, err
	}
	cq, ok := s.cqs[cqID]
	if !ok {
		return 0, 0, 0, einval("reap")
	}
	n := min(count, uint32(len(cq.pending)))
	if uint64(len(buf)) < uint64(n)*nvme.CompletionSize {
		return 0, 0, 0, &TransportError{Op: "reap", Errno: syscall.EFAULT, Status: -int(syscall.EFAULT)}
	}
	for i := uint32(0); i < n; i++ {
		b, err := cq.pending[i].Encode()
		if err != nil {
			return 0, 0, 0, &TransportError{Op: "reap", Errno: syscall.EIO, Status: -int(syscall.EIO)}
		}
		copy(buf[i*nvme.CompletionSize:], b)
	}
	cq.pending = cq.pending[n:]
	return n, uint32(len(cq.pending)), s.isr, nil
}

func (s *SimulatedController) region(space RegisterSpace) []byte {
	switch space {
	case SpacePCIHeader:
		return s.pciHeader[:]
	case SpaceBAR01:
		return s.bar0[:]
	}
	return nil
}

func (s *SimulatedController) ReadRegister(space RegisterSpace, offset uint32, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("read-register"); err != nil {
		return err
	}
	r := s.region(space)
	if uint64(offset)+uint64(len(buf)) > uint64(len(r)) {
		return einval("read-generic")
	}
	copy(buf, r[offset:])
	return nil
}

func (s *SimulatedController) WriteRegister(space RegisterSpace, offset uint32, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("write-register"); err != nil {
		return err
	}
	r := s.region(space)
	if uint64(offset)+uint64(len(buf)) > uint64(len(r)) {
		return einval("write-generic")
	}
	copy(r[offset:], buf)
	return nil
}

func (s *SimulatedController) DriverMetrics() (DriverInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("driver-metrics"); err != nil {
		return DriverInfo{}, err
	}
	return DriverInfo{DriverVersion: uapi.DNVME_API_VERSION, APIVersion: uapi.DNVME_API_VERSION}, nil
}

func (s *SimulatedController) DeviceMetrics() (IRQConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("device-metrics"); err != nil {
		return IRQConfig{}, err
	}
	return s.irq, nil
}

func (s *SimulatedController) MarkSyslog(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("mark-syslog"); err != nil {
		return err
	}
	if msg == "" {
		return fmt.Errorf("%w: empty syslog marker", nvme.ErrInvalidArgument)
	}
	s.syslog = append(s.syslog, msg)
	return nil
}

// Close is idempotent. Media of attached namespaces stays open.
func (s *SimulatedController) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func status(sct, sc uint8) uint16 {
	return nvme.MakeStatus(sct, sc, sct != nvme.SCTGeneric || sc != nvme.SCSuccess)
}

var (
	stSuccess = nvme.MakeStatus(nvme.SCTGeneric, nvme.SCSuccess, false)
	stInvalid = status(nvme.SCTGeneric, nvme.SCInvalidField)
)

// execute runs one command. done is false for commands that stay
// outstanding (Asynchronous Event Request).
func (s *SimulatedController) execute(sqID uint16, c *nvme.Command, x *nvme.Transfer) (dw0 uint32, st uint16, done bool) {
	if sqID == nvme.AdminQueueID {
		return s.executeAdmin(c, x)
	}
	dw0, st = s.executeNVM(c, x)
	return dw0, st, true
}

func (s *SimulatedController) executeAdmin(c *nvme.Command, x *nvme.Transfer) (uint32, uint16, bool) {
	switch op := nvme.Opcode(c.OpcodeByte()); op {
	case nvme.OpCreateIOCQ:
		d, _ := nvme.DecodeCreateCQ(c)
		return 0, s.createCQ(d), true
	case nvme.OpCreateIOSQ:
		d, _ := nvme.DecodeCreateSQ(c)
		return 0, s.createSQ(d), true
	case nvme.OpDeleteIOSQ:
		d, _ := nvme.DecodeDeleteQueue(c, nvme.SubmissionQueue)
		return 0, s.deleteSQ(d.QID), true
	case nvme.OpDeleteIOCQ:
		d, _ := nvme.DecodeDeleteQueue(c, nvme.CompletionQueue)
		return 0, s.deleteCQ(d.QID), true
	case nvme.OpIdentify:
		return 0, s.identifyData(c, x), true
	case nvme.OpSetFeatures:
		dw0, st := s.setFeatures(c)
		return dw0, st, true
	case nvme.OpGetFeatures:
		dw0, st := s.getFeatures(c)
		return dw0, st, true
	case nvme.OpGetLogPage:
		return 0, s.logPage(c, x), true
	case nvme.OpAbort:
		// Everything has already run; report "not aborted".
		return 1, stSuccess, true
	case nvme.OpAsyncEventRequest:
		s.aers++
		return 0, 0, false
	case nvme.OpKeepAlive, nvme.OpDeviceSelfTest, nvme.OpFirmwareCommit:
		return 0, stSuccess, true
	case nvme.OpFirmwareDownload:
		n := (int(c.DW(10)) + 1) * 4
		off := int(c.DW(11)) * 4
		if len(x.Buffer) < n {
			return 0, status(nvme.SCTGeneric, nvme.SCDataTransferError), true
		}
		if len(s.firmware) < off+n {
			s.firmware = append(s.firmware, make([]byte, off+n-len(s.firmware))...)
		}
		copy(s.firmware[off:], x.Buffer[:n])
		return 0, stSuccess, true
	case nvme.OpFormatNVM:
		return 0, s.format(c.NSID()), true
	case nvme.OpSanitize:
		return 0, s.format(0xFFFFFFFF), true
	case nvme.OpNamespaceAttach:
		if _, ok := s.namespaces[c.NSID()]; !ok {
			return 0, status(nvme.SCTGeneric, nvme.SCInvalidNamespace), true
		}
		return 0, stSuccess, true
	case nvme.OpNamespaceMgmt:
		dw0, st := s.namespaceManagement(c, x)
		return dw0, st, true
	case nvme.OpSecuritySend, nvme.OpSecurityReceive:
		return 0, s.securityCommand(c, x), true
	}
	return 0, status(nvme.SCTGeneric, nvme.SCInvalidOpcode), true
}

func (s *SimulatedController) createCQ(d nvme.CreateCQ) uint16 {
	key := simQueueKey{nvme.CompletionQueue, d.QID}
	desc, ok := s.prepared[key]
	if !ok || s.cqs[d.QID] != nil || desc.Elements != d.Elements {
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidQueueID)
	}
	if d.Elements < 2 {
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidQueueSize)
	}
	delete(s.prepared, key)
	s.cqs[d.QID] = &simCQ{elements: d.Elements, phase: 1}
	return stSuccess
}

func (s *SimulatedController) createSQ(d nvme.CreateSQ) uint16 {
	key := simQueueKey{nvme.SubmissionQueue, d.QID}
	desc, ok := s.prepared[key]
	if !ok || s.sqs[d.QID] != nil || desc.Elements != d.Elements {
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidQueueID)
	}
	if s.cqs[d.CQID] == nil || d.CQID == nvme.AdminQueueID {
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidCQ)
	}
	if d.Elements < 2 {
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidQueueSize)
	}
	delete(s.prepared, key)
	s.sqs[d.QID] = &simSQ{cqID: d.CQID, elements: d.Elements}
	return stSuccess
}

func (s *SimulatedController) deleteSQ(qid uint16) uint16 {
	sq, ok := s.sqs[qid]
	if !ok || qid == nvme.AdminQueueID {
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidQueueID)
	}
	for _, c := range sq.queued {
		s.post(sq, qid, c.cmd.CID(), 0, status(nvme.SCTGeneric, nvme.SCAbortSQDeleted))
	}
	delete(s.sqs, qid)
	return stSuccess
}

func (s *SimulatedController) deleteCQ(qid uint16) uint16 {
	if _, ok := s.cqs[qid]; !ok || qid == nvme.AdminQueueID {
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidQueueID)
	}
	for _, sq := range s.sqs {
		if sq.cqID == qid {
			return status(nvme.SCTCommandSpecific, nvme.SCInvalidQueueDeletion)
		}
	}
	delete(s.cqs, qid)
	return stSuccess
}

// namespaceManagement creates namespaces backed by backend.Memory, active
// at once, or deletes them. Created media counts against simMaxCreatedBytes.
func (s *SimulatedController) namespaceManagement(c *nvme.Command, x *nvme.Transfer) (uint32, uint16) {
	d, _ := nvme.DecodeNamespaceManagement(c)
	switch d.Select {
	case nvme.NamespaceCreate:
		ns, err := nvme.DecodeNamespaceParams(x.Buffer)
		if err != nil {
			return 0, status(nvme.SCTGeneric, nvme.SCDataTransferError)
		}
		if int(ns.FLBAS) >= len(simLBASizes) {
			return 0, status(nvme.SCTCommandSpecific, nvme.SCInvalidFormat)
		}
		bs := simLBASizes[ns.FLBAS]
		size := int64(ns.NSZE) * int64(bs)
		if ns.NSZE == 0 || ns.NCAP > ns.NSZE || ns.NSZE > simMaxCreatedBytes/512 {
			return 0, stInvalid
		}
		if s.created+size > simMaxCreatedBytes {
			return 0, status(nvme.SCTCommandSpecific, nvme.SCNamespaceCapacity)
		}
		nsid := uint32(1)
		for ; nsid <= SimMaxQueues; nsid++ {
			if _, ok := s.namespaces[nsid]; !ok {
				break
			}
		}
		if nsid > SimMaxQueues {
			return 0, status(nvme.SCTCommandSpecific, nvme.SCNamespaceIDNotAvail)
		}
		s.namespaces[nsid] = &simNamespace{
			media:     backend.NewMemory(size),
			blockSize: bs,
			guid:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/ns%d/%d", s.name, nsid, s.created))),
			bad:       make(map[uint64]bool),
			owned:     true,
		}
		s.created += size
		if nsid > s.identify.NN {
			s.identify.NN = nsid
		}
		return nsid, stSuccess
	case nvme.NamespaceDelete:
		nsid := c.NSID()
		if nsid == 0xFFFFFFFF {
			for _, id := range s.sortedNamespaces() {
				s.dropNamespace(id)
			}
			return 0, stSuccess
		}
		if _, ok := s.namespaces[nsid]; !ok {
			return 0, status(nvme.SCTGeneric, nvme.SCInvalidNamespace)
		}
		s.dropNamespace(nsid)
		return 0, stSuccess
	}
	return 0, stInvalid
}

func (s *SimulatedController) dropNamespace(nsid uint32) {
	ns := s.namespaces[nsid]
	if ns.owned {
		s.created -= ns.media.Size()
		ns.media.Close()
	}
	delete(s.namespaces, nsid)
}

// securityCommand implements protocol 00h (supported protocol list) and a
// store-and-return ATA protocol keyed by SPSP.
func (s *SimulatedController) securityCommand(c *nvme.Command, x *nvme.Transfer) uint16 {
	d, _ := nvme.DecodeSecurity(c)
	if int(d.Length) > len(x.Buffer) {
		return status(nvme.SCTGeneric, nvme.SCDataTransferError)
	}
	buf := x.Buffer[:d.Length]
	switch {
	case d.Receive && d.SECP == nvme.SecurityProtocolInfo:
		if d.SPSP != 0 {
			return stInvalid
		}
		list := []byte{0, 0, 0, 0, 0, 0, 0, 2, nvme.SecurityProtocolInfo, nvme.SecurityProtocolATA}
		clear(buf)
		copy(buf, list)
	case d.SECP != nvme.SecurityProtocolATA:
		return stInvalid
	case d.Receive:
		clear(buf)
		copy(buf, s.security[d.SPSP])
	default:
		s.security[d.SPSP] = bytes.Clone(buf)
	}
	return stSuccess
}

func (s *SimulatedController) sortedNamespaces() []uint32 {
	ids := make([]uint32, 0, len(s.namespaces))
	for id := range s.namespaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *SimulatedController) identifyData(c *nvme.Command, x *nvme.Transfer) uint16 {
	d, _ := nvme.DecodeIdentify(c)
	buf := x.Buffer
	if len(buf) < nvme.IdentifyDataSize {
		return status(nvme.SCTGeneric, nvme.SCDataTransferError)
	}
	buf = buf[:nvme.IdentifyDataSize]

	var data []byte
	var err error
	switch d.CNS {
	case nvme.CNSController:
		data, err = nvme.EncodeIdentifyController(&s.identify)
	case nvme.CNSNamespace:
		ns, ok := s.namespaces[c.NSID()]
		if !ok {
			return status(nvme.SCTGeneric, nvme.SCInvalidNamespace)
		}
		blocks := ns.blocks()
		id := &nvme.IdentifyNamespace{NSZE: blocks, NCAP: blocks, NUSE: blocks, DLFEAT: 1}
		id.NSFEAT = 1 // thin provisioning
		id.LBAF[0] = nvme.MakeLBAFormat(nvme.LBAFormat{DataSizeShift: uint8(bits.TrailingZeros(uint(ns.blockSize)))})
		id.NGUID = ns.guid
		data, err = nvme.EncodeIdentifyNamespace(id)
	case nvme.CNSActiveNamespaceList:
		data = make([]byte, nvme.IdentifyDataSize)
		off := 0
		for _, id := range s.sortedNamespaces() {
			if id > c.NSID() && off < len(data) {
				binary.LittleEndian.PutUint32(data[off:], id)
				off += 4
			}
		}
	case nvme.CNSNamespaceDescriptorList:
		ns, ok := s.namespaces[c.NSID()]
		if !ok {
			return status(nvme.SCTGeneric, nvme.SCInvalidNamespace)
		}
		data = make([]byte, nvme.IdentifyDataSize)
		data[0], data[1] = 0x02, 16 // NGUID descriptor
		copy(data[4:], ns.guid[:])
	case nvme.CNSNVMSetList:
		data = make([]byte, nvme.IdentifyDataSize)
	case nvme.CNSUUIDList:
		data = make([]byte, nvme.IdentifyDataSize)
		err = nvme.EncodeUUIDList(data, s.uuids)
	default:
		return stInvalid
	}
	if err != nil {
		return status(nvme.SCTGeneric, nvme.SCInternalError)
	}
	clear(buf)
	copy(buf, data)
	return stSuccess
}

func featureDefault(fid nvme.FeatureID) uint32 {
	switch fid {
	case nvme.FeatNumberOfQueues:
		return (SimMaxQueues-1)<<16 | (SimMaxQueues - 1)
	case nvme.FeatVolatileWriteCache:
		return 1
	case nvme.FeatTemperatureThreshold:
		return 343
	}
	return 0
}

func (s *SimulatedController) setFeatures(c *nvme.Command) (uint32, uint16) {
	d, _ := nvme.DecodeSetFeatures(c)
	value := d.DW11
	switch d.FID {
	case nvme.FeatPowerManagement:
		if nvme.DecodePowerManagement(value).PS >= simPowerStates {
			return 0, stInvalid
		}
	case nvme.FeatNumberOfQueues:
		n := nvme.DecodeNumberOfQueues(value)
		value = min(n.SubmissionQueues, SimMaxQueues) - 1 | (min(n.CompletionQueues, SimMaxQueues)-1)<<16
	}
	s.features[d.FID] = value
	if d.Save {
		s.saved[d.FID] = value
	}
	if d.FID == nvme.FeatNumberOfQueues {
		return value, stSuccess
	}
	return 0, stSuccess
}

func (s *SimulatedController) getFeatures(c *nvme.Command) (uint32, uint16) {
	d, _ := nvme.DecodeGetFeatures(c)
	switch d.Select {
	case nvme.SelectCurrent:
		if v, ok := s.features[d.FID]; ok {
			return v, stSuccess
		}
	case nvme.SelectSaved:
		if v, ok := s.saved[d.FID]; ok {
			return v, stSuccess
		}
	case nvme.SelectCapabilities:
		return 1<<0 | 1<<2, stSuccess // saveable, changeable
	case nvme.SelectDefault:
	default:
		return 0, stInvalid
	}
	return featureDefault(d.FID), stSuccess
}

func put128(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

func (s *SimulatedController) logPage(c *nvme.Command, x *nvme.Transfer) uint16 {
	d, _ := nvme.DecodeGetLogPage(c)
	n := (uint64(d.NUMD) + 1) * 4
	if uint64(len(x.Buffer)) < n {
		return status(nvme.SCTGeneric, nvme.SCDataTransferError)
	}

	page := make([]byte, simLogPageSize)
	switch d.LID {
	case nvme.LogErrorInfo, nvme.LogDeviceSelfTest:
	case nvme.LogSmartHealth:
		binary.LittleEndian.PutUint16(page[1:], 313) // composite temperature, kelvin
		page[3] = 100                                // available spare
		page[4] = 10                                 // spare threshold
		put128(page[32:], s.bytesRead/512000)
		put128(page[48:], s.bytesWritten/512000)
		put128(page[64:], s.hostReads)
		put128(page[80:], s.hostWrites)
	case nvme.LogFirmwareSlot:
		page[0] = 1
		copy(page[8:16], s.identify.FR[:])
	default:
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidLogPage)
	}

	out := x.Buffer[:n]
	clear(out)
	if d.Offset < uint64(len(page)) {
		copy(out, page[d.Offset:])
	}
	return stSuccess
}

func (s *SimulatedController) format(nsid uint32) uint16 {
	targets := []uint32{nsid}
	if nsid == 0xFFFFFFFF {
		targets = s.sortedNamespaces()
	}
	for _, id := range targets {
		ns, ok := s.namespaces[id]
		if !ok {
			return status(nvme.SCTGeneric, nvme.SCInvalidNamespace)
		}
		if err := ns.zero(0, ns.blocks()); err != nil {
			return status(nvme.SCTGeneric, nvme.SCInternalError)
		}
		ns.bad = make(map[uint64]bool)
	}
	return stSuccess
}

func (s *SimulatedController) executeNVM(c *nvme.Command, x *nvme.Transfer) (uint32, uint16) {
	ns, ok := s.namespaces[c.NSID()]
	if !ok {
		return 0, status(nvme.SCTGeneric, nvme.SCInvalidNamespace)
	}

	op := nvme.OpFlush | nvme.Opcode(c.OpcodeByte())
	switch op {
	case nvme.OpFlush:
		if err := ns.media.Flush(); err != nil {
			return 0, status(nvme.SCTGeneric, nvme.SCInternalError)
		}
		return 0, stSuccess
	case nvme.OpDatasetManagement:
		return 0, s.datasetManagement(ns, c, x)
	case nvme.OpRead, nvme.OpWrite, nvme.OpCompare, nvme.OpWriteZeroes, nvme.OpWriteUncorrectable:
	default:
		return 0, status(nvme.SCTGeneric, nvme.SCInvalidOpcode)
	}

	d, _ := nvme.DecodeReadWrite(c, op)
	slba, nlb := d.SLBA, uint64(d.Blocks)
	if slba+nlb > ns.blocks() || slba+nlb < slba {
		return 0, status(nvme.SCTGeneric, nvme.SCLBAOutOfRange)
	}
	off := int64(slba) * int64(ns.blockSize)
	size := int(nlb) * ns.blockSize

	switch op {
	case nvme.OpWriteZeroes:
		if err := ns.zero(slba, nlb); err != nil {
			return 0, status(nvme.SCTMediaError, nvme.SCWriteFault)
		}
		ns.clearBad(slba, nlb)
		return 0, stSuccess
	case nvme.OpWriteUncorrectable:
		for lba := slba; lba < slba+nlb; lba++ {
			ns.bad[lba] = true
		}
		return 0, stSuccess
	}

	if len(x.Buffer) < size {
		return 0, status(nvme.SCTGeneric, nvme.SCDataTransferError)
	}
	data := x.Buffer[:size]

	switch op {
	case nvme.OpWrite:
		if _, err := ns.media.WriteAt(data, off); err != nil {
			return 0, status(nvme.SCTMediaError, nvme.SCWriteFault)
		}
		ns.clearBad(slba, nlb)
		s.bytesWritten += uint64(size)
		s.hostWrites++
		return 0, stSuccess
	}

	for lba := slba; lba < slba+nlb; lba++ {
		if ns.bad[lba] {
			return 0, status(nvme.SCTMediaError, nvme.SCUnrecoveredRead)
		}
	}
	if op == nvme.OpRead {
		if _, err := ns.media.ReadAt(data, off); err != nil {
			return 0, status(nvme.SCTMediaError, nvme.SCUnrecoveredRead)
		}
		s.bytesRead += uint64(size)
		s.hostReads++
		return 0, stSuccess
	}

	// Compare
	have := make([]byte, size)
	if _, err := ns.media.ReadAt(have, off); err != nil {
		return 0, status(nvme.SCTMediaError, nvme.SCUnrecoveredRead)
	}
	if !bytes.Equal(have, data) {
		return 0, status(nvme.SCTMediaError, nvme.SCCompareFailure)
	}
	return 0, stSuccess
}

func (s *SimulatedController) datasetManagement(ns *simNamespace, c *nvme.Command, x *nvme.Transfer) uint16 {
	d, _ := nvme.DecodeDatasetManagement(c)
	ranges, err := nvme.DecodeDSMRanges(x.Buffer, int(d.Ranges))
	if err != nil {
		return status(nvme.SCTGeneric, nvme.SCDataTransferError)
	}
	for _, r := range ranges {
		if r.SLBA+uint64(r.Blocks) > ns.blocks() {
			return status(nvme.SCTGeneric, nvme.SCLBAOutOfRange)
		}
	}
	if !d.Deallocate {
		return stSuccess
	}
	for _, r := range ranges {
		if err := ns.discard(r.SLBA, uint64(r.Blocks)); err != nil {
			return status(nvme.SCTGeneric, nvme.SCInternalError)
		}
		ns.clearBad(r.SLBA, uint64(r.Blocks))
	}
	return stSuccess
}

// Compile-time interface checks
var (
	_ Transport         = (*SimulatedController)(nil)
	_ RegisterTransport = (*SimulatedController)(nil)
	_ MetricsTransport  = (*SimulatedController)(nil)
	_ SyslogTransport   = (*SimulatedController)(nil)
)
