package dnvme

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-dnvme/backend"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

const (
	testBlockSize = 512
	testBlocks    = 2048
)

func quietLogger() *Logger {
	return NewLogger(&LogConfig{Level: LevelError, Output: io.Discard, Sync: true})
}

func newTestDevice(t *testing.T, opts *Options) (*Device, *SimulatedController, *backend.Memory) {
	t.Helper()

	sim := NewSimulatedController("sim0")
	media := backend.NewMemory(testBlockSize * testBlocks)
	require.NoError(t, sim.AddNamespace(1, media, testBlockSize))

	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	opts.PollInterval = time.Millisecond

	dev, err := New(sim, opts)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev, sim, media
}

func bootedDevice(t *testing.T) (*Device, *SimulatedController, *backend.Memory) {
	t.Helper()
	dev, sim, media := newTestDevice(t, nil)
	require.NoError(t, dev.Bootstrap(context.Background()))
	return dev, sim, media
}

// withIOQueues creates CQ 1 and SQ 1 and waits for both creates.
func withIOQueues(t *testing.T) (*Device, *SimulatedController, *backend.Memory) {
	t.Helper()
	dev, sim, media := bootedDevice(t)

	cid, err := dev.CreateIOCompletionQueue(QueueDescriptor{ID: 1, Elements: 64, Contiguous: true}, nil)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	cid, err = dev.CreateIOSubmissionQueue(QueueDescriptor{ID: 1, CQID: 1, Elements: 64, Contiguous: true}, nil)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	return dev, sim, media
}

func await(t *testing.T, dev *Device, cqID, cid uint16) nvme.Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := dev.AwaitCompletion(ctx, cqID, cid)
	require.NoError(t, err)
	return c
}

func requireSuccess(t *testing.T, dev *Device, cqID, cid uint16) nvme.Completion {
	t.Helper()
	c := await(t, dev, cqID, cid)
	require.NoError(t, c.Err())
	return c
}

func requireStatus(t *testing.T, c nvme.Completion, sct, sc uint8) {
	t.Helper()
	var se *nvme.StatusError
	require.True(t, errors.As(c.Err(), &se), "completion succeeded")
	assert.Equal(t, sct, c.StatusCodeType())
	assert.Equal(t, sc, c.StatusCode())
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(nil, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}

func TestDeviceBootstrap(t *testing.T) {
	dev, sim, _ := newTestDevice(t, nil)
	assert.Equal(t, "sim0", dev.Path())
	assert.Equal(t, StateUnknown, dev.State())

	err := dev.Enable()
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "enable before bootstrap: %v", err)
	assert.Zero(t, sim.Calls("bootstrap"))

	require.NoError(t, dev.Bootstrap(context.Background()))
	assert.Equal(t, StateEnabled, dev.State())
	assert.Equal(t, 5, sim.Calls("bootstrap"))

	csts := make([]byte, 4)
	require.NoError(t, dev.ReadRegister(SpaceBAR01, regCSTS, csts))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(csts)&1, "CSTS.RDY")
}

func TestDeviceBootstrapStepByStep(t *testing.T) {
	dev, _, _ := newTestDevice(t, nil)

	require.NoError(t, dev.Disable())
	assert.Equal(t, StateDisabled, dev.State())
	require.NoError(t, dev.CreateAdminCompletionQueue(16))
	require.NoError(t, dev.CreateAdminSubmissionQueue(16))
	require.NoError(t, dev.SetIRQ(IRQConfig{Type: IRQMSIX, Count: 2}))
	require.NoError(t, dev.Enable())
	assert.Equal(t, StateEnabled, dev.State())

	irq, err := dev.DeviceMetrics()
	require.NoError(t, err)
	assert.Equal(t, IRQMSIX, irq.Type)

	require.NoError(t, dev.DisableCompletely())
	assert.Equal(t, StateDisabled, dev.State())
}

func TestDeviceBootstrapFailure(t *testing.T) {
	dev, sim, _ := newTestDevice(t, nil)
	sim.FailNext("bootstrap", syscall.EPERM)

	err := dev.Bootstrap(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodePermissionDenied), "%v", err)
	assert.True(t, IsErrno(err, syscall.EPERM))
	assert.Equal(t, StateUnknown, dev.State())
}

func TestIdentifyController(t *testing.T) {
	dev, _, _ := withIOQueues(t)

	buf := make([]byte, nvme.IdentifyDataSize)
	cid, err := dev.IdentifyController(buf)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	assert.Equal(t, SimVendorID, binary.LittleEndian.Uint16(buf[0:2]))

	id, err := nvme.DecodeIdentifyController(buf)
	require.NoError(t, err)
	assert.Equal(t, "SIM0001", id.Serial())
	assert.Equal(t, uint32(1), id.NN)
	major, minor, _ := id.Version()
	assert.Equal(t, 1, major)
	assert.Equal(t, 4, minor)

	states, err := id.PowerStates()
	require.NoError(t, err)
	require.Len(t, states, simPowerStates)
	assert.True(t, states[4].NonOperational())
}

func TestIdentifyNamespace(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	buf := make([]byte, nvme.IdentifyDataSize)
	cid, err := dev.IdentifyNamespace(1, buf)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	ns, err := nvme.DecodeIdentifyNamespace(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(testBlocks), ns.NSZE)
	assert.Equal(t, testBlockSize, ns.BlockSize())

	cid, err = dev.IdentifyNamespace(7, buf)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, nvme.AdminQueueID, cid), nvme.SCTGeneric, nvme.SCInvalidNamespace)

	cid, err = dev.Identify(0, nvme.Identify{CNS: nvme.CNSActiveNamespaceList}, buf)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	assert.Equal(t, []uint32{1}, nvme.DecodeNamespaceList(buf))
}

func TestPowerState(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	cid, err := dev.SetPowerState(2, false)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	cid, err = dev.GetPowerState(nvme.SelectCurrent)
	require.NoError(t, err)
	c := requireSuccess(t, dev, nvme.AdminQueueID, cid)
	assert.Equal(t, uint8(2), nvme.DecodePowerManagement(c.DW0).PS)

	// Not saved, so the saved value is still the default.
	cid, err = dev.GetPowerState(nvme.SelectSaved)
	require.NoError(t, err)
	c = requireSuccess(t, dev, nvme.AdminQueueID, cid)
	assert.Equal(t, uint8(0), nvme.DecodePowerManagement(c.DW0).PS)

	cid, err = dev.SetPowerState(simPowerStates, false)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, nvme.AdminQueueID, cid), nvme.SCTGeneric, nvme.SCInvalidField)
}

func TestSetNumberOfQueues(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	cid, err := dev.SetNumberOfQueues(8, 1000)
	require.NoError(t, err)
	c := requireSuccess(t, dev, nvme.AdminQueueID, cid)

	got := nvme.DecodeNumberOfQueues(c.DW0)
	assert.Equal(t, uint32(8), got.SubmissionQueues)
	assert.Equal(t, uint32(SimMaxQueues), got.CompletionQueues)
}

func TestSubmissionQueueNeedsCompletionQueue(t *testing.T) {
	dev, sim, _ := bootedDevice(t)
	before := dev.MetricsSnapshot()

	_, err := dev.CreateIOSubmissionQueue(QueueDescriptor{ID: 1, CQID: 1, Elements: 64, Contiguous: true}, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "%v", err)

	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Queue)
	assert.Equal(t, "sim0", de.Device)

	assert.Zero(t, sim.Calls("prepare"))
	assert.Zero(t, sim.Calls("send"))
	assert.Equal(t, QueueUncreated, dev.QueueState(nvme.SubmissionQueue, 1))
	assert.Equal(t, before.AdminCommands, dev.MetricsSnapshot().AdminCommands)
	assert.Equal(t, before.PrepareErrors, dev.MetricsSnapshot().PrepareErrors)
}

func TestQueueLifecycle(t *testing.T) {
	dev, _, _ := withIOQueues(t)
	assert.Equal(t, QueueCreated, dev.QueueState(nvme.CompletionQueue, 1))
	assert.Equal(t, QueueCreated, dev.QueueState(nvme.SubmissionQueue, 1))
	assert.Len(t, dev.Queues(), 2)

	_, err := dev.DeleteIOCompletionQueue(1)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "CQ still in use: %v", err)

	cid, err := dev.DeleteIOSubmissionQueue(1)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	cid, err = dev.DeleteIOCompletionQueue(1)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	assert.Equal(t, QueueDeleted, dev.QueueState(nvme.CompletionQueue, 1))
	_, _, err = dev.Inquire(1)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(2), snap.QueuesCreated)
	assert.Equal(t, uint64(2), snap.QueuesDeleted)
}

func TestNonContiguousQueue(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	_, err := dev.CreateIOCompletionQueue(QueueDescriptor{ID: 2, Elements: 16}, make([]byte, 8))
	assert.True(t, IsCode(err, ErrCodeBufferTooSmall), "%v", err)

	mem := make([]byte, 16*nvme.CQEntrySize)
	cid, err := dev.CreateIOCompletionQueue(QueueDescriptor{ID: 2, Elements: 16}, mem)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
}

func TestReapValidation(t *testing.T) {
	dev, sim, _ := bootedDevice(t)

	cid, err := dev.KeepAlive()
	require.NoError(t, err)

	remaining, _, err := dev.Inquire(nvme.AdminQueueID)
	require.NoError(t, err)
	require.Equal(t, uint32(1), remaining)

	buf := make([]byte, 5*nvme.CompletionSize)
	_, err = dev.Reap(nvme.AdminQueueID, 5, buf)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "%v", err)
	assert.Zero(t, sim.Calls("reap"))

	_, err = dev.Reap(nvme.AdminQueueID, 1, buf[:8])
	assert.True(t, IsCode(err, ErrCodeBufferTooSmall), "%v", err)

	batch, err := dev.Reap(nvme.AdminQueueID, 1, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), batch.Reaped)
	assert.Zero(t, batch.Remaining)

	entries, err := batch.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cid, entries[0].CID)
	assert.True(t, entries[0].Phase(), "first pass posts phase 1")
	assert.True(t, entries[0].Success())
}

func TestReadWriteCompare(t *testing.T) {
	dev, _, media := withIOQueues(t)

	data := bytes.Repeat([]byte{0xA5, 0x5A, 0x01, 0xFE}, 8*testBlockSize/4)
	cid, err := dev.Write(1, 1, 16, 8, data)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)

	raw := make([]byte, len(data))
	_, err = media.ReadAt(raw, 16*testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, data, raw)

	got := make([]byte, len(data))
	cid, err = dev.Read(1, 1, 16, 8, got)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)
	assert.Equal(t, data, got)

	cid, err = dev.Compare(1, 1, 16, 8, data)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)

	other := append([]byte(nil), data...)
	other[100] ^= 0xFF
	cid, err = dev.Compare(1, 1, 16, 8, other)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, 1, cid), nvme.SCTMediaError, nvme.SCCompareFailure)

	cid, err = dev.Flush(1, 1)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)
}

func TestReadErrors(t *testing.T) {
	dev, _, _ := withIOQueues(t)
	buf := make([]byte, testBlockSize)

	cid, err := dev.Read(1, 1, testBlocks, 1, buf)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, 1, cid), nvme.SCTGeneric, nvme.SCLBAOutOfRange)

	cid, err = dev.Read(1, 9, 0, 1, buf)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, 1, cid), nvme.SCTGeneric, nvme.SCInvalidNamespace)

	cid, err = dev.WriteUncorrectable(1, 1, 4, 2)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)

	cid, err = dev.Read(1, 1, 5, 1, buf)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, 1, cid), nvme.SCTMediaError, nvme.SCUnrecoveredRead)

	// Writing the block makes it readable again.
	cid, err = dev.Write(1, 1, 5, 1, buf)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)
	cid, err = dev.Read(1, 1, 5, 1, buf)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)
}

func TestAdminOpcodeOnIOQueue(t *testing.T) {
	dev, sim, _ := withIOQueues(t)
	sends := sim.Calls("send")

	cmd, xfer, err := nvme.KeepAliveCommand()
	require.NoError(t, err)
	_, err = dev.Submit(1, nvme.OpKeepAlive, &cmd, &xfer)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	_, err = dev.Read(0, 1, 0, 1, make([]byte, testBlockSize))
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
	assert.Equal(t, sends, sim.Calls("send"))
}

func TestWriteZeroesAndDatasetManagement(t *testing.T) {
	dev, _, media := withIOQueues(t)

	fill := bytes.Repeat([]byte{0xEE}, 32*testBlockSize)
	cid, err := dev.Write(1, 1, 0, 32, fill)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)

	cid, err = dev.WriteZeroes(1, 1, 0, 4, false)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)

	ranges := []nvme.DSMRange{{SLBA: 8, Blocks: 4}, {SLBA: 20, Blocks: 2}}
	buf := make([]byte, len(ranges)*nvme.DSMRangeSize)
	cid, err = dev.DatasetManagement(1, 1, nvme.DatasetManagement{Ranges: 2, Deallocate: true}, ranges, buf)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)

	got := make([]byte, 32*testBlockSize)
	_, err = media.ReadAt(got, 0)
	require.NoError(t, err)

	zero := func(lba int) bool {
		return bytes.Equal(got[lba*testBlockSize:(lba+1)*testBlockSize], make([]byte, testBlockSize))
	}
	for lba := 0; lba < 32; lba++ {
		want := lba < 4 || (lba >= 8 && lba < 12) || (lba >= 20 && lba < 22)
		assert.Equal(t, want, zero(lba), "lba %d", lba)
	}

	stats := media.Stats()
	assert.Equal(t, uint64(10*testBlockSize), stats["discarded_bytes"])
}

func TestGetLogPage(t *testing.T) {
	dev, _, _ := withIOQueues(t)

	cid, err := dev.Write(1, 1, 0, 1, make([]byte, testBlockSize))
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)

	page := make([]byte, 512)
	cid, err = dev.GetLogPage(0xFFFFFFFF, nvme.LogSmartHealth, 0, page)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	assert.Equal(t, uint16(313), binary.LittleEndian.Uint16(page[1:]))
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(page[80:]), "host write commands")

	tail := make([]byte, 8)
	cid, err = dev.GetLogPage(0xFFFFFFFF, nvme.LogSmartHealth, 80, tail)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	assert.Equal(t, page[80:88], tail)

	cid, err = dev.GetLogPage(0, 0x70, 0, tail)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, nvme.AdminQueueID, cid), nvme.SCTCommandSpecific, nvme.SCInvalidLogPage)
}

func TestFirmwareDownload(t *testing.T) {
	dev, sim, _ := bootedDevice(t)

	image := bytes.Repeat([]byte("fw01"), 256)
	cid, err := dev.FirmwareDownload(image[:512], 0)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	cid, err = dev.FirmwareDownload(image[512:], 512)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	assert.Equal(t, image, sim.Firmware())
}

func TestAwaitCompletionOutOfOrder(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	first, err := dev.KeepAlive()
	require.NoError(t, err)
	second, err := dev.KeepAlive()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	c := requireSuccess(t, dev, nvme.AdminQueueID, second)
	assert.Equal(t, second, c.CID)

	// first was reaped along with second and is served from the stash.
	remaining, _, err := dev.Inquire(nvme.AdminQueueID)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	c = requireSuccess(t, dev, nvme.AdminQueueID, first)
	assert.Equal(t, first, c.CID)
}

func TestAwaitCompletionTimeout(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	// An async event request stays outstanding until an event occurs.
	cid, err := dev.AsyncEventRequest()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = dev.AwaitCompletion(ctx, nvme.AdminQueueID, cid)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeferredDoorbell(t *testing.T) {
	dev, sim, _ := newTestDevice(t, &Options{DeferDoorbell: true})
	require.NoError(t, dev.Bootstrap(context.Background()))

	_, err := dev.KeepAlive()
	require.NoError(t, err)
	assert.Zero(t, sim.Calls("doorbell"))

	remaining, _, err := dev.Inquire(nvme.AdminQueueID)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.NoError(t, dev.Doorbell(nvme.AdminQueueID))
	n, err := dev.WaitForCompletions(context.Background(), nvme.AdminQueueID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
}

func TestTransportFailureIsCounted(t *testing.T) {
	dev, sim, _ := bootedDevice(t)
	sim.FailNext("send", syscall.EACCES)

	_, err := dev.KeepAlive()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodePermissionDenied), "%v", err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, -int(syscall.EACCES), te.Status)

	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.AdminCommands)
	assert.Equal(t, uint64(1), snap.SendErrors)
}

func TestMetricsCounted(t *testing.T) {
	dev, _, _ := withIOQueues(t)

	cid, err := dev.Write(1, 1, 0, 8, make([]byte, 8*testBlockSize))
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)

	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(2), snap.AdminCommands, "queue creates")
	assert.Equal(t, uint64(1), snap.IOCommands)
	assert.Equal(t, uint64(8*testBlockSize), snap.IOBytes)
	assert.Equal(t, uint64(2), snap.QueuesCreated)
	assert.Equal(t, uint64(3), snap.EntriesReaped)
	assert.Zero(t, snap.SendErrors)
	assert.NotZero(t, snap.InquireCalls)
}

func TestObserverOption(t *testing.T) {
	obs := &countingObserver{}
	dev, _, _ := newTestDevice(t, &Options{Observer: obs})
	require.NoError(t, dev.Bootstrap(context.Background()))

	_, err := dev.KeepAlive()
	require.NoError(t, err)
	assert.Equal(t, 1, obs.submits)
	assert.Zero(t, dev.MetricsSnapshot().AdminCommands, "custom observer replaces the default")
}

type countingObserver struct {
	NoOpObserver
	submits int
}

func (o *countingObserver) ObserveSubmit(bool, uint64, uint64, bool) { o.submits++ }

// plainTransport hides the optional interfaces of the simulator.
type plainTransport struct {
	Transport
}

func TestOptionalInterfacesNotSupported(t *testing.T) {
	dev, err := New(plainTransport{NewSimulatedController("plain")}, &Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, "transport", dev.Path())

	assert.True(t, IsCode(dev.ReadRegister(SpacePCIHeader, 0, make([]byte, 2)), ErrCodeNotSupported))
	assert.True(t, IsCode(dev.WriteRegister(SpacePCIHeader, 0, make([]byte, 2)), ErrCodeNotSupported))
	assert.True(t, IsCode(dev.MarkSyslog("x"), ErrCodeNotSupported))
	_, err = dev.DriverMetrics()
	assert.True(t, IsCode(err, ErrCodeNotSupported))
	_, err = dev.DeviceMetrics()
	assert.True(t, IsCode(err, ErrCodeNotSupported))
}

func TestOptionalInterfaces(t *testing.T) {
	dev, sim, _ := newTestDevice(t, nil)

	hdr := make([]byte, 4)
	require.NoError(t, dev.ReadRegister(SpacePCIHeader, 0, hdr))
	assert.Equal(t, SimVendorID, binary.LittleEndian.Uint16(hdr))
	assert.Equal(t, SimDeviceID, binary.LittleEndian.Uint16(hdr[2:]))

	err := dev.ReadRegister(SpaceBAR01, 0x1000, hdr)
	assert.True(t, IsCode(err, ErrCodeTransportFailure), "%v", err)

	require.NoError(t, dev.WriteRegister(SpaceBAR01, 0x100, []byte{1, 2, 3, 4}))
	require.NoError(t, dev.ReadRegister(SpaceBAR01, 0x100, hdr))
	assert.Equal(t, []byte{1, 2, 3, 4}, hdr)

	info, err := dev.DriverMetrics()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00010402), info.APIVersion)

	require.NoError(t, dev.MarkSyslog("test marker"))
	assert.Equal(t, []string{"test marker"}, sim.Syslog())
	assert.True(t, IsCode(dev.MarkSyslog(""), ErrCodeInvalidArgument))
}

func TestCloseIdempotent(t *testing.T) {
	dev, _, _ := bootedDevice(t)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	_, err := dev.KeepAlive()
	assert.True(t, IsErrno(err, syscall.EBADF), "%v", err)
}

func TestSimulatedControllerAddNamespace(t *testing.T) {
	sim := NewSimulatedController("sim")
	media := backend.NewMemory(4096)

	assert.Error(t, sim.AddNamespace(0, media, 512))
	assert.Error(t, sim.AddNamespace(1, media, 1000))
	assert.Error(t, sim.AddNamespace(1, media, 256))
	require.NoError(t, sim.AddNamespace(1, media, 4096))
	assert.Error(t, sim.AddNamespace(1, media, 4096), "duplicate")
}

func TestCompletionPhaseWraps(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	cid, err := dev.CreateIOCompletionQueue(QueueDescriptor{ID: 3, Elements: 4, Contiguous: true}, nil)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	cid, err = dev.CreateIOSubmissionQueue(QueueDescriptor{ID: 3, CQID: 3, Elements: 4, Contiguous: true}, nil)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	var phases []bool
	for i := 0; i < 6; i++ {
		cid, err := dev.Flush(3, 1)
		require.NoError(t, err)
		c := requireSuccess(t, dev, 3, cid)
		phases = append(phases, c.Phase())
	}
	assert.Equal(t, []bool{true, true, true, true, false, false}, phases)
}

func TestDoorbellFailureStillCreatesQueue(t *testing.T) {
	dev, sim, _ := bootedDevice(t)

	sim.FailNext("doorbell", syscall.EIO)
	cid, err := dev.CreateIOCompletionQueue(QueueDescriptor{ID: 1, Elements: 16, Contiguous: true}, nil)
	require.Error(t, err)
	assert.NotZero(t, cid)
	assert.True(t, IsDoorbellFailure(err), "%v", err)
	assert.True(t, IsCode(err, ErrCodeTransportFailure), "%v", err)
	assert.True(t, IsErrno(err, syscall.EIO))
	assert.Equal(t, QueueCreated, dev.QueueState(nvme.CompletionQueue, 1))
	assert.Equal(t, uint64(1), dev.MetricsSnapshot().QueuesCreated)

	// The command sits in the SQ until the doorbell is written again.
	require.NoError(t, dev.Doorbell(nvme.AdminQueueID))
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	cid, err = dev.CreateIOSubmissionQueue(QueueDescriptor{ID: 1, CQID: 1, Elements: 16, Contiguous: true}, nil)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
}

func TestDoorbellFailureOnSubmit(t *testing.T) {
	dev, sim, _ := bootedDevice(t)

	sim.FailNext("doorbell", syscall.EBUSY)
	cid, err := dev.KeepAlive()
	require.Error(t, err)
	assert.True(t, IsDoorbellFailure(err))
	assert.Equal(t, uint64(1), dev.MetricsSnapshot().SendErrors)

	next, err := dev.KeepAlive()
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	requireSuccess(t, dev, nvme.AdminQueueID, next)
}

func TestAbandonQueueAfterRejectedCreate(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	// The controller refuses a single-entry queue.
	cid, err := dev.CreateIOCompletionQueue(QueueDescriptor{ID: 2, Elements: 1, Contiguous: true}, nil)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, nvme.AdminQueueID, cid), nvme.SCTCommandSpecific, nvme.SCInvalidQueueSize)
	assert.Equal(t, QueueCreated, dev.QueueState(nvme.CompletionQueue, 2))

	_, err = dev.PrepareCompletionQueue(QueueDescriptor{ID: 2, Elements: 16, Contiguous: true}, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "%v", err)

	require.NoError(t, dev.AbandonQueue(nvme.CompletionQueue, 2))
	assert.Equal(t, QueueDeleted, dev.QueueState(nvme.CompletionQueue, 2))

	err = dev.AbandonQueue(nvme.CompletionQueue, 2)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "%v", err)

	cid, err = dev.CreateIOCompletionQueue(QueueDescriptor{ID: 2, Elements: 16, Contiguous: true}, nil)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
}

func TestPendingCompletionsAreCapped(t *testing.T) {
	dev, _, _ := bootedDevice(t)
	dev.maxPending = 2

	var cids []uint16
	for i := 0; i < 4; i++ {
		cid, err := dev.KeepAlive()
		require.NoError(t, err)
		cids = append(cids, cid)
	}
	requireSuccess(t, dev, nvme.AdminQueueID, cids[3])

	// cids[0] and cids[1] were dropped, cids[2] is still parked.
	left := dev.DrainPending(nvme.AdminQueueID)
	require.Len(t, left, 1)
	assert.Equal(t, cids[2], left[0].CID)
	assert.Empty(t, dev.DrainPending(nvme.AdminQueueID))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := dev.AwaitCompletion(ctx, nvme.AdminQueueID, cids[0])
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNamespaceManagement(t *testing.T) {
	dev, _, _ := withIOQueues(t)
	buf := make([]byte, nvme.IdentifyDataSize)

	cid, err := dev.NamespaceCreate(nvme.NamespaceParams{NSZE: 64, NCAP: 64, FLBAS: 1}, buf)
	require.NoError(t, err)
	c := requireSuccess(t, dev, nvme.AdminQueueID, cid)
	nsid := c.DW0
	assert.Equal(t, uint32(2), nsid)

	cid, err = dev.IdentifyNamespace(nsid, buf)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	ns, err := nvme.DecodeIdentifyNamespace(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), ns.NSZE)
	assert.Equal(t, 4096, ns.BlockSize())

	data := bytes.Repeat([]byte{0x3C}, 4096)
	cid, err = dev.Write(1, nsid, 63, 1, data)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)
	got := make([]byte, 4096)
	cid, err = dev.Read(1, nsid, 63, 1, got)
	require.NoError(t, err)
	requireSuccess(t, dev, 1, cid)
	assert.Equal(t, data, got)

	cid, err = dev.NamespaceCreate(nvme.NamespaceParams{NSZE: 8, NCAP: 8, FLBAS: 5}, buf)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, nvme.AdminQueueID, cid), nvme.SCTCommandSpecific, nvme.SCInvalidFormat)

	cid, err = dev.NamespaceCreate(nvme.NamespaceParams{NSZE: simMaxCreatedBytes / 512, NCAP: 1, FLBAS: 1}, buf)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, nvme.AdminQueueID, cid), nvme.SCTCommandSpecific, nvme.SCNamespaceCapacity)

	_, err = dev.NamespaceCreate(nvme.NamespaceParams{NSZE: 8, NCAP: 9}, buf)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "%v", err)
	_, err = dev.NamespaceCreate(nvme.NamespaceParams{NSZE: 8, NCAP: 8}, buf[:512])
	assert.True(t, IsCode(err, ErrCodeBufferTooSmall), "%v", err)

	cid, err = dev.NamespaceDelete(nsid)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	cid, err = dev.IdentifyNamespace(nsid, buf)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, nvme.AdminQueueID, cid), nvme.SCTGeneric, nvme.SCInvalidNamespace)

	cid, err = dev.NamespaceDelete(nsid)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, nvme.AdminQueueID, cid), nvme.SCTGeneric, nvme.SCInvalidNamespace)

	cid, err = dev.NamespaceDelete(0xFFFFFFFF)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	cid, err = dev.Identify(0, nvme.Identify{CNS: nvme.CNSActiveNamespaceList}, buf)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	assert.Empty(t, nvme.DecodeNamespaceList(buf))
}

func TestSecuritySendReceive(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	list := make([]byte, 16)
	cid, err := dev.SecurityReceive(0, nvme.SecurityProtocolInfo, 0, list)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	n := binary.BigEndian.Uint16(list[6:])
	require.Equal(t, uint16(2), n)
	assert.Equal(t, []byte{nvme.SecurityProtocolInfo, nvme.SecurityProtocolATA}, list[8:8+n])

	payload := []byte("unlock-user-password")
	cid, err = dev.SecuritySend(0, nvme.SecurityProtocolATA, 0x0001, payload)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)

	got := make([]byte, len(payload))
	cid, err = dev.SecurityReceive(0, nvme.SecurityProtocolATA, 0x0001, got)
	require.NoError(t, err)
	requireSuccess(t, dev, nvme.AdminQueueID, cid)
	assert.Equal(t, payload, got)

	cid, err = dev.SecuritySend(0, nvme.SecurityProtocolTCG, 0x0001, payload)
	require.NoError(t, err)
	requireStatus(t, await(t, dev, nvme.AdminQueueID, cid), nvme.SCTGeneric, nvme.SCInvalidField)

	_, err = dev.SecurityReceive(0, nvme.SecurityProtocolATA, 0x0001, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "%v", err)
}
