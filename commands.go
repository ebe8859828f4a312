package dnvme

import (
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// Per-opcode helpers. Each builds the command with the nvme package,
// submits it and returns the command identifier. Admin commands go to
// queue 0, NVM commands to the given I/O submission queue. Completion
// status arrives on the paired completion queue.

func (d *Device) submitBuilt(sqID uint16, op nvme.Opcode, cmd nvme.Command, xfer nvme.Transfer, err error) (uint16, error) {
	if err != nil {
		return 0, d.wrap(op.String(), int(sqID), err)
	}
	return d.Submit(sqID, op, &cmd, &xfer)
}

func (d *Device) submitAdmin(op nvme.Opcode, cmd nvme.Command, xfer nvme.Transfer, err error) (uint16, error) {
	return d.submitBuilt(nvme.AdminQueueID, op, cmd, xfer, err)
}

// IdentifyController reads the Identify Controller structure into buf,
// which must hold 4096 bytes.
func (d *Device) IdentifyController(buf []byte) (uint16, error) {
	return d.Identify(0, nvme.Identify{CNS: nvme.CNSController}, buf)
}

// IdentifyNamespace reads the Identify Namespace structure of nsid.
func (d *Device) IdentifyNamespace(nsid uint32, buf []byte) (uint16, error) {
	return d.Identify(nsid, nvme.Identify{CNS: nvme.CNSNamespace}, buf)
}

// Identify sends Identify with any supported CNS.
func (d *Device) Identify(nsid uint32, id nvme.Identify, buf []byte) (uint16, error) {
	cmd, xfer, err := nvme.IdentifyCommand(nsid, id, buf)
	return d.submitAdmin(nvme.OpIdentify, cmd, xfer, err)
}

// SetFeature sets a feature whose value fits in CDW11.
func (d *Device) SetFeature(nsid uint32, v nvme.FeatureValue, save bool) (uint16, error) {
	cmd, xfer, err := nvme.SetFeatureValue(nsid, v, save)
	return d.submitAdmin(nvme.OpSetFeatures, cmd, xfer, err)
}

// SetFeatures sends Set Features with explicit dwords and an optional
// data buffer.
func (d *Device) SetFeatures(nsid uint32, f nvme.SetFeatures, buf []byte) (uint16, error) {
	cmd, xfer, err := nvme.SetFeaturesCommand(nsid, f, buf)
	return d.submitAdmin(nvme.OpSetFeatures, cmd, xfer, err)
}

// GetFeature reads feature fid. The value comes back in completion DW0;
// features with a data structure also fill buf.
func (d *Device) GetFeature(nsid uint32, fid nvme.FeatureID, sel uint8, buf []byte) (uint16, error) {
	cmd, xfer, err := nvme.GetFeaturesCommand(nsid, nvme.GetFeatures{FID: fid, Select: sel}, buf)
	return d.submitAdmin(nvme.OpGetFeatures, cmd, xfer, err)
}

// SetPowerState selects power state ps.
func (d *Device) SetPowerState(ps uint8, save bool) (uint16, error) {
	return d.SetFeature(0, nvme.PowerManagement{PS: ps}, save)
}

// GetPowerState reads the power management feature; decode the completion
// with nvme.DecodePowerManagement.
func (d *Device) GetPowerState(sel uint8) (uint16, error) {
	return d.GetFeature(0, nvme.FeatPowerManagement, sel, nil)
}

// SetNumberOfQueues requests sq submission and cq completion queues.
func (d *Device) SetNumberOfQueues(sq, cq uint32) (uint16, error) {
	return d.SetFeature(0, nvme.NumberOfQueues{SubmissionQueues: sq, CompletionQueues: cq}, false)
}

// GetLogPage reads len(buf) bytes of log page lid starting at offset.
func (d *Device) GetLogPage(nsid uint32, lid uint8, offset uint64, buf []byte) (uint16, error) {
	cmd, xfer, err := nvme.GetLogPageCommand(nsid, lid, offset, buf)
	return d.submitAdmin(nvme.OpGetLogPage, cmd, xfer, err)
}

// Abort asks the controller to abort command cid of sqID.
func (d *Device) Abort(sqID, cid uint16) (uint16, error) {
	cmd, xfer, err := nvme.AbortCommand(sqID, cid)
	return d.submitAdmin(nvme.OpAbort, cmd, xfer, err)
}

func (d *Device) AsyncEventRequest() (uint16, error) {
	cmd, xfer, err := nvme.AsyncEventRequestCommand()
	return d.submitAdmin(nvme.OpAsyncEventRequest, cmd, xfer, err)
}

func (d *Device) KeepAlive() (uint16, error) {
	cmd, xfer, err := nvme.KeepAliveCommand()
	return d.submitAdmin(nvme.OpKeepAlive, cmd, xfer, err)
}

func (d *Device) FirmwareCommit(fc nvme.FirmwareCommit) (uint16, error) {
	cmd, xfer, err := nvme.FirmwareCommitCommand(fc)
	return d.submitAdmin(nvme.OpFirmwareCommit, cmd, xfer, err)
}

// FirmwareDownload sends one image chunk at byte offset.
func (d *Device) FirmwareDownload(image []byte, offset uint64) (uint16, error) {
	cmd, xfer, err := nvme.FirmwareDownloadCommand(image, offset)
	return d.submitAdmin(nvme.OpFirmwareDownload, cmd, xfer, err)
}

func (d *Device) DeviceSelfTest(nsid uint32, code uint8) (uint16, error) {
	cmd, xfer, err := nvme.DeviceSelfTestCommand(nsid, code)
	return d.submitAdmin(nvme.OpDeviceSelfTest, cmd, xfer, err)
}

func (d *Device) FormatNVM(nsid uint32, f nvme.FormatNVM) (uint16, error) {
	cmd, xfer, err := nvme.FormatNVMCommand(nsid, f)
	return d.submitAdmin(nvme.OpFormatNVM, cmd, xfer, err)
}

func (d *Device) Sanitize(s nvme.Sanitize) (uint16, error) {
	cmd, xfer, err := nvme.SanitizeCommand(s)
	return d.submitAdmin(nvme.OpSanitize, cmd, xfer, err)
}

// NamespaceAttach attaches (sel 0) or detaches (sel 1) nsid to the
// controllers in list. buf holds the encoded list and needs 4096 bytes.
func (d *Device) NamespaceAttach(nsid uint32, sel uint8, list []uint16, buf []byte) (uint16, error) {
	cmd, xfer, err := nvme.NamespaceAttachCommand(nsid, sel, list, buf)
	return d.submitAdmin(nvme.OpNamespaceAttach, cmd, xfer, err)
}

// NamespaceCreate asks the controller to create a namespace described by
// ns. buf carries the encoded structure and needs 4096 bytes. The new
// NSID is completion DW0; attach it with NamespaceAttach before use.
func (d *Device) NamespaceCreate(ns nvme.NamespaceParams, buf []byte) (uint16, error) {
	cmd, xfer, err := nvme.NamespaceCreateCommand(ns, buf)
	return d.submitAdmin(nvme.OpNamespaceMgmt, cmd, xfer, err)
}

func (d *Device) NamespaceDelete(nsid uint32) (uint16, error) {
	cmd, xfer, err := nvme.NamespaceDeleteCommand(nsid)
	return d.submitAdmin(nvme.OpNamespaceMgmt, cmd, xfer, err)
}

// SecuritySend hands payload to security protocol secp, protocol specific
// field spsp.
func (d *Device) SecuritySend(nsid uint32, secp uint8, spsp uint16, payload []byte) (uint16, error) {
	cmd, xfer, err := nvme.SecuritySendCommand(nsid, secp, spsp, 0, payload)
	return d.submitAdmin(nvme.OpSecuritySend, cmd, xfer, err)
}

// SecurityReceive reads up to len(buf) bytes from security protocol secp.
// Protocol 0 with spsp 0 lists the protocols the controller supports.
func (d *Device) SecurityReceive(nsid uint32, secp uint8, spsp uint16, buf []byte) (uint16, error) {
	cmd, xfer, err := nvme.SecurityReceiveCommand(nsid, secp, spsp, 0, buf)
	return d.submitAdmin(nvme.OpSecurityReceive, cmd, xfer, err)
}

// Read reads blocks logical blocks starting at slba into buf.
func (d *Device) Read(sqID uint16, nsid uint32, slba uint64, blocks uint32, buf []byte) (uint16, error) {
	return d.ReadWrite(sqID, nsid, nvme.ReadWrite{Op: nvme.OpRead, SLBA: slba, Blocks: blocks}, buf)
}

// Write writes buf to blocks logical blocks starting at slba.
func (d *Device) Write(sqID uint16, nsid uint32, slba uint64, blocks uint32, buf []byte) (uint16, error) {
	return d.ReadWrite(sqID, nsid, nvme.ReadWrite{Op: nvme.OpWrite, SLBA: slba, Blocks: blocks}, buf)
}

// Compare checks buf against the media. A mismatch completes with
// nvme.SCCompareFailure.
func (d *Device) Compare(sqID uint16, nsid uint32, slba uint64, blocks uint32, buf []byte) (uint16, error) {
	return d.ReadWrite(sqID, nsid, nvme.ReadWrite{Op: nvme.OpCompare, SLBA: slba, Blocks: blocks}, buf)
}

// ReadWrite sends a Read, Write or Compare with every dword field
// available (FUA, protection information, DSM hints).
func (d *Device) ReadWrite(sqID uint16, nsid uint32, rw nvme.ReadWrite, buf []byte) (uint16, error) {
	cmd, xfer, err := nvme.ReadWriteCommand(nsid, rw, buf)
	return d.submitBuilt(sqID, rw.Op, cmd, xfer, err)
}

func (d *Device) Flush(sqID uint16, nsid uint32) (uint16, error) {
	cmd, xfer, err := nvme.FlushCommand(nsid)
	return d.submitBuilt(sqID, nvme.OpFlush, cmd, xfer, err)
}

// WriteZeroes zeroes blocks starting at slba; deallocate lets the
// controller unmap them instead.
func (d *Device) WriteZeroes(sqID uint16, nsid uint32, slba uint64, blocks uint32, deallocate bool) (uint16, error) {
	cmd, xfer, err := nvme.WriteZeroesCommand(nsid, nvme.ReadWrite{
		Op: nvme.OpWriteZeroes, SLBA: slba, Blocks: blocks, Deallocate: deallocate,
	})
	return d.submitBuilt(sqID, nvme.OpWriteZeroes, cmd, xfer, err)
}

// WriteUncorrectable marks blocks as invalid; later reads fail until the
// blocks are written again.
func (d *Device) WriteUncorrectable(sqID uint16, nsid uint32, slba uint64, blocks uint32) (uint16, error) {
	cmd, xfer, err := nvme.WriteZeroesCommand(nsid, nvme.ReadWrite{
		Op: nvme.OpWriteUncorrectable, SLBA: slba, Blocks: blocks,
	})
	return d.submitBuilt(sqID, nvme.OpWriteUncorrectable, cmd, xfer, err)
}

// DatasetManagement encodes ranges into buf (16 bytes per range) and sends
// Dataset Management with the attributes in dsm.
func (d *Device) DatasetManagement(sqID uint16, nsid uint32, dsm nvme.DatasetManagement, ranges []nvme.DSMRange, buf []byte) (uint16, error) {
	cmd, xfer, err := nvme.DatasetManagementCommand(nsid, dsm, ranges, buf)
	return d.submitBuilt(sqID, nvme.OpDatasetManagement, cmd, xfer, err)
}
