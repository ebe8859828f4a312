package nvme

import "fmt"

// Abort is the CDW10 layout of Abort.
type Abort struct {
	SQID uint16
	CID  uint16
}

func (Abort) Opcode() Opcode { return OpAbort }

func (d Abort) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	dw[0], err = packDword(d.Opcode(),
		bits("sqid", uint64(d.SQID), 0, 16),
		bits("cid", uint64(d.CID), 16, 16))
	return dw, err
}

func DecodeAbort(c *Command) (Abort, error) {
	if err := c.expect(OpAbort); err != nil {
		return Abort{}, err
	}
	dw10 := c.DW(10)
	return Abort{SQID: uint16(field(dw10, 0, 16)), CID: uint16(field(dw10, 16, 16))}, nil
}

// AbortCommand builds Abort for the command cid queued on sqid.
func AbortCommand(sqid, cid uint16) (Command, Transfer, error) {
	c, err := Build(Header{}, Abort{SQID: sqid, CID: cid})
	return c, noTransfer(), err
}

// Firmware commit actions.
const (
	CommitReplace            uint8 = 0
	CommitReplaceAndActivate uint8 = 1
	CommitActivate           uint8 = 2
	CommitActivateImmediate  uint8 = 3
	CommitReplaceBootPart    uint8 = 6
	CommitActivateBootPart   uint8 = 7
)

// FirmwareCommit is the CDW10 layout of Firmware Commit.
type FirmwareCommit struct {
	Slot   uint8 // FS, bits 2:0
	Action uint8 // CA, bits 5:3
	BPID   bool  // boot partition id, bit 31
}

func (FirmwareCommit) Opcode() Opcode { return OpFirmwareCommit }

func (d FirmwareCommit) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	dw[0], err = packDword(d.Opcode(),
		bits("fs", uint64(d.Slot), 0, 3),
		bits("ca", uint64(d.Action), 3, 3),
		flag("bpid", d.BPID, 31))
	return dw, err
}

func FirmwareCommitCommand(d FirmwareCommit) (Command, Transfer, error) {
	c, err := Build(Header{}, d)
	return c, noTransfer(), err
}

// FirmwareDownload is the CDW10-11 layout of Firmware Image Download.
// Both fields count dwords.
type FirmwareDownload struct {
	NUMD   uint32 // 0-based
	Offset uint32
}

func (FirmwareDownload) Opcode() Opcode { return OpFirmwareDownload }

func (d FirmwareDownload) Pack() ([6]uint32, error) {
	var dw [6]uint32
	dw[0] = d.NUMD
	dw[1] = d.Offset
	return dw, nil
}

// FirmwareDownloadCommand builds one Firmware Image Download chunk. image
// is the chunk and offset its byte offset inside the whole image; both
// must be dword multiples.
func FirmwareDownloadCommand(image []byte, offset uint64) (Command, Transfer, error) {
	if len(image) == 0 || len(image)%4 != 0 {
		return Command{}, Transfer{}, fmt.Errorf("%w: firmware chunk of %d bytes is not a dword multiple", ErrInvalidArgument, len(image))
	}
	if offset%4 != 0 {
		return Command{}, Transfer{}, fmt.Errorf("%w: firmware offset %d is not dword aligned", ErrInvalidArgument, offset)
	}
	numd := uint64(len(image)/4 - 1)
	if numd>>32 != 0 {
		return Command{}, Transfer{}, &FieldError{Op: OpFirmwareDownload, Field: "numd", Value: numd, Width: 32}
	}
	if (offset/4)>>32 != 0 {
		return Command{}, Transfer{}, &FieldError{Op: OpFirmwareDownload, Field: "ofst", Value: offset / 4, Width: 32}
	}
	c, err := Build(Header{}, FirmwareDownload{NUMD: uint32(numd), Offset: uint32(offset / 4)})
	if err != nil {
		return c, Transfer{}, err
	}
	return c, dataTransfer(DirToDevice, image), nil
}

// Self-test codes.
const (
	SelfTestShort    uint8 = 0x1
	SelfTestExtended uint8 = 0x2
	SelfTestVendor   uint8 = 0xE
	SelfTestAbort    uint8 = 0xF
)

// DeviceSelfTest is the CDW10 layout of Device Self-test.
type DeviceSelfTest struct {
	Code uint8 // STC, bits 3:0
}

func (DeviceSelfTest) Opcode() Opcode { return OpDeviceSelfTest }

func (d DeviceSelfTest) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	dw[0], err = packDword(d.Opcode(), bits("stc", uint64(d.Code), 0, 4))
	return dw, err
}

// DeviceSelfTestCommand starts a self-test on nsid (0xFFFFFFFF for all
// namespaces, 0 for the controller only).
func DeviceSelfTestCommand(nsid uint32, code uint8) (Command, Transfer, error) {
	c, err := Build(Header{NSID: nsid}, DeviceSelfTest{Code: code})
	return c, noTransfer(), err
}

// FormatNVM is the CDW10 layout of Format NVM.
type FormatNVM struct {
	LBAF uint8 // bits 3:0
	MSET bool  // metadata transferred as part of an extended LBA
	PI   uint8 // bits 7:5
	PIL  bool  // protection information first eight bytes
	SES  uint8 // secure erase settings, bits 11:9
}

func (FormatNVM) Opcode() Opcode { return OpFormatNVM }

func (d FormatNVM) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	dw[0], err = packDword(d.Opcode(),
		bits("lbaf", uint64(d.LBAF), 0, 4),
		flag("mset", d.MSET, 4),
		bits("pi", uint64(d.PI), 5, 3),
		flag("pil", d.PIL, 8),
		bits("ses", uint64(d.SES), 9, 3))
	return dw, err
}

func DecodeFormatNVM(c *Command) (FormatNVM, error) {
	if err := c.expect(OpFormatNVM); err != nil {
		return FormatNVM{}, err
	}
	dw10 := c.DW(10)
	return FormatNVM{
		LBAF: uint8(field(dw10, 0, 4)),
		MSET: field(dw10, 4, 1) == 1,
		PI:   uint8(field(dw10, 5, 3)),
		PIL:  field(dw10, 8, 1) == 1,
		SES:  uint8(field(dw10, 9, 3)),
	}, nil
}

func FormatNVMCommand(nsid uint32, d FormatNVM) (Command, Transfer, error) {
	c, err := Build(Header{NSID: nsid}, d)
	return c, noTransfer(), err
}

// Sanitize actions.
const (
	SanitizeExitFailure uint8 = 1
	SanitizeBlockErase  uint8 = 2
	SanitizeOverwrite   uint8 = 3
	SanitizeCryptoErase uint8 = 4
)

// Sanitize is the CDW10-11 layout of Sanitize.
type Sanitize struct {
	Action           uint8 // SANACT, bits 2:0
	AllowUnrestrict  bool  // AUSE
	OverwritePasses  uint8 // OWPASS, bits 7:4
	InvertPattern    bool  // OIPBP
	NoDeallocate     bool  // NDAS
	OverwritePattern uint32
}

func (Sanitize) Opcode() Opcode { return OpSanitize }

func (d Sanitize) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	if dw[0], err = packDword(d.Opcode(),
		bits("sanact", uint64(d.Action), 0, 3),
		flag("ause", d.AllowUnrestrict, 3),
		bits("owpass", uint64(d.OverwritePasses), 4, 4),
		flag("oipbp", d.InvertPattern, 8),
		flag("ndas", d.NoDeallocate, 9)); err != nil {
		return dw, err
	}
	dw[1] = d.OverwritePattern
	return dw, nil
}

func SanitizeCommand(d Sanitize) (Command, Transfer, error) {
	c, err := Build(Header{}, d)
	return c, noTransfer(), err
}

// Log page identifiers.
const (
	LogErrorInfo        uint8 = 0x01
	LogSmartHealth      uint8 = 0x02
	LogFirmwareSlot     uint8 = 0x03
	LogChangedNSList    uint8 = 0x04
	LogCommandEffects   uint8 = 0x05
	LogDeviceSelfTest   uint8 = 0x06
	LogTelemetryHost    uint8 = 0x07
	LogTelemetryCtrl    uint8 = 0x08
	LogSanitizeStatus   uint8 = 0x81
	LogReservationNotif uint8 = 0x80
)

// GetLogPage is the CDW10-14 layout of Get Log Page. NUMD is the 0-based
// dword count split over NUMDL and NUMDU on the wire.
type GetLogPage struct {
	LID       uint8
	LSP       uint8 // bits 11:8
	RAE       bool
	NUMD      uint32
	LSI       uint16
	Offset    uint64
	UUIDIndex uint8
}

func (GetLogPage) Opcode() Opcode { return OpGetLogPage }

func (d GetLogPage) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	op := d.Opcode()
	if dw[0], err = packDword(op,
		bits("lid", uint64(d.LID), 0, 8),
		bits("lsp", uint64(d.LSP), 8, 4),
		flag("rae", d.RAE, 15),
		bits("numdl", uint64(d.NUMD&0xFFFF), 16, 16)); err != nil {
		return dw, err
	}
	if dw[1], err = packDword(op,
		bits("numdu", uint64(d.NUMD>>16), 0, 16),
		bits("lsi", uint64(d.LSI), 16, 16)); err != nil {
		return dw, err
	}
	if d.Offset%4 != 0 {
		return dw, fmt.Errorf("%w: log page offset %d is not dword aligned", ErrInvalidArgument, d.Offset)
	}
	dw[2] = uint32(d.Offset)
	dw[3] = uint32(d.Offset >> 32)
	if dw[4], err = packDword(op, bits("uuid_index", uint64(d.UUIDIndex), 0, 7)); err != nil {
		return dw, err
	}
	return dw, nil
}

func DecodeGetLogPage(c *Command) (GetLogPage, error) {
	if err := c.expect(OpGetLogPage); err != nil {
		return GetLogPage{}, err
	}
	dw := c.dwords()
	return GetLogPage{
		LID:       uint8(field(dw[0], 0, 8)),
		LSP:       uint8(field(dw[0], 8, 4)),
		RAE:       field(dw[0], 15, 1) == 1,
		NUMD:      field(dw[0], 16, 16) | field(dw[1], 0, 16)<<16,
		LSI:       uint16(field(dw[1], 16, 16)),
		Offset:    uint64(dw[2]) | uint64(dw[3])<<32,
		UUIDIndex: uint8(field(dw[4], 0, 7)),
	}, nil
}

// GetLogPageCommand reads len(buf) bytes of log page lid. The length must
// be a dword multiple.
func GetLogPageCommand(nsid uint32, lid uint8, offset uint64, buf []byte) (Command, Transfer, error) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return Command{}, Transfer{}, fmt.Errorf("%w: log page buffer of %d bytes is not a dword multiple", ErrInvalidArgument, len(buf))
	}
	c, err := Build(Header{NSID: nsid}, GetLogPage{
		LID:    lid,
		NUMD:   uint32(len(buf)/4 - 1),
		Offset: offset,
	})
	if err != nil {
		return c, Transfer{}, err
	}
	return c, dataTransfer(DirFromDevice, buf), nil
}

// noDwords is the layout of commands without opcode-specific dwords.
type noDwords Opcode

func (n noDwords) Opcode() Opcode         { return Opcode(n) }
func (noDwords) Pack() ([6]uint32, error) { return [6]uint32{}, nil }

func AsyncEventRequestCommand() (Command, Transfer, error) {
	c, err := Build(Header{}, noDwords(OpAsyncEventRequest))
	return c, noTransfer(), err
}

func KeepAliveCommand() (Command, Transfer, error) {
	c, err := Build(Header{}, noDwords(OpKeepAlive))
	return c, noTransfer(), err
}

// Namespace attachment selectors.
const (
	AttachControllers uint8 = 0
	DetachControllers uint8 = 1
)

// NamespaceAttach is the CDW10 layout of Namespace Attachment.
type NamespaceAttach struct {
	Select uint8 // bits 3:0
}

func (NamespaceAttach) Opcode() Opcode { return OpNamespaceAttach }

func (d NamespaceAttach) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	dw[0], err = packDword(d.Opcode(), bits("sel", uint64(d.Select), 0, 4))
	return dw, err
}

// NamespaceAttachCommand attaches or detaches nsid to the controllers in
// list, which is encoded into buf as an NVMe controller list.
func NamespaceAttachCommand(nsid uint32, sel uint8, list []uint16, buf []byte) (Command, Transfer, error) {
	if len(list) == 0 || len(list) > 2047 {
		return Command{}, Transfer{}, fmt.Errorf("%w: controller list has %d entries", ErrInvalidArgument, len(list))
	}
	if len(buf) < IdentifyDataSize {
		return Command{}, Transfer{}, fmt.Errorf("%w: controller list needs %d bytes, have %d", ErrBufferTooSmall, IdentifyDataSize, len(buf))
	}
	EncodeControllerList(buf[:IdentifyDataSize], list)
	c, err := Build(Header{NSID: nsid}, NamespaceAttach{Select: sel})
	if err != nil {
		return c, Transfer{}, err
	}
	return c, dataTransfer(DirToDevice, buf[:IdentifyDataSize]), nil
}

// Security protocols (SPC-4 SECURITY PROTOCOL field).
const (
	SecurityProtocolInfo uint8 = 0x00
	SecurityProtocolTCG  uint8 = 0x01
	SecurityProtocolIEEE uint8 = 0xEE
	SecurityProtocolATA  uint8 = 0xEF
)

// Security is the CDW10-11 layout shared by Security Send and Security
// Receive. Length is TL for a send and AL for a receive, in bytes.
type Security struct {
	Receive bool // selects the opcode, not encoded
	SECP    uint8
	SPSP    uint16 // SPSP0 in bits 15:8, SPSP1 in bits 23:16
	NSSF    uint8
	Length  uint32
}

func (d Security) Opcode() Opcode {
	if d.Receive {
		return OpSecurityReceive
	}
	return OpSecuritySend
}

func (d Security) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	dw[0], err = packDword(d.Opcode(),
		bits("nssf", uint64(d.NSSF), 0, 8),
		bits("spsp", uint64(d.SPSP), 8, 16),
		bits("secp", uint64(d.SECP), 24, 8))
	dw[1] = d.Length
	return dw, err
}

func DecodeSecurity(c *Command) (Security, error) {
	var d Security
	switch c.OpcodeByte() {
	case OpSecurityReceive.Code():
		d.Receive = true
	case OpSecuritySend.Code():
	default:
		return d, c.expect(OpSecuritySend)
	}
	dw10 := c.DW(10)
	d.NSSF = uint8(field(dw10, 0, 8))
	d.SPSP = uint16(field(dw10, 8, 16))
	d.SECP = uint8(field(dw10, 24, 8))
	d.Length = c.DW(11)
	return d, nil
}

// SecuritySendCommand sends payload to security protocol secp/spsp.
func SecuritySendCommand(nsid uint32, secp uint8, spsp uint16, nssf uint8, payload []byte) (Command, Transfer, error) {
	return securityCommand(nsid, Security{SECP: secp, SPSP: spsp, NSSF: nssf}, DirToDevice, payload)
}

// SecurityReceiveCommand reads up to len(buf) bytes from security protocol
// secp/spsp.
func SecurityReceiveCommand(nsid uint32, secp uint8, spsp uint16, nssf uint8, buf []byte) (Command, Transfer, error) {
	return securityCommand(nsid, Security{Receive: true, SECP: secp, SPSP: spsp, NSSF: nssf}, DirFromDevice, buf)
}

func securityCommand(nsid uint32, d Security, dir Direction, buf []byte) (Command, Transfer, error) {
	if len(buf) == 0 {
		return Command{}, Transfer{}, fmt.Errorf("%w: %s needs a data buffer", ErrInvalidArgument, d.Opcode())
	}
	if uint64(len(buf))>>32 != 0 {
		return Command{}, Transfer{}, &FieldError{Op: d.Opcode(), Field: "tl", Value: uint64(len(buf)), Width: 32}
	}
	d.Length = uint32(len(buf))
	c, err := Build(Header{NSID: nsid}, d)
	if err != nil {
		return c, Transfer{}, err
	}
	return c, dataTransfer(dir, buf), nil
}

// Namespace management selectors.
const (
	NamespaceCreate uint8 = 0
	NamespaceDelete uint8 = 1
)

// NamespaceManagement is the CDW10 layout of Namespace Management.
type NamespaceManagement struct {
	Select uint8 // SEL, bits 3:0
}

func (NamespaceManagement) Opcode() Opcode { return OpNamespaceMgmt }

func (d NamespaceManagement) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	dw[0], err = packDword(d.Opcode(), bits("sel", uint64(d.Select), 0, 4))
	return dw, err
}

func DecodeNamespaceManagement(c *Command) (NamespaceManagement, error) {
	if err := c.expect(OpNamespaceMgmt); err != nil {
		return NamespaceManagement{}, err
	}
	return NamespaceManagement{Select: uint8(field(c.DW(10), 0, 4))}, nil
}

// NamespaceCreateCommand builds a Namespace Management create. The host
// settable fields of ns are encoded into buf, which must hold a full
// Identify Namespace structure. The new NSID comes back in completion DW0.
func NamespaceCreateCommand(ns NamespaceParams, buf []byte) (Command, Transfer, error) {
	if len(buf) < IdentifyDataSize {
		return Command{}, Transfer{}, fmt.Errorf("%w: namespace create needs %d bytes, have %d", ErrBufferTooSmall, IdentifyDataSize, len(buf))
	}
	if ns.NSZE == 0 || ns.NCAP > ns.NSZE {
		return Command{}, Transfer{}, fmt.Errorf("%w: namespace size %d, capacity %d", ErrInvalidArgument, ns.NSZE, ns.NCAP)
	}
	if ns.FLBAS > 0xF {
		return Command{}, Transfer{}, &FieldError{Op: OpNamespaceMgmt, Field: "flbas", Value: uint64(ns.FLBAS), Width: 4}
	}
	ns.Encode(buf[:IdentifyDataSize])
	c, err := Build(Header{}, NamespaceManagement{Select: NamespaceCreate})
	if err != nil {
		return c, Transfer{}, err
	}
	return c, dataTransfer(DirToDevice, buf[:IdentifyDataSize]), nil
}

// NamespaceDeleteCommand builds a Namespace Management delete of nsid
// (0xFFFFFFFF deletes every namespace).
func NamespaceDeleteCommand(nsid uint32) (Command, Transfer, error) {
	if nsid == 0 {
		return Command{}, Transfer{}, fmt.Errorf("%w: namespace delete of nsid 0", ErrInvalidArgument)
	}
	c, err := Build(Header{NSID: nsid}, NamespaceManagement{Select: NamespaceDelete})
	return c, noTransfer(), err
}
