package nvme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyCommand(t *testing.T) {
	buf := make([]byte, IdentifyDataSize)
	c, xfer, err := IdentifyCommand(0, Identify{CNS: CNSController, CNTID: 2, UUIDIndex: 1}, buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x06), c.OpcodeByte())
	assert.Equal(t, uint32(2<<16|1), c.DW(10))
	assert.Equal(t, uint32(1), c.DW(14))
	assert.Equal(t, DirFromDevice, xfer.Direction)
	assert.Equal(t, IdentifyDataSize, xfer.Len())
	require.NoError(t, xfer.Validate(OpIdentify))

	_, _, err = IdentifyCommand(0, Identify{CNS: CNSController}, buf[:512])
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, _, err = IdentifyCommand(0, Identify{CNS: 0x42}, buf)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAbortCommand(t *testing.T) {
	c, xfer, err := AbortCommand(1, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234<<16|1), c.DW(10))
	assert.Equal(t, DirNone, xfer.Direction)

	d, err := DecodeAbort(&c)
	require.NoError(t, err)
	assert.Equal(t, Abort{SQID: 1, CID: 0x1234}, d)
}

func TestFirmwareCommands(t *testing.T) {
	c, _, err := FirmwareCommitCommand(FirmwareCommit{Slot: 2, Action: CommitReplaceAndActivate, BPID: true})
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<31|1<<3|2), c.DW(10))

	image := make([]byte, 4096)
	c, xfer, err := FirmwareDownloadCommand(image, 8192)
	require.NoError(t, err)
	assert.Equal(t, uint32(1023), c.DW(10))
	assert.Equal(t, uint32(2048), c.DW(11))
	assert.Equal(t, DirToDevice, xfer.Direction)

	_, _, err = FirmwareDownloadCommand(image[:3], 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = FirmwareDownloadCommand(image, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFormatAndSanitize(t *testing.T) {
	c, _, err := FormatNVMCommand(1, FormatNVM{LBAF: 1, PI: 1, SES: 1})
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<9|1<<5|1), c.DW(10))
	d, err := DecodeFormatNVM(&c)
	require.NoError(t, err)
	assert.Equal(t, FormatNVM{LBAF: 1, PI: 1, SES: 1}, d)

	c, _, err = SanitizeCommand(Sanitize{Action: SanitizeOverwrite, OverwritePasses: 3, NoDeallocate: true, OverwritePattern: 0xDEADBEEF})
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<9|3<<4|3), c.DW(10))
	assert.Equal(t, uint32(0xDEADBEEF), c.DW(11))
}

func TestGetLogPageCommand(t *testing.T) {
	buf := make([]byte, 512)
	c, xfer, err := GetLogPageCommand(0xFFFFFFFF, LogSmartHealth, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(127<<16|0x02), c.DW(10))
	assert.Equal(t, DirFromDevice, xfer.Direction)

	d, err := DecodeGetLogPage(&c)
	require.NoError(t, err)
	assert.Equal(t, uint32(127), d.NUMD)

	big := GetLogPage{LID: 7, NUMD: 0x12345, Offset: 1 << 33}
	c, err = Build(Header{}, big)
	require.NoError(t, err)
	d, err = DecodeGetLogPage(&c)
	require.NoError(t, err)
	assert.Equal(t, big, d)

	_, _, err = GetLogPageCommand(0, LogSmartHealth, 0, buf[:6])
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNamespaceAttachCommand(t *testing.T) {
	buf := make([]byte, IdentifyDataSize)
	c, xfer, err := NamespaceAttachCommand(1, AttachControllers, []uint16{1, 2}, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), c.DW(10))
	assert.Equal(t, []byte{2, 0, 1, 0, 2, 0}, buf[:6])
	require.NoError(t, xfer.Validate(OpNamespaceAttach))
}

func TestSecurityCommands(t *testing.T) {
	payload := make([]byte, 512)
	c, xfer, err := SecuritySendCommand(1, SecurityProtocolTCG, 0x0102, 0x03, payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x81), c.OpcodeByte())
	assert.Equal(t, uint32(1), c.NSID())
	assert.Equal(t, uint32(0x01<<24|0x0102<<8|0x03), c.DW(10))
	assert.Equal(t, uint32(512), c.DW(11))
	assert.Equal(t, DirToDevice, xfer.Direction)
	require.NoError(t, xfer.Validate(OpSecuritySend))

	d, err := DecodeSecurity(&c)
	require.NoError(t, err)
	assert.Equal(t, Security{SECP: SecurityProtocolTCG, SPSP: 0x0102, NSSF: 3, Length: 512}, d)

	c, xfer, err = SecurityReceiveCommand(0, SecurityProtocolInfo, 0, 0, payload[:16])
	require.NoError(t, err)
	assert.Equal(t, uint8(0x82), c.OpcodeByte())
	assert.Equal(t, uint32(16), c.DW(11))
	require.NoError(t, xfer.Validate(OpSecurityReceive))
	d, err = DecodeSecurity(&c)
	require.NoError(t, err)
	assert.True(t, d.Receive)
	assert.Equal(t, OpSecurityReceive, d.Opcode())

	_, _, err = SecuritySendCommand(0, SecurityProtocolATA, 0, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	other, _, err := KeepAliveCommand()
	require.NoError(t, err)
	_, err = DecodeSecurity(&other)
	assert.Error(t, err)
}

func TestNamespaceManagementCommands(t *testing.T) {
	buf := make([]byte, IdentifyDataSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	ns := NamespaceParams{NSZE: 1 << 20, NCAP: 1 << 19, FLBAS: 2, DPS: 1, NMIC: 1, ANAGRPID: 7, NVMSetID: 3}
	c, xfer, err := NamespaceCreateCommand(ns, buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x0D), c.OpcodeByte())
	assert.Equal(t, uint32(NamespaceCreate), c.DW(10))
	assert.Zero(t, c.NSID())
	assert.Equal(t, DirToDevice, xfer.Direction)
	require.NoError(t, xfer.Validate(OpNamespaceMgmt))

	assert.Equal(t, byte(0), buf[IdentifyDataSize-1], "unused bytes cleared")
	back, err := DecodeNamespaceParams(xfer.Buffer)
	require.NoError(t, err)
	assert.Equal(t, ns, back)

	id, err := DecodeIdentifyNamespace(buf)
	require.NoError(t, err)
	assert.Equal(t, ns.NSZE, id.NSZE)
	assert.Equal(t, ns.NCAP, id.NCAP)

	_, _, err = NamespaceCreateCommand(ns, buf[:100])
	assert.ErrorIs(t, err, ErrBufferTooSmall)
	_, _, err = NamespaceCreateCommand(NamespaceParams{}, buf)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = NamespaceCreateCommand(NamespaceParams{NSZE: 8, NCAP: 8, FLBAS: 0x10}, buf)
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "flbas", fe.Field)

	c, xfer, err = NamespaceDeleteCommand(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), c.NSID())
	assert.Equal(t, DirNone, xfer.Direction)
	d, err := DecodeNamespaceManagement(&c)
	require.NoError(t, err)
	assert.Equal(t, NamespaceDelete, d.Select)

	_, _, err = NamespaceDeleteCommand(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Build(Header{}, NamespaceManagement{Select: 0x10})
	assert.Error(t, err)
}

func TestTransferValidate(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		xfer Transfer
		ok   bool
	}{
		{"delete with data", OpDeleteIOSQ, Transfer{Direction: DirToDevice, Mask: MaskPRP1Page, Buffer: []byte{1}}, false},
		{"delete none", OpDeleteIOCQ, noTransfer(), true},
		{"identify to device", OpIdentify, Transfer{Direction: DirToDevice, Mask: MaskPRP1Page, Buffer: make([]byte, 8)}, false},
		{"identify without buffer", OpIdentify, Transfer{Direction: DirFromDevice, Mask: MaskPRP1Page}, false},
		{"read without prp1", OpRead, Transfer{Direction: DirFromDevice, Mask: MaskPRP2Page, Buffer: make([]byte, 8)}, false},
		{"read with metadata", OpRead, Transfer{Direction: DirFromDevice, Mask: dataMask | MaskMPTR, Buffer: make([]byte, 8)}, true},
		{"abort with metadata", OpAbort, Transfer{Mask: MaskMPTR}, false},
		{"none with buffer", OpSetFeatures, Transfer{Buffer: make([]byte, 8)}, false},
		{"unknown mask", OpFlush, Transfer{Mask: 1 << 7}, false},
		{"contiguous create", OpCreateIOSQ, Transfer{Mask: MaskPRP1Page}, true},
		{"prp1 on abort", OpAbort, Transfer{Mask: MaskPRP1Page}, false},
		{"unknown opcode", Opcode(0x7F), noTransfer(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.xfer.Validate(tt.op)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidArgument)
			}
		})
	}
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "CREATE_IOCQ", OpCreateIOCQ.String())
	assert.Equal(t, "READ", OpRead.String())
	assert.Equal(t, "ADMIN_0x7f", Opcode(0x7F).String())
	assert.True(t, OpIdentify.IsAdmin())
	assert.False(t, OpWrite.IsAdmin())
	assert.Equal(t, OpCreateIOSQ.Code(), OpWrite.Code())
}
