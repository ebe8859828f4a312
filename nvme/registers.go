package nvme

// Controller register offsets in BAR0.
const (
	RegCAP   = 0x00
	RegVS    = 0x08
	RegINTMS = 0x0C
	RegINTMC = 0x10
	RegCC    = 0x14
	RegCSTS  = 0x1C
	RegAQA   = 0x24
	RegASQ   = 0x28
	RegACQ   = 0x30
)

// ControllerConfig is the CC register.
type ControllerConfig struct {
	Enable bool  // EN
	CSS    uint8 // I/O command set, bits 6:4
	MPS    uint8 // memory page size is 2^(12+MPS), bits 10:7
	AMS    uint8 // arbitration mechanism, bits 13:11
	SHN    uint8 // shutdown notification, bits 15:14
	IOSQES uint8 // log2 of the SQ entry size, bits 19:16
	IOCQES uint8 // log2 of the CQ entry size, bits 23:20
}

func DecodeControllerConfig(v uint32) ControllerConfig {
	return ControllerConfig{
		Enable: field(v, 0, 1) == 1,
		CSS:    uint8(field(v, 4, 3)),
		MPS:    uint8(field(v, 7, 4)),
		AMS:    uint8(field(v, 11, 3)),
		SHN:    uint8(field(v, 14, 2)),
		IOSQES: uint8(field(v, 16, 4)),
		IOCQES: uint8(field(v, 20, 4)),
	}
}

func (c ControllerConfig) Encode() uint32 {
	var v uint32
	if c.Enable {
		v |= 1
	}
	v |= uint32(c.CSS&0x7) << 4
	v |= uint32(c.MPS&0xF) << 7
	v |= uint32(c.AMS&0x7) << 11
	v |= uint32(c.SHN&0x3) << 14
	v |= uint32(c.IOSQES&0xF) << 16
	v |= uint32(c.IOCQES&0xF) << 20
	return v
}

// ControllerStatus is the CSTS register.
type ControllerStatus struct {
	Ready           bool  // RDY
	Fatal           bool  // CFS
	ShutdownStatus  uint8 // SHST, bits 3:2
	SubsystemReset  bool  // NSSRO
	ProcessingPause bool  // PP
}

func DecodeControllerStatus(v uint32) ControllerStatus {
	return ControllerStatus{
		Ready:           field(v, 0, 1) == 1,
		Fatal:           field(v, 1, 1) == 1,
		ShutdownStatus:  uint8(field(v, 2, 2)),
		SubsystemReset:  field(v, 4, 1) == 1,
		ProcessingPause: field(v, 5, 1) == 1,
	}
}

// PCI configuration space layout used to find the MSI-X capability.
const (
	PCIStatus         = 0x06
	PCIStatusCapList  = 1 << 4
	PCICapPointer     = 0x34
	PCICapIDMSIX      = 0x11
	MSIXControlOffset = 2 // message control, relative to the capability
	MSIXEnable        = 1 << 15
	MSIXFunctionMask  = 1 << 14
	msixTableSizeMask = 0x7FF
)

// MSIXControl is the MSI-X message control word.
type MSIXControl uint16

// Enabled reports the MSI-X enable bit.
func (m MSIXControl) Enabled() bool { return m&MSIXEnable != 0 }

// Masked reports the function mask bit.
func (m MSIXControl) Masked() bool { return m&MSIXFunctionMask != 0 }

// TableSize is the number of MSI-X table entries (the field is 0-based).
func (m MSIXControl) TableSize() int { return int(m&msixTableSizeMask) + 1 }
