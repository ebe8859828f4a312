// Package nvme encodes NVMe submission queue entries and decodes the
// completion entries and data structures a controller returns.
//
// Every builder in this package produces a 64-byte Command whose
// CDW10..CDW15 are packed from exactly one typed dword variant. Sub-fields
// are range checked before packing; a value wider than its field is
// rejected with a *FieldError instead of being truncated.
package nvme

import "fmt"

// Opcode identifies a command together with the command set it belongs to.
// Admin and NVM opcodes share the same numeric space, so the set lives in
// the high byte and the wire opcode in the low byte.
type Opcode uint16

const (
	setAdmin Opcode = 0x000
	setNVM   Opcode = 0x100
)

// Admin command set
const (
	OpDeleteIOSQ        Opcode = setAdmin | 0x00
	OpCreateIOSQ        Opcode = setAdmin | 0x01
	OpGetLogPage        Opcode = setAdmin | 0x02
	OpDeleteIOCQ        Opcode = setAdmin | 0x04
	OpCreateIOCQ        Opcode = setAdmin | 0x05
	OpIdentify          Opcode = setAdmin | 0x06
	OpAbort             Opcode = setAdmin | 0x08
	OpSetFeatures       Opcode = setAdmin | 0x09
	OpGetFeatures       Opcode = setAdmin | 0x0A
	OpAsyncEventRequest Opcode = setAdmin | 0x0C
	OpNamespaceMgmt     Opcode = setAdmin | 0x0D
	OpFirmwareCommit    Opcode = setAdmin | 0x10
	OpFirmwareDownload  Opcode = setAdmin | 0x11
	OpDeviceSelfTest    Opcode = setAdmin | 0x14
	OpNamespaceAttach   Opcode = setAdmin | 0x15
	OpKeepAlive         Opcode = setAdmin | 0x18
	OpFormatNVM         Opcode = setAdmin | 0x80
	OpSecuritySend      Opcode = setAdmin | 0x81
	OpSecurityReceive   Opcode = setAdmin | 0x82
	OpSanitize          Opcode = setAdmin | 0x84
)

// NVM command set
const (
	OpFlush              Opcode = setNVM | 0x00
	OpWrite              Opcode = setNVM | 0x01
	OpRead               Opcode = setNVM | 0x02
	OpWriteUncorrectable Opcode = setNVM | 0x04
	OpCompare            Opcode = setNVM | 0x05
	OpWriteZeroes        Opcode = setNVM | 0x08
	OpDatasetManagement  Opcode = setNVM | 0x09
)

// Code returns the byte written to CDW0.OPC.
func (o Opcode) Code() uint8 {
	return uint8(o)
}

// IsAdmin reports whether the opcode belongs to the admin command set.
func (o Opcode) IsAdmin() bool {
	return o&setNVM == 0
}

func (o Opcode) String() string {
	switch o {
	case OpDeleteIOSQ:
		return "DELETE_IOSQ"
	case OpCreateIOSQ:
		return "CREATE_IOSQ"
	case OpGetLogPage:
		return "GET_LOG_PAGE"
	case OpDeleteIOCQ:
		return "DELETE_IOCQ"
	case OpCreateIOCQ:
		return "CREATE_IOCQ"
	case OpIdentify:
		return "IDENTIFY"
	case OpAbort:
		return "ABORT"
	case OpSetFeatures:
		return "SET_FEATURES"
	case OpGetFeatures:
		return "GET_FEATURES"
	case OpAsyncEventRequest:
		return "ASYNC_EVENT_REQUEST"
	case OpNamespaceMgmt:
		return "NS_MGMT"
	case OpFirmwareCommit:
		return "FW_COMMIT"
	case OpFirmwareDownload:
		return "FW_DOWNLOAD"
	case OpDeviceSelfTest:
		return "DEVICE_SELF_TEST"
	case OpNamespaceAttach:
		return "NS_ATTACH"
	case OpKeepAlive:
		return "KEEP_ALIVE"
	case OpFormatNVM:
		return "FORMAT_NVM"
	case OpSecuritySend:
		return "SECURITY_SEND"
	case OpSecurityReceive:
		return "SECURITY_RECV"
	case OpSanitize:
		return "SANITIZE"
	case OpFlush:
		return "FLUSH"
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpWriteUncorrectable:
		return "WRITE_UNCOR"
	case OpCompare:
		return "COMPARE"
	case OpWriteZeroes:
		return "WRITE_ZEROES"
	case OpDatasetManagement:
		return "DSM"
	}
	if o.IsAdmin() {
		return fmt.Sprintf("ADMIN_0x%02x", o.Code())
	}
	return fmt.Sprintf("NVM_0x%02x", o.Code())
}
