package nvme

import "fmt"

// CNS selects the data structure returned by Identify.
type CNS uint8

const (
	CNSNamespace               CNS = 0x00
	CNSController              CNS = 0x01
	CNSActiveNamespaceList     CNS = 0x02
	CNSNamespaceDescriptorList CNS = 0x03
	CNSNVMSetList              CNS = 0x04
	CNSUUIDList                CNS = 0x17
)

// IdentifyDataSize is the size of every Identify data structure.
const IdentifyDataSize = 4096

var identifySizes = map[CNS]int{
	CNSNamespace:               IdentifyDataSize,
	CNSController:              IdentifyDataSize,
	CNSActiveNamespaceList:     IdentifyDataSize,
	CNSNamespaceDescriptorList: IdentifyDataSize,
	CNSNVMSetList:              IdentifyDataSize,
	CNSUUIDList:                IdentifyDataSize,
}

// IdentifyResponseSize returns how many bytes the controller writes for cns.
func IdentifyResponseSize(cns CNS) (int, error) {
	size, ok := identifySizes[cns]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported CNS 0x%02x", ErrInvalidArgument, uint8(cns))
	}
	return size, nil
}

// Identify is the CDW10-14 layout of the Identify command.
type Identify struct {
	CNS   CNS
	CNTID uint16
	// CNSID is the CNS specific identifier (NVM set id for CNS 0x04).
	CNSID     uint16
	UUIDIndex uint8
}

func (Identify) Opcode() Opcode { return OpIdentify }

func (d Identify) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	op := d.Opcode()
	if dw[0], err = packDword(op,
		bits("cns", uint64(d.CNS), 0, 8),
		bits("cntid", uint64(d.CNTID), 16, 16)); err != nil {
		return dw, err
	}
	if dw[1], err = packDword(op, bits("cnsid", uint64(d.CNSID), 0, 16)); err != nil {
		return dw, err
	}
	if dw[4], err = packDword(op, bits("uuid_index", uint64(d.UUIDIndex), 0, 7)); err != nil {
		return dw, err
	}
	return dw, nil
}

// DecodeIdentify reads the Identify dwords back out of a command.
func DecodeIdentify(c *Command) (Identify, error) {
	if err := c.expect(OpIdentify); err != nil {
		return Identify{}, err
	}
	dw := c.dwords()
	return Identify{
		CNS:       CNS(field(dw[0], 0, 8)),
		CNTID:     uint16(field(dw[0], 16, 16)),
		CNSID:     uint16(field(dw[1], 0, 16)),
		UUIDIndex: uint8(field(dw[4], 0, 7)),
	}, nil
}

// IdentifyCommand builds an Identify command whose response lands in buf.
func IdentifyCommand(nsid uint32, d Identify, buf []byte) (Command, Transfer, error) {
	size, err := IdentifyResponseSize(d.CNS)
	if err != nil {
		return Command{}, Transfer{}, err
	}
	if len(buf) < size {
		return Command{}, Transfer{}, fmt.Errorf("%w: identify CNS 0x%02x needs %d bytes, have %d",
			ErrBufferTooSmall, uint8(d.CNS), size, len(buf))
	}
	c, err := Build(Header{NSID: nsid}, d)
	if err != nil {
		return c, Transfer{}, err
	}
	return c, dataTransfer(DirFromDevice, buf[:size]), nil
}
