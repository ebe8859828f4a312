package nvme

import (
	"encoding/binary"
	"fmt"
)

// MaxBlocksPerCommand is the largest NLB+1 a read or write can carry.
const MaxBlocksPerCommand = 1 << 16

// ReadWrite is the CDW10-15 layout shared by Read, Write, Compare, Write
// Zeroes and Write Uncorrectable.
type ReadWrite struct {
	Op           Opcode
	SLBA         uint64
	Blocks       uint32 // 1-based
	PRInfo       uint8  // bits 29:26
	FUA          bool
	LimitedRetry bool
	Deallocate   bool  // Write Zeroes only
	DSM          uint8 // dataset management hints
	EILBRT       uint32
	ELBAT        uint16
	ELBATM       uint16
}

func (d ReadWrite) Opcode() Opcode { return d.Op }

func (d ReadWrite) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	switch d.Op {
	case OpRead, OpWrite, OpCompare, OpWriteZeroes, OpWriteUncorrectable:
	default:
		return dw, fmt.Errorf("%w: %s is not a read/write opcode", ErrInvalidArgument, d.Op)
	}
	if d.Blocks == 0 {
		return dw, fmt.Errorf("%w: %s: block count must be at least 1", ErrInvalidArgument, d.Op)
	}
	if d.Deallocate && d.Op != OpWriteZeroes {
		return dw, fmt.Errorf("%w: %s: deallocate applies to write zeroes only", ErrInvalidArgument, d.Op)
	}
	dw[0] = uint32(d.SLBA)
	dw[1] = uint32(d.SLBA >> 32)
	if dw[2], err = packDword(d.Op,
		bits("nlb", uint64(d.Blocks)-1, 0, 16),
		flag("deac", d.Deallocate, 25),
		bits("prinfo", uint64(d.PRInfo), 26, 4),
		flag("fua", d.FUA, 30),
		flag("lr", d.LimitedRetry, 31)); err != nil {
		return dw, err
	}
	if dw[3], err = packDword(d.Op, bits("dsm", uint64(d.DSM), 0, 8)); err != nil {
		return dw, err
	}
	dw[4] = d.EILBRT
	if dw[5], err = packDword(d.Op,
		bits("elbat", uint64(d.ELBAT), 0, 16),
		bits("elbatm", uint64(d.ELBATM), 16, 16)); err != nil {
		return dw, err
	}
	return dw, nil
}

// DecodeReadWrite reads the read/write dwords back out of a command of
// the given NVM opcode.
func DecodeReadWrite(c *Command, op Opcode) (ReadWrite, error) {
	if err := c.expect(op); err != nil {
		return ReadWrite{}, err
	}
	dw := c.dwords()
	return ReadWrite{
		Op:           op,
		SLBA:         uint64(dw[0]) | uint64(dw[1])<<32,
		Blocks:       field(dw[2], 0, 16) + 1,
		Deallocate:   field(dw[2], 25, 1) == 1,
		PRInfo:       uint8(field(dw[2], 26, 4)),
		FUA:          field(dw[2], 30, 1) == 1,
		LimitedRetry: field(dw[2], 31, 1) == 1,
		DSM:          uint8(field(dw[3], 0, 8)),
		EILBRT:       dw[4],
		ELBAT:        uint16(field(dw[5], 0, 16)),
		ELBATM:       uint16(field(dw[5], 16, 16)),
	}, nil
}

// ReadWriteCommand builds a Read, Write or Compare. buf holds the data.
func ReadWriteCommand(nsid uint32, d ReadWrite, buf []byte) (Command, Transfer, error) {
	var dir Direction
	switch d.Op {
	case OpRead:
		dir = DirFromDevice
	case OpWrite, OpCompare:
		dir = DirToDevice
	default:
		return Command{}, Transfer{}, fmt.Errorf("%w: %s carries no data", ErrInvalidArgument, d.Op)
	}
	if len(buf) == 0 {
		return Command{}, Transfer{}, fmt.Errorf("%w: %s needs a data buffer", ErrBufferTooSmall, d.Op)
	}
	c, err := Build(Header{NSID: nsid}, d)
	if err != nil {
		return c, Transfer{}, err
	}
	return c, dataTransfer(dir, buf), nil
}

// WriteZeroesCommand builds Write Zeroes (or Write Uncorrectable when d.Op
// says so). No data is transferred.
func WriteZeroesCommand(nsid uint32, d ReadWrite) (Command, Transfer, error) {
	if d.Op != OpWriteZeroes && d.Op != OpWriteUncorrectable {
		return Command{}, Transfer{}, fmt.Errorf("%w: %s transfers data", ErrInvalidArgument, d.Op)
	}
	c, err := Build(Header{NSID: nsid}, d)
	return c, noTransfer(), err
}

func FlushCommand(nsid uint32) (Command, Transfer, error) {
	c, err := Build(Header{NSID: nsid}, noDwords(OpFlush))
	return c, noTransfer(), err
}

// DSMRangeSize is the size of one dataset management range.
const DSMRangeSize = 16

// MaxDSMRanges is the most ranges one command can carry.
const MaxDSMRanges = 256

// DSMRange is one entry of the dataset management range list.
type DSMRange struct {
	Attributes uint32
	Blocks     uint32
	SLBA       uint64
}

// DatasetManagement is the CDW10-11 layout of Dataset Management.
type DatasetManagement struct {
	Ranges     uint16 // 1-based
	Read       bool   // IDR
	Write      bool   // IDW
	Deallocate bool   // AD
}

func (DatasetManagement) Opcode() Opcode { return OpDatasetManagement }

func (d DatasetManagement) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	if d.Ranges == 0 {
		return dw, fmt.Errorf("%w: dataset management needs at least one range", ErrInvalidArgument)
	}
	if dw[0], err = packDword(d.Opcode(), bits("nr", uint64(d.Ranges)-1, 0, 8)); err != nil {
		return dw, err
	}
	if dw[1], err = packDword(d.Opcode(),
		flag("idr", d.Read, 0),
		flag("idw", d.Write, 1),
		flag("ad", d.Deallocate, 2)); err != nil {
		return dw, err
	}
	return dw, nil
}

func DecodeDatasetManagement(c *Command) (DatasetManagement, error) {
	if err := c.expect(OpDatasetManagement); err != nil {
		return DatasetManagement{}, err
	}
	dw := c.dwords()
	return DatasetManagement{
		Ranges:     uint16(field(dw[0], 0, 8)) + 1,
		Read:       field(dw[1], 0, 1) == 1,
		Write:      field(dw[1], 1, 1) == 1,
		Deallocate: field(dw[1], 2, 1) == 1,
	}, nil
}

// EncodeDSMRanges writes ranges into buf, which must hold 16 bytes per range.
func EncodeDSMRanges(buf []byte, ranges []DSMRange) error {
	if len(buf) < len(ranges)*DSMRangeSize {
		return fmt.Errorf("%w: %d ranges need %d bytes, have %d", ErrBufferTooSmall, len(ranges), len(ranges)*DSMRangeSize, len(buf))
	}
	for i, r := range ranges {
		b := buf[i*DSMRangeSize:]
		binary.LittleEndian.PutUint32(b[0:], r.Attributes)
		binary.LittleEndian.PutUint32(b[4:], r.Blocks)
		binary.LittleEndian.PutUint64(b[8:], r.SLBA)
	}
	return nil
}

// DecodeDSMRanges reads n ranges from buf.
func DecodeDSMRanges(buf []byte, n int) ([]DSMRange, error) {
	if len(buf) < n*DSMRangeSize {
		return nil, fmt.Errorf("%w: %d ranges need %d bytes, have %d", ErrBufferTooSmall, n, n*DSMRangeSize, len(buf))
	}
	ranges := make([]DSMRange, n)
	for i := range ranges {
		b := buf[i*DSMRangeSize:]
		ranges[i] = DSMRange{
			Attributes: binary.LittleEndian.Uint32(b[0:]),
			Blocks:     binary.LittleEndian.Uint32(b[4:]),
			SLBA:       binary.LittleEndian.Uint64(b[8:]),
		}
	}
	return ranges, nil
}

// DatasetManagementCommand encodes ranges into buf and builds the command.
func DatasetManagementCommand(nsid uint32, d DatasetManagement, ranges []DSMRange, buf []byte) (Command, Transfer, error) {
	if len(ranges) == 0 || len(ranges) > MaxDSMRanges {
		return Command{}, Transfer{}, fmt.Errorf("%w: %d dataset management ranges", ErrInvalidArgument, len(ranges))
	}
	d.Ranges = uint16(len(ranges))
	if err := EncodeDSMRanges(buf, ranges); err != nil {
		return Command{}, Transfer{}, err
	}
	c, err := Build(Header{NSID: nsid}, d)
	if err != nil {
		return c, Transfer{}, err
	}
	return c, dataTransfer(DirToDevice, buf[:len(ranges)*DSMRangeSize]), nil
}
