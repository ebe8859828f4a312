package nvme

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CommandSize is the size of a submission queue entry.
const CommandSize = 64

// Byte offsets of the common submission queue entry fields.
const (
	offOpcode = 0
	offFlags  = 1
	offCID    = 2
	offNSID   = 4
	offMPTR   = 16
	offPRP1   = 24
	offPRP2   = 32
	offDW10   = 40
)

var (
	// ErrInvalidArgument is returned (wrapped) for every argument that
	// cannot be encoded into a command.
	ErrInvalidArgument = errors.New("nvme: invalid argument")

	// ErrBufferTooSmall is returned when a caller buffer cannot hold the
	// data a command or decoder requires.
	ErrBufferTooSmall = errors.New("nvme: buffer too small")
)

// FieldError reports a sub-field value that does not fit its bit width.
type FieldError struct {
	Op    Opcode
	Field string
	Value uint64
	Width uint
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("nvme: %s: %s=%d does not fit in %d bits", e.Op, e.Field, e.Value, e.Width)
}

// Unwrap lets errors.Is(err, ErrInvalidArgument) match field overflows.
func (e *FieldError) Unwrap() error {
	return ErrInvalidArgument
}

// Command is a submission queue entry in wire format.
//
//	byte  0      opcode
//	byte  1      flags (FUSE, PSDT)
//	bytes 2-3    command identifier
//	bytes 4-7    namespace identifier
//	bytes 8-15   reserved (CDW2-3)
//	bytes 16-23  metadata pointer
//	bytes 24-31  PRP entry 1
//	bytes 32-39  PRP entry 2
//	bytes 40-63  CDW10..CDW15
type Command [CommandSize]byte

// Header carries the fields every command has regardless of opcode.
type Header struct {
	Flags uint8
	CID   uint16
	NSID  uint32
	MPTR  uint64
	PRP1  uint64
	PRP2  uint64
}

// Dwords is implemented by each opcode family's CDW10..CDW15 layout. A
// command is always packed from exactly one variant.
type Dwords interface {
	Opcode() Opcode
	Pack() ([6]uint32, error)
}

// Build packs a command from a header and one dword variant.
func Build(h Header, d Dwords) (Command, error) {
	var c Command
	dw, err := d.Pack()
	if err != nil {
		return c, err
	}
	c[offOpcode] = d.Opcode().Code()
	c[offFlags] = h.Flags
	binary.LittleEndian.PutUint16(c[offCID:], h.CID)
	binary.LittleEndian.PutUint32(c[offNSID:], h.NSID)
	binary.LittleEndian.PutUint64(c[offMPTR:], h.MPTR)
	binary.LittleEndian.PutUint64(c[offPRP1:], h.PRP1)
	binary.LittleEndian.PutUint64(c[offPRP2:], h.PRP2)
	for i, v := range dw {
		binary.LittleEndian.PutUint32(c[offDW10+4*i:], v)
	}
	return c, nil
}

func (c *Command) OpcodeByte() uint8 { return c[offOpcode] }
func (c *Command) Flags() uint8      { return c[offFlags] }
func (c *Command) CID() uint16       { return binary.LittleEndian.Uint16(c[offCID:]) }
func (c *Command) NSID() uint32      { return binary.LittleEndian.Uint32(c[offNSID:]) }
func (c *Command) MPTR() uint64      { return binary.LittleEndian.Uint64(c[offMPTR:]) }
func (c *Command) PRP1() uint64      { return binary.LittleEndian.Uint64(c[offPRP1:]) }
func (c *Command) PRP2() uint64      { return binary.LittleEndian.Uint64(c[offPRP2:]) }

// Bytes returns the command in wire format.
func (c *Command) Bytes() []byte { return c[:] }

// SetCID stamps the command identifier. The kernel may overwrite it.
func (c *Command) SetCID(cid uint16) {
	binary.LittleEndian.PutUint16(c[offCID:], cid)
}

// DW returns CDWn for n in 10..15.
func (c *Command) DW(n int) uint32 {
	if n < 10 || n > 15 {
		panic(fmt.Sprintf("nvme: CDW%d is not an opcode-specific dword", n))
	}
	return binary.LittleEndian.Uint32(c[offDW10+4*(n-10):])
}

func (c *Command) dwords() [6]uint32 {
	var dw [6]uint32
	for i := range dw {
		dw[i] = binary.LittleEndian.Uint32(c[offDW10+4*i:])
	}
	return dw
}

// expect fails unless the command carries op's wire opcode.
func (c *Command) expect(op Opcode) error {
	if c.OpcodeByte() != op.Code() {
		return fmt.Errorf("%w: opcode 0x%02x is not %s", ErrInvalidArgument, c.OpcodeByte(), op)
	}
	return nil
}

// bitField is one sub-field destined for a dword.
type bitField struct {
	name  string
	value uint64
	shift uint
	width uint
}

func bits(name string, value uint64, shift, width uint) bitField {
	return bitField{name: name, value: value, shift: shift, width: width}
}

func flag(name string, set bool, shift uint) bitField {
	var v uint64
	if set {
		v = 1
	}
	return bitField{name: name, value: v, shift: shift, width: 1}
}

func packDword(op Opcode, fields ...bitField) (uint32, error) {
	var dw uint32
	for _, f := range fields {
		if f.width < 64 && f.value>>f.width != 0 {
			return 0, &FieldError{Op: op, Field: f.name, Value: f.value, Width: f.width}
		}
		dw |= uint32(f.value) << f.shift
	}
	return dw, nil
}

// field extracts width bits at shift.
func field(dw uint32, shift, width uint) uint32 {
	return (dw >> shift) & (1<<width - 1)
}
