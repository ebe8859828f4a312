package nvme

import "fmt"

// Direction is the data transfer direction of a command.
type Direction uint8

const (
	DirNone          Direction = 0
	DirToDevice      Direction = 1
	DirFromDevice    Direction = 2
	DirBidirectional Direction = 3
)

func (d Direction) String() string {
	switch d {
	case DirNone:
		return "none"
	case DirToDevice:
		return "to-device"
	case DirFromDevice:
		return "from-device"
	case DirBidirectional:
		return "bidirectional"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// PRPMask tells the kernel which pointer fields of the command it must
// populate from the data buffer.
type PRPMask uint32

const (
	MaskNonPRP   PRPMask = 0
	MaskPRP1Page PRPMask = 1 << 0
	MaskPRP1List PRPMask = 1 << 1
	MaskPRP2Page PRPMask = 1 << 2
	MaskPRP2List PRPMask = 1 << 3
	MaskMPTR     PRPMask = 1 << 4

	maskAll = MaskPRP1Page | MaskPRP1List | MaskPRP2Page | MaskPRP2List | MaskMPTR
)

// dataMask is what a data-carrying command normally advertises: the
// kernel may use PRP1 as a page and PRP2 as either a page or a list.
const dataMask = MaskPRP1Page | MaskPRP2Page | MaskPRP2List

// Transfer describes the data buffer that accompanies a command.
type Transfer struct {
	Direction Direction
	Mask      PRPMask
	Buffer    []byte
	// MetaBufID names a kernel metadata buffer when Mask has MaskMPTR.
	MetaBufID uint32
}

// Len returns the number of bytes described.
func (t Transfer) Len() int {
	return len(t.Buffer)
}

func noTransfer() Transfer {
	return Transfer{Direction: DirNone, Mask: MaskNonPRP}
}

func dataTransfer(dir Direction, buf []byte) Transfer {
	return Transfer{Direction: dir, Mask: dataMask, Buffer: buf}
}

// transferRule is the set of transfers an opcode accepts.
type transferRule struct {
	dirs []Direction
	// noneMask is the mask allowed when no buffer is attached.
	noneMask PRPMask
	meta     bool
}

var transferRules = map[Opcode]transferRule{
	OpDeleteIOSQ:         {dirs: []Direction{DirNone}},
	OpDeleteIOCQ:         {dirs: []Direction{DirNone}},
	OpCreateIOSQ:         {dirs: []Direction{DirNone, DirToDevice}, noneMask: MaskPRP1Page},
	OpCreateIOCQ:         {dirs: []Direction{DirNone, DirToDevice}, noneMask: MaskPRP1Page},
	OpIdentify:           {dirs: []Direction{DirFromDevice}},
	OpGetLogPage:         {dirs: []Direction{DirFromDevice}},
	OpAbort:              {dirs: []Direction{DirNone}},
	OpSetFeatures:        {dirs: []Direction{DirNone, DirToDevice}},
	OpGetFeatures:        {dirs: []Direction{DirNone, DirFromDevice}},
	OpAsyncEventRequest:  {dirs: []Direction{DirNone}},
	OpNamespaceMgmt:      {dirs: []Direction{DirNone, DirToDevice}},
	OpFirmwareCommit:     {dirs: []Direction{DirNone}},
	OpFirmwareDownload:   {dirs: []Direction{DirToDevice}},
	OpDeviceSelfTest:     {dirs: []Direction{DirNone}},
	OpNamespaceAttach:    {dirs: []Direction{DirToDevice}},
	OpKeepAlive:          {dirs: []Direction{DirNone}},
	OpFormatNVM:          {dirs: []Direction{DirNone}},
	OpSecuritySend:       {dirs: []Direction{DirToDevice}},
	OpSecurityReceive:    {dirs: []Direction{DirFromDevice}},
	OpSanitize:           {dirs: []Direction{DirNone}},
	OpFlush:              {dirs: []Direction{DirNone}},
	OpWrite:              {dirs: []Direction{DirToDevice}, meta: true},
	OpRead:               {dirs: []Direction{DirFromDevice}, meta: true},
	OpWriteUncorrectable: {dirs: []Direction{DirNone}},
	OpCompare:            {dirs: []Direction{DirToDevice}, meta: true},
	OpWriteZeroes:        {dirs: []Direction{DirNone}},
	OpDatasetManagement:  {dirs: []Direction{DirToDevice}},
}

// Validate checks that the transfer is consistent with op.
func (t Transfer) Validate(op Opcode) error {
	rule, ok := transferRules[op]
	if !ok {
		return fmt.Errorf("%w: no transfer rule for %s", ErrInvalidArgument, op)
	}

	allowed := false
	for _, d := range rule.dirs {
		if d == t.Direction {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s does not transfer %s", ErrInvalidArgument, op, t.Direction)
	}

	if t.Mask&^maskAll != 0 {
		return fmt.Errorf("%w: unknown mask bits 0x%x", ErrInvalidArgument, uint32(t.Mask&^maskAll))
	}
	if t.Mask&MaskMPTR != 0 && !rule.meta {
		return fmt.Errorf("%w: %s carries no metadata pointer", ErrInvalidArgument, op)
	}

	if t.Direction == DirNone {
		if len(t.Buffer) != 0 {
			return fmt.Errorf("%w: %s has a buffer but no direction", ErrInvalidArgument, op)
		}
		if t.Mask&^MaskMPTR != MaskNonPRP && t.Mask&^MaskMPTR != rule.noneMask {
			return fmt.Errorf("%w: %s mask 0x%x without data", ErrInvalidArgument, op, uint32(t.Mask))
		}
		return nil
	}

	if len(t.Buffer) == 0 {
		return fmt.Errorf("%w: %s transfers %s but has no buffer", ErrInvalidArgument, op, t.Direction)
	}
	if t.Mask&(MaskPRP1Page|MaskPRP1List) == 0 {
		return fmt.Errorf("%w: %s has data but no PRP1 mask", ErrInvalidArgument, op)
	}
	return nil
}
