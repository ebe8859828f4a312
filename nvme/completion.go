package nvme

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
)

// CompletionSize is the size of one completion queue entry.
const CompletionSize = 16

// Completion is a completion queue entry.
type Completion struct {
	DW0    uint32 `struc:"uint32,little"`
	DW1    uint32 `struc:"uint32,little"`
	SQHead uint16 `struc:"uint16,little"`
	SQID   uint16 `struc:"uint16,little"`
	CID    uint16 `struc:"uint16,little"`
	Status uint16 `struc:"uint16,little"`
}

// Status code types.
const (
	SCTGeneric         uint8 = 0
	SCTCommandSpecific uint8 = 1
	SCTMediaError      uint8 = 2
	SCTPath            uint8 = 3
	SCTVendor          uint8 = 7
)

// Generic command status values.
const (
	SCSuccess           uint8 = 0x00
	SCInvalidOpcode     uint8 = 0x01
	SCInvalidField      uint8 = 0x02
	SCCIDConflict       uint8 = 0x03
	SCDataTransferError uint8 = 0x04
	SCPowerLoss         uint8 = 0x05
	SCInternalError     uint8 = 0x06
	SCAbortRequested    uint8 = 0x07
	SCAbortSQDeleted    uint8 = 0x08
	SCInvalidNamespace  uint8 = 0x0B
	SCLBAOutOfRange     uint8 = 0x80
	SCCapacityExceeded  uint8 = 0x81
	SCNamespaceNotReady uint8 = 0x82
)

// Command specific status values.
const (
	SCInvalidCQ            uint8 = 0x00
	SCInvalidQueueID       uint8 = 0x01
	SCInvalidQueueSize     uint8 = 0x02
	SCAbortLimitExceeded   uint8 = 0x03
	SCInvalidVector        uint8 = 0x08
	SCInvalidLogPage       uint8 = 0x09
	SCInvalidFormat        uint8 = 0x0A
	SCInvalidQueueDeletion uint8 = 0x0C
	SCFeatureNotSaveable   uint8 = 0x0D
	SCFeatureNotChangeable uint8 = 0x0E
	SCNamespaceCapacity    uint8 = 0x15 // namespace insufficient capacity
	SCNamespaceIDNotAvail  uint8 = 0x16
)

// Media and data integrity status values.
const (
	SCWriteFault       uint8 = 0x80
	SCUnrecoveredRead  uint8 = 0x81
	SCCompareFailure   uint8 = 0x85
	SCDeallocatedBlock uint8 = 0x87
)

// MakeStatus packs the upper half of completion DW3. The phase tag is
// left clear.
func MakeStatus(sct, sc uint8, dnr bool) uint16 {
	s := uint16(sc)<<1 | uint16(sct&0x7)<<9
	if dnr {
		s |= 1 << 15
	}
	return s
}

func (c *Completion) Phase() bool           { return c.Status&1 == 1 }
func (c *Completion) StatusCode() uint8     { return uint8(c.Status >> 1) }
func (c *Completion) StatusCodeType() uint8 { return uint8(c.Status>>9) & 0x7 }
func (c *Completion) RetryDelay() uint8     { return uint8(c.Status>>12) & 0x3 }
func (c *Completion) More() bool            { return c.Status&(1<<14) != 0 }
func (c *Completion) DoNotRetry() bool      { return c.Status&(1<<15) != 0 }

// Success reports a generic successful completion.
func (c *Completion) Success() bool {
	return c.StatusCodeType() == SCTGeneric && c.StatusCode() == SCSuccess
}

// Err returns nil on success and a *StatusError otherwise.
func (c *Completion) Err() error {
	if c.Success() {
		return nil
	}
	return &StatusError{SCT: c.StatusCodeType(), SC: c.StatusCode(), DNR: c.DoNotRetry(), CID: c.CID}
}

// StatusError is a non-successful completion status.
type StatusError struct {
	SCT uint8
	SC  uint8
	DNR bool
	CID uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nvme: cid %d completed with %s (sct=%d sc=0x%02x dnr=%t)",
		e.CID, StatusString(e.SCT, e.SC), e.SCT, e.SC, e.DNR)
}

// StatusString names a status.
func StatusString(sct, sc uint8) string {
	switch sct {
	case SCTGeneric:
		switch sc {
		case SCSuccess:
			return "success"
		case SCInvalidOpcode:
			return "invalid command opcode"
		case SCInvalidField:
			return "invalid field in command"
		case SCCIDConflict:
			return "command id conflict"
		case SCDataTransferError:
			return "data transfer error"
		case SCPowerLoss:
			return "aborted due to power loss"
		case SCInternalError:
			return "internal error"
		case SCAbortRequested:
			return "abort requested"
		case SCAbortSQDeleted:
			return "aborted due to SQ deletion"
		case SCInvalidNamespace:
			return "invalid namespace or format"
		case SCLBAOutOfRange:
			return "LBA out of range"
		case SCCapacityExceeded:
			return "capacity exceeded"
		case SCNamespaceNotReady:
			return "namespace not ready"
		}
	case SCTCommandSpecific:
		switch sc {
		case SCInvalidCQ:
			return "completion queue invalid"
		case SCInvalidQueueID:
			return "invalid queue identifier"
		case SCInvalidQueueSize:
			return "invalid queue size"
		case SCAbortLimitExceeded:
			return "abort command limit exceeded"
		case SCInvalidVector:
			return "invalid interrupt vector"
		case SCInvalidLogPage:
			return "invalid log page"
		case SCInvalidFormat:
			return "invalid format"
		case SCInvalidQueueDeletion:
			return "invalid queue deletion"
		case SCFeatureNotSaveable:
			return "feature identifier not saveable"
		case SCFeatureNotChangeable:
			return "feature not changeable"
		case SCNamespaceCapacity:
			return "namespace insufficient capacity"
		case SCNamespaceIDNotAvail:
			return "namespace identifier unavailable"
		}
	case SCTMediaError:
		switch sc {
		case SCWriteFault:
			return "write fault"
		case SCUnrecoveredRead:
			return "unrecovered read error"
		case SCCompareFailure:
			return "compare failure"
		case SCDeallocatedBlock:
			return "access to deallocated or unwritten block"
		}
	}
	return "unknown status"
}

// DecodeCompletion decodes one entry from the first 16 bytes of b.
func DecodeCompletion(b []byte) (Completion, error) {
	var c Completion
	if len(b) < CompletionSize {
		return c, fmt.Errorf("%w: completion entry needs %d bytes, have %d", ErrBufferTooSmall, CompletionSize, len(b))
	}
	if err := struc.Unpack(bytes.NewReader(b[:CompletionSize]), &c); err != nil {
		return c, err
	}
	return c, nil
}

// DecodeCompletions decodes n consecutive entries.
func DecodeCompletions(b []byte, n int) ([]Completion, error) {
	if len(b) < n*CompletionSize {
		return nil, fmt.Errorf("%w: %d completions need %d bytes, have %d", ErrBufferTooSmall, n, n*CompletionSize, len(b))
	}
	out := make([]Completion, 0, n)
	for i := 0; i < n; i++ {
		c, err := DecodeCompletion(b[i*CompletionSize:])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Encode returns the wire form of the entry.
func (c *Completion) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
