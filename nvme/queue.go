package nvme

import (
	"fmt"
	"unsafe"
)

// Queue entry sizes and limits.
const (
	SQEntrySize      = 64
	CQEntrySize      = 16
	MaxQueueElements = 1 << 16
	AdminQueueID     = 0
)

// QueueKind distinguishes completion queues from submission queues.
type QueueKind uint8

const (
	CompletionQueue QueueKind = iota
	SubmissionQueue
)

func (k QueueKind) String() string {
	if k == SubmissionQueue {
		return "SQ"
	}
	return "CQ"
}

// EntrySize returns the size of one element of a queue of this kind.
func (k QueueKind) EntrySize() int {
	if k == SubmissionQueue {
		return SQEntrySize
	}
	return CQEntrySize
}

// EncodeQueueSize converts a 1-based element count to the 0-based QSIZE
// value carried in CDW10.
func EncodeQueueSize(op Opcode, elements uint32) (uint16, error) {
	if elements == 0 {
		return 0, fmt.Errorf("%w: %s: queue needs at least one element", ErrInvalidArgument, op)
	}
	if elements > MaxQueueElements {
		return 0, &FieldError{Op: op, Field: "qsize", Value: uint64(elements) - 1, Width: 16}
	}
	return uint16(elements - 1), nil
}

// DecodeQueueSize is the inverse of EncodeQueueSize.
func DecodeQueueSize(qsize uint16) uint32 {
	return uint32(qsize) + 1
}

// CreateCQ is the CDW10-11 layout of Create I/O Completion Queue.
type CreateCQ struct {
	QID               uint16
	Elements          uint32
	Contiguous        bool
	InterruptsEnabled bool
	Vector            uint16
}

func (CreateCQ) Opcode() Opcode { return OpCreateIOCQ }

func (d CreateCQ) Pack() ([6]uint32, error) {
	var dw [6]uint32
	op := d.Opcode()
	if d.QID == AdminQueueID {
		return dw, fmt.Errorf("%w: %s: queue id 0 is the admin queue", ErrInvalidArgument, op)
	}
	qsize, err := EncodeQueueSize(op, d.Elements)
	if err != nil {
		return dw, err
	}
	if dw[0], err = packDword(op,
		bits("qid", uint64(d.QID), 0, 16),
		bits("qsize", uint64(qsize), 16, 16)); err != nil {
		return dw, err
	}
	if dw[1], err = packDword(op,
		flag("pc", d.Contiguous, 0),
		flag("ien", d.InterruptsEnabled, 1),
		bits("iv", uint64(d.Vector), 16, 16)); err != nil {
		return dw, err
	}
	return dw, nil
}

// DecodeCreateCQ reads the create-CQ dwords back out of a command.
func DecodeCreateCQ(c *Command) (CreateCQ, error) {
	if err := c.expect(OpCreateIOCQ); err != nil {
		return CreateCQ{}, err
	}
	dw := c.dwords()
	return CreateCQ{
		QID:               uint16(field(dw[0], 0, 16)),
		Elements:          DecodeQueueSize(uint16(field(dw[0], 16, 16))),
		Contiguous:        field(dw[1], 0, 1) == 1,
		InterruptsEnabled: field(dw[1], 1, 1) == 1,
		Vector:            uint16(field(dw[1], 16, 16)),
	}, nil
}

// CreateSQ is the CDW10-12 layout of Create I/O Submission Queue.
type CreateSQ struct {
	QID        uint16
	Elements   uint32
	Contiguous bool
	// Priority is QPRIO: 0 urgent, 1 high, 2 medium, 3 low.
	Priority uint8
	CQID     uint16
	NVMSetID uint16
}

func (CreateSQ) Opcode() Opcode { return OpCreateIOSQ }

func (d CreateSQ) Pack() ([6]uint32, error) {
	var dw [6]uint32
	op := d.Opcode()
	if d.QID == AdminQueueID || d.CQID == AdminQueueID {
		return dw, fmt.Errorf("%w: %s: queue id 0 is the admin queue", ErrInvalidArgument, op)
	}
	qsize, err := EncodeQueueSize(op, d.Elements)
	if err != nil {
		return dw, err
	}
	if dw[0], err = packDword(op,
		bits("qid", uint64(d.QID), 0, 16),
		bits("qsize", uint64(qsize), 16, 16)); err != nil {
		return dw, err
	}
	if dw[1], err = packDword(op,
		flag("pc", d.Contiguous, 0),
		bits("qprio", uint64(d.Priority), 1, 2),
		bits("cqid", uint64(d.CQID), 16, 16)); err != nil {
		return dw, err
	}
	if dw[2], err = packDword(op, bits("nvmsetid", uint64(d.NVMSetID), 0, 16)); err != nil {
		return dw, err
	}
	return dw, nil
}

// DecodeCreateSQ reads the create-SQ dwords back out of a command.
func DecodeCreateSQ(c *Command) (CreateSQ, error) {
	if err := c.expect(OpCreateIOSQ); err != nil {
		return CreateSQ{}, err
	}
	dw := c.dwords()
	return CreateSQ{
		QID:        uint16(field(dw[0], 0, 16)),
		Elements:   DecodeQueueSize(uint16(field(dw[0], 16, 16))),
		Contiguous: field(dw[1], 0, 1) == 1,
		Priority:   uint8(field(dw[1], 1, 2)),
		CQID:       uint16(field(dw[1], 16, 16)),
		NVMSetID:   uint16(field(dw[2], 0, 16)),
	}, nil
}

// DeleteQueue is the CDW10 layout shared by Delete I/O SQ and Delete I/O CQ.
type DeleteQueue struct {
	Kind QueueKind
	QID  uint16
}

func (d DeleteQueue) Opcode() Opcode {
	if d.Kind == SubmissionQueue {
		return OpDeleteIOSQ
	}
	return OpDeleteIOCQ
}

func (d DeleteQueue) Pack() ([6]uint32, error) {
	var dw [6]uint32
	if d.QID == AdminQueueID {
		return dw, fmt.Errorf("%w: %s: the admin queue cannot be deleted", ErrInvalidArgument, d.Opcode())
	}
	var err error
	dw[0], err = packDword(d.Opcode(), bits("qid", uint64(d.QID), 0, 16))
	return dw, err
}

// DecodeDeleteQueue reads the target queue of a delete command.
func DecodeDeleteQueue(c *Command, kind QueueKind) (DeleteQueue, error) {
	d := DeleteQueue{Kind: kind}
	if err := c.expect(d.Opcode()); err != nil {
		return d, err
	}
	d.QID = uint16(field(c.DW(10), 0, 16))
	return d, nil
}

// CreateIOCompletionQueue builds a Create I/O CQ command. mem is the
// caller's queue memory. PRP1 records its address; the memory is
// transferred to the device only when the queue is not contiguous.
func CreateIOCompletionQueue(d CreateCQ, mem []byte) (Command, Transfer, error) {
	c, err := Build(Header{PRP1: regionAddr(mem)}, d)
	if err != nil {
		return c, Transfer{}, err
	}
	xfer, err := queueTransfer(d.Contiguous, mem, int(d.Elements)*CQEntrySize)
	return c, xfer, err
}

// CreateIOSubmissionQueue builds a Create I/O SQ command.
func CreateIOSubmissionQueue(d CreateSQ, mem []byte) (Command, Transfer, error) {
	c, err := Build(Header{PRP1: regionAddr(mem)}, d)
	if err != nil {
		return c, Transfer{}, err
	}
	xfer, err := queueTransfer(d.Contiguous, mem, int(d.Elements)*SQEntrySize)
	return c, xfer, err
}

// DeleteIOQueue builds a Delete I/O SQ or CQ command.
func DeleteIOQueue(kind QueueKind, qid uint16) (Command, Transfer, error) {
	c, err := Build(Header{}, DeleteQueue{Kind: kind, QID: qid})
	return c, noTransfer(), err
}

func queueTransfer(contiguous bool, mem []byte, need int) (Transfer, error) {
	if contiguous {
		return Transfer{Direction: DirNone, Mask: MaskPRP1Page}, nil
	}
	if len(mem) < need {
		return Transfer{}, fmt.Errorf("%w: queue memory is %d bytes, need %d", ErrBufferTooSmall, len(mem), need)
	}
	return Transfer{Direction: DirToDevice, Mask: MaskPRP1List, Buffer: mem[:need]}, nil
}

func regionAddr(mem []byte) uint64 {
	if len(mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
}
