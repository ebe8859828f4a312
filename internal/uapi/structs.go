package uapi

import "unsafe"

// Send64B must match struct nvme_64b_send on 64-bit kernels (48 bytes):
//
//	struct nvme_64b_send {
//	  enum send_64b_bitmask bit_mask;
//	  uint8_t const *data_buf_ptr;
//	  uint8_t data_dir;
//	  uint8_t *cmd_buf_ptr;
//	  uint32_t meta_buf_id;
//	  uint32_t data_buf_size;
//	  uint16_t unique_id;   // written back by the driver
//	  uint16_t q_id;
//	};
type Send64B struct {
	BitMask     uint32
	Pad0        uint32
	DataBufPtr  uint64 // user address of the data buffer or queue memory
	DataDir     uint8
	Pad1        [7]uint8
	CmdBufPtr   uint64 // user address of the 64-byte command
	MetaBufID   uint32
	DataBufSize uint32
	UniqueID    uint16
	QID         uint16
	Pad2        uint32
}

const SizeofSend64B = 48

var _ [SizeofSend64B]byte = [unsafe.Sizeof(Send64B{})]byte{}

// CreateAdmnQ is struct nvme_create_admn_q. Elements is 1-based.
type CreateAdmnQ struct {
	Type     uint32 // ADMIN_SQ or ADMIN_CQ
	Elements uint32
}

const SizeofCreateAdmnQ = 8

var _ [SizeofCreateAdmnQ]byte = [unsafe.Sizeof(CreateAdmnQ{})]byte{}

// PrepSQ is struct nvme_prep_sq. The driver allocates queue memory for a
// contiguous SQ before the Create I/O SQ command is sent.
type PrepSQ struct {
	Elements uint32
	SQID     uint16
	CQID     uint16
	Contig   uint8
	Pad      [3]uint8
}

const SizeofPrepSQ = 12

var _ [SizeofPrepSQ]byte = [unsafe.Sizeof(PrepSQ{})]byte{}

// PrepCQ is struct nvme_prep_cq.
type PrepCQ struct {
	Elements uint32
	CQID     uint16
	Contig   uint8
	Pad      uint8
}

const SizeofPrepCQ = 8

var _ [SizeofPrepCQ]byte = [unsafe.Sizeof(PrepCQ{})]byte{}

// ReapInquiry is struct nvme_reap_inquiry. NumRemaining and ISRCount are
// outputs.
type ReapInquiry struct {
	QID          uint16
	Pad          uint16
	NumRemaining uint32
	ISRCount     uint32
}

const SizeofReapInquiry = 12

var _ [SizeofReapInquiry]byte = [unsafe.Sizeof(ReapInquiry{})]byte{}

// Reap is struct nvme_reap (32 bytes).
//
//	struct nvme_reap {
//	  uint16_t q_id;
//	  uint32_t elements;       // requested
//	  uint32_t num_remaining;  // out
//	  uint32_t num_reaped;     // out
//	  uint8_t  *buffer;
//	  uint32_t isr_count;      // out
//	  uint32_t size;           // bytes available at buffer
//	};
type Reap struct {
	QID          uint16
	Pad          uint16
	Elements     uint32
	NumRemaining uint32
	NumReaped    uint32
	Buffer       uint64
	ISRCount     uint32
	Size         uint32
}

const SizeofReap = 32

var _ [SizeofReap]byte = [unsafe.Sizeof(Reap{})]byte{}

// DriverMetrics is struct metrics_driver.
type DriverMetrics struct {
	DriverVersion uint32
	APIVersion    uint32
}

const SizeofDriverMetrics = 8

var _ [SizeofDriverMetrics]byte = [unsafe.Sizeof(DriverMetrics{})]byte{}

// Interrupts is struct interrupts, used by SET_IRQ and embedded in the
// device metrics.
type Interrupts struct {
	NumIRQs uint16
	Pad     uint16
	IRQType uint32
}

const SizeofInterrupts = 8

var _ [SizeofInterrupts]byte = [unsafe.Sizeof(Interrupts{})]byte{}

// DeviceMetrics is struct public_metrics_dev.
type DeviceMetrics struct {
	IRQActive Interrupts
}

const SizeofDeviceMetrics = 8

var _ [SizeofDeviceMetrics]byte = [unsafe.Sizeof(DeviceMetrics{})]byte{}

// RWGeneric is struct rw_generic, used to read and write PCI config space
// and BAR0/1 registers.
type RWGeneric struct {
	Type    uint32 // NVMEIO_*
	Offset  uint32
	NBytes  uint32
	AccType uint32 // *_LEN
	Buffer  uint64
}

const SizeofRWGeneric = 24

var _ [SizeofRWGeneric]byte = [unsafe.Sizeof(RWGeneric{})]byte{}

// LogStr is struct nvme_logstr.
type LogStr struct {
	SLen   uint16
	Pad    [6]uint8
	LogStr uint64
}

const SizeofLogStr = 16

var _ [SizeofLogStr]byte = [unsafe.Sizeof(LogStr{})]byte{}
