// Package uapi provides the dnvme kernel driver ABI: ioctl numbers, enums
// and the argument structures passed through them.
package uapi

// API version this package speaks. The driver reports its own in
// GET_DRIVER_METRICS.
const (
	DNVME_API_VERSION = 0x00010402
)

// Queue limits
const (
	NVME_QUEUE_ELEMENTS     = 0x1000 // driver default when a caller asks for none
	NVME_MAX_QUEUE_ELEMENTS = 0x10000
	NVME_ADMIN_QID          = 0
)

// enum nvme_state, passed by value to NVME_IOCTL_DEVICE_STATE
const (
	ST_ENABLE             = 0
	ST_DISABLE            = 1
	ST_DISABLE_COMPLETELY = 2
)

// enum nvme_qtype for create_admn_q
const (
	ADMIN_SQ = 0
	ADMIN_CQ = 1
)

// enum nvme_irq_type
const (
	INT_MSI_SINGLE = 0
	INT_MSI_MULTI  = 1
	INT_MSIX       = 2
	INT_NONE       = 3
)

// enum send_64b_bitmask. Tells the driver which command fields it must
// fill from the user data buffer.
const (
	MASK_NONE      = 0
	MASK_PRP1_PAGE = 1 << 0
	MASK_PRP1_LIST = 1 << 1
	MASK_PRP2_PAGE = 1 << 2
	MASK_PRP2_LIST = 1 << 3
	MASK_MPTR      = 1 << 4
)

// enum data_direction
const (
	DMA_NONE          = 0
	DMA_TO_DEVICE     = 1
	DMA_FROM_DEVICE   = 2
	DMA_BIDIRECTIONAL = 3
)

// enum nvme_io_space for rw_generic
const (
	NVMEIO_PCI_HDR = 0
	NVMEIO_BAR01   = 1
	NVMEIO_FENCE   = 2
)

// enum nvme_acc_type for rw_generic
const (
	BYTE_LEN  = 0
	WORD_LEN  = 1
	DWORD_LEN = 2
	QUAD_LEN  = 3
)

// ioctl command numbers, in driver header order
const (
	NVME_IOCTL_READ_GENERIC        = 0
	NVME_IOCTL_WRITE_GENERIC       = 1
	NVME_IOCTL_CREATE_ADMN_SQ      = 2
	NVME_IOCTL_CREATE_ADMN_CQ      = 3
	NVME_IOCTL_DEVICE_STATE        = 4
	NVME_IOCTL_SEND_64B_CMD        = 5
	NVME_IOCTL_GET_Q_METRICS       = 6
	NVME_IOCTL_CREATE_ADMN_Q       = 7
	NVME_IOCTL_PREPARE_SQ_CREATION = 8
	NVME_IOCTL_PREPARE_CQ_CREATION = 9
	NVME_IOCTL_RING_SQ_DOORBELL    = 10
	NVME_IOCTL_DUMP_METRICS        = 11
	NVME_IOCTL_REAP_INQUIRY        = 12
	NVME_IOCTL_REAP                = 13
	NVME_IOCTL_GET_DRIVER_METRICS  = 14
	NVME_IOCTL_METABUF_ALLOC       = 15
	NVME_IOCTL_METABUF_CREAT       = 16
	NVME_IOCTL_METABUF_DEL         = 17
	NVME_IOCTL_SET_IRQ             = 18
	NVME_IOCTL_GET_DEVICE_METRICS  = 19
	NVME_IOCTL_MARK_SYSLOG         = 20
	NVME_IOCTL_MASK_IRQ            = 21
	NVME_IOCTL_UNMASK_IRQ          = 22
)

// DNVME_IOCTL_MAGIC is the ioctl type byte of every dnvme command.
const DNVME_IOCTL_MAGIC = 'N'

// ioctl encoding constants
const (
	_IOC_NONE      = 0
	_IOC_WRITE     = 1
	_IOC_READ      = 2
	_IOC_SIZEBITS  = 14
	_IOC_DIRBITS   = 2
	_IOC_TYPEBITS  = 8
	_IOC_NRBITS    = 8
	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS
)

// IoctlEncode creates an ioctl command number
func IoctlEncode(dir, typ, nr, size uint32) uint32 {
	return (dir << _IOC_DIRSHIFT) |
		(size << _IOC_SIZESHIFT) |
		(typ << _IOC_TYPESHIFT) |
		(nr << _IOC_NRSHIFT)
}

func dnvmeIOWR(nr, size uint32) uint32 {
	return IoctlEncode(_IOC_READ|_IOC_WRITE, DNVME_IOCTL_MAGIC, nr, size)
}

func dnvmeIOW(nr, size uint32) uint32 {
	return IoctlEncode(_IOC_WRITE, DNVME_IOCTL_MAGIC, nr, size)
}

func dnvmeIOR(nr, size uint32) uint32 {
	return IoctlEncode(_IOC_READ, DNVME_IOCTL_MAGIC, nr, size)
}

// Encoded request numbers for unix.Syscall(SYS_IOCTL, ...).
var (
	IOCTL_READ_GENERIC        = dnvmeIOWR(NVME_IOCTL_READ_GENERIC, SizeofRWGeneric)
	IOCTL_WRITE_GENERIC       = dnvmeIOW(NVME_IOCTL_WRITE_GENERIC, SizeofRWGeneric)
	IOCTL_DEVICE_STATE        = dnvmeIOW(NVME_IOCTL_DEVICE_STATE, 4)
	IOCTL_SEND_64B_CMD        = dnvmeIOWR(NVME_IOCTL_SEND_64B_CMD, SizeofSend64B)
	IOCTL_CREATE_ADMN_Q       = dnvmeIOW(NVME_IOCTL_CREATE_ADMN_Q, SizeofCreateAdmnQ)
	IOCTL_PREPARE_SQ_CREATION = dnvmeIOW(NVME_IOCTL_PREPARE_SQ_CREATION, SizeofPrepSQ)
	IOCTL_PREPARE_CQ_CREATION = dnvmeIOW(NVME_IOCTL_PREPARE_CQ_CREATION, SizeofPrepCQ)
	IOCTL_RING_SQ_DOORBELL    = dnvmeIOW(NVME_IOCTL_RING_SQ_DOORBELL, 2)
	IOCTL_REAP_INQUIRY        = dnvmeIOWR(NVME_IOCTL_REAP_INQUIRY, SizeofReapInquiry)
	IOCTL_REAP                = dnvmeIOWR(NVME_IOCTL_REAP, SizeofReap)
	IOCTL_GET_DRIVER_METRICS  = dnvmeIOR(NVME_IOCTL_GET_DRIVER_METRICS, SizeofDriverMetrics)
	IOCTL_SET_IRQ             = dnvmeIOW(NVME_IOCTL_SET_IRQ, SizeofInterrupts)
	IOCTL_GET_DEVICE_METRICS  = dnvmeIOR(NVME_IOCTL_GET_DEVICE_METRICS, SizeofDeviceMetrics)
	IOCTL_MARK_SYSLOG         = dnvmeIOW(NVME_IOCTL_MARK_SYSLOG, SizeofLogStr)
	IOCTL_MASK_IRQ            = dnvmeIOW(NVME_IOCTL_MASK_IRQ, 2)
	IOCTL_UNMASK_IRQ          = dnvmeIOW(NVME_IOCTL_UNMASK_IRQ, 2)
)
