package constants

import "time"

// Default configuration constants
const (
	// DefaultDevicePath is the dnvme node opened when none is configured
	DefaultDevicePath = "/dev/nvme0"

	// DefaultAdminElements is the admin CQ and SQ depth (ACQS/ASQS are 12 bits)
	DefaultAdminElements = 0x1000

	// MaxAdminElements is the largest admin queue the controller accepts
	MaxAdminElements = 0x1000

	// DefaultIOQueueElements is the depth used by the CLI when creating I/O queues
	DefaultIOQueueElements = 64

	// DefaultBlockSize is the LBA size of simulated namespaces
	DefaultBlockSize = 512

	// DefaultNamespaceSize is the capacity of the simulated namespace (64MB)
	DefaultNamespaceSize = 64 << 20

	// DefaultReapBatch is the most completions ReapAll takes in one call
	DefaultReapBatch = 4096

	// MaxPendingCompletions bounds the reaped but unclaimed completions kept per CQ
	MaxPendingCompletions = 4096
)

// Timing constants for completion polling
const (
	// DefaultPollInterval is the delay between inquiries while waiting for completions
	DefaultPollInterval = 1 * time.Millisecond

	// DefaultPollTimeout bounds how long the CLI waits for a completion
	DefaultPollTimeout = 5 * time.Second
)

// Memory allocation constants
const (
	// PageSize is the alignment of DMA buffers handed to the driver
	PageSize = 4096

	// IdentifyBufferSize is the data size of every Identify CNS
	IdentifyBufferSize = 4096
)
