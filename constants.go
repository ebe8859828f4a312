package dnvme

import "github.com/ehrlich-b/go-dnvme/internal/constants"

// Re-export constants for public API
const (
	DefaultDevicePath      = constants.DefaultDevicePath
	DefaultAdminElements   = constants.DefaultAdminElements
	DefaultIOQueueElements = constants.DefaultIOQueueElements
	DefaultBlockSize       = constants.DefaultBlockSize
	DefaultNamespaceSize   = constants.DefaultNamespaceSize
	DefaultPollInterval    = constants.DefaultPollInterval
	DefaultPollTimeout     = constants.DefaultPollTimeout
	MaxPendingCompletions  = constants.MaxPendingCompletions
	PageSize               = constants.PageSize
)
