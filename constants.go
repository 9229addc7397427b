package uio

import "github.com/ehrlich-b/go-uio/internal/constants"

// Re-export constants for public API
const (
	DefaultMapSize    = constants.DefaultMapSize
	DefaultIRQTimeout = constants.DefaultIRQTimeout
	WaitForever       = constants.WaitForever
	RegisterWidth     = constants.RegisterWidth
	UnmaskToken       = constants.UnmaskToken
	MaskToken         = constants.MaskToken
	SysfsClassPath    = constants.SysfsClassPath
)
