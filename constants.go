package tinykv

import "github.com/tinykv/tinykv/internal/constants"

// Re-export the tuning constants callers most often need from the
// public API, so a caller never has to reach into internal/constants.
const (
	MaxMsg              = constants.MaxMsg
	MaxArgc             = constants.MaxArgc
	InitialTableLength  = constants.InitialTableLength
	MigrationStepBudget = constants.MigrationStepBudget
	LoadFactorMax       = constants.LoadFactorMax
	DefaultPort         = constants.DefaultPort
	DefaultListenAddr   = constants.DefaultListenAddr
)
