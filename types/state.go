package types

import "fmt"

// ModuleName is the codespace for pool engine errors and the logging tag.
const ModuleName = "perppool"

// PerpetualState is the lifecycle state of a single perpetual instrument.
type PerpetualState int

const (
	PerpetualState_Initializing PerpetualState = iota
	PerpetualState_Normal
	PerpetualState_Emergency
	PerpetualState_Cleared
)

func (s PerpetualState) String() string {
	switch s {
	case PerpetualState_Initializing:
		return "INITIALIZING"
	case PerpetualState_Normal:
		return "NORMAL"
	case PerpetualState_Emergency:
		return "EMERGENCY"
	case PerpetualState_Cleared:
		return "CLEARED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// CanTransitionTo reports whether the lifecycle permits moving to newState.
// CLEARED is terminal.
func (s PerpetualState) CanTransitionTo(newState PerpetualState) bool {
	switch s {
	case PerpetualState_Initializing:
		return newState == PerpetualState_Normal
	case PerpetualState_Normal:
		return newState == PerpetualState_Emergency
	case PerpetualState_Emergency:
		return newState == PerpetualState_Cleared
	default:
		return false
	}
}

// IsTradable reports whether trading, risk-increasing deposits and funding
// accrual are permitted.
func (s PerpetualState) IsTradable() bool {
	return s == PerpetualState_Normal
}
