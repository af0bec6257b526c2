package stage

import (
	"fmt"
	"strings"

	"mast/pkg/device"
)

// State is the stage's discrete position state.
type State int

const (
	Idle State = iota
	In
	Out
	MovingIn
	MovingOut
	Error
)

// Science and Guiding name the operational modes served by the In and Out
// positions. They share the underlying values and cannot be told apart at
// runtime.
const (
	Science = In
	Guiding = Out
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case In:
		return "In"
	case Out:
		return "Out"
	case MovingIn:
		return "MovingIn"
	case MovingOut:
		return "MovingOut"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var statesByName = map[string]State{
	"idle":      Idle,
	"in":        In,
	"out":       Out,
	"movingin":  MovingIn,
	"movingout": MovingOut,
	"error":     Error,
	"science":   Science,
	"guiding":   Guiding,
}

// ParseState accepts any state name, including the Science and Guiding
// aliases, case-insensitively.
func ParseState(name string) (State, error) {
	st, ok := statesByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Idle, fmt.Errorf("%w: unknown stage state %q", device.ErrInvalidTarget, name)
	}
	return st, nil
}

// Activity is an in-flight stage operation.
type Activity uint32

const (
	Moving Activity = 1 << iota
	StartingUp
	ShuttingDown
)

func (a Activity) String() string {
	switch a {
	case Moving:
		return "Moving"
	case StartingUp:
		return "StartingUp"
	case ShuttingDown:
		return "ShuttingDown"
	}
	return fmt.Sprintf("Activity(%d)", uint32(a))
}
