package processes

import "fmt"

// ProcessState is the lifecycle state of a supervised process.
// The zero value is StateStopped.
type ProcessState int

const (
	// StateStopped means no process is running.
	StateStopped ProcessState = iota
	// StateStarting means the process was launched but has not reported readiness.
	StateStarting
	// StateRunning means the process is up and ready.
	StateRunning
)

// String returns a string representation of the ProcessState.
func (ps ProcessState) String() string {
	switch ps {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "invalid"
	}
}

// MarshalText lets states appear as plain strings in JSON.
func (ps ProcessState) MarshalText() ([]byte, error) {
	if ps < StateStopped || ps > StateRunning {
		return nil, fmt.Errorf("invalid process state %d", int(ps))
	}
	return []byte(ps.String()), nil
}

// CanAdvanceTo reports whether next is a forward move from ps within one
// process lifetime. Moving to StateStopped is always allowed.
func (ps ProcessState) CanAdvanceTo(next ProcessState) bool {
	if next == StateStopped {
		return true
	}
	return next == ps+1
}

// UnmarshalText parses the names produced by MarshalText.
func (ps *ProcessState) UnmarshalText(text []byte) error {
	for _, s := range []ProcessState{StateStopped, StateStarting, StateRunning} {
		if s.String() == string(text) {
			*ps = s
			return nil
		}
	}
	return fmt.Errorf("unknown process state %q", text)
}
