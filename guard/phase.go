package guard

import (
	"fmt"
	"time"
)

// Phase is the state of a Guard.
type Phase int

const (
	// PhaseIdle means no session is being guarded.
	PhaseIdle Phase = iota
	// PhaseArmed means the inactivity clock is running.
	PhaseArmed
	// PhaseWarning means the session is in its final WarningLead and the
	// countdown is visible.
	PhaseWarning
	// PhaseExpired means the forced sign-out is in progress.
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArmed:
		return "armed"
	case PhaseWarning:
		return "warning"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	for _, candidate := range []Phase{PhaseIdle, PhaseArmed, PhaseWarning, PhaseExpired} {
		if string(text) == candidate.String() {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Snapshot is a point-in-time copy of the guard state.
type Snapshot struct {
	Phase          Phase
	SessionID      string
	LastActivityAt time.Time
	// WarningActive is true iff Phase == PhaseWarning.
	WarningActive bool
	// Remaining is the countdown value; only meaningful while
	// WarningActive.
	Remaining time.Duration
	// Seq increases with every state change of the guard.
	Seq uint64
}

// RemainingMs returns the countdown in milliseconds and true while the
// warning is active, or 0 and false otherwise.
func (s Snapshot) RemainingMs() (int64, bool) {
	if !s.WarningActive {
		return 0, false
	}
	return s.Remaining.Milliseconds(), true
}
