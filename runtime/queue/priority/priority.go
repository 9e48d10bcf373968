// Package priority defines the message priority levels shared by the queue
// and the event surface.
package priority

import "fmt"

// Level orders queued messages. Lower values are served first.
type Level int

const (
	// Critical messages preempt all other traffic.
	Critical Level = iota
	// High is used for commands, admin users, and keyword hits.
	High
	// Normal is the default priority.
	Normal
	// Low is the demotion target for retried messages.
	Low
)

// Valid reports whether l is a defined priority level.
func (l Level) Valid() bool { return l >= Critical && l <= Low }

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(l))
	}
}

// Demote returns the next lower priority, saturating at Low. Retried
// messages are demoted so failures yield to fresh traffic.
func (l Level) Demote() Level {
	if l >= Low {
		return Low
	}
	return l + 1
}
