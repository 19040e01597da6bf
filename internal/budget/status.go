// Package budget implements token admission control for orchestrated
// agent work: a node must acquire a reservation before it runs and
// release it with the actual usage when it finishes.
package budget

// Status represents where projected usage sits relative to the limits.
type Status int

const (
	// StatusOK indicates projected usage is at or below the soft limit.
	StatusOK Status = iota
	// StatusSoftLimit indicates projected usage is above the soft limit but
	// at or below the hard limit. Work is admitted with a throttle delay.
	StatusSoftLimit
	// StatusHardLimit indicates projected usage is above the hard limit.
	// New work is denied.
	StatusHardLimit
)

// String returns the wire form of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSoftLimit:
		return "soft-limit"
	case StatusHardLimit:
		return "hard-limit"
	default:
		return "unknown"
	}
}
