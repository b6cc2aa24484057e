package scheduling

import "fmt"

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusCheckedIn Status = "CHECKED_IN"
	StatusCompleted Status = "COMPLETED"
	StatusNoShow    Status = "NO_SHOW"
	StatusCancelled Status = "CANCELLED"
)

var validStatuses = map[Status]bool{
	StatusScheduled: true, StatusCheckedIn: true, StatusCompleted: true,
	StatusNoShow: true, StatusCancelled: true,
}

// allowedTransitions lists the moves desk staff can make. CANCELLED is set
// outside the desk and is never a target here.
var allowedTransitions = map[Status]map[Status]bool{
	StatusScheduled: {StatusCheckedIn: true, StatusNoShow: true},
	StatusCheckedIn: {StatusCompleted: true, StatusNoShow: true},
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("invalid appointment status %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no further desk transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusNoShow || s == StatusCancelled
}

// CanTransition reports whether from -> to is a permitted desk transition.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}
