package resource

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPlanning  Status = "PLANNING"
	StatusCommitted Status = "COMMITTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusOnHold    Status = "ON_HOLD"
)

func Statuses() []Status {
	return []Status{StatusPlanning, StatusCommitted, StatusCompleted, StatusCancelled, StatusOnHold}
}

// ParseStatus upper-cases raw and checks it against the known statuses.
func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range Statuses() {
		if status == known {
			return status, true
		}
	}
	return status, false
}

// CanSetDirectly reports whether status may be applied through the status
// endpoint. COMMITTED is only reachable through a commit.
func (s Status) CanSetDirectly() bool {
	switch s {
	case StatusPlanning, StatusOnHold, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CheckDirectTransition validates a requested direct status edit.
func CheckDirectTransition(raw string) (Status, error) {
	status, known := ParseStatus(raw)
	if !known {
		return status, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, raw)
	}
	if !status.CanSetDirectly() {
		return status, fmt.Errorf("%w: %s is only reachable through commit", ErrInvalidTransition, status)
	}
	return status, nil
}
