package planner

import "errors"

// Failure reasons carried by Error.
const (
	ReasonCapabilityUnavailable = "capability unavailable"
	ReasonPlanningFailed        = "planning failed"
)

// Error is a planning failure that ends the session.
type Error struct {
	Reason string
	NodeID string
	Err    error
}

func (e *Error) Error() string {
	msg := "planner: " + e.Reason
	if e.NodeID != "" {
		msg += " (node " + e.NodeID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsCapabilityUnavailable reports whether err is an Error for a capability
// missing from the snapshot.
func IsCapabilityUnavailable(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Reason == ReasonCapabilityUnavailable
}
