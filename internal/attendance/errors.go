package attendance

import "errors"

// Sentinel errors surfaced across the store and engine boundaries.
// Rejected check-ins are not errors; see Decision.
var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("invalid input")
	// ErrPermission marks a caller acting on a resource they do not own.
	ErrPermission = errors.New("forbidden")
	// ErrNotEnrolled marks a student checking in to a course they are not on.
	ErrNotEnrolled = errors.New("not enrolled")
	// ErrNotFound marks a missing session or record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a racing duplicate insert. The recorder converts it
	// into the idempotent already-recorded path; it never reaches callers.
	ErrConflict = errors.New("conflict")
)

// RejectReason explains a refused but well-formed check-in attempt.
type RejectReason string

const (
	ReasonSessionClosed    RejectReason = "session closed"
	ReasonInvalidPIN       RejectReason = "invalid pin"
	ReasonOutOfRange       RejectReason = "out of range"
	ReasonLocationRequired RejectReason = "location required"
	ReasonInvalidToken     RejectReason = "invalid or expired code"
	ReasonLowAccuracy      RejectReason = "location accuracy too low"
)

// Decision is the outcome of verification. A rejection is a normal part of
// the attendance flow, communicated by value so callers can distinguish it
// from system failure.
type Decision struct {
	Accepted bool
	Reason   RejectReason
}

func accept() Decision               { return Decision{Accepted: true} }
func reject(r RejectReason) Decision { return Decision{Reason: r} }
