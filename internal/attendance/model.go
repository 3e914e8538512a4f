package attendance

import "time"

// Method identifies how students prove presence for a session.
type Method string

const (
	MethodGeo Method = "geo"
	MethodPIN Method = "pin"
	MethodQR  Method = "qr"
)

// MethodParams holds the parameters for exactly one verification method.
// The closed interface makes "only one method's fields are meaningful"
// a property of the type rather than a row of nullable columns.
type MethodParams interface {
	Method() Method
}

// PinParams configures a shared-PIN session.
type PinParams struct {
	Code string
}

func (PinParams) Method() Method { return MethodPIN }

// GeoParams configures a geofenced session. MaxAccuracyM is an optional
// policy: when > 0, reported device accuracy above it rejects the check-in.
type GeoParams struct {
	Lat          float64
	Lng          float64
	RadiusM      float64
	MaxAccuracyM float64
}

func (GeoParams) Method() Method { return MethodGeo }

// QRParams configures a signed-QR session. The nonce is the durable
// comparison key; tokens are derived artifacts that can be re-minted.
type QRParams struct {
	Nonce string
}

func (QRParams) Method() Method { return MethodQR }

// Session is one time-boxed attendance window for a course meeting.
// Params are immutable after creation except for QR nonce rotation.
type Session struct {
	ID         string
	CourseID   string
	LecturerID string
	Params     MethodParams
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsOpen     bool
}

// SessionState is the externally visible lifecycle state.
type SessionState string

const (
	StateOpen    SessionState = "open"
	StateExpired SessionState = "expired" // derived: still flagged open but past expires_at
	StateClosed  SessionState = "closed"
)

// State derives the lifecycle state at the given instant.
func (s Session) State(now time.Time) SessionState {
	if !s.IsOpen {
		return StateClosed
	}
	if !now.Before(s.ExpiresAt) {
		return StateExpired
	}
	return StateOpen
}

// AcceptingAt reports whether a check-in submitted at now can be accepted.
func (s Session) AcceptingAt(now time.Time) bool {
	return s.State(now) == StateOpen
}

// StatusPresent is the only status this engine writes. Absent/Late/Excused
// are assigned by downstream reporting.
const StatusPresent = "Present"

// Record is one student's attendance mark for one session. At most one
// exists per (SessionID, StudentID), and it is never mutated once written.
type Record struct {
	ID          string
	SessionID   string
	StudentID   string
	Status      string
	CheckedInAt time.Time
}

// HistoryEntry is a record joined with its session for course history views.
type HistoryEntry struct {
	SessionID   string
	StudentID   string
	Status      string
	CheckedInAt time.Time
}

// StudentSummary is the lightweight identity pushed to live feeds.
type StudentSummary struct {
	ID   string
	Name string
}
