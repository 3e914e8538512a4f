package attendance

import (
	"context"
	"time"
)

// Store is the persistence boundary for sessions and attendance records.
// Implementations must provide atomic insert-if-absent semantics for
// CreateRecord: a racing duplicate for the same (session, student) pair
// returns ErrConflict rather than a second row.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// ActiveSession returns the most recently created session for the course
	// that is open and unexpired at now, or nil when none is.
	ActiveSession(ctx context.Context, courseID string, now time.Time) (*Session, error)
	// CloseSession flips is_open to false. Closing an already-closed session
	// is a no-op; expires_at is never touched.
	CloseSession(ctx context.Context, id string) error
	// RotateNonce replaces the QR nonce on a qr session.
	RotateNonce(ctx context.Context, id, nonce string) error
	// CloseExpired flips is_open on every open session whose expiry is before
	// cutoff. Housekeeping only; correctness never depends on it.
	CloseExpired(ctx context.Context, cutoff time.Time) (int, error)

	// CreateRecord inserts exactly once per (SessionID, StudentID) and
	// returns ErrConflict when a record already exists.
	CreateRecord(ctx context.Context, r Record) error
	GetRecord(ctx context.Context, sessionID, studentID string) (*Record, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
	CountRecords(ctx context.Context, sessionID string) (int, error)
	// History lists records for a course, newest first, optionally filtered
	// to one student.
	History(ctx context.Context, courseID, studentID string, limit int) ([]HistoryEntry, error)
}

// Roster is the read-only view of courses and enrollment owned by the host
// application. The engine only asks authorization questions of it.
type Roster interface {
	OwnsCourse(ctx context.Context, lecturerID, courseID string) (bool, error)
	IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error)
	EnrolledCount(ctx context.Context, courseID string) (int, error)
	StudentSummary(ctx context.Context, studentID string) (StudentSummary, error)
}
