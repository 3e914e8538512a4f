package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tapin/internal/geo"
	"tapin/internal/metrics"
	"tapin/internal/qrtoken"
)

// Notifier receives accepted check-ins for real-time fan-out. Delivery is
// best-effort: the engine logs failures and never lets them change the
// outcome of a check-in.
type Notifier interface {
	StudentCheckedIn(ctx context.Context, courseID string, student StudentSummary, at time.Time) error
}

// CheckInPayload carries whichever proof the student submitted. Pointer
// fields distinguish "absent" from zero values for coordinates.
type CheckInPayload struct {
	PIN       string
	Lat       *float64
	Lng       *float64
	AccuracyM *float64
	Token     string
}

// CheckInResult is the outcome of SubmitCheckIn.
type CheckInResult struct {
	Accepted        bool
	Reason          RejectReason
	AlreadyRecorded bool
	Record          *Record
}

// SessionSummary is the active-session view for lecturer dashboards.
type SessionSummary struct {
	Session       Session
	PresentCount  int
	TotalEnrolled int
	SecondsLeft   int
}

// Attendee is one roster entry of a session's present students.
type Attendee struct {
	StudentID   string
	Name        string
	CheckedInAt time.Time
}

// Options bound session parameters. Zero fields fall back to defaults.
type Options struct {
	DefaultRadiusM      float64
	MinRadiusM          float64
	MaxRadiusM          float64
	MaxDuration         time.Duration
	DefaultMaxAccuracyM float64 // 0 disables the accuracy policy unless a session sets its own
}

func (o Options) withDefaults() Options {
	if o.DefaultRadiusM <= 0 {
		o.DefaultRadiusM = 120
	}
	if o.MinRadiusM <= 0 {
		o.MinRadiusM = 10
	}
	if o.MaxRadiusM <= 0 {
		o.MaxRadiusM = 1000
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = time.Hour
	}
	return o
}

// Engine owns the attendance session lifecycle, check-in verification, and
// idempotent recording. Expiry is evaluated lazily against the injected
// clock on every read; no sweep is needed for correctness.
type Engine struct {
	store    Store
	roster   Roster
	signer   *qrtoken.Signer
	notifier Notifier
	opts     Options
	now      func() time.Time
}

// NewEngine wires the engine. notifier may be nil when no live feed is
// attached.
func NewEngine(store Store, roster Roster, signer *qrtoken.Signer, notifier Notifier, opts Options) *Engine {
	return &Engine{
		store:    store,
		roster:   roster,
		signer:   signer,
		notifier: notifier,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Open creates a session for a course meeting. The caller must own the
// course. For qr sessions the nonce in params is replaced with a freshly
// minted one and the signed token is returned alongside the session.
func (e *Engine) Open(ctx context.Context, courseID, lecturerID string, params MethodParams, duration time.Duration) (Session, string, error) {
	if courseID == "" || lecturerID == "" {
		return Session{}, "", fmt.Errorf("%w: course and lecturer required", ErrValidation)
	}
	if duration <= 0 || duration > e.opts.MaxDuration {
		return Session{}, "", fmt.Errorf("%w: duration must be within (0, %s]", ErrValidation, e.opts.MaxDuration)
	}

	owns, err := e.roster.OwnsCourse(ctx, lecturerID, courseID)
	if err != nil {
		return Session{}, "", err
	}
	if !owns {
		return Session{}, "", fmt.Errorf("%w: lecturer does not own course", ErrPermission)
	}

	params, err = e.normalizeParams(params)
	if err != nil {
		return Session{}, "", err
	}

	now := e.now()
	sess := Session{
		ID:         uuid.NewString(),
		CourseID:   courseID,
		LecturerID: lecturerID,
		Params:     params,
		CreatedAt:  now,
		ExpiresAt:  now.Add(duration),
		IsOpen:     true,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return Session{}, "", err
	}
	metrics.SessionsOpened.WithLabelValues(string(params.Method())).Inc()

	var token string
	if qr, ok := params.(QRParams); ok {
		token, err = e.signer.Mint(sess.ID, qr.Nonce, duration)
		if err != nil {
			return Session{}, "", err
		}
	}
	return sess, token, nil
}

func (e *Engine) normalizeParams(params MethodParams) (MethodParams, error) {
	switch p := params.(type) {
	case PinParams:
		if p.Code == "" {
			return nil, fmt.Errorf("%w: pin code required", ErrValidation)
		}
		return p, nil
	case GeoParams:
		if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
			return nil, fmt.Errorf("%w: coordinates out of range", ErrValidation)
		}
		if p.RadiusM <= 0 {
			p.RadiusM = e.opts.DefaultRadiusM
		}
		if p.RadiusM < e.opts.MinRadiusM {
			p.RadiusM = e.opts.MinRadiusM
		}
		if p.RadiusM > e.opts.MaxRadiusM {
			p.RadiusM = e.opts.MaxRadiusM
		}
		if p.MaxAccuracyM <= 0 {
			p.MaxAccuracyM = e.opts.DefaultMaxAccuracyM
		}
		return p, nil
	case QRParams:
		p.Nonce = uuid.NewString()
		return p, nil
	case nil:
		return nil, fmt.Errorf("%w: method params required", ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unsupported method", ErrValidation)
	}
}

// Active returns the most recent open, unexpired session for a course, or
// nil when none is running.
func (e *Engine) Active(ctx context.Context, courseID string) (*Session, error) {
	return e.store.ActiveSession(ctx, courseID, e.now())
}

// ActiveSummary is Active plus present/enrolled counts and time remaining.
func (e *Engine) ActiveSummary(ctx context.Context, courseID string) (*SessionSummary, error) {
	now := e.now()
	sess, err := e.store.ActiveSession(ctx, courseID, now)
	if err != nil || sess == nil {
		return nil, err
	}
	present, err := e.store.CountRecords(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	total, err := e.roster.EnrolledCount(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return &SessionSummary{
		Session:       *sess,
		PresentCount:  present,
		TotalEnrolled: total,
		SecondsLeft:   int(sess.ExpiresAt.Sub(now).Seconds()),
	}, nil
}

// Close ends a session early. Closing an already-closed session succeeds
// without touching anything; expires_at is never altered.
func (e *Engine) Close(ctx context.Context, sessionID, callerID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	owns, err := e.roster.OwnsCourse(ctx, callerID, sess.CourseID)
	if err != nil {
		return err
	}
	if !owns {
		return fmt.Errorf("%w: caller does not own session's course", ErrPermission)
	}
	if !sess.IsOpen {
		return nil
	}
	if err := e.store.CloseSession(ctx, sessionID); err != nil {
		return err
	}
	metrics.SessionsClosed.Inc()
	return nil
}

// RegenerateToken rotates the nonce on an active qr session and mints a
// fresh token. Previously issued tokens stop verifying because the nonce is
// the durable comparison key; expires_at is untouched.
func (e *Engine) RegenerateToken(ctx context.Context, sessionID, callerID string) (string, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	owns, err := e.roster.OwnsCourse(ctx, callerID, sess.CourseID)
	if err != nil {
		return "", err
	}
	if !owns {
		return "", fmt.Errorf("%w: caller does not own session's course", ErrPermission)
	}
	if _, ok := sess.Params.(QRParams); !ok {
		return "", fmt.Errorf("%w: not a qr session", ErrValidation)
	}
	now := e.now()
	if !sess.AcceptingAt(now) {
		return "", fmt.Errorf("%w: session is not active", ErrValidation)
	}

	nonce := uuid.NewString()
	if err := e.store.RotateNonce(ctx, sessionID, nonce); err != nil {
		return "", err
	}
	return e.signer.Mint(sessionID, nonce, sess.ExpiresAt.Sub(now))
}

// Verify decides accept/reject for a submission without any writes, so a
// retry is always safe. Preconditions short-circuit in order: session
// exists, student enrolled, session open, method proof valid.
func (e *Engine) Verify(ctx context.Context, sessionID, studentID string, payload CheckInPayload) (Decision, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	return e.verify(ctx, sess, studentID, payload, e.now())
}

func (e *Engine) verify(ctx context.Context, sess Session, studentID string, payload CheckInPayload, now time.Time) (Decision, error) {
	enrolled, err := e.roster.IsEnrolled(ctx, studentID, sess.CourseID)
	if err != nil {
		return Decision{}, err
	}
	if !enrolled {
		return Decision{}, fmt.Errorf("%w: student %s not in course %s", ErrNotEnrolled, studentID, sess.CourseID)
	}
	if !sess.AcceptingAt(now) {
		return reject(ReasonSessionClosed), nil
	}

	switch p := sess.Params.(type) {
	case PinParams:
		// Exact, case-sensitive comparison; no trimming.
		if payload.PIN != p.Code {
			return reject(ReasonInvalidPIN), nil
		}
	case GeoParams:
		if payload.Lat == nil || payload.Lng == nil {
			return reject(ReasonLocationRequired), nil
		}
		if p.MaxAccuracyM > 0 && payload.AccuracyM != nil && *payload.AccuracyM > p.MaxAccuracyM {
			return reject(ReasonLowAccuracy), nil
		}
		if geo.DistanceM(*payload.Lat, *payload.Lng, p.Lat, p.Lng) > p.RadiusM {
			return reject(ReasonOutOfRange), nil
		}
	case QRParams:
		if payload.Token == "" {
			return reject(ReasonInvalidToken), nil
		}
		decoded, ok := e.signer.Verify(payload.Token)
		if !ok {
			return reject(ReasonInvalidToken), nil
		}
		// Token must be bound to this exact session instance: same session
		// id and the nonce currently stored on it.
		if decoded.SessionID != sess.ID || decoded.Nonce != p.Nonce {
			return reject(ReasonInvalidToken), nil
		}
	default:
		return Decision{}, fmt.Errorf("session %s has unsupported params", sess.ID)
	}
	return accept(), nil
}

// Record writes the Present mark for a verified check-in exactly once per
// (session, student). A racing duplicate insert is converted into the
// already-recorded path, never an error.
func (e *Engine) Record(ctx context.Context, sessionID, studentID string) (Record, bool, error) {
	if existing, err := e.store.GetRecord(ctx, sessionID, studentID); err != nil {
		return Record{}, false, err
	} else if existing != nil {
		return *existing, false, nil
	}

	rec := Record{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		StudentID:   studentID,
		Status:      StatusPresent,
		CheckedInAt: e.now(),
	}
	err := e.store.CreateRecord(ctx, rec)
	if errors.Is(err, ErrConflict) {
		existing, gerr := e.store.GetRecord(ctx, sessionID, studentID)
		if gerr != nil {
			return Record{}, false, gerr
		}
		if existing == nil {
			// Conflict without a readable row only happens if the store is
			// lying; surface it.
			return Record{}, false, err
		}
		return *existing, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// SubmitCheckIn runs the full flow: verify, record idempotently, then
// notify the course's live feed. Broadcast failure never fails the check-in.
func (e *Engine) SubmitCheckIn(ctx context.Context, sessionID, studentID string, payload CheckInPayload) (CheckInResult, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return CheckInResult{}, err
	}

	decision, err := e.verify(ctx, sess, studentID, payload, e.now())
	if err != nil {
		return CheckInResult{}, err
	}
	if !decision.Accepted {
		metrics.CheckIns.WithLabelValues("rejected").Inc()
		return CheckInResult{Reason: decision.Reason}, nil
	}

	rec, created, err := e.Record(ctx, sessionID, studentID)
	if err != nil {
		return CheckInResult{}, err
	}
	if created {
		metrics.CheckIns.WithLabelValues("accepted").Inc()
		e.notifyCheckIn(ctx, sess.CourseID, studentID, rec.CheckedInAt)
	} else {
		metrics.CheckIns.WithLabelValues("duplicate").Inc()
	}
	return CheckInResult{Accepted: true, AlreadyRecorded: !created, Record: &rec}, nil
}

func (e *Engine) notifyCheckIn(ctx context.Context, courseID, studentID string, at time.Time) {
	if e.notifier == nil {
		return
	}
	student, err := e.roster.StudentSummary(ctx, studentID)
	if err != nil {
		log.Printf("student summary lookup failed for %s: %v", studentID, err)
		student = StudentSummary{ID: studentID}
	}
	if err := e.notifier.StudentCheckedIn(ctx, courseID, student, at); err != nil {
		metrics.BroadcastFailures.Inc()
		log.Printf("check-in broadcast failed for course %s: %v", courseID, err)
	}
}

// Attendees lists a session's present students, newest first. Owner only.
func (e *Engine) Attendees(ctx context.Context, sessionID, callerID string) ([]Attendee, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	owns, err := e.roster.OwnsCourse(ctx, callerID, sess.CourseID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, fmt.Errorf("%w: caller does not own session's course", ErrPermission)
	}

	records, err := e.store.ListRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Attendee, 0, len(records))
	for _, rec := range records {
		student, err := e.roster.StudentSummary(ctx, rec.StudentID)
		if err != nil {
			student = StudentSummary{ID: rec.StudentID}
		}
		out = append(out, Attendee{StudentID: rec.StudentID, Name: student.Name, CheckedInAt: rec.CheckedInAt})
	}
	return out, nil
}

// History lists attendance for a course, newest first. Pass studentID to
// narrow to one student (callers enforce that students only see their own).
func (e *Engine) History(ctx context.Context, courseID, studentID string, limit int) ([]HistoryEntry, error) {
	return e.store.History(ctx, courseID, studentID, limit)
}

// SweepExpired closes open sessions whose expiry is older than grace ago.
// Pure housekeeping: verification already treats them as expired.
func (e *Engine) SweepExpired(ctx context.Context, grace time.Duration) (int, error) {
	return e.store.CloseExpired(ctx, e.now().Add(-grace))
}
