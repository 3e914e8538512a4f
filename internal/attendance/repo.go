package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository persists attendance data in Postgres. The composite unique key
// on (session_id, student_id) is what turns racing duplicate check-ins into
// a detectable conflict instead of a second row.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS attendance_sessions (
	id             TEXT PRIMARY KEY,
	course_id      TEXT NOT NULL,
	lecturer_id    TEXT NOT NULL,
	method         TEXT NOT NULL,
	pin_code       TEXT,
	lat            DOUBLE PRECISION,
	lng            DOUBLE PRECISION,
	radius_m       DOUBLE PRECISION,
	max_accuracy_m DOUBLE PRECISION,
	qr_nonce       TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	is_open        BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_sessions_course ON attendance_sessions (course_id, created_at DESC);

CREATE TABLE IF NOT EXISTS attendance_records (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES attendance_sessions(id),
	student_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	checked_in_at TIMESTAMPTZ NOT NULL,
	UNIQUE (session_id, student_id)
);
CREATE INDEX IF NOT EXISTS idx_records_session ON attendance_records (session_id, checked_in_at DESC);
`

// EnsureSchema creates the engine's tables if they do not exist. Course,
// enrollment, and user tables belong to the host application.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *Repository) CreateSession(ctx context.Context, s Session) error {
	var pin, nonce sql.NullString
	var lat, lng, radius, maxAcc sql.NullFloat64
	switch p := s.Params.(type) {
	case PinParams:
		pin = sql.NullString{String: p.Code, Valid: true}
	case GeoParams:
		lat = sql.NullFloat64{Float64: p.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: p.Lng, Valid: true}
		radius = sql.NullFloat64{Float64: p.RadiusM, Valid: true}
		if p.MaxAccuracyM > 0 {
			maxAcc = sql.NullFloat64{Float64: p.MaxAccuracyM, Valid: true}
		}
	case QRParams:
		nonce = sql.NullString{String: p.Nonce, Valid: true}
	default:
		return fmt.Errorf("%w: unknown method params", ErrValidation)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions
			(id, course_id, lecturer_id, method, pin_code, lat, lng, radius_m, max_accuracy_m, qr_nonce, created_at, expires_at, is_open)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, s.ID, s.CourseID, s.LecturerID, string(s.Params.Method()), pin, lat, lng, radius, maxAcc, nonce, s.CreatedAt, s.ExpiresAt, s.IsOpen)
	return err
}

const sessionColumns = `id, course_id, lecturer_id, method, pin_code, lat, lng, radius_m, max_accuracy_m, qr_nonce, created_at, expires_at, is_open`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var method string
	var pin, nonce sql.NullString
	var lat, lng, radius, maxAcc sql.NullFloat64
	if err := row.Scan(&s.ID, &s.CourseID, &s.LecturerID, &method, &pin, &lat, &lng, &radius, &maxAcc, &nonce, &s.CreatedAt, &s.ExpiresAt, &s.IsOpen); err != nil {
		return Session{}, err
	}
	switch Method(method) {
	case MethodPIN:
		s.Params = PinParams{Code: pin.String}
	case MethodGeo:
		s.Params = GeoParams{Lat: lat.Float64, Lng: lng.Float64, RadiusM: radius.Float64, MaxAccuracyM: maxAcc.Float64}
	case MethodQR:
		s.Params = QRParams{Nonce: nonce.String}
	default:
		return Session{}, fmt.Errorf("session %s has unknown method %q", s.ID, method)
	}
	return s, nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

func (r *Repository) ActiveSession(ctx context.Context, courseID string, now time.Time) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE course_id = $1 AND is_open = TRUE AND expires_at > $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, courseID, now)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) CloseSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET is_open = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) RotateNonce(ctx context.Context, id, nonce string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET qr_nonce = $2 WHERE id = $1 AND method = 'qr'
	`, id, nonce)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) CloseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET is_open = FALSE WHERE is_open = TRUE AND expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateRecord inserts exactly once per (session, student). ON CONFLICT
// DO NOTHING keeps the race window closed at the database; zero rows
// affected is reported as ErrConflict.
func (r *Repository) CreateRecord(ctx context.Context, rec Record) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, checked_in_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.CheckedInAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, status, checked_in_at
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.CheckedInAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, status, checked_in_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY checked_in_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.CheckedInAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) CountRecords(ctx context.Context, sessionID string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_records WHERE session_id = $1
	`, sessionID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (r *Repository) History(ctx context.Context, courseID, studentID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `
		SELECT r.session_id, r.student_id, r.status, r.checked_in_at
		FROM attendance_records r
		JOIN attendance_sessions s ON s.id = r.session_id
		WHERE s.course_id = $1`
	args := []any{courseID}
	if studentID != "" {
		query += ` AND r.student_id = $2`
		args = append(args, studentID)
	}
	query += fmt.Sprintf(` ORDER BY r.checked_in_at DESC LIMIT %d`, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.SessionID, &e.StudentID, &e.Status, &e.CheckedInAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RosterRepository reads course ownership and enrollment from the host
// application's tables. The engine only asks it authorization questions.
type RosterRepository struct {
	db *sql.DB
}

// NewRosterRepository creates a roster reader.
func NewRosterRepository(db *sql.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

func (r *RosterRepository) OwnsCourse(ctx context.Context, lecturerID, courseID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM courses WHERE id = $1 AND lecturer_id = $2)
	`, courseID, lecturerID)
	var ok bool
	err := row.Scan(&ok)
	return ok, err
}

func (r *RosterRepository) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE course_id = $1 AND student_id = $2)
	`, courseID, studentID)
	var ok bool
	err := row.Scan(&ok)
	return ok, err
}

func (r *RosterRepository) EnrolledCount(ctx context.Context, courseID string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments WHERE course_id = $1
	`, courseID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (r *RosterRepository) StudentSummary(ctx context.Context, studentID string) (StudentSummary, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, fullname FROM users WHERE id = $1
	`, studentID)
	var s StudentSummary
	if err := row.Scan(&s.ID, &s.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StudentSummary{ID: studentID}, nil
		}
		return StudentSummary{}, err
	}
	return s, nil
}
