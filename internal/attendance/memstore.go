package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is a mutex-guarded in-memory Store and Roster for dev and tests.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	records  map[recordKey]Record

	owners   map[string]string              // courseID -> lecturerID
	enrolled map[string]map[string]struct{} // courseID -> studentIDs
	students map[string]StudentSummary
}

type recordKey struct {
	sessionID string
	studentID string
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		records:  make(map[recordKey]Record),
		owners:   make(map[string]string),
		enrolled: make(map[string]map[string]struct{}),
		students: make(map[string]StudentSummary),
	}
}

func (m *MemStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemStore) ActiveSession(_ context.Context, courseID string, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Session
	for id := range m.sessions {
		s := m.sessions[id]
		if s.CourseID != courseID || !s.AcceptingAt(now) {
			continue
		}
		// Most recent creation wins; ID breaks exact ties.
		if best == nil || s.CreatedAt.After(best.CreatedAt) ||
			(s.CreatedAt.Equal(best.CreatedAt) && s.ID > best.ID) {
			cp := s
			best = &cp
		}
	}
	return best, nil
}

func (m *MemStore) CloseSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.IsOpen = false
	m.sessions[id] = s
	return nil
}

func (m *MemStore) RotateNonce(_ context.Context, id, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.Params.(QRParams); !ok {
		return ErrValidation
	}
	s.Params = QRParams{Nonce: nonce}
	m.sessions[id] = s
	return nil
}

func (m *MemStore) CloseExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.IsOpen && s.ExpiresAt.Before(cutoff) {
			s.IsOpen = false
			m.sessions[id] = s
			n++
		}
	}
	return n, nil
}

func (m *MemStore) CreateRecord(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{r.SessionID, r.StudentID}
	if _, exists := m.records[key]; exists {
		return ErrConflict
	}
	m.records[key] = r
	return nil
}

func (m *MemStore) GetRecord(_ context.Context, sessionID, studentID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordKey{sessionID, studentID}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemStore) ListRecords(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for key, r := range m.records {
		if key.sessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckedInAt.After(out[j].CheckedInAt) })
	return out, nil
}

func (m *MemStore) CountRecords(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.records {
		if key.sessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) History(_ context.Context, courseID, studentID string, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []HistoryEntry
	for key, r := range m.records {
		s, ok := m.sessions[key.sessionID]
		if !ok || s.CourseID != courseID {
			continue
		}
		if studentID != "" && r.StudentID != studentID {
			continue
		}
		out = append(out, HistoryEntry{
			SessionID:   r.SessionID,
			StudentID:   r.StudentID,
			Status:      r.Status,
			CheckedInAt: r.CheckedInAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckedInAt.After(out[j].CheckedInAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddCourse registers a course and its owning lecturer.
func (m *MemStore) AddCourse(courseID, lecturerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[courseID] = lecturerID
}

// Enroll adds a student to a course roster.
func (m *MemStore) Enroll(studentID, courseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enrolled[courseID] == nil {
		m.enrolled[courseID] = make(map[string]struct{})
	}
	m.enrolled[courseID][studentID] = struct{}{}
}

// AddStudent registers student identity details for live-feed summaries.
func (m *MemStore) AddStudent(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[id] = StudentSummary{ID: id, Name: name}
}

func (m *MemStore) OwnsCourse(_ context.Context, lecturerID, courseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[courseID] == lecturerID && lecturerID != "", nil
}

func (m *MemStore) IsEnrolled(_ context.Context, studentID, courseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.enrolled[courseID][studentID]
	return ok, nil
}

func (m *MemStore) EnrolledCount(_ context.Context, courseID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.enrolled[courseID]), nil
}

func (m *MemStore) StudentSummary(_ context.Context, studentID string) (StudentSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.students[studentID]; ok {
		return s, nil
	}
	return StudentSummary{ID: studentID}, nil
}
