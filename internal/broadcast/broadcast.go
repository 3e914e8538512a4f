// Package broadcast fans accepted check-ins out to whoever is watching a
// course: in-process websocket subscribers and a Redis pub/sub channel for
// external consumers. Delivery is best-effort by contract.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"tapin/internal/attendance"
)

// Event is the lightweight message pushed on a course's topic when a
// student checks in.
type Event struct {
	CourseID    string    `json:"course_id"`
	StudentID   string    `json:"student_id"`
	Name        string    `json:"name"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

// Publisher pushes an event to one transport.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Fanout publishes to several transports, returning the first error after
// attempting all of them.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Notifier adapts a Publisher to the engine's notification hook.
type Notifier struct {
	pub Publisher
}

// NewNotifier wraps a publisher (often a Fanout).
func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) StudentCheckedIn(ctx context.Context, courseID string, student attendance.StudentSummary, at time.Time) error {
	return n.pub.Publish(ctx, Event{
		CourseID:    courseID,
		StudentID:   student.ID,
		Name:        student.Name,
		CheckedInAt: at,
	})
}

// Marshal encodes an event for queue or pub/sub transport.
func Marshal(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var evt Event
	err := json.Unmarshal(data, &evt)
	return evt, err
}
