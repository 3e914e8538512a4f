package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe("course-1")
	defer cancel()

	evt := Event{CourseID: "course-1", StudentID: "stu-1", Name: "Ada", CheckedInAt: time.Now()}
	if err := hub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-events:
		if got.StudentID != "stu-1" || got.Name != "Ada" {
			t.Errorf("got %+v, want the published event", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestHubScopesTopicsByCourse(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe("course-a")
	defer cancelA()
	_, cancelB := hub.Subscribe("course-b")
	defer cancelB()

	_ = hub.Publish(context.Background(), Event{CourseID: "course-b", StudentID: "stu-1"})

	select {
	case evt := <-a:
		t.Errorf("course-a subscriber received course-b event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	if err := hub.Publish(context.Background(), Event{CourseID: "nobody-home"}); err != nil {
		t.Errorf("Publish to empty topic returned error: %v", err)
	}
}

func TestHubCancelRemovesSubscriber(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("course-1")
	if n := hub.SubscriberCount("course-1"); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}
	cancel()
	if n := hub.SubscriberCount("course-1"); n != 0 {
		t.Errorf("SubscriberCount after cancel = %d, want 0", n)
	}
	// Double cancel must be safe.
	cancel()
}

func TestHubServeWSStreamsEvents(t *testing.T) {
	hub := NewHub()
	upgrader := websocket.Upgrader{}
	served := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeWS(r.Context(), conn, "course-1")
		close(served)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount("course-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never subscribed to the course topic")
		}
		time.Sleep(10 * time.Millisecond)
	}

	evt := Event{CourseID: "course-1", StudentID: "stu-1", Name: "Ada", CheckedInAt: time.Now()}
	if err := hub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var msg struct {
		Type string `json:"type"`
		Event
	}
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "student_checked_in" || msg.StudentID != "stu-1" || msg.Name != "Ada" {
		t.Errorf("got %+v, want a student_checked_in event for stu-1", msg)
	}

	// A departing client must end the serve loop.
	client.Close()
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("ServeWS did not return after the client disconnected")
	}
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("course-1")
	defer cancel()

	// Fill the buffer and then some; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			_ = hub.Publish(context.Background(), Event{CourseID: "course-1", StudentID: "stu"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
