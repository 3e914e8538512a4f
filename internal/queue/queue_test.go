package queue

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	want := Message{Type: TypeCheckIn, Body: []byte(`{"course_id":"c1"}`)}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-msgs:
		if got.Type != want.Type || !bytes.Equal(got.Body, want.Body) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestInMemoryPublishDropsWhenFull(t *testing.T) {
	q := NewInMemory(1)
	ctx := context.Background()

	if err := q.Publish(ctx, Message{Type: TypeCheckIn}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// With nothing consuming, a publish into a full queue must return
	// immediately rather than stall the caller.
	start := time.Now()
	err := q.Publish(ctx, Message{Type: TypeCheckIn})
	if err != ErrFull {
		t.Errorf("Publish on full queue = %v, want ErrFull", err)
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("Publish on full queue took %v, want immediate return", d)
	}
}

func TestInMemoryPublishHonorsCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := q.Publish(ctx, Message{Type: TypeCheckIn}); err != context.Canceled {
		t.Errorf("Publish with cancelled context = %v, want context.Canceled", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	msg := Message{Type: TypeCheckIn, Body: []byte("{\"name\":\"Ada\\nLovelace\"}")}
	got := decode(encode(msg))
	if got.Type != msg.Type {
		t.Errorf("Type = %q, want %q", got.Type, msg.Type)
	}
	if !bytes.Equal(got.Body, msg.Body) {
		t.Errorf("Body = %q, want %q", got.Body, msg.Body)
	}

	// Untagged payloads come back as a bare body.
	raw := decode([]byte("no-newline-here"))
	if raw.Type != "" || string(raw.Body) != "no-newline-here" {
		t.Errorf("decode of untagged payload = %+v", raw)
	}
}
