package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemStoreCreateRecordConflict(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	rec := Record{ID: "r1", SessionID: "s1", StudentID: "stu1", Status: StatusPresent, CheckedInAt: time.Now()}

	if err := store.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dup := rec
	dup.ID = "r2"
	if err := store.CreateRecord(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate insert = %v, want ErrConflict", err)
	}

	// Same student in another session is a different pair.
	other := rec
	other.ID = "r3"
	other.SessionID = "s2"
	if err := store.CreateRecord(ctx, other); err != nil {
		t.Errorf("insert for other session = %v", err)
	}
}

func TestMemStoreCreateRecordRace(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	conflicts := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conflicts <- store.CreateRecord(ctx, Record{
				ID:        fmt.Sprintf("r%d", i),
				SessionID: "s1", StudentID: "stu1",
				Status: StatusPresent, CheckedInAt: time.Now(),
			})
		}(i)
	}
	wg.Wait()
	close(conflicts)

	ok, conflict := 0, 0
	for err := range conflicts {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflict++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successful inserts = %d, want exactly 1", ok)
	}
	if n, _ := store.CountRecords(ctx, "s1"); n != 1 {
		t.Errorf("stored records = %d, want 1", n)
	}
}

func TestMemStoreCloseExpired(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	mk := func(id string, expires time.Time, open bool) {
		if err := store.CreateSession(ctx, Session{
			ID: id, CourseID: "c1", LecturerID: "l1",
			Params: PinParams{Code: "123456"},
			CreatedAt: now.Add(-time.Hour), ExpiresAt: expires, IsOpen: open,
		}); err != nil {
			t.Fatalf("CreateSession(%s): %v", id, err)
		}
	}
	mk("stale", now.Add(-10*time.Minute), true)
	mk("fresh", now.Add(10*time.Minute), true)
	mk("done", now.Add(-10*time.Minute), false)

	n, err := store.CloseExpired(ctx, now)
	if err != nil {
		t.Fatalf("CloseExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if s, _ := store.GetSession(ctx, "stale"); s.IsOpen {
		t.Error("stale session still open")
	}
	if s, _ := store.GetSession(ctx, "fresh"); !s.IsOpen {
		t.Error("fresh session was closed")
	}
}

func TestMemStoreHistoryClampsLimit(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	_ = store.CreateSession(ctx, Session{
		ID: "s1", CourseID: "c1", LecturerID: "l1",
		Params: PinParams{Code: "123456"}, CreatedAt: now, ExpiresAt: now.Add(time.Hour), IsOpen: true,
	})
	for i := 0; i < 120; i++ {
		if err := store.CreateRecord(ctx, Record{
			ID:        fmt.Sprintf("r%d", i),
			SessionID: "s1", StudentID: fmt.Sprintf("stu%d", i),
			Status: StatusPresent, CheckedInAt: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("CreateRecord(%d): %v", i, err)
		}
	}

	for _, limit := range []int{0, -1, 500} {
		got, err := store.History(ctx, "c1", "", limit)
		if err != nil {
			t.Fatalf("History(limit=%d): %v", limit, err)
		}
		if len(got) != 100 {
			t.Errorf("History(limit=%d) returned %d entries, want 100", limit, len(got))
		}
	}

	got, err := store.History(ctx, "c1", "", 5)
	if err != nil {
		t.Fatalf("History(limit=5): %v", err)
	}
	if len(got) != 5 {
		t.Errorf("History(limit=5) returned %d entries, want 5", len(got))
	}
}

func TestMemStoreRotateNonce(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.CreateSession(ctx, Session{
		ID: "qr", CourseID: "c1", LecturerID: "l1",
		Params: QRParams{Nonce: "old"}, CreatedAt: now, ExpiresAt: now.Add(time.Hour), IsOpen: true,
	})
	_ = store.CreateSession(ctx, Session{
		ID: "pin", CourseID: "c1", LecturerID: "l1",
		Params: PinParams{Code: "123456"}, CreatedAt: now, ExpiresAt: now.Add(time.Hour), IsOpen: true,
	})

	if err := store.RotateNonce(ctx, "qr", "new"); err != nil {
		t.Fatalf("RotateNonce: %v", err)
	}
	s, _ := store.GetSession(ctx, "qr")
	if s.Params.(QRParams).Nonce != "new" {
		t.Errorf("nonce = %q, want new", s.Params.(QRParams).Nonce)
	}

	if err := store.RotateNonce(ctx, "pin", "new"); !errors.Is(err, ErrValidation) {
		t.Errorf("RotateNonce on pin session = %v, want ErrValidation", err)
	}
	if err := store.RotateNonce(ctx, "missing", "new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RotateNonce on missing session = %v, want ErrNotFound", err)
	}
}
