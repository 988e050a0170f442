package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpenAssignsUniqueIDs(t *testing.T) {
	reg := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := reg.Open()
		if err != nil {
			t.Fatal(err)
		}
		if s.ID() == "" {
			t.Fatal("empty session id")
		}
		if seen[s.ID()] {
			t.Fatalf("session id %s issued twice", s.ID())
		}
		seen[s.ID()] = true
	}
	if got := reg.Len(); got != 100 {
		t.Errorf("expected 100 live sessions, got %d", got)
	}
}

func TestLookup(t *testing.T) {
	reg := NewRegistry()
	s, err := reg.Open()
	if err != nil {
		t.Fatal(err)
	}

	got, ok := reg.Lookup(s.ID())
	if !ok || got != s {
		t.Fatalf("lookup of live session failed (ok=%v)", ok)
	}
	if _, ok := reg.Lookup("no-such-session"); ok {
		t.Error("lookup of unknown id succeeded")
	}
}

func TestSendDeliversInOrder(t *testing.T) {
	reg := NewRegistry()
	s, err := reg.Open()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		if err := s.Send(ctx, []byte(msg)); err != nil {
			t.Fatalf("send %q: %v", msg, err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-s.Messages():
			if string(got) != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSendCopiesPayload(t *testing.T) {
	reg := NewRegistry()
	s, err := reg.Open()
	if err != nil {
		t.Fatal(err)
	}

	buf := []byte("original")
	if err := s.Send(context.Background(), buf); err != nil {
		t.Fatal(err)
	}
	copy(buf, "mutated!")

	got := <-s.Messages()
	if string(got) != "original" {
		t.Errorf("queued frame aliases the caller's buffer: %q", got)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	reg := NewRegistry()
	s, err := reg.Open()
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	if err := s.Send(context.Background(), []byte("late")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Close")
	}
}

func TestCloseRemovesFromRegistry(t *testing.T) {
	reg := NewRegistry()
	s, err := reg.Open()
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close() // idempotent

	if _, ok := reg.Lookup(s.ID()); ok {
		t.Error("closed session still registered")
	}
	if got := reg.Len(); got != 0 {
		t.Errorf("expected empty registry, got %d", got)
	}
}

func TestSlowConsumerForceCloses(t *testing.T) {
	reg := NewRegistry(WithQueueSize(1), WithSendTimeout(20*time.Millisecond))
	s, err := reg.Open()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Fill the queue; nothing is draining it.
	if err := s.Send(ctx, []byte("first")); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err = s.Send(ctx, []byte("second"))
	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("send gave up after %v, before the timeout", elapsed)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not force-closed after send timeout")
	}
	if _, ok := reg.Lookup(s.ID()); ok {
		t.Error("force-closed session still registered")
	}
}

func TestSendHonorsContext(t *testing.T) {
	reg := NewRegistry(WithQueueSize(1), WithSendTimeout(time.Minute))
	s, err := reg.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), []byte("fill")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, []byte("blocked")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}

	// A context failure is the producer's problem, not the session's.
	select {
	case <-s.Done():
		t.Error("session closed by a caller's context expiry")
	default:
	}
}

func TestCloseAll(t *testing.T) {
	reg := NewRegistry()
	var opened []*Session
	for i := 0; i < 5; i++ {
		s, err := reg.Open()
		if err != nil {
			t.Fatal(err)
		}
		opened = append(opened, s)
	}

	reg.CloseAll()

	if got := reg.Len(); got != 0 {
		t.Errorf("expected empty registry after CloseAll, got %d", got)
	}
	for _, s := range opened {
		select {
		case <-s.Done():
		default:
			t.Errorf("session %s not closed by CloseAll", s.ID())
		}
	}
	if _, err := reg.Open(); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed after CloseAll, got %v", err)
	}
}
