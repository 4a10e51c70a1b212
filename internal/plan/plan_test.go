package plan

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"curator/internal/types"
)

func TestSessionEmitAndDrain(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(8, nil)
	s := m.Open(context.Background())

	s.Emit(Event{Type: EventMessage, Message: "one"})
	s.Emit(Event{Type: EventMessage, Message: "two"})
	m.Close(s.ID)

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Message != "one" || got[1].Message != "two" {
		t.Errorf("events out of order: %v", got)
	}
	if got[0].Seq >= got[1].Seq {
		t.Errorf("sequence numbers must increase: %d, %d", got[0].Seq, got[1].Seq)
	}
}

func TestSequentialTurns(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(8, nil)
	s := m.Open(context.Background())
	defer m.Close(s.ID)

	if err := s.Begin(); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if err := s.Begin(); !types.IsKind(err, types.KindValidationFailed) {
		t.Errorf("second Begin should fail while a turn is in flight, got %v", err)
	}
	s.End()
	if err := s.Begin(); err != nil {
		t.Errorf("Begin after End: %v", err)
	}
	s.End()
}

func TestCancelStopsContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(8, nil)
	s := m.Open(context.Background())
	defer m.Close(s.ID)

	select {
	case <-s.Context().Done():
		t.Fatal("context done before cancel")
	default:
	}

	s.Cancel()
	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestCloseCancelsAndClosesStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(8, nil)
	s := m.Open(context.Background())

	if !m.Close(s.ID) {
		t.Fatal("Close should find the session")
	}
	if m.Close(s.ID) {
		t.Error("second Close should report missing")
	}

	select {
	case <-s.Context().Done():
	default:
		t.Error("close must cancel the session context")
	}
	if _, ok := <-s.Events(); ok {
		t.Error("event stream should be closed")
	}
	if _, ok := m.Get(s.ID); ok {
		t.Error("closed session should be deregistered")
	}
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(8, nil)
	s := m.Open(context.Background())
	m.Close(s.ID)

	// Must not panic on the closed channel.
	s.Emit(Event{Type: EventMessage, Message: "late"})
}

func TestFullBufferDropsOldest(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(2, nil)
	s := m.Open(context.Background())

	s.Emit(Event{Type: EventMessage, Message: "a"})
	s.Emit(Event{Type: EventMessage, Message: "b"})
	s.Emit(Event{Type: EventMessage, Message: "c"}) // displaces "a"
	m.Close(s.ID)

	var msgs []string
	for ev := range s.Events() {
		msgs = append(msgs, ev.Message)
	}
	if len(msgs) != 2 || msgs[0] != "b" || msgs[1] != "c" {
		t.Errorf("buffered events = %v, want [b c]", msgs)
	}
}

func TestHistoryCopy(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(8, nil)
	s := m.Open(context.Background())
	defer m.Close(s.ID)

	s.AppendHistory("user", "show entities")
	s.AppendHistory("assistant", "Found 2 entity record(s).")

	h := s.History()
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	h[0].Content = "mutated"
	if s.History()[0].Content != "show entities" {
		t.Error("History must return a copy")
	}
}

func TestCloseAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(8, nil)
	s1 := m.Open(context.Background())
	s2 := m.Open(context.Background())

	m.CloseAll()
	for _, s := range []*Session{s1, s2} {
		if _, ok := m.Get(s.ID); ok {
			t.Errorf("session %s still registered after CloseAll", s.ID)
		}
		if _, ok := <-s.Events(); ok {
			t.Errorf("session %s stream still open", s.ID)
		}
	}
}
