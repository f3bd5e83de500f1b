package conduit

import (
	"testing"
)

func TestSessionAppendChains(t *testing.T) {
	s := NewSession()
	u := NewUserMessage("q")
	if err := s.append(u, ""); err != nil {
		t.Fatal(err)
	}
	a := NewAssistantMessage("r")
	if err := s.append(a, u.MessageID); err != nil {
		t.Fatal(err)
	}
	if a.PredecessorID != u.MessageID {
		t.Errorf("predecessor = %q, want %q", a.PredecessorID, u.MessageID)
	}
	if a.SessionID != s.ID() {
		t.Errorf("session id not backfilled")
	}
	if s.Leaf() != a.MessageID {
		t.Errorf("leaf = %q, want %q", s.Leaf(), a.MessageID)
	}
}

func TestSessionAppendConcurrentGuard(t *testing.T) {
	s := NewSession()
	u := NewUserMessage("q")
	if err := s.append(u, ""); err != nil {
		t.Fatal(err)
	}
	// stale expectation: another append moved the leaf
	err := s.append(NewAssistantMessage("r"), "")
	if err == nil {
		t.Fatal("expected concurrent-append error")
	}
	if KindOf(err) != KindValidation {
		t.Errorf("kind = %s", KindOf(err))
	}
}

func TestSessionAttachGraftsInterior(t *testing.T) {
	s := NewSession()
	u := NewUserMessage("q")
	a1 := NewAssistantMessage("first answer")
	if err := s.append(u, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.append(a1, u.MessageID); err != nil {
		t.Fatal(err)
	}
	// graft a sibling answer onto the user message
	a2 := NewAssistantMessage("second answer")
	if err := s.attach(a2, u.MessageID); err != nil {
		t.Fatal(err)
	}
	if a2.PredecessorID != u.MessageID {
		t.Errorf("predecessor = %q", a2.PredecessorID)
	}
	if s.Len() != 3 {
		t.Errorf("len = %d, want 3", s.Len())
	}
}

func TestSessionAttachUnknownPredecessor(t *testing.T) {
	s := NewSession()
	if err := s.attach(NewUserMessage("x"), "missing"); err == nil {
		t.Fatal("expected error for unknown predecessor")
	}
}

func TestAncestryWalksToRoot(t *testing.T) {
	s := NewSession()
	msgs := []Message{
		NewUserMessage("one"),
		NewAssistantMessage("two"),
		NewUserMessage("three"),
	}
	leaf := ""
	for _, m := range msgs {
		if err := s.append(m, leaf); err != nil {
			t.Fatal(err)
		}
		leaf = m.Meta().MessageID
	}
	chain, err := s.Ancestry(leaf)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain len = %d", len(chain))
	}
	for i, m := range msgs {
		if chain[i].Meta().MessageID != m.Meta().MessageID {
			t.Errorf("chain[%d] out of order", i)
		}
	}
	if _, err := s.Ancestry("nope"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestTopoOrderPredecessorsFirst(t *testing.T) {
	s := NewSession()
	u := NewUserMessage("q")
	a1 := NewAssistantMessage("branch a")
	a2 := NewAssistantMessage("branch b")
	if err := s.append(u, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.append(a1, u.MessageID); err != nil {
		t.Fatal(err)
	}
	if err := s.attach(a2, u.MessageID); err != nil {
		t.Fatal(err)
	}
	order := s.TopoOrder()
	if len(order) != 3 {
		t.Fatalf("len = %d", len(order))
	}
	pos := make(map[string]int, len(order))
	for i, m := range order {
		pos[m.Meta().MessageID] = i
	}
	for _, m := range order {
		if pred := m.Meta().PredecessorID; pred != "" && pos[pred] > pos[m.Meta().MessageID] {
			t.Errorf("message %s precedes its predecessor", m.Meta().MessageID)
		}
	}
}

func TestRestoreSession(t *testing.T) {
	s := NewSession()
	u := NewUserMessage("q")
	a := NewAssistantMessage("r")
	if err := s.append(u, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.append(a, u.MessageID); err != nil {
		t.Fatal(err)
	}

	restored := RestoreSession(s.ID(), s.CreatedAt(), []Message{u, a}, a.MessageID)
	if restored.ID() != s.ID() || restored.Leaf() != a.MessageID || restored.Len() != 2 {
		t.Errorf("restored session mismatch: id=%s leaf=%s len=%d", restored.ID(), restored.Leaf(), restored.Len())
	}
}
