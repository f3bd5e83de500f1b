package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	conduit "github.com/conduitdev/conduit"
)

func openTestRepo(t *testing.T, project string) *Repository {
	t.Helper()
	r, err := Open(context.Background(), filepath.Join(t.TempDir(), "sessions.db"), project)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// seedConversation builds a user/assistant exchange and returns the
// conversation with its materialized session.
func seedConversation(t *testing.T, turns ...string) *conduit.Conversation {
	t.Helper()
	conv := conduit.NewConversation()
	for i, text := range turns {
		var m conduit.Message
		if i%2 == 0 {
			m = conduit.NewUserMessage(text)
		} else {
			m = conduit.NewAssistantMessage(text)
		}
		if err := conv.Add(m); err != nil {
			t.Fatal(err)
		}
	}
	return conv
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := openTestRepo(t, "default")
	ctx := context.Background()
	conv := seedConversation(t, "hello", "hi there", "how are you", "fine")
	session := conv.Session()

	if err := r.Save(ctx, session, "greetings"); err != nil {
		t.Fatal(err)
	}
	got, err := r.Load(ctx, session.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("session not found after save")
	}
	if got.Len() != 4 {
		t.Errorf("loaded %d messages, want 4", got.Len())
	}
	if got.Leaf() != session.Leaf() {
		t.Errorf("leaf = %q, want %q", got.Leaf(), session.Leaf())
	}
	if got.CreatedAt() != session.CreatedAt() {
		t.Errorf("created at = %d, want %d", got.CreatedAt(), session.CreatedAt())
	}
}

func TestLoadUnknownSession(t *testing.T) {
	r := openTestRepo(t, "default")
	got, err := r.Load(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v", got)
	}
}

func TestSaveIsIncremental(t *testing.T) {
	r := openTestRepo(t, "default")
	ctx := context.Background()
	conv := seedConversation(t, "q1", "a1")
	if err := r.Save(ctx, conv.Session(), ""); err != nil {
		t.Fatal(err)
	}
	// extend and save again; only the new turns land
	if err := conv.Add(conduit.NewUserMessage("q2")); err != nil {
		t.Fatal(err)
	}
	if err := conv.Add(conduit.NewAssistantMessage("a2")); err != nil {
		t.Fatal(err)
	}
	if err := r.Save(ctx, conv.Session(), ""); err != nil {
		t.Fatal(err)
	}
	got, err := r.Load(ctx, conv.Session().ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 4 {
		t.Errorf("loaded %d messages, want 4", got.Len())
	}
}

func TestRehydrateFromLeaf(t *testing.T) {
	r := openTestRepo(t, "default")
	ctx := context.Background()
	conv := seedConversation(t, "q1", "a1", "q2", "a2")
	if err := r.Save(ctx, conv.Session(), ""); err != nil {
		t.Fatal(err)
	}
	leaf := conv.Session().Leaf()

	got, err := r.RehydrateFromLeaf(ctx, leaf)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("chain not found")
	}
	if got.Len() != 4 {
		t.Fatalf("chain length = %d, want 4", got.Len())
	}
	first, last := got.Messages()[0], got.Messages()[3]
	if first.Role() != conduit.RoleUser || last.Meta().MessageID != leaf {
		t.Errorf("chain = %v .. %v", first.Meta().MessageID, last.Meta().MessageID)
	}
	if got.Session().ID() != conv.Session().ID() {
		t.Errorf("session id = %q", got.Session().ID())
	}
}

func TestRehydrateBranchIsolation(t *testing.T) {
	r := openTestRepo(t, "default")
	ctx := context.Background()
	conv := seedConversation(t, "q1", "a1", "q2", "a2")
	// branch from the first assistant reply and grow a sibling chain
	forkPoint := conv.Messages()[1].Meta().MessageID
	branch, err := conv.BranchAt(forkPoint)
	if err != nil {
		t.Fatal(err)
	}
	if err := branch.Add(conduit.NewUserMessage("q2 alt")); err != nil {
		t.Fatal(err)
	}
	altReply := conduit.NewAssistantMessage("a2 alt")
	if err := branch.Add(altReply); err != nil {
		t.Fatal(err)
	}
	if err := r.Save(ctx, conv.Session(), ""); err != nil {
		t.Fatal(err)
	}

	got, err := r.RehydrateFromLeaf(ctx, altReply.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Len() != 4 {
		t.Fatalf("branch chain = %+v", got)
	}
	// the branch chain must not contain the mainline q2/a2 turns
	for _, m := range got.Messages() {
		if u, ok := m.(*conduit.UserMessage); ok && u.Content == "q2" {
			t.Error("mainline turn leaked into branch chain")
		}
	}
}

func TestRehydrateUnknownMessage(t *testing.T) {
	r := openTestRepo(t, "default")
	got, err := r.RehydrateFromLeaf(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v", got)
	}
}

func TestListOrdersByRecency(t *testing.T) {
	r := openTestRepo(t, "default")
	ctx := context.Background()
	first := seedConversation(t, "one", "1")
	if err := r.Save(ctx, first.Session(), "first"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second := seedConversation(t, "two", "2")
	if err := r.Save(ctx, second.Session(), "second"); err != nil {
		t.Fatal(err)
	}

	sums, err := r.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 2 {
		t.Fatalf("got %d summaries", len(sums))
	}
	if sums[0].SessionID != second.Session().ID() {
		t.Errorf("most recent first: got %q", sums[0].SessionID)
	}
	if sums[0].Title != "second" || sums[0].MessageCount != 2 {
		t.Errorf("summary = %+v", sums[0])
	}

	limited, err := r.List(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d summaries", len(limited))
	}
}

func TestDeleteRemovesMessages(t *testing.T) {
	r := openTestRepo(t, "default")
	ctx := context.Background()
	conv := seedConversation(t, "q", "a")
	if err := r.Save(ctx, conv.Session(), ""); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, conv.Session().ID()); err != nil {
		t.Fatal(err)
	}
	got, err := r.Load(ctx, conv.Session().ID())
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("session still present after delete")
	}
	if ch, _ := r.RehydrateFromLeaf(ctx, conv.Session().Leaf()); ch != nil {
		t.Error("messages still present after delete")
	}
}

func TestProjectIsolation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")
	ctx := context.Background()
	a, err := Open(ctx, path, "project-a")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(ctx, path, "project-b")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	conv := seedConversation(t, "secret", "kept")
	if err := a.Save(ctx, conv.Session(), ""); err != nil {
		t.Fatal(err)
	}
	if got, _ := b.Load(ctx, conv.Session().ID()); got != nil {
		t.Error("project b can read project a's session")
	}
	if got, _ := b.RehydrateFromLeaf(ctx, conv.Session().Leaf()); got != nil {
		t.Error("project b can rehydrate project a's chain")
	}
	if err := b.Wipe(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.Load(ctx, conv.Session().ID()); got == nil {
		t.Error("wiping project b destroyed project a's session")
	}
}
