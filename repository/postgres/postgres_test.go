package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"

	conduit "github.com/conduitdev/conduit"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mock.Close)
	return New(mock, "default"), mock
}

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

func TestSaveWritesSessionAndMessages(t *testing.T) {
	r, mock := newMockRepo(t)
	conv := seedConversation(t, "hello", "hi")
	session := conv.Session()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(session.ID(), "default", "greetings", session.Leaf(),
			session.CreatedAt(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for range session.TopoOrder() {
		mock.ExpectExec(`INSERT INTO messages`).
			WithArgs(pgxmock.AnyArg(), session.ID(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()
	mock.ExpectRollback()

	if err := r.Save(context.Background(), session, "greetings"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadRestoresSession(t *testing.T) {
	r, mock := newMockRepo(t)
	conv := seedConversation(t, "q", "a")
	session := conv.Session()
	user, _ := conduit.EncodeMessage(conv.Messages()[0])
	asst, _ := conduit.EncodeMessage(conv.Messages()[1])

	mock.ExpectQuery(`SELECT created_at, leaf_id FROM sessions`).
		WithArgs(session.ID(), "default").
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "leaf_id"}).
			AddRow(session.CreatedAt(), session.Leaf()))
	mock.ExpectQuery(`SELECT payload FROM messages`).
		WithArgs(session.ID()).
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).
			AddRow([]byte(user)).AddRow([]byte(asst)))

	got, err := r.Load(context.Background(), session.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Len() != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.Leaf() != session.Leaf() {
		t.Errorf("leaf = %q, want %q", got.Leaf(), session.Leaf())
	}
}

func TestLoadUnknownSession(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT created_at, leaf_id FROM sessions`).
		WithArgs("nope", "default").
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "leaf_id"}))

	got, err := r.Load(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v", got)
	}
}

func TestRehydrateFromLeaf(t *testing.T) {
	r, mock := newMockRepo(t)
	conv := seedConversation(t, "q1", "a1", "q2", "a2")
	session := conv.Session()
	leaf := session.Leaf()

	rows := pgxmock.NewRows([]string{"session_id", "payload"})
	for _, m := range conv.Messages() {
		payload, _ := conduit.EncodeMessage(m)
		rows.AddRow(session.ID(), []byte(payload))
	}
	mock.ExpectQuery(`WITH RECURSIVE chain`).
		WithArgs(leaf, "default").
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT created_at FROM sessions`).
		WithArgs(session.ID()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(session.CreatedAt()))

	got, err := r.RehydrateFromLeaf(context.Background(), leaf)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Len() != 4 {
		t.Fatalf("chain = %+v", got)
	}
	if got.Messages()[3].Meta().MessageID != leaf {
		t.Errorf("chain does not end at the requested leaf")
	}
	if got.Session().Leaf() != leaf {
		t.Errorf("session leaf = %q", got.Session().Leaf())
	}
}

func TestRehydrateUnknownMessage(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`WITH RECURSIVE chain`).
		WithArgs("missing", "default").
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "payload"}))

	got, err := r.RehydrateFromLeaf(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v", got)
	}
}

func TestListSummaries(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT s.session_id, s.title`).
		WithArgs("default", 10).
		WillReturnRows(pgxmock.NewRows(
			[]string{"session_id", "title", "created_at", "last_updated", "count"}).
			AddRow("s2", "newer", int64(100), int64(300), 4).
			AddRow("s1", "older", int64(50), int64(200), 2))

	sums, err := r.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 2 || sums[0].SessionID != "s2" || sums[0].MessageCount != 4 {
		t.Errorf("summaries = %+v", sums)
	}
}

func TestDeleteScopedToProject(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(`DELETE FROM sessions WHERE session_id`).
		WithArgs("s1", "default").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	if err := r.Delete(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWipeScopedToProject(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(`DELETE FROM sessions WHERE project_name`).
		WithArgs("default").
		WillReturnResult(pgxmock.NewResult("DELETE", 5))

	if err := r.Wipe(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
