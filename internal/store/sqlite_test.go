package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndListMessagesPreservesOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	turn := []domain.Message{
		{PublicID: "m1", ChatSessionID: "s1", Role: domain.RoleUser, Content: []chatobject.Object{chatobject.Text("What is kirtan?")}, CreatedOn: 100},
		{PublicID: "m2", ChatSessionID: "s1", Role: domain.RoleAssistant, Content: []chatobject.Object{
			chatobject.Text("Kirtan is "),
			chatobject.Transcript("tr_9", 2),
			chatobject.Text("congregational chanting."),
			chatobject.Web("https://example.org"),
		}, CreatedOn: 101},
	}
	if err := s.SaveMessages(ctx, "alice", "s1", turn); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}
	second := []domain.Message{
		{PublicID: "m3", ChatSessionID: "s1", Role: domain.RoleUser, CreatedOn: 102},
	}
	if err := s.SaveMessages(ctx, "alice", "s1", second); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	got, err := s.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}

	want := append(append([]domain.Message{}, turn...), domain.Message{
		PublicID: "m3", ChatSessionID: "s1", Role: domain.RoleUser, Content: []chatobject.Object{}, CreatedOn: 102,
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}

	session, err := s.GetSession(ctx, "s1")
	if err != nil || session == nil {
		t.Fatalf("GetSession = %v, %v", session, err)
	}
}

func TestDuplicateMessageIDRollsBackTurn(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveMessages(ctx, "alice", "s1", []domain.Message{{PublicID: "dup", Role: domain.RoleUser}}); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}
	err := s.SaveMessages(ctx, "alice", "s1", []domain.Message{
		{PublicID: "fresh", Role: domain.RoleUser},
		{PublicID: "dup", Role: domain.RoleAssistant},
	})
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	got, err := s.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 1 || got[0].PublicID != "dup" {
		t.Fatalf("expected only the first turn to be stored, got %+v", got)
	}
}

func TestSessionTitleAndListing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	older := &domain.ChatSession{PublicID: "old", Owner: "alice", UpdatedOn: time.Unix(1000, 0), CreatedOn: time.Unix(1000, 0)}
	newer := &domain.ChatSession{PublicID: "new", Owner: "alice", UpdatedOn: time.Unix(2000, 0), CreatedOn: time.Unix(2000, 0)}
	for _, sess := range []*domain.ChatSession{older, newer} {
		if err := s.UpsertSession(ctx, sess); err != nil {
			t.Fatalf("UpsertSession failed: %v", err)
		}
	}

	if err := s.SetSessionTitle(ctx, "old", "Japa meditation"); err != nil {
		t.Fatalf("SetSessionTitle failed: %v", err)
	}
	if err := s.SetSessionTitle(ctx, "missing", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	// An empty title on upsert must not clear the stored topic.
	if err := s.UpsertSession(ctx, &domain.ChatSession{PublicID: "old", Owner: "alice", UpdatedOn: time.Unix(500, 0)}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	sessions, err := s.ListSessions(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].PublicID != "new" {
		t.Errorf("expected most recent first, got %s", sessions[0].PublicID)
	}
	if sessions[1].Title != "Japa meditation" {
		t.Errorf("title = %q, want preserved topic", sessions[1].Title)
	}

	missing, err := s.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("GetSession(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, &domain.ChatSession{PublicID: "s1", Owner: "alice"}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	if err := s.UpsertSession(ctx, &domain.ChatSession{PublicID: "s1", Owner: "mallory", Title: "mine now"}); !errors.Is(err, ErrSessionOwned) {
		t.Fatalf("expected ErrSessionOwned, got %v", err)
	}
	err := s.SaveMessages(ctx, "mallory", "s1", []domain.Message{{PublicID: "m1", Role: domain.RoleUser}})
	if !errors.Is(err, ErrSessionOwned) {
		t.Fatalf("expected ErrSessionOwned from SaveMessages, got %v", err)
	}
	if msgs, err := s.ListMessages(ctx, "s1"); err != nil || len(msgs) != 0 {
		t.Fatalf("ListMessages = %d messages, %v; want none", len(msgs), err)
	}

	session, err := s.GetSession(ctx, "s1")
	if err != nil || session == nil {
		t.Fatalf("GetSession = %v, %v", session, err)
	}
	if session.Owner != "alice" || session.Title != "" {
		t.Errorf("session = %+v, want alice's untouched session", session)
	}

	for owner, want := range map[string]int{"alice": 1, "mallory": 0} {
		sessions, err := s.ListSessions(ctx, owner, 10)
		if err != nil {
			t.Fatalf("ListSessions(%s) failed: %v", owner, err)
		}
		if len(sessions) != want {
			t.Errorf("ListSessions(%s) = %d sessions, want %d", owner, len(sessions), want)
		}
	}
}

func TestOpenMigratesUnownedSessions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vault.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE chat_sessions (
		public_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_on INTEGER NOT NULL,
		updated_on INTEGER NOT NULL
	);
	INSERT INTO chat_sessions (public_id, title, created_on, updated_on) VALUES ('legacy', 'Old talk', 1, 1);`)
	if err != nil {
		t.Fatalf("create legacy schema: %v", err)
	}
	_ = db.Close()

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	legacy, err := s.GetSession(ctx, "legacy")
	if err != nil || legacy == nil || legacy.Owner != "" {
		t.Fatalf("GetSession(legacy) = %+v, %v; want unowned row", legacy, err)
	}
	if err := s.UpsertSession(ctx, &domain.ChatSession{PublicID: "legacy", Owner: "alice"}); !errors.Is(err, ErrSessionOwned) {
		t.Errorf("claiming an unowned session: got %v, want ErrSessionOwned", err)
	}
	if err := s.UpsertSession(ctx, &domain.ChatSession{PublicID: "fresh", Owner: "alice"}); err != nil {
		t.Errorf("UpsertSession after migration failed: %v", err)
	}
}
