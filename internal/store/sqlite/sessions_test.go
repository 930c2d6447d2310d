package sqlite

import (
	"testing"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := "agent:default:discord:dm:42"
	got, err := s.Mutate(key, func(cur *sessions.Session) *sessions.Session {
		if cur != nil {
			t.Fatal("expected no existing record")
		}
		return &sessions.Session{SessionID: "sid-1", InputTokens: 10}
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "sid-1" || got.UpdatedAt.IsZero() {
		t.Errorf("mutate result = %+v", got)
	}

	sess, ok, err := s.Get(key)
	if err != nil || !ok || sess.InputTokens != 10 {
		t.Errorf("get = %+v ok=%v err=%v", sess, ok, err)
	}

	// Update preserves unrelated fields.
	_, err = s.Mutate(key, func(cur *sessions.Session) *sessions.Session {
		cur.OutputTokens = 20
		return cur
	})
	if err != nil {
		t.Fatal(err)
	}
	sess, _, _ = s.Get(key)
	if sess.InputTokens != 10 || sess.OutputTokens != 20 {
		t.Errorf("after update = %+v", sess)
	}

	all, err := s.Load()
	if err != nil || len(all) != 1 {
		t.Errorf("load = %v err=%v", all, err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(key); ok {
		t.Error("record survived delete")
	}
}
