package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pimalaya/calendula/internal/calendar"
)

func openTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "state.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSQLiteLoadMissing(t *testing.T) {
	s, _ := openTestSQLite(t)
	got, err := s.Load(context.Background(), "alice", "work")
	if err != nil || got != nil {
		t.Fatalf("expected nil state, got %+v (%v)", got, err)
	}
}

func TestSQLiteSaveLoadRoundTrip(t *testing.T) {
	s, _ := openTestSQLite(t)
	ctx := context.Background()
	want := sampleState()

	if err := s.Save(ctx, "alice", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "alice", "work")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
}

func TestSQLiteSaveReplacesItems(t *testing.T) {
	s, _ := openTestSQLite(t)
	ctx := context.Background()

	if err := s.Save(ctx, "alice", sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	next := sampleState()
	next.Kind, next.Token = calendar.SyncKindCTag, "ctag-2"
	next.Items = map[string]string{"c": `"3"`}
	if err := s.Save(ctx, "alice", next); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx, "alice", "work")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, next) {
		t.Fatalf("state = %+v, want %+v", got, next)
	}
}

func TestSQLiteScopesByAccount(t *testing.T) {
	s, _ := openTestSQLite(t)
	ctx := context.Background()

	alice := sampleState()
	bob := sampleState()
	bob.Token = "tok-bob"
	bob.Items = map[string]string{}
	if err := s.Save(ctx, "alice", alice); err != nil {
		t.Fatalf("save alice: %v", err)
	}
	if err := s.Save(ctx, "bob", bob); err != nil {
		t.Fatalf("save bob: %v", err)
	}

	got, err := s.Load(ctx, "alice", "work")
	if err != nil || !reflect.DeepEqual(got, alice) {
		t.Fatalf("alice state = %+v (%v)", got, err)
	}
	got, err = s.Load(ctx, "bob", "work")
	if err != nil || !reflect.DeepEqual(got, bob) {
		t.Fatalf("bob state = %+v (%v)", got, err)
	}

	if err := s.Delete(ctx, "bob", "work"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.Load(ctx, "bob", "work"); got != nil {
		t.Fatalf("expected bob state gone, got %+v", got)
	}
	if got, _ := s.Load(ctx, "alice", "work"); got == nil {
		t.Fatal("expected alice state kept")
	}
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	s, path := openTestSQLite(t)
	ctx := context.Background()
	if err := s.Save(ctx, "alice", sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok := reopened.(*SQLite); !ok {
		t.Fatalf("expected sqlite store for a file path, got %T", reopened)
	}
	got, err := reopened.Load(ctx, "alice", "work")
	if err != nil || !reflect.DeepEqual(got, sampleState()) {
		t.Fatalf("state after reopen = %+v (%v)", got, err)
	}
}

func TestSQLiteSaveRejectsIncompleteState(t *testing.T) {
	s, _ := openTestSQLite(t)
	if err := s.Save(context.Background(), "alice", nil); !errors.Is(err, ErrNoCalendar) {
		t.Fatalf("expected ErrNoCalendar, got %v", err)
	}
}
