package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pimalaya/calendula/internal/calendar"
)

type memStore struct {
	mu     sync.Mutex
	states map[string]*calendar.SyncState
	saves  int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*calendar.SyncState)}
}

func (m *memStore) Load(_ context.Context, account, calendarID string) (*calendar.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[account+"/"+calendarID].Clone(), nil
}

func (m *memStore) Save(_ context.Context, account string, state *calendar.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[account+"/"+state.CalendarID] = state.Clone()
	m.saves++
	return nil
}

func (m *memStore) Delete(_ context.Context, account, calendarID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, account+"/"+calendarID)
	return nil
}

func (m *memStore) Close() error { return nil }

// fakeLister hands out a new token on every listing and records the prior
// state it was given.
type fakeLister struct {
	mu      sync.Mutex
	cals    []string
	fail    map[string]error
	reset   bool
	calls   int
	priors  []*calendar.SyncState
	listed  chan struct{}
	listErr error
}

func (f *fakeLister) ListCalendars(context.Context) ([]calendar.Calendar, error) {
	if f.listed != nil {
		select {
		case f.listed <- struct{}{}:
		default:
		}
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	var cals []calendar.Calendar
	for _, id := range f.cals {
		cals = append(cals, calendar.Calendar{ID: id})
	}
	return cals, nil
}

func (f *fakeLister) ListItems(_ context.Context, calendarID string, prior *calendar.SyncState) (*calendar.ItemsDelta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[calendarID]; err != nil {
		return nil, err
	}
	f.calls++
	f.priors = append(f.priors, prior)
	state := &calendar.SyncState{
		CalendarID: calendarID,
		Kind:       calendar.SyncKindToken,
		Token:      "tok-" + string(rune('0'+f.calls)),
		Items:      map[string]string{"a": `"1"`},
	}
	return &calendar.ItemsDelta{
		Added: []calendar.Item{{ID: "a"}},
		State: state,
		Full:  prior == nil || f.reset,
		Reset: f.reset,
	}, nil
}

func opener(listers map[string]*fakeLister) Opener {
	return func(account string) (Lister, error) {
		l, ok := listers[account]
		if !ok {
			return nil, errors.New("unknown account")
		}
		return l, nil
	}
}

func TestSyncAccountPersistsAndResumes(t *testing.T) {
	st := newMemStore()
	work := &fakeLister{cals: []string{"home"}}
	s, err := New(Options{Store: st, Open: opener(map[string]*fakeLister{"work": work}), Accounts: []string{"work"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	results, err := s.SyncAccount(ctx, "work")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if len(results) != 1 || results[0].Added != 1 || results[0].Err != nil {
		t.Fatalf("unexpected results %+v", results)
	}
	if _, err := s.SyncAccount(ctx, "work"); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if work.priors[0] != nil {
		t.Fatalf("expected no prior state on first sync, got %+v", work.priors[0])
	}
	if work.priors[1] == nil || work.priors[1].Token != "tok-1" {
		t.Fatalf("expected saved token to be resumed, got %+v", work.priors[1])
	}
	if st.saves != 2 {
		t.Fatalf("expected two saves, got %d", st.saves)
	}
}

func TestSyncAccountReportsResetAndKeepsGoing(t *testing.T) {
	st := newMemStore()
	work := &fakeLister{
		cals:  []string{"broken", "home"},
		fail:  map[string]error{"broken": calendar.ErrConnectionFailed},
		reset: true,
	}
	s, err := New(Options{Store: st, Open: opener(map[string]*fakeLister{"work": work}), Accounts: []string{"work"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	results, err := s.SyncAccount(context.Background(), "work")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %+v", results)
	}
	if !errors.Is(results[0].Err, calendar.ErrConnectionFailed) {
		t.Fatalf("expected connection error for broken, got %v", results[0].Err)
	}
	if results[1].Err != nil || !results[1].Reset {
		t.Fatalf("expected reset for home, got %+v", results[1])
	}
	if st.saves != 1 {
		t.Fatalf("expected only home saved, got %d saves", st.saves)
	}
}

func TestSyncAllCoversEveryAccount(t *testing.T) {
	listers := map[string]*fakeLister{
		"work":     {cals: []string{"a", "b"}},
		"personal": {cals: []string{"c"}},
		"down":     {listErr: calendar.ErrUnauthorized},
	}
	s, err := New(Options{Store: newMemStore(), Open: opener(listers), Accounts: []string{"work", "personal", "down", "ghost"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if !s.LastRun().IsZero() {
		t.Fatal("expected no run yet")
	}
	results := s.SyncAll(context.Background())
	if s.LastRun().IsZero() {
		t.Fatal("expected last run to be recorded")
	}
	if len(results) != 5 {
		t.Fatalf("expected five results, got %+v", results)
	}
	if results[0].Account != "work" || results[2].Account != "personal" {
		t.Fatalf("expected account order kept, got %+v", results)
	}
	if !errors.Is(results[3].Err, calendar.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for down, got %+v", results[3])
	}
	if results[4].Account != "ghost" || results[4].Err == nil {
		t.Fatalf("expected open error for ghost, got %+v", results[4])
	}
}

func TestRunSyncsOnStartAndStops(t *testing.T) {
	work := &fakeLister{cals: []string{"home"}, listed: make(chan struct{}, 1)}
	s, err := New(Options{
		Store:    newMemStore(),
		Open:     opener(map[string]*fakeLister{"work": work}),
		Accounts: []string{"work"},
		Schedule: "@every 1h",
		OnStart:  true,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-work.listed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a sync on start")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	s, err := New(Options{Store: newMemStore(), Open: opener(nil), Accounts: []string{"work"}, Schedule: "whenever"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestNewRequiresAccounts(t *testing.T) {
	if _, err := New(Options{Store: newMemStore(), Open: opener(nil)}); err == nil {
		t.Fatal("expected error without accounts")
	}
}
