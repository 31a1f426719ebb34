// Package syncer refreshes the sync state of every calendar of the
// configured accounts, once or on a cron schedule.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/metrics"
	"github.com/pimalaya/calendula/internal/store"
)

// Lister is the part of a backend a sync needs.
type Lister interface {
	ListCalendars(ctx context.Context) ([]calendar.Calendar, error)
	ListItems(ctx context.Context, calendarID string, prior *calendar.SyncState) (*calendar.ItemsDelta, error)
}

// Opener returns the backend of an account.
type Opener func(account string) (Lister, error)

type Options struct {
	Store    store.Store
	Open     Opener
	Accounts []string
	// Schedule is a cron expression such as "@every 15m".
	Schedule string
	// OnStart runs a sync as soon as Run is called.
	OnStart bool
}

// Result is the outcome of one calendar sync.
type Result struct {
	Account    string
	CalendarID string
	Added      int
	Updated    int
	Removed    int
	Reset      bool
	Err        error
}

type Syncer struct {
	opts    Options
	lastRun atomic.Int64
}

func New(opts Options) (*Syncer, error) {
	if opts.Store == nil || opts.Open == nil {
		return nil, errors.New("syncer: store and opener are required")
	}
	if len(opts.Accounts) == 0 {
		return nil, errors.New("syncer: no accounts to sync")
	}
	return &Syncer{opts: opts}, nil
}

// Run syncs on the schedule until ctx is done. A run still in progress when
// the next one is due makes that one skip.
func (s *Syncer) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(s.opts.Schedule, func() { s.SyncAll(ctx) }); err != nil {
		return fmt.Errorf("sync schedule %q: %w", s.opts.Schedule, err)
	}

	if s.opts.OnStart {
		s.SyncAll(ctx)
	}
	c.Start()
	log.Printf("[INFO] syncer: started (schedule %s, %d accounts)", s.opts.Schedule, len(s.opts.Accounts))

	<-ctx.Done()
	<-c.Stop().Done()
	log.Printf("[INFO] syncer: stopped")
	return nil
}

// SyncAll syncs every account concurrently and returns the results in
// account order.
func (s *Syncer) SyncAll(ctx context.Context) []Result {
	perAccount := make([][]Result, len(s.opts.Accounts))
	var wg sync.WaitGroup
	for i, account := range s.opts.Accounts {
		wg.Add(1)
		go func(i int, account string) {
			defer wg.Done()
			results, err := s.SyncAccount(ctx, account)
			if err != nil {
				log.Printf("[ERROR] syncer: account %s: %v", account, err)
				results = append(results, Result{Account: account, Err: err})
			}
			perAccount[i] = results
		}(i, account)
	}
	wg.Wait()

	var all []Result
	for _, results := range perAccount {
		all = append(all, results...)
	}
	s.lastRun.Store(time.Now().UnixNano())
	return all
}

// LastRun returns when the last SyncAll finished, zero if none did.
func (s *Syncer) LastRun() time.Time {
	n := s.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SyncAccount syncs every calendar of one account. A failing calendar does
// not stop the others; its error is in its Result.
func (s *Syncer) SyncAccount(ctx context.Context, account string) ([]Result, error) {
	ctx = metrics.WithAccount(ctx, account)

	backend, err := s.opts.Open(account)
	if err != nil {
		metrics.ObserveSync(ctx, "error")
		return nil, err
	}
	cals, err := backend.ListCalendars(ctx)
	if err != nil {
		metrics.ObserveSync(ctx, "error")
		return nil, err
	}

	results := make([]Result, 0, len(cals))
	for _, cal := range cals {
		res := s.syncCalendar(ctx, backend, account, cal.ID)
		switch {
		case res.Err != nil:
			metrics.ObserveSync(ctx, "error")
			log.Printf("[ERROR] syncer: %s/%s: %v", account, cal.ID, res.Err)
		case res.Reset:
			metrics.ObserveSync(ctx, "reset")
		default:
			metrics.ObserveSync(ctx, "ok")
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Syncer) syncCalendar(ctx context.Context, backend Lister, account, calendarID string) Result {
	res := Result{Account: account, CalendarID: calendarID}

	prior, err := s.opts.Store.Load(ctx, account, calendarID)
	if err != nil {
		res.Err = err
		return res
	}
	delta, err := backend.ListItems(ctx, calendarID, prior)
	if err != nil {
		res.Err = err
		return res
	}
	res.Added, res.Updated, res.Removed = len(delta.Added), len(delta.Updated), len(delta.Removed)
	res.Reset = delta.Reset

	if delta.State != nil {
		if err := s.opts.Store.Save(ctx, account, delta.State); err != nil {
			res.Err = err
			return res
		}
	}
	log.Printf("[INFO] syncer: %s/%s: %d added, %d updated, %d removed", account, calendarID, res.Added, res.Updated, res.Removed)
	return res
}
