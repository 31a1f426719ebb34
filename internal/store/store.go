// Package store persists the sync state of every (account, calendar) pair
// so that listings resume from the last server cursor.
package store

import (
	"context"
	"strings"

	"github.com/pimalaya/calendula/internal/calendar"
)

// Store loads and saves sync states. Every method is scoped to one account.
type Store interface {
	// Load returns nil when nothing is stored for the pair.
	Load(ctx context.Context, account, calendarID string) (*calendar.SyncState, error)
	// Save replaces the stored state of (account, state.CalendarID). The
	// cursor and the item ETags are written in one transaction.
	Save(ctx context.Context, account string, state *calendar.SyncState) error
	Delete(ctx context.Context, account, calendarID string) error
	Close() error
}

// Open picks the driver from the DSN: postgres:// and postgresql:// URLs go
// to PostgreSQL, anything else is a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(ctx, dsn)
}

func checkState(account string, state *calendar.SyncState) error {
	switch {
	case account == "":
		return ErrNoAccount
	case state == nil || state.CalendarID == "":
		return ErrNoCalendar
	}
	return nil
}
