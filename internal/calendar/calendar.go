// Package calendar holds the backend-neutral model shared by the CalDAV and
// Vdir backends: calendars, items, sync state and the Backend contract.
package calendar

import (
	"context"
	"time"
)

// Calendar is a collection of items as listed by a backend.
type Calendar struct {
	// ID is the backend-assigned identifier: the collection path segment for
	// CalDAV, the directory name for Vdir.
	ID          string
	DisplayName string
	Description string
	Color       string
}

// Item is a single calendar object. Body is kept verbatim.
type Item struct {
	ID           string
	CalendarID   string
	Body         []byte
	Summary      string
	Components   []string
	LastModified time.Time
	// ETag is empty for backends without optimistic concurrency.
	ETag string
}

// SyncKind tells which server cursor a SyncState carries.
type SyncKind string

const (
	// SyncKindToken is an RFC 6578 sync-token.
	SyncKindToken SyncKind = "sync-token"
	// SyncKindCTag is a collection tag, used when sync-collection is unsupported.
	SyncKindCTag SyncKind = "ctag"
)

// SyncState is the persisted cursor of one calendar listing.
type SyncState struct {
	CalendarID string
	BackendURI string
	Kind       SyncKind
	Token      string
	// Items maps every known item ID to its ETag.
	Items map[string]string
}

// Valid reports whether the state was captured against the given calendar
// and backend URI and still carries a usable token.
func (s *SyncState) Valid(calendarID, backendURI string) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.CalendarID == calendarID && s.BackendURI == backendURI
}

// Clone returns a deep copy of the state.
func (s *SyncState) Clone() *SyncState {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = make(map[string]string, len(s.Items))
	for id, etag := range s.Items {
		c.Items[id] = etag
	}
	return &c
}

// ItemsDelta is the result of a ListItems call.
type ItemsDelta struct {
	Added   []Item
	Updated []Item
	Removed []string
	// State is the cursor to persist for the next call. Nil when the backend
	// has no incremental sync.
	State *SyncState
	// Full is set when Added holds the complete listing.
	Full bool
	// Reset is set when a prior state was rejected and a full listing was
	// returned instead. It is not an error.
	Reset bool
}

// Items returns added and updated items together.
func (d *ItemsDelta) Items() []Item {
	items := make([]Item, 0, len(d.Added)+len(d.Updated))
	items = append(items, d.Added...)
	return append(items, d.Updated...)
}

// TimeRange bounds an event query. Zero values leave a side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Backend is the capability every calendar store provides.
type Backend interface {
	ListCalendars(ctx context.Context) ([]Calendar, error)
	ListItems(ctx context.Context, calendarID string, prior *SyncState) (*ItemsDelta, error)
	GetItem(ctx context.Context, calendarID, itemID string) (*Item, error)
	// PutItem creates the item when expectedETag is empty and replaces it
	// otherwise.
	PutItem(ctx context.Context, calendarID string, item *Item, expectedETag string) (*Item, error)
	DeleteItem(ctx context.Context, calendarID, itemID, expectedETag string) error
}

// CollectionManager manages the calendars themselves.
type CollectionManager interface {
	CreateCalendar(ctx context.Context, cal Calendar) (*Calendar, error)
	UpdateCalendar(ctx context.Context, cal Calendar) error
	DeleteCalendar(ctx context.Context, calendarID string) error
}

// EventLister lists the events of a calendar overlapping a time range.
type EventLister interface {
	ListEvents(ctx context.Context, calendarID string, tr TimeRange) ([]Item, error)
}
