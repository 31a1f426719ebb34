package caldav

import (
	"context"
	"net/url"
	"sync"

	"github.com/pimalaya/calendula/internal/dav"
)

// hrefIndex maps item IDs to the object URLs they were last seen at, per
// calendar. Servers may store an object under any name, so the UID alone
// does not give its URL.
type hrefIndex struct {
	mu    sync.Mutex
	byID  map[string]map[string]string
	byURI map[string]string
}

func newHrefIndex() *hrefIndex {
	return &hrefIndex{byID: make(map[string]map[string]string), byURI: make(map[string]string)}
}

func (x *hrefIndex) put(calendarID, id, uri string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids, ok := x.byID[calendarID]
	if !ok {
		ids = make(map[string]string)
		x.byID[calendarID] = ids
	}
	if old, ok := ids[id]; ok && old != uri {
		delete(x.byURI, old)
	}
	ids[id] = uri
	x.byURI[uri] = id
}

func (x *hrefIndex) uri(calendarID, id string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	uri, ok := x.byID[calendarID][id]
	return uri, ok
}

func (x *hrefIndex) id(uri string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id, ok := x.byURI[uri]
	return id, ok
}

func (x *hrefIndex) remove(calendarID, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if uri, ok := x.byID[calendarID][id]; ok {
		delete(x.byURI, uri)
		delete(x.byID[calendarID], id)
	}
}

func (x *hrefIndex) drop(calendarID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, uri := range x.byID[calendarID] {
		delete(x.byURI, uri)
	}
	delete(x.byID, calendarID)
}

// objectURI resolves a multistatus href against the calendar URL.
func objectURI(calURI, href string) string {
	base, err := url.Parse(calURI)
	if err != nil {
		return href
	}
	u, err := base.Parse(href)
	if err != nil {
		return href
	}
	return u.String()
}

// idForHref returns the ID of the object at href: the UID it was indexed
// under, or its base name without .ics when it has not been seen yet.
func (b *Backend) idForHref(calURI, href string) string {
	if id, ok := b.index.id(objectURI(calURI, href)); ok {
		return id
	}
	return itemID(href)
}

// itemURI returns the URL of an item: where it was last seen, or
// <id>.ics for items this backend has not listed.
func (b *Backend) itemURI(ctx context.Context, calendarID, itemID string) (string, bool, error) {
	if uri, ok := b.index.uri(calendarID, itemID); ok {
		return uri, true, nil
	}
	cal, err := b.calendarURI(ctx, calendarID)
	if err != nil {
		return "", false, err
	}
	return cal + url.PathEscape(itemID) + ".ics", false, nil
}

// reindex lists every object of a calendar with its data and rebuilds the
// index of where each UID lives.
func (b *Backend) reindex(ctx context.Context, calendarID string) error {
	calURI, err := b.calendarURI(ctx, calendarID)
	if err != nil {
		return err
	}
	ms, err := b.client.Report(ctx, calURI, dav.Depth1, dav.CalendarQuery(dav.ObjectProps, nil))
	if err != nil {
		return err
	}
	b.index.drop(calendarID)
	for _, r := range ms.Responses {
		b.itemFromResponse(calendarID, calURI, r)
	}
	return nil
}

// locate calls try with the URL of an item. When try reports the item
// missing there, the calendar is reindexed and try runs again against the
// URL the UID was found at.
func (b *Backend) locate(ctx context.Context, calendarID, itemID string, try func(uri string) (bool, error)) error {
	uri, _, err := b.itemURI(ctx, calendarID, itemID)
	if err != nil {
		return err
	}
	found, err := try(uri)
	if found {
		return err
	}
	b.index.remove(calendarID, itemID)
	if rerr := b.reindex(ctx, calendarID); rerr != nil {
		return err
	}
	moved, ok := b.index.uri(calendarID, itemID)
	if !ok || moved == uri {
		return err
	}
	_, err = try(moved)
	return err
}
