// Package caldav implements calendar.Backend against a CalDAV server:
// discovery, listings, incremental sync and conditional writes.
package caldav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/dav"
	"github.com/pimalaya/calendula/internal/ical"
)

// maxItemBody bounds the size of a fetched calendar object.
const maxItemBody = 10 << 20

var calendarProps = []xml.Name{
	dav.PropDisplayName,
	dav.PropResourceType,
	dav.PropCalendarDescription,
	dav.PropCalendarColor,
}

// Options configures a Backend.
type Options struct {
	Location  Location
	Hint      Hint
	Extractor ical.Extractor
	// SRVLookup overrides DNS service discovery.
	SRVLookup SRVLookup
}

// Backend talks to one CalDAV account. Discovery runs on first use.
type Backend struct {
	client     *dav.Client
	discoverer *Discoverer
	extractor  ical.Extractor
	hint       Hint

	mu       sync.Mutex
	loc      Location
	resolved bool

	index *hrefIndex
}

// New returns a backend sending requests through client.
func New(client *dav.Client, opts Options) *Backend {
	extractor := opts.Extractor
	if extractor == nil {
		extractor = ical.Decoder{}
	}
	return &Backend{
		client:     client,
		discoverer: NewDiscoverer(client, opts.SRVLookup),
		extractor:  extractor,
		hint:       opts.Hint,
		loc:        opts.Location,
		index:      newHrefIndex(),
	}
}

var (
	_ calendar.Backend           = (*Backend)(nil)
	_ calendar.CollectionManager = (*Backend)(nil)
	_ calendar.EventLister       = (*Backend)(nil)
)

// Location resolves and returns the server location.
func (b *Backend) Location(ctx context.Context) (Location, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolved {
		return b.loc, nil
	}
	loc, err := b.discoverer.Resolve(ctx, b.loc, b.hint)
	if err != nil {
		return Location{}, err
	}
	loc.HomeURI = withTrailingSlash(loc.HomeURI)
	b.loc, b.resolved = loc, true
	return loc, nil
}

func (b *Backend) homeURI(ctx context.Context) (string, error) {
	loc, err := b.Location(ctx)
	if err != nil {
		return "", err
	}
	return loc.HomeURI, nil
}

func (b *Backend) calendarURI(ctx context.Context, calendarID string) (string, error) {
	home, err := b.homeURI(ctx)
	if err != nil {
		return "", err
	}
	return home + url.PathEscape(calendarID) + "/", nil
}

// ListCalendars lists the calendar collections of the home set.
func (b *Backend) ListCalendars(ctx context.Context) ([]calendar.Calendar, error) {
	home, err := b.homeURI(ctx)
	if err != nil {
		return nil, err
	}
	ms, err := b.client.Propfind(ctx, home, dav.Depth1, calendarProps...)
	if err != nil {
		return nil, err
	}

	var cals []calendar.Calendar
	for _, r := range ms.Responses {
		if !r.HasResourceType(dav.TypeCalendar) {
			continue
		}
		cal := calendar.Calendar{ID: lastSegment(r.Href)}
		cal.DisplayName, _ = r.Text(dav.PropDisplayName)
		cal.Description, _ = r.Text(dav.PropCalendarDescription)
		cal.Color, _ = r.Text(dav.PropCalendarColor)
		cals = append(cals, cal)
	}
	return cals, nil
}

// ListItems returns the items of a calendar. Without a usable prior state
// the whole collection is listed. With one, only changes are fetched: by
// sync-collection for a token, by ETag comparison for a ctag.
func (b *Backend) ListItems(ctx context.Context, calendarID string, prior *calendar.SyncState) (*calendar.ItemsDelta, error) {
	home, err := b.homeURI(ctx)
	if err != nil {
		return nil, err
	}
	calURI, err := b.calendarURI(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	switch {
	case prior == nil || prior.Token == "":
		return b.listAll(ctx, calendarID, calURI, home, false)
	case !prior.Valid(calendarID, home):
		log.Printf("[WARN] caldav: sync state of %q belongs to another calendar, listing everything", calendarID)
		return b.listAll(ctx, calendarID, calURI, home, true)
	case prior.Kind == calendar.SyncKindCTag:
		return b.syncByCTag(ctx, calendarID, calURI, home, prior)
	}

	delta, err := b.syncByToken(ctx, calendarID, calURI, prior)
	if invalidSyncToken(err) {
		log.Printf("[INFO] caldav: sync token of %q rejected, listing everything", calendarID)
		return b.listAll(ctx, calendarID, calURI, home, true)
	}
	return delta, err
}

// invalidSyncToken reports whether the server refused a sync token.
func invalidSyncToken(err error) bool {
	var perr *calendar.ProtocolError
	if !errors.As(err, &perr) {
		return false
	}
	return perr.Status == http.StatusGone ||
		perr.Status == http.StatusForbidden ||
		perr.Condition == dav.CondValidSyncToken
}

// listAll captures the collection cursors first so that changes made during
// the listing show up in the next delta.
func (b *Backend) listAll(ctx context.Context, calendarID, calURI, home string, reset bool) (*calendar.ItemsDelta, error) {
	state, err := b.cursor(ctx, calendarID, calURI, home)
	if err != nil {
		return nil, err
	}

	ms, err := b.client.Report(ctx, calURI, dav.Depth1, dav.CalendarQuery(dav.ObjectProps, nil))
	if err != nil {
		return nil, err
	}

	delta := &calendar.ItemsDelta{Full: true, Reset: reset, State: state}
	for _, r := range ms.Responses {
		item, ok := b.itemFromResponse(calendarID, calURI, r)
		if !ok {
			continue
		}
		delta.Added = append(delta.Added, item)
		state.Items[item.ID] = item.ETag
	}
	return delta, nil
}

// cursor reads the sync-token and ctag of a collection. The token wins when
// both are present.
func (b *Backend) cursor(ctx context.Context, calendarID, calURI, home string) (*calendar.SyncState, error) {
	ms, err := b.client.Propfind(ctx, calURI, dav.Depth0, dav.PropSyncToken, dav.PropGetCTag)
	if err != nil {
		return nil, err
	}
	state := &calendar.SyncState{CalendarID: calendarID, BackendURI: home, Items: make(map[string]string)}
	for _, r := range ms.Responses {
		if token, ok := r.Text(dav.PropSyncToken); ok && token != "" {
			state.Kind, state.Token = calendar.SyncKindToken, token
			return state, nil
		}
		if ctag, ok := r.Text(dav.PropGetCTag); ok && ctag != "" {
			state.Kind, state.Token = calendar.SyncKindCTag, ctag
		}
	}
	return state, nil
}

func (b *Backend) syncByToken(ctx context.Context, calendarID, calURI string, prior *calendar.SyncState) (*calendar.ItemsDelta, error) {
	ms, err := b.client.Report(ctx, calURI, dav.Depth0, dav.SyncCollection(prior.Token, []xml.Name{dav.PropGetETag}))
	if err != nil {
		return nil, err
	}

	state := prior.Clone()
	if ms.SyncToken != "" {
		state.Token = ms.SyncToken
	}
	delta := &calendar.ItemsDelta{State: state}

	var changed []string
	unresolved := false
	for _, r := range ms.Responses {
		if isCollectionHref(r.Href) {
			continue
		}
		id := b.idForHref(calURI, r.Href)
		if r.Status == http.StatusNotFound {
			if _, known := state.Items[id]; known {
				delete(state.Items, id)
				delta.Removed = append(delta.Removed, id)
			} else {
				unresolved = true
			}
			b.index.remove(calendarID, id)
			continue
		}
		if etag := r.ETag(); etag != "" && etag == prior.Items[id] {
			continue
		}
		changed = append(changed, r.Href)
	}

	if _, err := b.fetchChanged(ctx, calendarID, calURI, changed, prior, delta); err != nil {
		return nil, err
	}
	if unresolved {
		// A removed object named differently from its UID: only a listing
		// tells which UID is gone.
		if err := b.reindex(ctx, calendarID); err != nil {
			return nil, err
		}
		for id := range state.Items {
			if _, ok := b.index.uri(calendarID, id); !ok {
				delete(state.Items, id)
				delta.Removed = append(delta.Removed, id)
			}
		}
	}
	return delta, nil
}

func (b *Backend) syncByCTag(ctx context.Context, calendarID, calURI, home string, prior *calendar.SyncState) (*calendar.ItemsDelta, error) {
	cur, err := b.cursor(ctx, calendarID, calURI, home)
	if err != nil {
		return nil, err
	}
	if cur.Kind == calendar.SyncKindCTag && cur.Token == prior.Token {
		return &calendar.ItemsDelta{State: prior.Clone()}, nil
	}

	ms, err := b.client.Propfind(ctx, calURI, dav.Depth1, dav.PropGetETag)
	if err != nil {
		return nil, err
	}

	state := prior.Clone()
	state.Kind, state.Token = cur.Kind, cur.Token
	delta := &calendar.ItemsDelta{State: state}

	seen := make(map[string]bool)
	var changed []string
	for _, r := range ms.Responses {
		if isCollectionHref(r.Href) {
			continue
		}
		id := b.idForHref(calURI, r.Href)
		if etag, known := prior.Items[id]; known && etag != "" && etag == r.ETag() {
			seen[id] = true
			continue
		}
		changed = append(changed, r.Href)
	}

	fetched, err := b.fetchChanged(ctx, calendarID, calURI, changed, prior, delta)
	if err != nil {
		return nil, err
	}
	for _, id := range fetched {
		seen[id] = true
	}
	for id := range prior.Items {
		if !seen[id] {
			if _, kept := delta.State.Items[id]; !kept {
				continue
			}
			delete(state.Items, id)
			delta.Removed = append(delta.Removed, id)
			b.index.remove(calendarID, id)
		}
	}
	return delta, nil
}

// fetchChanged multigets hrefs and sorts the items into Added and Updated
// against the prior ETag map. It returns the IDs of every fetched item.
func (b *Backend) fetchChanged(ctx context.Context, calendarID, calURI string, hrefs []string, prior *calendar.SyncState, delta *calendar.ItemsDelta) ([]string, error) {
	if len(hrefs) == 0 {
		return nil, nil
	}
	ms, err := b.client.Report(ctx, calURI, dav.Depth1, dav.CalendarMultiget(dav.ObjectProps, hrefs))
	if err != nil {
		return nil, err
	}
	var fetched []string
	for _, r := range ms.Responses {
		if r.Status == http.StatusNotFound {
			id := b.idForHref(calURI, r.Href)
			if _, known := delta.State.Items[id]; known {
				delete(delta.State.Items, id)
				delta.Removed = append(delta.Removed, id)
			}
			b.index.remove(calendarID, id)
			continue
		}
		item, ok := b.itemFromResponse(calendarID, calURI, r)
		if !ok {
			continue
		}
		fetched = append(fetched, item.ID)
		delta.State.Items[item.ID] = item.ETag
		etag, known := prior.Items[item.ID]
		switch {
		case !known:
			delta.Added = append(delta.Added, item)
		case etag == "" || etag != item.ETag:
			delta.Updated = append(delta.Updated, item)
		}
	}
	return fetched, nil
}

// itemFromResponse builds an item from a calendar-data response and indexes
// its URL under the item's UID. Bodies the extractor rejects are kept
// verbatim with empty fields and named after their resource.
func (b *Backend) itemFromResponse(calendarID, calURI string, r dav.Response) (calendar.Item, bool) {
	if isCollectionHref(r.Href) {
		return calendar.Item{}, false
	}
	body, ok := r.CalendarData()
	if !ok {
		return calendar.Item{}, false
	}
	item := calendar.Item{
		ID:           itemID(r.Href),
		CalendarID:   calendarID,
		Body:         body,
		ETag:         r.ETag(),
		LastModified: r.LastModified(),
	}
	uid, err := b.fill(&item)
	if err != nil {
		log.Printf("[WARN] caldav: item %q of %q: %v", item.ID, calendarID, err)
	}
	if uid != "" {
		item.ID = uid
	}
	b.index.put(calendarID, item.ID, objectURI(calURI, r.Href))
	return item, true
}

// fill copies the extracted fields into item and returns the UID. The
// server's modification time is kept when the body has no LAST-MODIFIED.
func (b *Backend) fill(item *calendar.Item) (string, error) {
	fields, err := b.extractor.Extract(item.Body)
	if err != nil {
		return "", err
	}
	item.Summary = fields.Summary
	item.Components = fields.Components
	if !fields.LastModified.IsZero() {
		item.LastModified = fields.LastModified
	}
	return fields.UID, nil
}

// GetItem fetches one item. An item whose body the extractor rejects is
// returned along with a MalformedItem error.
func (b *Backend) GetItem(ctx context.Context, calendarID, itemID string) (*calendar.Item, error) {
	var item *calendar.Item
	err := b.locate(ctx, calendarID, itemID, func(uri string) (bool, error) {
		var err error
		item, err = b.getItem(ctx, calendarID, itemID, uri)
		return !errors.Is(err, calendar.ErrNotFound), err
	})
	return item, err
}

func (b *Backend) getItem(ctx context.Context, calendarID, itemID, uri string) (*calendar.Item, error) {
	resp, err := b.client.Do(ctx, dav.Request{Method: http.MethodGet, URI: uri})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return nil, calendar.NotFound(calendarID, itemID, nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, dav.StatusError(resp)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxItemBody))
	if err != nil {
		return nil, fmt.Errorf("read item %q: %w", itemID, err)
	}
	item := &calendar.Item{
		ID:         itemID,
		CalendarID: calendarID,
		Body:       body,
		ETag:       dav.UnquoteETag(resp.Header.Get("ETag")),
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		item.LastModified = lm
	}
	b.index.put(calendarID, itemID, uri)
	if _, err := b.fill(item); err != nil {
		return item, calendar.MalformedItem(calendarID, itemID, err)
	}
	return item, nil
}

// PutItem creates item when expectedETag is empty and replaces it
// otherwise. New objects are named <UID>.ics. A failed precondition is
// reported as a conflict and never retried.
func (b *Backend) PutItem(ctx context.Context, calendarID string, item *calendar.Item, expectedETag string) (*calendar.Item, error) {
	fields, err := b.extractor.Extract(item.Body)
	if err != nil {
		return nil, calendar.MalformedItem(calendarID, item.ID, err)
	}
	id := item.ID
	if id == "" {
		id = fields.UID
	}

	header := http.Header{}
	header.Set("Content-Type", "text/calendar; charset=utf-8")
	var etag string
	put := func(uri string) (bool, error) {
		var err error
		etag, err = b.put(ctx, calendarID, id, uri, header, item.Body)
		if err == nil {
			b.index.put(calendarID, id, uri)
		}
		return !errors.Is(err, calendar.ErrNotFound) && !errors.Is(err, calendar.ErrConflict), err
	}

	if expectedETag != "" {
		header.Set("If-Match", dav.QuoteETag(expectedETag))
		err = b.locate(ctx, calendarID, id, put)
	} else {
		header.Set("If-None-Match", "*")
		var uri string
		if uri, _, err = b.itemURI(ctx, calendarID, id); err == nil {
			_, err = put(uri)
		}
	}
	if err != nil {
		return nil, err
	}

	out := &calendar.Item{
		ID:           id,
		CalendarID:   calendarID,
		Body:         item.Body,
		Summary:      fields.Summary,
		Components:   fields.Components,
		LastModified: fields.LastModified,
		ETag:         etag,
	}
	return out, nil
}

func (b *Backend) put(ctx context.Context, calendarID, id, uri string, header http.Header, body []byte) (string, error) {
	resp, err := b.client.Do(ctx, dav.Request{Method: http.MethodPut, URI: uri, Header: header, Body: body})
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		drain(resp)
		return "", calendar.Conflict(calendarID, id, nil)
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return "", calendar.NotFound(calendarID, id, nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", dav.StatusError(resp)
	}
	drain(resp)
	return dav.UnquoteETag(resp.Header.Get("ETag")), nil
}

// DeleteItem removes an item, guarded by If-Match when expectedETag is set.
func (b *Backend) DeleteItem(ctx context.Context, calendarID, itemID, expectedETag string) error {
	header := http.Header{}
	if expectedETag != "" {
		header.Set("If-Match", dav.QuoteETag(expectedETag))
	}
	return b.locate(ctx, calendarID, itemID, func(uri string) (bool, error) {
		err := b.deleteItem(ctx, calendarID, itemID, uri, header)
		if err == nil {
			b.index.remove(calendarID, itemID)
		}
		return !errors.Is(err, calendar.ErrNotFound), err
	})
}

func (b *Backend) deleteItem(ctx context.Context, calendarID, itemID, uri string, header http.Header) error {
	resp, err := b.client.Do(ctx, dav.Request{Method: http.MethodDelete, URI: uri, Header: header})
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		drain(resp)
		return calendar.Conflict(calendarID, itemID, nil)
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return calendar.NotFound(calendarID, itemID, nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return dav.StatusError(resp)
	}
	drain(resp)
	return nil
}

// CreateCalendar creates a calendar collection. An empty ID is replaced by
// a random one.
func (b *Backend) CreateCalendar(ctx context.Context, cal calendar.Calendar) (*calendar.Calendar, error) {
	if cal.ID == "" {
		cal.ID = uuid.NewString()
	}
	uri, err := b.calendarURI(ctx, cal.ID)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(ctx, dav.Request{Method: "MKCALENDAR", URI: uri, Body: dav.MkcalendarBody(calendarSetProps(cal))})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		drain(resp)
		return nil, calendar.Conflict(cal.ID, "", errors.New("calendar already exists"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, dav.StatusError(resp)
	}
	drain(resp)
	return &cal, nil
}

// UpdateCalendar sets the non-empty properties of cal.
func (b *Backend) UpdateCalendar(ctx context.Context, cal calendar.Calendar) error {
	props := calendarSetProps(cal)
	if len(props) == 0 {
		return nil
	}
	uri, err := b.calendarURI(ctx, cal.ID)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(ctx, dav.Request{Method: "PROPPATCH", URI: uri, Body: dav.ProppatchBody(props, nil)})
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return calendar.NotFound(cal.ID, "", nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return dav.StatusError(resp)
	}
	drain(resp)
	return nil
}

// DeleteCalendar removes a calendar collection with its items.
func (b *Backend) DeleteCalendar(ctx context.Context, calendarID string) error {
	uri, err := b.calendarURI(ctx, calendarID)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(ctx, dav.Request{Method: http.MethodDelete, URI: uri})
	if err != nil {
		return err
	}
	b.index.drop(calendarID)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return calendar.NotFound(calendarID, "", nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return dav.StatusError(resp)
	}
	drain(resp)
	return nil
}

// ListEvents returns the items holding a VEVENT that overlaps tr.
func (b *Backend) ListEvents(ctx context.Context, calendarID string, tr calendar.TimeRange) ([]calendar.Item, error) {
	calURI, err := b.calendarURI(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	query := dav.CalendarQuery(dav.ObjectProps, &dav.TimeRange{Start: tr.Start, End: tr.End})
	ms, err := b.client.Report(ctx, calURI, dav.Depth1, query)
	if err != nil {
		return nil, err
	}
	var items []calendar.Item
	for _, r := range ms.Responses {
		if item, ok := b.itemFromResponse(calendarID, calURI, r); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func calendarSetProps(cal calendar.Calendar) []dav.Prop {
	var props []dav.Prop
	if cal.DisplayName != "" {
		props = append(props, dav.Prop{Name: dav.PropDisplayName, Value: cal.DisplayName})
	}
	if cal.Description != "" {
		props = append(props, dav.Prop{Name: dav.PropCalendarDescription, Value: cal.Description})
	}
	if cal.Color != "" {
		props = append(props, dav.Prop{Name: dav.PropCalendarColor, Value: cal.Color})
	}
	return props
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func withTrailingSlash(uri string) string {
	if strings.HasSuffix(uri, "/") {
		return uri
	}
	return uri + "/"
}

func isCollectionHref(href string) bool {
	return strings.HasSuffix(href, "/")
}

// lastSegment returns the last non-empty path segment of href, unescaped.
func lastSegment(href string) string {
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	return path.Base(strings.TrimSuffix(href, "/"))
}

// itemID maps an object href to the item ID: its base name without .ics.
func itemID(href string) string {
	return strings.TrimSuffix(lastSegment(href), ".ics")
}

