package davtest

import (
	"bytes"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/go-chi/chi/v5"
)

func (s *Server) propfindRoot(w http.ResponseWriter, r *http.Request) {
	writeMultiStatus(w, newMultistatus(collectionResponse("/dav/", prop{
		ResourceType:         &resourceType{Collection: &struct{}{}},
		CurrentUserPrincipal: &hrefProp{Href: s.PrincipalPath()},
	})))
}

func (s *Server) propfindPrincipal(w http.ResponseWriter, r *http.Request) {
	writeMultiStatus(w, newMultistatus(collectionResponse(s.PrincipalPath(), prop{
		ResourceType:         &resourceType{Principal: &struct{}{}},
		CurrentUserPrincipal: &hrefProp{Href: s.PrincipalPath()},
		CalendarHomeSet:      &hrefListProp{Href: []string{s.HomePath()}},
	})))
}

func (s *Server) propfindHome(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	responses := []response{collectionResponse(s.HomePath(), prop{
		ResourceType: &resourceType{Collection: &struct{}{}},
	})}
	if r.Header.Get("Depth") != "0" {
		for _, id := range sortedKeys(s.calendars) {
			responses = append(responses, s.calendarResponse(id, s.calendars[id]))
		}
	}
	writeMultiStatus(w, newMultistatus(responses...))
}

// calendarResponse must be called with s.mu held.
func (s *Server) calendarResponse(id string, c *collection) response {
	p := prop{
		DisplayName:         c.displayName,
		ResourceType:        &resourceType{Collection: &struct{}{}, Calendar: &struct{}{}},
		CalendarDescription: c.description,
		CalendarColor:       c.color,
		CTag:                c.ctag(),
	}
	if !s.opts.NoSyncCollection {
		p.SyncToken = syncToken(s.seq)
	}
	return collectionResponse(s.CalendarPath(id), p)
}

func (s *Server) objectResponse(calendarID, name string, obj *object, withData bool) response {
	p := prop{
		GetETag:         `"` + obj.etag + `"`,
		GetLastModified: obj.modified.Format(http.TimeFormat),
	}
	if withData {
		p.CalendarData = cdataString(obj.body)
		p.GetContentType = "text/calendar; charset=utf-8"
	}
	return response{Href: s.CalendarPath(calendarID) + name, Propstat: []propstat{{Prop: p, Status: httpStatusOK}}}
}

func (s *Server) propfindCalendar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cal")
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calendars[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	responses := []response{s.calendarResponse(id, c)}
	if r.Header.Get("Depth") == "1" {
		for _, name := range c.objectNames() {
			responses = append(responses, s.objectResponse(id, name, c.objects[name], false))
		}
	}
	writeMultiStatus(w, newMultistatus(responses...))
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cal")
	var req reportRequest
	if ok, err := readXMLBody(r, &req); err != nil || !ok {
		http.Error(w, "invalid report body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch req.XMLName.Local {
	case "calendar-query":
		s.calendarQuery(w, id, c, req)
	case "calendar-multiget":
		s.calendarMultiget(w, id, c, req)
	case "sync-collection":
		s.syncCollection(w, id, c, req)
	default:
		writeDAVError(w, http.StatusForbidden, "D", "supported-report")
	}
}

func (s *Server) calendarQuery(w http.ResponseWriter, id string, c *collection, req reportRequest) {
	var responses []response
	for _, name := range c.objectNames() {
		obj := c.objects[name]
		if req.Filter != nil && !matchFilter(obj.body, req.Filter.CompFilter) {
			continue
		}
		responses = append(responses, s.objectResponse(id, name, obj, true))
	}
	writeMultiStatus(w, newMultistatus(responses...))
}

func (s *Server) calendarMultiget(w http.ResponseWriter, id string, c *collection, req reportRequest) {
	var responses []response
	prefix := s.CalendarPath(id)
	for _, href := range req.Hrefs {
		name := strings.TrimPrefix(strings.TrimSpace(href), prefix)
		if obj, ok := c.objects[name]; ok {
			responses = append(responses, s.objectResponse(id, name, obj, true))
		} else {
			responses = append(responses, deletedResponse(href))
		}
	}
	writeMultiStatus(w, newMultistatus(responses...))
}

func (s *Server) syncCollection(w http.ResponseWriter, id string, c *collection, req reportRequest) {
	if s.opts.NoSyncCollection {
		writeDAVError(w, http.StatusForbidden, "D", "supported-report")
		return
	}

	since := 0
	if token := strings.TrimSpace(req.SyncToken); token != "" {
		seq, err := parseSyncToken(token)
		if err != nil || seq < c.validFrom || seq > s.seq {
			s.rejectToken(w)
			return
		}
		since = seq
	}

	var responses []response
	for _, name := range c.changedSince(since) {
		if obj, ok := c.objects[name]; ok {
			responses = append(responses, s.objectResponse(id, name, obj, false))
		} else if since > 0 {
			responses = append(responses, deletedResponse(s.CalendarPath(id)+name))
		}
	}
	ms := newMultistatus(responses...)
	ms.SyncToken = syncToken(s.seq)
	writeMultiStatus(w, ms)
}

func (s *Server) rejectToken(w http.ResponseWriter) {
	if s.rejectSync == http.StatusGone {
		http.Error(w, "sync token expired", http.StatusGone)
		return
	}
	writeDAVError(w, http.StatusForbidden, "D", "valid-sync-token")
}

func (s *Server) mkcalendar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cal")
	var req propertyUpdate
	if _, err := readXMLBody(r, &req); err != nil {
		http.Error(w, "invalid mkcalendar body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calendars[id]; exists {
		writeDAVError(w, http.StatusMethodNotAllowed, "D", "resource-must-be-null")
		return
	}
	s.seq++
	c := newCollection(id)
	c.seq = s.seq
	if req.Set != nil {
		applyProps(c, req.Set.Prop, false)
	}
	s.calendars[id] = c
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) proppatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cal")
	var req propertyUpdate
	if ok, err := readXMLBody(r, &req); err != nil || !ok {
		http.Error(w, "invalid proppatch body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if req.Set != nil {
		applyProps(c, req.Set.Prop, false)
	}
	if req.Remove != nil {
		applyProps(c, req.Remove.Prop, true)
	}
	writeMultiStatus(w, newMultistatus(collectionResponse(s.CalendarPath(id), prop{})))
}

func applyProps(c *collection, p settableProps, remove bool) {
	set := func(dst *string, v *string) {
		if v == nil {
			return
		}
		if remove {
			*dst = ""
		} else {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&c.displayName, p.DisplayName)
	set(&c.description, p.CalendarDescription)
	set(&c.color, p.CalendarColor)
}

func (s *Server) deleteCalendar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cal")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calendars[id]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(s.calendars, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "cal"), chi.URLParam(r, "object")
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	obj, ok := c.objects[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("ETag", `"`+obj.etag+`"`)
	w.Header().Set("Last-Modified", obj.modified.Format(http.TimeFormat))
	_, _ = w.Write(obj.body)
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "cal"), chi.URLParam(r, "object")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		http.Error(w, "no such calendar", http.StatusConflict)
		return
	}
	existing, exists := c.objects[name]
	if !preconditionsHold(r, existing, exists) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	etag := s.storeObject(c, name, body)
	if !s.opts.OmitPutETag {
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "cal"), chi.URLParam(r, "object")
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	existing, exists := c.objects[name]
	if !exists {
		http.NotFound(w, r)
		return
	}
	if !preconditionsHold(r, existing, exists) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	s.seq++
	delete(c.objects, name)
	c.bump(name, true, s.seq)
	w.WriteHeader(http.StatusNoContent)
}

// preconditionsHold evaluates If-Match and If-None-Match against the
// current state of a resource.
func preconditionsHold(r *http.Request, obj *object, exists bool) bool {
	if inm := strings.TrimSpace(r.Header.Get("If-None-Match")); inm == "*" && exists {
		return false
	}
	if im := strings.TrimSpace(r.Header.Get("If-Match")); im != "" {
		if !exists {
			return false
		}
		if im != "*" && strings.Trim(im, `"`) != obj.etag {
			return false
		}
	}
	return true
}

// matchFilter applies a calendar-query comp-filter. Only VEVENT time ranges
// are evaluated; other nested filters match by component presence.
func matchFilter(body []byte, f compFilter) bool {
	cal, err := ical.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return false
	}
	if f.Name != ical.CompCalendar {
		return false
	}
	for _, sub := range f.CompFilter {
		if !matchComponent(cal, sub) {
			return false
		}
	}
	return true
}

func matchComponent(cal *ical.Calendar, f compFilter) bool {
	for _, child := range cal.Children {
		if child.Name != f.Name {
			continue
		}
		if f.TimeRange == nil || f.Name != ical.CompEvent {
			return true
		}
		if eventOverlaps(ical.Event{Component: child}, f.TimeRange) {
			return true
		}
	}
	return false
}

const icalUTC = "20060102T150405Z"

// eventOverlaps follows the VEVENT time-range rules of RFC 4791 section 9.9.
func eventOverlaps(ev ical.Event, tr *timeRange) bool {
	start, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return false
	}
	end, err := ev.DateTimeEnd(time.UTC)
	if err != nil || end.Before(start) {
		end = start
	}
	if rs, err := time.Parse(icalUTC, tr.Start); err == nil {
		if end.Equal(start) && start.Before(rs) {
			return false
		}
		if !end.Equal(start) && !end.After(rs) {
			return false
		}
	}
	if re, err := time.Parse(icalUTC, tr.End); err == nil && !start.Before(re) {
		return false
	}
	return true
}

func sortedKeys(m map[string]*collection) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
