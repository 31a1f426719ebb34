// Package davtest runs an in-memory CalDAV server for tests. It supports
// discovery, sync-collection, ctag polling and ETag preconditions.
package davtest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func init() {
	for _, method := range []string{
		"PROPFIND",
		"PROPPATCH",
		"MKCALENDAR",
		"REPORT",
	} {
		chi.RegisterMethod(method)
	}
}

// Options configures a Server.
type Options struct {
	// User names the principal and home set. Defaults to "alice".
	User string
	// Username and Password enable Basic auth when Username is set.
	Username string
	Password string
	// Token enables Bearer auth when set.
	Token string
	// NoSyncCollection hides sync-token and rejects sync-collection
	// reports, leaving ctag polling as the only change detection.
	NoSyncCollection bool
	// OmitPutETag leaves the ETag header out of PUT responses.
	OmitPutETag bool
}

// Server is a CalDAV server backed by memory.
type Server struct {
	*httptest.Server

	opts Options

	mu          sync.Mutex
	calendars   map[string]*collection
	seq         int
	rejectSync  int
	requests    map[string]int
	total       int
	lastRequest *http.Request
}

// New starts a server. Close it when done.
func New(opts Options) *Server {
	if opts.User == "" {
		opts.User = "alice"
	}
	s := &Server{
		opts:      opts,
		calendars: make(map[string]*collection),
		requests:  make(map[string]int),
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	wellKnownHandler := func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dav/", http.StatusMovedPermanently)
	}
	r.Get("/.well-known/caldav", wellKnownHandler)
	r.MethodFunc("PROPFIND", "/.well-known/caldav", wellKnownHandler)

	r.Route("/dav", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.MethodFunc("PROPFIND", "/", s.propfindRoot)
		r.MethodFunc("PROPFIND", "/principals/{user}/", s.propfindPrincipal)
		r.MethodFunc("PROPFIND", "/calendars/{user}/", s.propfindHome)

		r.MethodFunc("PROPFIND", "/calendars/{user}/{cal}/", s.propfindCalendar)
		r.MethodFunc("REPORT", "/calendars/{user}/{cal}/", s.report)
		r.MethodFunc("MKCALENDAR", "/calendars/{user}/{cal}/", s.mkcalendar)
		r.MethodFunc("PROPPATCH", "/calendars/{user}/{cal}/", s.proppatch)
		r.MethodFunc("DELETE", "/calendars/{user}/{cal}/", s.deleteCalendar)

		r.MethodFunc("GET", "/calendars/{user}/{cal}/{object}", s.getObject)
		r.MethodFunc("PUT", "/calendars/{user}/{cal}/{object}", s.putObject)
		r.MethodFunc("DELETE", "/calendars/{user}/{cal}/{object}", s.deleteObject)
	})
	return r
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method]++
		s.total++
		s.lastRequest = r.Clone(r.Context())
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		opts := s.opts
		s.mu.Unlock()

		switch {
		case opts.Username != "":
			username, password, ok := r.BasicAuth()
			if !ok || username != opts.Username || password != opts.Password {
				w.Header().Set("WWW-Authenticate", `Basic realm="davtest"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
		case opts.Token != "":
			if r.Header.Get("Authorization") != "Bearer "+opts.Token {
				w.Header().Set("WWW-Authenticate", `Bearer realm="davtest"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalPath returns the principal URL path.
func (s *Server) PrincipalPath() string {
	return "/dav/principals/" + s.opts.User + "/"
}

// HomePath returns the calendar home set path.
func (s *Server) HomePath() string {
	return "/dav/calendars/" + s.opts.User + "/"
}

// CalendarPath returns the collection path of a calendar.
func (s *Server) CalendarPath(id string) string {
	return s.HomePath() + id + "/"
}

// Requests returns the number of requests served, all methods together.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// RequestsFor returns the number of requests served with method.
func (s *Server) RequestsFor(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

// ResetRequests zeroes the request counters.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = make(map[string]int)
	s.total = 0
}

// LastRequest returns a copy of the last request received.
func (s *Server) LastRequest() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

// SetToken changes the accepted bearer token.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Token = token
}

// RejectSyncTokens invalidates every token issued so far. Reports using one
// are answered with status: 410, or 403 with a valid-sync-token condition.
func (s *Server) RejectSyncTokens(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSync = status
	s.seq++
	for _, c := range s.calendars {
		c.validFrom = s.seq
	}
}

// AddCalendar creates an empty calendar collection.
func (s *Server) AddCalendar(id, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	c := newCollection(displayName)
	c.seq = s.seq
	s.calendars[id] = c
}

// SetCalendarProps sets the description and color of a calendar.
func (s *Server) SetCalendarProps(id, description, color string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calendars[id]; ok {
		c.description = description
		c.color = color
	}
}

// CalendarInfo is a snapshot of a calendar's properties.
type CalendarInfo struct {
	DisplayName string
	Description string
	Color       string
	Objects     int
}

// Calendar returns a snapshot of a calendar.
func (s *Server) Calendar(id string) (CalendarInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		return CalendarInfo{}, false
	}
	return CalendarInfo{DisplayName: c.displayName, Description: c.description, Color: c.color, Objects: len(c.objects)}, true
}

// PutObject stores body under name, bypassing preconditions. It returns
// the new ETag, unquoted.
func (s *Server) PutObject(calendarID, name string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[calendarID]
	if !ok {
		return ""
	}
	return s.storeObject(c, name, body)
}

// RemoveObject deletes an object, bypassing preconditions.
func (s *Server) RemoveObject(calendarID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calendars[calendarID]; ok {
		if _, exists := c.objects[name]; exists {
			s.seq++
			delete(c.objects, name)
			c.bump(name, true, s.seq)
		}
	}
}

// Object returns the stored body and ETag of an object.
func (s *Server) Object(calendarID, name string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[calendarID]
	if !ok {
		return nil, "", false
	}
	obj, ok := c.objects[name]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.body...), obj.etag, true
}

// storeObject must be called with s.mu held.
func (s *Server) storeObject(c *collection, name string, body []byte) string {
	s.seq++
	etag := "e" + strconv.Itoa(s.seq)
	c.objects[name] = &object{body: append([]byte(nil), body...), etag: etag, modified: time.Now().UTC().Truncate(time.Second)}
	c.bump(name, false, s.seq)
	return etag
}
