package backend

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/config"
	"github.com/pimalaya/calendula/internal/davtest"
	"github.com/pimalaya/calendula/internal/secret"
)

func event(uid, summary string) []byte {
	return []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//calendula//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:" + uid + "\r\nDTSTAMP:20240101T000000Z\r\n" +
		"DTSTART:20240110T100000Z\r\nSUMMARY:" + summary + "\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n")
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, src secret.Source) (string, error) {
	v, ok := m[src.Raw]
	if !ok {
		return "", calendar.ErrSecretUnavailable
	}
	return v, nil
}

func TestNewSelectsBackend(t *testing.T) {
	vdirAcct := config.Account{Vdir: &config.Vdir{Path: t.TempDir()}}
	c, err := New("local", vdirAcct, Deps{})
	if err != nil {
		t.Fatalf("new vdir: %v", err)
	}
	if c.Kind != KindVdir || c.Account != "local" {
		t.Fatalf("unexpected client %+v", c)
	}

	both := config.Account{
		CalDAV: &config.CalDAV{HomeURI: "https://dav.example.com/cal/"},
		Vdir:   &config.Vdir{Path: t.TempDir()},
	}
	c, err = New("both", both, Deps{})
	if err != nil {
		t.Fatalf("new caldav: %v", err)
	}
	if c.Kind != KindCalDAV {
		t.Fatalf("expected caldav to win, got %s", c.Kind)
	}

	if _, err := New("empty", config.Account{}, Deps{}); err == nil {
		t.Fatal("expected error for an account without backend")
	}
}

func TestNewRejectsBadTLSBundle(t *testing.T) {
	acct := config.Account{CalDAV: &config.CalDAV{
		HomeURI: "https://dav.example.com/cal/",
		TLS:     config.TLS{CAFile: "/does/not/exist.pem"},
	}}
	if _, err := New("work", acct, Deps{}); err == nil {
		t.Fatal("expected error for a missing CA bundle")
	}
}

func caldavAccount(srv *davtest.Server, password string) config.Account {
	return config.Account{CalDAV: &config.CalDAV{
		Discover: &config.Discover{Host: "alice@" + srv.Listener.Addr().String(), Scheme: "http"},
		Auth: config.Auth{Basic: &config.Basic{
			Username: "alice",
			Password: secret.Source{Raw: password},
		}},
	}}
}

func TestCalDAVThroughDispatcher(t *testing.T) {
	srv := davtest.New(davtest.Options{Username: "alice", Password: "s3cret"})
	defer srv.Close()
	srv.AddCalendar("work", "Work")

	c, err := New("work", caldavAccount(srv, "pw"), Deps{Resolver: mapResolver{"pw": "s3cret"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	cals, err := c.ListCalendars(ctx)
	if err != nil {
		t.Fatalf("list calendars: %v", err)
	}
	if len(cals) != 1 || cals[0].ID != "work" {
		t.Fatalf("unexpected calendars %+v", cals)
	}

	if _, err := c.CreateItem(ctx, "work", &calendar.Item{Body: event("abc", "v1")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.CreateItem(ctx, "work", &calendar.Item{Body: event("abc", "v1")}); !errors.Is(err, calendar.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate create, got %v", err)
	}

	srv.ResetRequests()
	updated, err := c.UpdateItem(ctx, "work", &calendar.Item{Body: event("abc", "v2")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if srv.RequestsFor(http.MethodGet) != 1 {
		t.Fatalf("expected the current etag to be fetched once, got %d GETs", srv.RequestsFor(http.MethodGet))
	}
	_, etag, _ := srv.Object("work", "abc.ics")
	if updated.ETag != etag {
		t.Fatalf("expected etag %q, got %q", etag, updated.ETag)
	}
	if got := srv.LastRequest().Header.Get("If-Match"); got == "" {
		t.Fatal("expected If-Match on update")
	}

	if _, err := c.UpdateItem(ctx, "work", &calendar.Item{ID: "missing", Body: event("missing", "x")}); !errors.Is(err, calendar.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing item, got %v", err)
	}
}

func TestUpdateRepairsMalformedCalDAVItem(t *testing.T) {
	srv := davtest.New(davtest.Options{Username: "alice", Password: "s3cret"})
	defer srv.Close()
	srv.AddCalendar("work", "Work")
	srv.PutObject("work", "broken.ics", []byte("not ical"))

	c, err := New("work", caldavAccount(srv, "pw"), Deps{Resolver: mapResolver{"pw": "s3cret"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	updated, err := c.UpdateItem(context.Background(), "work", &calendar.Item{ID: "broken", Body: event("broken", "fixed")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	body, etag, _ := srv.Object("work", "broken.ics")
	if string(body) != string(event("broken", "fixed")) || updated.ETag != etag {
		t.Fatalf("expected the broken item to be replaced, got %q (etag %q)", body, updated.ETag)
	}
}

func TestCalDAVUnauthorized(t *testing.T) {
	srv := davtest.New(davtest.Options{Username: "alice", Password: "s3cret"})
	defer srv.Close()

	c, err := New("work", caldavAccount(srv, "pw"), Deps{Resolver: mapResolver{"pw": "wrong"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.ListCalendars(context.Background())
	if !errors.Is(err, calendar.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if code := calendar.ExitCode(err); code != 20 {
		t.Fatalf("expected exit code 20, got %d", code)
	}
}

func TestCalDAVSecretUnavailable(t *testing.T) {
	srv := davtest.New(davtest.Options{Username: "alice", Password: "s3cret"})
	defer srv.Close()

	c, err := New("work", caldavAccount(srv, "unknown"), Deps{Resolver: mapResolver{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.ListCalendars(context.Background())
	if !errors.Is(err, calendar.ErrSecretUnavailable) {
		t.Fatalf("expected ErrSecretUnavailable, got %v", err)
	}
}

func TestBearerTokenThroughDispatcher(t *testing.T) {
	srv := davtest.New(davtest.Options{Token: "tok"})
	defer srv.Close()
	srv.AddCalendar("work", "Work")

	acct := config.Account{CalDAV: &config.CalDAV{
		HomeURI: srv.URL + srv.HomePath(),
		Auth:    config.Auth{Bearer: &config.Bearer{Raw: "t"}},
	}}
	c, err := New("work", acct, Deps{Resolver: mapResolver{"t": "tok"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.ListCalendars(context.Background()); err != nil {
		t.Fatalf("list calendars: %v", err)
	}
}

func TestVdirThroughDispatcher(t *testing.T) {
	c, err := New("local", config.Account{Vdir: &config.Vdir{Path: t.TempDir()}}, Deps{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if _, err := c.CreateCalendar(ctx, calendar.Calendar{ID: "default", DisplayName: "Default"}); err != nil {
		t.Fatalf("create calendar: %v", err)
	}
	if _, err := c.CreateItem(ctx, "default", &calendar.Item{Body: event("abc", "Meeting")}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if _, err := c.CreateItem(ctx, "default", &calendar.Item{Body: event("abc", "Meeting")}); !errors.Is(err, calendar.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := c.UpdateItem(ctx, "default", &calendar.Item{Body: event("abc", "Moved")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	item, err := c.GetItem(ctx, "default", "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Summary != "Moved" {
		t.Fatalf("expected updated summary, got %q", item.Summary)
	}
}
