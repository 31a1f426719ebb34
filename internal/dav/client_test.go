package dav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"

	"github.com/pimalaya/calendula/internal/auth"
	"github.com/pimalaya/calendula/internal/calendar"
)

const principalBody = `<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:"><D:response><D:href>/dav/</D:href>
<D:propstat><D:prop><D:current-user-principal><D:href>/principals/alice/</D:href></D:current-user-principal></D:prop>
<D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response></D:multistatus>`

func TestPropfindFollowsRedirectKeepingMethodAndBody(t *testing.T) {
	var hops int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old/":
			atomic.AddInt32(&hops, 1)
			http.Redirect(w, r, "/dav/", http.StatusMovedPermanently)
		case "/dav/":
			body, _ := io.ReadAll(r.Body)
			if r.Method != "PROPFIND" {
				t.Errorf("expected PROPFIND after redirect, got %s", r.Method)
			}
			if r.Header.Get("Depth") != "0" {
				t.Errorf("expected depth 0, got %q", r.Header.Get("Depth"))
			}
			if !strings.Contains(string(body), "current-user-principal") {
				t.Errorf("body lost on redirect: %s", body)
			}
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = io.WriteString(w, principalBody)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(noRedirectClient(), nil, 0)
	ms, err := c.Propfind(context.Background(), srv.URL+"/old/", Depth0, PropCurrentUserPrincipal)
	if err != nil {
		t.Fatalf("propfind: %v", err)
	}
	if atomic.LoadInt32(&hops) != 1 {
		t.Fatalf("expected one redirect hop, got %d", hops)
	}
	if ms.URL.Path != "/dav/" {
		t.Fatalf("expected final URL /dav/, got %s", ms.URL)
	}
	if href, ok := ms.Responses[0].PropHref(PropCurrentUserPrincipal); !ok || href != "/principals/alice/" {
		t.Fatalf("unexpected principal %q", href)
	}
}

func TestDoStopsAfterMaxRedirects(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		http.Redirect(w, r, fmt.Sprintf("/loop/%d", n), http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	c := NewClient(noRedirectClient(), nil, 3)
	_, err := c.Do(context.Background(), Request{Method: "PUT", URI: srv.URL + "/", Body: []byte("x")})
	if !errors.Is(err, ErrRedirectLimit) {
		t.Fatalf("expected ErrRedirectLimit, got %v", err)
	}
	if errors.Is(err, calendar.ErrTooManyRedirects) {
		t.Fatal("redirect loop outside discovery must not be a discovery error")
	}
	if code := calendar.ExitCode(err); code != 41 {
		t.Fatalf("expected exit code 41, got %d", code)
	}
	if atomic.LoadInt32(&hits) != 4 {
		t.Fatalf("expected 4 requests (1 + 3 redirects), got %d", hits)
	}
}

func TestRedirectToOtherHostDropsCredentials(t *testing.T) {
	var foreignAuth atomic.Value
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, principalBody)
	}))
	defer foreign.Close()

	var originAuth atomic.Value
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originAuth.Store(r.Header.Get("Authorization"))
		http.Redirect(w, r, foreign.URL+"/dav/", http.StatusTemporaryRedirect)
	}))
	defer origin.Close()

	c := NewClient(noRedirectClient(), auth.NewBearer(&countingTokens{}), 0)
	if _, err := c.Propfind(context.Background(), origin.URL+"/", Depth0, PropCurrentUserPrincipal); err != nil {
		t.Fatalf("propfind: %v", err)
	}
	if got, _ := originAuth.Load().(string); got != "Bearer t1" {
		t.Fatalf("expected credentials on the origin host, got %q", got)
	}
	if got, _ := foreignAuth.Load().(string); got != "" {
		t.Fatalf("credentials leaked to another host: %q", got)
	}
}

func TestForeignHost401IsReturnedAsResponse(t *testing.T) {
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer foreign.Close()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, foreign.URL+"/dav/", http.StatusFound)
	}))
	defer origin.Close()

	tokens := &countingTokens{}
	c := NewClient(noRedirectClient(), auth.NewBearer(tokens), 0)
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URI: origin.URL + "/"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || resp.Request.URL.Path != "/dav/" {
		t.Fatalf("unexpected response %d from %s", resp.StatusCode, resp.Request.URL)
	}
	if n := atomic.LoadInt32(&tokens.n); n != 1 {
		t.Fatalf("expected no token refresh for the foreign host, got %d resolutions", n)
	}
}

func TestRefusesHTTPSDowngrade(t *testing.T) {
	var plainHits int32
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&plainHits, 1)
	}))
	defer plain.Close()
	secure := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, plain.URL+"/dav/", http.StatusMovedPermanently)
	}))
	defer secure.Close()

	hc := secure.Client()
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	c := NewClient(hc, auth.NewBearer(&countingTokens{}), 0)
	_, err := c.Propfind(context.Background(), secure.URL+"/", Depth0, PropCurrentUserPrincipal)
	if !errors.Is(err, calendar.ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
	if atomic.LoadInt32(&plainHits) != 0 {
		t.Fatal("followed a redirect from https to http")
	}
}

func TestOversizedMultiStatusIsMalformed(t *testing.T) {
	old := maxMultiStatusBody
	maxMultiStatusBody = 64
	defer func() { maxMultiStatusBody = old }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, principalBody)
	}))
	defer srv.Close()

	c := NewClient(noRedirectClient(), nil, 0)
	_, err := c.Propfind(context.Background(), srv.URL, Depth0, PropCurrentUserPrincipal)
	if !errors.Is(err, calendar.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

type countingTokens struct{ n int32 }

func (c *countingTokens) Token(ctx context.Context) (*oauth2.Token, error) {
	n := atomic.AddInt32(&c.n, 1)
	return &oauth2.Token{AccessToken: fmt.Sprintf("t%d", n), TokenType: "Bearer"}, nil
}

func TestBearer401RetriesOnceWithFreshToken(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.Header.Get("Authorization") != "Bearer t2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, principalBody)
	}))
	defer srv.Close()

	tokens := &countingTokens{}
	c := NewClient(noRedirectClient(), auth.NewBearer(tokens), 0)
	if _, err := c.Propfind(context.Background(), srv.URL+"/dav/", Depth0, PropCurrentUserPrincipal); err != nil {
		t.Fatalf("propfind: %v", err)
	}
	if atomic.LoadInt32(&tokens.n) != 2 {
		t.Fatalf("expected exactly one re-resolution, got %d resolutions", tokens.n)
	}
	if atomic.LoadInt32(&requests) != 2 {
		t.Fatalf("expected exactly one retry, got %d requests", requests)
	}
}

func TestPersistent401IsUnauthorized(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(noRedirectClient(), auth.NewBearer(&countingTokens{}), 0)
	_, err := c.Propfind(context.Background(), srv.URL+"/dav/", Depth0, PropCurrentUserPrincipal)
	var ae *calendar.AuthError
	if !errors.As(err, &ae) || !errors.Is(err, calendar.ErrUnauthorized) {
		t.Fatalf("expected AuthError{Unauthorized}, got %v", err)
	}
	if atomic.LoadInt32(&requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", requests)
	}
}

func TestUnexpectedStatusCarriesCondition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<D:error xmlns:D="DAV:"><D:valid-sync-token/></D:error>`)
	}))
	defer srv.Close()

	c := NewClient(noRedirectClient(), nil, 0)
	_, err := c.Report(context.Background(), srv.URL+"/cal/", Depth1, SyncCollection("stale", []xml.Name{PropGetETag}))
	var pe *calendar.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Status != http.StatusForbidden || pe.Condition != CondValidSyncToken || pe.Method != "REPORT" {
		t.Fatalf("unexpected protocol error %+v", pe)
	}
	if !errors.Is(err, calendar.ErrUnexpectedStatus) {
		t.Fatal("expected ErrUnexpectedStatus kind")
	}
}

func TestMalformedMultiStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, `<D:multistatus xmlns:D="DAV:"><D:response>`)
	}))
	defer srv.Close()

	c := NewClient(noRedirectClient(), nil, 0)
	_, err := c.Propfind(context.Background(), srv.URL, Depth0, PropDisplayName)
	if !errors.Is(err, calendar.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestSecretFailureStopsBeforeSending(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	defer srv.Close()

	c := NewClient(noRedirectClient(), failingStrategy{}, 0)
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URI: srv.URL})
	if !errors.Is(err, calendar.ErrSecretUnavailable) {
		t.Fatalf("expected ErrSecretUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&requests) != 0 {
		t.Fatalf("expected no request, got %d", requests)
	}
}

type failingStrategy struct{}

func (failingStrategy) Apply(ctx context.Context, req *http.Request) error {
	return &calendar.AuthError{Kind: calendar.ErrSecretUnavailable}
}

func (failingStrategy) Unauthorized(context.Context, *http.Response) bool { return false }

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}
