package caldav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/emersion/go-webdav/caldav"

	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/dav"
)

// Location holds the three URIs discovery resolves. Any of them may be set
// upfront to skip the matching step.
type Location struct {
	ServerURI    string
	PrincipalURI string
	HomeURI      string
}

// Hint tells discovery where to look when no server URI is configured.
type Hint struct {
	// Host is a hostname or a user@host address.
	Host   string
	Port   int
	Scheme string
	// Method probes the well-known URL: PROPFIND (default) or GET.
	Method string
	// SRV enables RFC 6764 DNS lookup before the well-known probe.
	SRV bool
}

// SRVLookup resolves a domain to a CalDAV context URL.
type SRVLookup func(ctx context.Context, domain string) (string, error)

// Discoverer resolves a Location, one request per missing step.
type Discoverer struct {
	client    *dav.Client
	lookupSRV SRVLookup
}

// NewDiscoverer returns a discoverer sending requests through client. A nil
// lookup uses DNS.
func NewDiscoverer(client *dav.Client, lookup SRVLookup) *Discoverer {
	if lookup == nil {
		lookup = caldav.DiscoverContextURL
	}
	return &Discoverer{client: client, lookupSRV: lookup}
}

// Resolve fills the missing URIs of loc. A configured home set needs no
// request at all, a configured principal needs one.
func (d *Discoverer) Resolve(ctx context.Context, loc Location, hint Hint) (Location, error) {
	if loc.HomeURI != "" {
		return loc, nil
	}

	if loc.PrincipalURI == "" {
		if loc.ServerURI == "" {
			server, err := d.discoverServer(ctx, hint)
			if err != nil {
				return loc, err
			}
			loc.ServerURI = server
		}
		principal, err := d.findHref(ctx, loc.ServerURI, dav.PropCurrentUserPrincipal, calendar.ErrPrincipalNotFound)
		if err != nil {
			return loc, err
		}
		loc.PrincipalURI = principal
	}

	home, err := d.findHref(ctx, loc.PrincipalURI, dav.PropCalendarHomeSet, calendar.ErrHomeSetNotFound)
	if err != nil {
		return loc, err
	}
	loc.HomeURI = home
	return loc, nil
}

// discoverServer probes the well-known URL and returns the URL the redirect
// chain ends at. A server answering the probe with an error status is
// assumed to serve CalDAV from its root.
func (d *Discoverer) discoverServer(ctx context.Context, hint Hint) (string, error) {
	start, err := wellKnownURL(hint)
	if err != nil {
		return "", &calendar.DiscoveryError{Err: err}
	}

	if hint.SRV {
		if found, err := d.lookupSRV(ctx, start.Hostname()); err != nil {
			log.Printf("[WARN] caldav: srv lookup for %s failed, using well-known: %v", start.Hostname(), err)
		} else if u, err := url.Parse(found); err == nil {
			start = u
		}
	}

	req := dav.Request{Method: http.MethodGet, URI: start.String()}
	if !strings.EqualFold(hint.Method, http.MethodGet) {
		req = dav.Request{
			Method: "PROPFIND",
			URI:    start.String(),
			Depth:  dav.Depth0,
			Body:   dav.PropfindBody([]xml.Name{dav.PropCurrentUserPrincipal}),
		}
	}

	resp, err := d.client.Do(ctx, req)
	if err != nil {
		if errors.Is(err, dav.ErrRedirectLimit) {
			return "", &calendar.DiscoveryError{Kind: calendar.ErrTooManyRedirects, URI: start.Redacted(), Err: err}
		}
		return "", err
	}
	final := *resp.Request.URL
	resp.Body.Close()

	// A 401 after a cross-host redirect still names the server; the
	// principal lookup sends credentials to it directly.
	if resp.StatusCode == http.StatusUnauthorized {
		log.Printf("[INFO] caldav: well-known probe ended at %s without credentials", final.Redacted())
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("[INFO] caldav: well-known probe on %s answered %d, using server root", final.Redacted(), resp.StatusCode)
		final.Path = "/"
	}
	final.RawQuery = ""
	final.Fragment = ""
	return final.String(), nil
}

// findHref reads a single-href property of uri and resolves it against the
// URL that answered.
func (d *Discoverer) findHref(ctx context.Context, uri string, name xml.Name, notFound error) (string, error) {
	ms, err := d.client.Propfind(ctx, uri, dav.Depth0, name)
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		href, ok := r.PropHref(name)
		if !ok {
			continue
		}
		abs, err := ms.URL.Parse(href)
		if err != nil {
			return "", &calendar.ProtocolError{Kind: calendar.ErrMalformedResponse, Method: "PROPFIND", URI: ms.URL.Redacted(), Err: err}
		}
		return abs.String(), nil
	}
	return "", &calendar.DiscoveryError{Kind: notFound, URI: ms.URL.Redacted()}
}

func wellKnownURL(hint Hint) (*url.URL, error) {
	host := strings.TrimSpace(hint.Host)
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if host == "" {
		return nil, errors.New("no server uri and no host to discover")
	}
	scheme := hint.Scheme
	if scheme == "" {
		scheme = "https"
	}
	if hint.Port > 0 {
		host = host + ":" + strconv.Itoa(hint.Port)
	}
	u, err := url.Parse(fmt.Sprintf("%s://%s/.well-known/caldav", scheme, host))
	if err != nil {
		return nil, fmt.Errorf("discovery host %q: %w", hint.Host, err)
	}
	return u, nil
}
