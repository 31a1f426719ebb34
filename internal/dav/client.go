// Package dav sends WebDAV requests and decodes multistatus responses into
// namespace-resolved property maps.
package dav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/emersion/go-webdav"

	"github.com/pimalaya/calendula/internal/auth"
	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/transport"
)

// DefaultMaxRedirects bounds redirect chains when no limit is configured.
const DefaultMaxRedirects = 5

// maxMultiStatusBody bounds the size of a decoded 207 body.
var maxMultiStatusBody int64 = 32 << 20

// ErrRedirectLimit is wrapped by the error Do returns once a redirect chain
// exceeds the configured limit.
var ErrRedirectLimit = errors.New("redirect limit reached")

// Depth is the value of the Depth header. The empty Depth sends none.
type Depth string

const (
	Depth0        Depth = "0"
	Depth1        Depth = "1"
	DepthInfinity Depth = "infinity"
)

// Request describes one logical DAV request. Body is kept in memory so it
// can be replayed after a redirect or an auth retry.
type Request struct {
	Method string
	URI    string
	Depth  Depth
	Header http.Header
	Body   []byte
}

// Client sends DAV requests. It follows redirects itself, keeping method and
// body, and retries once when the auth strategy asks for it after a 401.
type Client struct {
	http         webdav.HTTPClient
	auth         auth.Strategy
	maxRedirects int
}

// NewClient wraps hc. A nil strategy sends no credentials; maxRedirects <= 0
// selects DefaultMaxRedirects.
func NewClient(hc webdav.HTTPClient, strategy auth.Strategy, maxRedirects int) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	return &Client{http: hc, auth: strategy, maxRedirects: maxRedirects}
}

// Do sends req and returns the first response that is neither a redirect
// nor a retried 401. The caller closes the body. resp.Request.URL is the URL
// that produced the response.
//
// Credentials only go to the host of req.URI. A redirect to another host is
// followed without them, and a 401 from that host is returned as a response
// rather than an AuthError. Redirects from https to http are refused.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	target, err := url.Parse(req.URI)
	if err != nil {
		return nil, fmt.Errorf("parse uri %q: %w", req.URI, err)
	}
	origin := target.Host

	method, body := req.Method, req.Body
	retried := false
	redirects := 0

	for {
		hreq, err := c.newHTTPRequest(ctx, method, target, req, body)
		if err != nil {
			return nil, err
		}
		withAuth := c.auth != nil && target.Host == origin
		if withAuth {
			if err := c.auth.Apply(ctx, hreq); err != nil {
				return nil, err
			}
		}

		resp, err := c.http.Do(hreq)
		if err != nil {
			return nil, transport.Classify(err, target.String())
		}
		if resp.Request == nil {
			resp.Request = hreq
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !withAuth && c.auth != nil:
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized:
			if !retried && c.auth != nil && c.auth.Unauthorized(ctx, resp) {
				drain(resp)
				retried = true
				continue
			}
			drain(resp)
			return nil, &calendar.AuthError{Kind: calendar.ErrUnauthorized, URI: target.Redacted()}

		case isRedirect(resp.StatusCode):
			loc := resp.Header.Get("Location")
			if loc == "" {
				return resp, nil
			}
			drain(resp)
			redirects++
			if redirects > c.maxRedirects {
				return nil, &calendar.ProtocolError{
					Kind:   calendar.ErrUnexpectedStatus,
					Method: req.Method,
					URI:    redactURI(req.URI),
					Status: resp.StatusCode,
					Err:    fmt.Errorf("%w after %d redirects", ErrRedirectLimit, c.maxRedirects),
				}
			}
			next, err := target.Parse(loc)
			if err != nil {
				return nil, malformed(method, target.Redacted(), fmt.Errorf("redirect location %q: %w", loc, err))
			}
			if target.Scheme == "https" && next.Scheme != "https" {
				return nil, &calendar.ProtocolError{
					Kind:   calendar.ErrUnexpectedStatus,
					Method: method,
					URI:    target.Redacted(),
					Status: resp.StatusCode,
					Err:    fmt.Errorf("refusing redirect from https to %s", next.Redacted()),
				}
			}
			if resp.StatusCode == http.StatusSeeOther {
				method, body = http.MethodGet, nil
			}
			target = next
			continue
		}
		return resp, nil
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, method string, target *url.URL, req Request, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, target.String(), r)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	if req.Depth != "" {
		hreq.Header.Set("Depth", string(req.Depth))
	}
	return hreq, nil
}

// Propfind requests names on uri.
func (c *Client) Propfind(ctx context.Context, uri string, depth Depth, names ...xml.Name) (*MultiStatus, error) {
	resp, err := c.Do(ctx, Request{Method: "PROPFIND", URI: uri, Depth: depth, Body: PropfindBody(names)})
	if err != nil {
		return nil, err
	}
	return readMultiStatus(resp)
}

// Report sends a REPORT with a prebuilt body.
func (c *Client) Report(ctx context.Context, uri string, depth Depth, body []byte) (*MultiStatus, error) {
	resp, err := c.Do(ctx, Request{Method: "REPORT", URI: uri, Depth: depth, Body: body})
	if err != nil {
		return nil, err
	}
	return readMultiStatus(resp)
}

// readMultiStatus decodes a 207 response. Any other status becomes a
// ProtocolError. The body is closed.
func readMultiStatus(resp *http.Response) (*MultiStatus, error) {
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, StatusError(resp)
	}
	defer resp.Body.Close()

	method, uri := resp.Request.Method, resp.Request.URL.Redacted()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMultiStatusBody+1))
	if err != nil {
		return nil, transport.Classify(err, uri)
	}
	if int64(len(data)) > maxMultiStatusBody {
		return nil, malformed(method, uri, fmt.Errorf("multistatus body exceeds %d bytes", maxMultiStatusBody))
	}
	ms, err := parseMultiStatus(data, resp.Request.URL)
	if err != nil {
		return nil, malformed(method, uri, err)
	}
	ms.URL = resp.Request.URL
	return ms, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return u.Redacted()
}
