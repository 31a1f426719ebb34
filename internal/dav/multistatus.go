package dav

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Wire models, RFC 4918 section 14.

type multistatusXML struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []responseXML `xml:"DAV: response"`
	SyncToken string        `xml:"DAV: sync-token"`
}

type responseXML struct {
	Hrefs     []string      `xml:"DAV: href"`
	Status    string        `xml:"DAV: status"`
	Propstats []propstatXML `xml:"DAV: propstat"`
}

type propstatXML struct {
	Prop   RawValue `xml:"DAV: prop"`
	Status string   `xml:"DAV: status"`
}

// MultiStatus is a decoded 207 body.
type MultiStatus struct {
	Responses []Response
	// SyncToken is the new token of a sync-collection report.
	SyncToken string
	// URL is the request URL that produced the body, after redirects.
	URL *url.URL
}

// Response is one resource of a multistatus. Props only holds properties
// reported with a 2xx propstat; missing ones are simply absent.
type Response struct {
	Href string
	// Status is the response-level status, or 200 when the server reported
	// propstats instead.
	Status int
	Props  map[xml.Name]RawValue
}

// parseMultiStatus decodes body and resolves every href against base.
func parseMultiStatus(body []byte, base *url.URL) (*MultiStatus, error) {
	var raw multistatusXML
	if err := safeUnmarshalXML(body, &raw); err != nil {
		return nil, err
	}

	ms := &MultiStatus{SyncToken: strings.TrimSpace(raw.SyncToken)}
	for _, r := range raw.Responses {
		status := http.StatusOK
		if r.Status != "" {
			code, err := parseStatusLine(r.Status)
			if err != nil {
				return nil, err
			}
			status = code
		}

		props := make(map[xml.Name]RawValue)
		for _, ps := range r.Propstats {
			code, err := parseStatusLine(ps.Status)
			if err != nil {
				return nil, err
			}
			if code < 200 || code > 299 {
				continue
			}
			for _, p := range ps.Prop.Children() {
				props[p.Name()] = p
			}
		}

		// RFC 4918 allows several hrefs sharing one status.
		for _, href := range r.Hrefs {
			href = strings.TrimSpace(href)
			if href == "" {
				continue
			}
			ms.Responses = append(ms.Responses, Response{
				Href:   ResolveHref(base, href),
				Status: status,
				Props:  props,
			})
		}
	}
	return ms, nil
}

// parseStatusLine extracts the code of "HTTP/1.1 404 Not Found".
func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("invalid status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("invalid status line %q", line)
	}
	return code, nil
}

// ResolveHref resolves href against base and returns the path form used as
// a key by the backends. Absolute hrefs on another host keep their full URL.
func ResolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	abs := base.ResolveReference(ref)
	if abs.Host == base.Host && abs.Scheme == base.Scheme {
		return abs.EscapedPath()
	}
	return abs.String()
}

// Has reports whether the property was returned.
func (r Response) Has(name xml.Name) bool {
	_, ok := r.Props[name]
	return ok
}

// Text returns the trimmed character data of a property.
func (r Response) Text(name xml.Name) (string, bool) {
	v, ok := r.Props[name]
	if !ok {
		return "", false
	}
	return v.Text(), true
}

// Hrefs returns the DAV:href children of a property such as
// calendar-home-set.
func (r Response) Hrefs(name xml.Name) []string {
	v, ok := r.Props[name]
	if !ok {
		return nil
	}
	var out []string
	for _, c := range v.Children() {
		if c.Name() == elemHref {
			if h := c.Text(); h != "" {
				out = append(out, h)
			}
		}
	}
	return out
}

// Href returns the first DAV:href of a property.
func (r Response) PropHref(name xml.Name) (string, bool) {
	hrefs := r.Hrefs(name)
	if len(hrefs) == 0 {
		return "", false
	}
	return hrefs[0], true
}

// HasResourceType reports whether DAV:resourcetype lists typ.
func (r Response) HasResourceType(typ xml.Name) bool {
	v, ok := r.Props[PropResourceType]
	if !ok {
		return false
	}
	for _, c := range v.Children() {
		if c.Name() == typ {
			return true
		}
	}
	return false
}

// ETag returns the unquoted DAV:getetag.
func (r Response) ETag() string {
	etag, _ := r.Text(PropGetETag)
	return UnquoteETag(etag)
}

// CalendarData returns the calendar-data property with CRLF line endings
// restored, since XML decoding folds them to LF.
func (r Response) CalendarData() ([]byte, bool) {
	text, ok := r.Text(PropCalendarData)
	if !ok || text == "" {
		return nil, false
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n", "\r\n")
	return []byte(text + "\r\n"), true
}

// LastModified parses DAV:getlastmodified, returning the zero time when it
// is absent or unparseable.
func (r Response) LastModified() time.Time {
	s, ok := r.Text(PropGetLastModified)
	if !ok {
		return time.Time{}
	}
	t, err := http.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UnquoteETag strips the quotes and weak prefix of an entity tag.
func UnquoteETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	if len(etag) >= 2 && strings.HasPrefix(etag, `"`) && strings.HasSuffix(etag, `"`) {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// QuoteETag returns etag as a strong entity tag for If-Match.
func QuoteETag(etag string) string {
	return `"` + UnquoteETag(etag) + `"`
}
