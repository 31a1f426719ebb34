package calendar

import (
	"errors"
	"fmt"
	"strings"
)

// Kinds of failure. Match them with errors.Is; the category types below
// carry one of them plus the underlying cause.
var (
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrPrincipalNotFound = errors.New("current user principal not found")
	ErrHomeSetNotFound   = errors.New("calendar home set not found")

	ErrUnauthorized      = errors.New("unauthorized")
	ErrSecretUnavailable = errors.New("secret unavailable")

	ErrTimeout          = errors.New("request timed out")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTLS              = errors.New("tls failure")

	ErrMalformedResponse = errors.New("malformed response")
	ErrUnexpectedStatus  = errors.New("unexpected status")

	ErrConflict      = errors.New("precondition failed")
	ErrNotFound      = errors.New("not found")
	ErrMalformedItem = errors.New("malformed item")
)

// DiscoveryError reports a failed server, principal or home-set lookup.
type DiscoveryError struct {
	Kind error
	URI  string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return joinMessage("discovery", e.Kind, e.URI, e.Err)
}

func (e *DiscoveryError) Unwrap() []error { return nonNil(e.Kind, e.Err) }

// AuthError reports missing or rejected credentials.
type AuthError struct {
	Kind error
	URI  string
	Err  error
}

func (e *AuthError) Error() string {
	return joinMessage("auth", e.Kind, e.URI, e.Err)
}

func (e *AuthError) Unwrap() []error { return nonNil(e.Kind, e.Err) }

// TransportError reports a request that never produced an HTTP response.
type TransportError struct {
	Kind error
	URI  string
	Err  error
}

func (e *TransportError) Error() string {
	return joinMessage("transport", e.Kind, e.URI, e.Err)
}

func (e *TransportError) Unwrap() []error { return nonNil(e.Kind, e.Err) }

// ProtocolError reports a response the client could not use.
type ProtocolError struct {
	Kind   error
	Method string
	URI    string
	// Status is the HTTP status code, zero for malformed bodies.
	Status int
	// Condition is the DAV precondition element name the server sent, if any.
	Condition string
	Err       error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("protocol: ")
	if e.Method != "" {
		b.WriteString(e.Method)
		b.WriteString(" ")
	}
	if e.URI != "" {
		b.WriteString(e.URI)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Condition != "" {
		fmt.Fprintf(&b, " (%s)", e.Condition)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() []error { return nonNil(e.Kind, e.Err) }

// ItemError ties NotFound, Conflict and MalformedItem failures to the
// calendar and item they concern.
type ItemError struct {
	Kind       error
	CalendarID string
	ItemID     string
	Err        error
}

func (e *ItemError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.CalendarID != "" {
		fmt.Fprintf(&b, ": calendar %q", e.CalendarID)
	}
	if e.ItemID != "" {
		fmt.Fprintf(&b, " item %q", e.ItemID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ItemError) Unwrap() []error { return nonNil(e.Kind, e.Err) }

// NotFound builds an ItemError of kind ErrNotFound.
func NotFound(calendarID, itemID string, cause error) error {
	return &ItemError{Kind: ErrNotFound, CalendarID: calendarID, ItemID: itemID, Err: cause}
}

// Conflict builds an ItemError of kind ErrConflict.
func Conflict(calendarID, itemID string, cause error) error {
	return &ItemError{Kind: ErrConflict, CalendarID: calendarID, ItemID: itemID, Err: cause}
}

// MalformedItem builds an ItemError of kind ErrMalformedItem.
func MalformedItem(calendarID, itemID string, cause error) error {
	return &ItemError{Kind: ErrMalformedItem, CalendarID: calendarID, ItemID: itemID, Err: cause}
}

var exitCodes = []struct {
	kind error
	code int
}{
	{ErrTooManyRedirects, 10},
	{ErrPrincipalNotFound, 11},
	{ErrHomeSetNotFound, 12},
	{ErrUnauthorized, 20},
	{ErrSecretUnavailable, 21},
	{ErrTimeout, 30},
	{ErrConnectionFailed, 31},
	{ErrTLS, 32},
	{ErrMalformedResponse, 40},
	{ErrUnexpectedStatus, 41},
	{ErrConflict, 50},
	{ErrNotFound, 51},
	{ErrMalformedItem, 52},
}

// ExitCode maps an error to a distinct process exit status. Unknown errors
// map to 1 and nil to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	for _, ec := range exitCodes {
		if errors.Is(err, ec.kind) {
			return ec.code
		}
	}
	return 1
}

func joinMessage(category string, kind error, uri string, cause error) string {
	var b strings.Builder
	b.WriteString(category)
	b.WriteString(": ")
	if uri != "" {
		b.WriteString(uri)
		b.WriteString(": ")
	}
	if kind != nil {
		b.WriteString(kind.Error())
	}
	if cause != nil {
		if kind != nil {
			b.WriteString(": ")
		}
		b.WriteString(cause.Error())
	}
	return b.String()
}

func nonNil(errs ...error) []error {
	out := errs[:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
