package dav

import (
	"io"
	"net/http"

	"github.com/pimalaya/calendula/internal/calendar"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Precondition names the client reacts to.
const (
	CondValidSyncToken = "valid-sync-token"
	CondNoUIDConflict  = "no-uid-conflict"
)

// parseCondition returns the local name of the first precondition element
// of a DAV:error body, or "" when the body is not one.
func parseCondition(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v RawValue
	if err := safeUnmarshalXML(body, &v); err != nil {
		return ""
	}
	if v.Name().Space != NSDAV || v.Name().Local != "error" {
		return ""
	}
	if conds := v.Children(); len(conds) > 0 {
		return conds[0].Name().Local
	}
	return ""
}

// StatusError builds the error for an unexpected response: an AuthError for
// a 401, a ProtocolError otherwise. It consumes and closes the body.
func StatusError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	method, uri := "", ""
	if resp.Request != nil {
		method = resp.Request.Method
		uri = resp.Request.URL.Redacted()
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return &calendar.AuthError{Kind: calendar.ErrUnauthorized, URI: uri}
	}
	return &calendar.ProtocolError{
		Kind:      calendar.ErrUnexpectedStatus,
		Method:    method,
		URI:       uri,
		Status:    resp.StatusCode,
		Condition: parseCondition(body),
	}
}

func malformed(method, uri string, err error) error {
	return &calendar.ProtocolError{Kind: calendar.ErrMalformedResponse, Method: method, URI: uri, Err: err}
}
