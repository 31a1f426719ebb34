package davtest

import (
	"encoding/xml"
	"fmt"
	"net/http"
)

const (
	httpStatusOK       = "HTTP/1.1 200 OK"
	httpStatusNotFound = "HTTP/1.1 404 Not Found"
)

func writeMultiStatus(w http.ResponseWriter, payload multistatus) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(payload)
}

// isValidCondition validates that a condition string is safe for XML output.
// Condition names must match: ^[a-z][a-z0-9-]*$
func isValidCondition(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i, ch := range s {
		if i == 0 {
			if ch < 'a' || ch > 'z' {
				return false
			}
		} else if !((ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '-') {
			return false
		}
	}
	return true
}

// writeDAVError writes a DAV:error body. Conditions from RFC 6578 live in
// the DAV: namespace, CalDAV ones in the caldav namespace.
func writeDAVError(w http.ResponseWriter, status int, prefix, condition string) {
	if !isValidCondition(condition) {
		condition = "invalid-condition"
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><D:error xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav"><%s:%s/></D:error>`, prefix, condition)
}

func collectionResponse(href string, p prop) response {
	return response{Href: href, Propstat: []propstat{{Prop: p, Status: httpStatusOK}}}
}

func deletedResponse(href string) response {
	return response{Href: href, Status: httpStatusNotFound}
}
