package davtest

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
)

const maxRequestBody = 1 << 20

// readXMLBody decodes a request body without expanding external entities.
// An empty body leaves v untouched and reports false.
func readXMLBody(r *http.Request, v any) (bool, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return false, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Entity = xml.HTMLEntity
	return true, decoder.Decode(v)
}
