package dav

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// Namespaces used by CalDAV servers.
const (
	NSDAV            = "DAV:"
	NSCalDAV         = "urn:ietf:params:xml:ns:caldav"
	NSCalendarServer = "http://calendarserver.org/ns/"
	NSApple          = "http://apple.com/ns/ical/"
)

// Property and element names. Matching is on namespace URI and local name;
// the prefix a server picks is irrelevant.
var (
	PropDisplayName          = xml.Name{Space: NSDAV, Local: "displayname"}
	PropResourceType         = xml.Name{Space: NSDAV, Local: "resourcetype"}
	PropGetETag              = xml.Name{Space: NSDAV, Local: "getetag"}
	PropGetLastModified      = xml.Name{Space: NSDAV, Local: "getlastmodified"}
	PropSyncToken            = xml.Name{Space: NSDAV, Local: "sync-token"}
	PropCurrentUserPrincipal = xml.Name{Space: NSDAV, Local: "current-user-principal"}
	PropCalendarHomeSet      = xml.Name{Space: NSCalDAV, Local: "calendar-home-set"}
	PropCalendarDescription  = xml.Name{Space: NSCalDAV, Local: "calendar-description"}
	PropCalendarData         = xml.Name{Space: NSCalDAV, Local: "calendar-data"}
	PropGetCTag              = xml.Name{Space: NSCalendarServer, Local: "getctag"}
	PropCalendarColor        = xml.Name{Space: NSApple, Local: "calendar-color"}

	TypeCollection = xml.Name{Space: NSDAV, Local: "collection"}
	TypeCalendar   = xml.Name{Space: NSCalDAV, Local: "calendar"}

	elemHref = xml.Name{Space: NSDAV, Local: "href"}
)

// newDecoder returns a decoder that resolves only the predefined HTML
// entities. Entities declared in a DOCTYPE are never expanded.
func newDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	d.Entity = xml.HTMLEntity
	return d
}

// safeUnmarshalXML decodes data into v with newDecoder.
func safeUnmarshalXML(data []byte, v any) error {
	return newDecoder(bytes.NewReader(data)).Decode(v)
}

// RawValue is an undecoded XML element kept as a token tree. Start tags
// carry resolved namespace URIs, so a RawValue can be decoded again
// regardless of the prefixes used on the wire.
type RawValue struct {
	tok      xml.Token // never xml.EndElement
	children []RawValue
}

func (v *RawValue) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	v.tok = start.Copy()
	v.children = nil

	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			child := RawValue{}
			if err := child.UnmarshalXML(d, tok); err != nil {
				return err
			}
			v.children = append(v.children, child)
		case xml.EndElement:
			return nil
		default:
			v.children = append(v.children, RawValue{tok: xml.CopyToken(tok)})
		}
	}
}

var _ xml.Unmarshaler = (*RawValue)(nil)

// Name returns the element name, or the zero Name for character data.
func (v RawValue) Name() xml.Name {
	if start, ok := v.tok.(xml.StartElement); ok {
		return start.Name
	}
	return xml.Name{}
}

// Children returns the child elements, skipping character data.
func (v RawValue) Children() []RawValue {
	var out []RawValue
	for _, c := range v.children {
		if _, ok := c.tok.(xml.StartElement); ok {
			out = append(out, c)
		}
	}
	return out
}

// Text returns the concatenated character data of the element and its
// descendants, trimmed.
func (v RawValue) Text() string {
	var b strings.Builder
	v.appendText(&b)
	return strings.TrimSpace(b.String())
}

func (v RawValue) appendText(b *strings.Builder) {
	if cd, ok := v.tok.(xml.CharData); ok {
		b.Write(cd)
		return
	}
	for _, c := range v.children {
		c.appendText(b)
	}
}

// Decode unmarshals the element into out.
func (v RawValue) Decode(out any) error {
	return xml.NewTokenDecoder(v.TokenReader()).Decode(out)
}

// TokenReader returns a stream of tokens for the element.
func (v *RawValue) TokenReader() xml.TokenReader {
	return &rawValueReader{val: v}
}

type rawValueReader struct {
	val         *RawValue
	start, end  bool
	child       int
	childReader xml.TokenReader
}

func (tr *rawValueReader) Token() (xml.Token, error) {
	if tr.end {
		return nil, io.EOF
	}

	start, ok := tr.val.tok.(xml.StartElement)
	if !ok {
		tr.end = true
		return tr.val.tok, nil
	}

	if !tr.start {
		tr.start = true
		return start, nil
	}

	for tr.child < len(tr.val.children) {
		if tr.childReader == nil {
			tr.childReader = tr.val.children[tr.child].TokenReader()
		}

		tok, err := tr.childReader.Token()
		if err == io.EOF {
			tr.childReader = nil
			tr.child++
		} else {
			return tok, err
		}
	}

	tr.end = true
	return start.End(), nil
}
