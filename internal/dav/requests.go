package dav

import (
	"bytes"
	"encoding/xml"
	"time"
)

// Request bodies, RFC 4918, RFC 4791 and RFC 6578.

type propName struct {
	XMLName xml.Name
}

type propNames struct {
	XMLName xml.Name `xml:"DAV: prop"`
	Names   []propName
}

func newPropNames(names []xml.Name) *propNames {
	p := &propNames{Names: make([]propName, len(names))}
	for i, n := range names {
		p.Names[i] = propName{XMLName: n}
	}
	return p
}

type propfindRequest struct {
	XMLName xml.Name   `xml:"DAV: propfind"`
	Prop    *propNames `xml:"DAV: prop"`
}

type compFilter struct {
	Name       string       `xml:"name,attr"`
	TimeRange  *timeRange   `xml:"urn:ietf:params:xml:ns:caldav time-range,omitempty"`
	CompFilter []compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter,omitempty"`
}

type timeRange struct {
	Start string `xml:"start,attr,omitempty"`
	End   string `xml:"end,attr,omitempty"`
}

type calFilter struct {
	CompFilter compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter"`
}

type calendarQuery struct {
	XMLName xml.Name   `xml:"urn:ietf:params:xml:ns:caldav calendar-query"`
	Prop    *propNames `xml:"DAV: prop"`
	Filter  calFilter  `xml:"urn:ietf:params:xml:ns:caldav filter"`
}

type calendarMultiget struct {
	XMLName xml.Name   `xml:"urn:ietf:params:xml:ns:caldav calendar-multiget"`
	Prop    *propNames `xml:"DAV: prop"`
	Hrefs   []string   `xml:"DAV: href"`
}

type syncCollection struct {
	XMLName   xml.Name   `xml:"DAV: sync-collection"`
	SyncToken string     `xml:"DAV: sync-token"`
	SyncLevel string     `xml:"DAV: sync-level"`
	Prop      *propNames `xml:"DAV: prop"`
}

type propValue struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type propValues struct {
	Values []propValue
}

type setProps struct {
	Prop propValues `xml:"DAV: prop"`
}

type removeProps struct {
	Prop *propNames `xml:"DAV: prop"`
}

type mkcalendarRequest struct {
	XMLName xml.Name  `xml:"urn:ietf:params:xml:ns:caldav mkcalendar"`
	Set     *setProps `xml:"DAV: set,omitempty"`
}

type proppatchRequest struct {
	XMLName xml.Name     `xml:"DAV: propertyupdate"`
	Set     *setProps    `xml:"DAV: set,omitempty"`
	Remove  *removeProps `xml:"DAV: remove,omitempty"`
}

// ObjectProps are the properties requested for every calendar object.
var ObjectProps = []xml.Name{PropGetETag, PropGetLastModified, PropCalendarData}

// TimeRange bounds a calendar-query. Zero times leave that side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// icalUTC is the RFC 5545 UTC date-time form required by time-range.
const icalUTC = "20060102T150405Z"

// CalendarQuery returns a calendar-query REPORT body matching every
// VCALENDAR, or only VEVENTs overlapping tr when tr is non-nil.
func CalendarQuery(props []xml.Name, tr *TimeRange) []byte {
	filter := compFilter{Name: "VCALENDAR"}
	if tr != nil {
		event := compFilter{Name: "VEVENT", TimeRange: &timeRange{}}
		if !tr.Start.IsZero() {
			event.TimeRange.Start = tr.Start.UTC().Format(icalUTC)
		}
		if !tr.End.IsZero() {
			event.TimeRange.End = tr.End.UTC().Format(icalUTC)
		}
		if event.TimeRange.Start == "" && event.TimeRange.End == "" {
			event.TimeRange = nil
		}
		filter.CompFilter = []compFilter{event}
	}
	return mustMarshal(calendarQuery{Prop: newPropNames(props), Filter: calFilter{CompFilter: filter}})
}

// CalendarMultiget returns a calendar-multiget REPORT body for hrefs.
func CalendarMultiget(props []xml.Name, hrefs []string) []byte {
	return mustMarshal(calendarMultiget{Prop: newPropNames(props), Hrefs: hrefs})
}

// SyncCollection returns a sync-collection REPORT body. An empty token asks
// for the initial state.
func SyncCollection(token string, props []xml.Name) []byte {
	return mustMarshal(syncCollection{SyncToken: token, SyncLevel: "1", Prop: newPropNames(props)})
}

// PropfindBody returns a PROPFIND body asking for names.
func PropfindBody(names []xml.Name) []byte {
	return mustMarshal(propfindRequest{Prop: newPropNames(names)})
}

// Prop is a property name with a text value, as set by MKCALENDAR and
// PROPPATCH.
type Prop struct {
	Name  xml.Name
	Value string
}

func toSetProps(props []Prop) *setProps {
	if len(props) == 0 {
		return nil
	}
	s := &setProps{}
	for _, p := range props {
		s.Prop.Values = append(s.Prop.Values, propValue{XMLName: p.Name, Value: p.Value})
	}
	return s
}

// MkcalendarBody returns a MKCALENDAR body setting props, or nil when
// there is nothing to set.
func MkcalendarBody(props []Prop) []byte {
	set := toSetProps(props)
	if set == nil {
		return nil
	}
	return mustMarshal(mkcalendarRequest{Set: set})
}

// ProppatchBody returns a PROPPATCH body setting set and removing remove.
func ProppatchBody(set []Prop, remove []xml.Name) []byte {
	req := proppatchRequest{Set: toSetProps(set)}
	if len(remove) > 0 {
		req.Remove = &removeProps{Prop: newPropNames(remove)}
	}
	return mustMarshal(req)
}

// mustMarshal encodes request models. They hold only strings, so encoding
// cannot fail.
func mustMarshal(v any) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(v); err != nil {
		panic("dav: encode request: " + err.Error())
	}
	return buf.Bytes()
}
