package davtest

import "encoding/xml"

// XML response models for multistatus bodies. The fixed prefixes match
// what common servers emit.

type multistatus struct {
	XMLName   xml.Name   `xml:"d:multistatus"`
	XmlnsD    string     `xml:"xmlns:d,attr"`
	XmlnsC    string     `xml:"xmlns:cal,attr"`
	XmlnsCS   string     `xml:"xmlns:cs,attr"`
	XmlnsICal string     `xml:"xmlns:ical,attr"`
	Response  []response `xml:"d:response"`
	SyncToken string     `xml:"d:sync-token,omitempty"`
}

func newMultistatus(responses ...response) multistatus {
	return multistatus{
		XmlnsD:    "DAV:",
		XmlnsC:    "urn:ietf:params:xml:ns:caldav",
		XmlnsCS:   "http://calendarserver.org/ns/",
		XmlnsICal: "http://apple.com/ns/ical/",
		Response:  responses,
	}
}

type response struct {
	Href     string     `xml:"d:href"`
	Propstat []propstat `xml:"d:propstat,omitempty"`
	Status   string     `xml:"d:status,omitempty"`
}

type propstat struct {
	Prop   prop   `xml:"d:prop"`
	Status string `xml:"d:status"`
}

type prop struct {
	DisplayName          string        `xml:"d:displayname,omitempty"`
	ResourceType         *resourceType `xml:"d:resourcetype,omitempty"`
	GetETag              string        `xml:"d:getetag,omitempty"`
	GetLastModified      string        `xml:"d:getlastmodified,omitempty"`
	GetContentType       string        `xml:"d:getcontenttype,omitempty"`
	CalendarData         cdataString   `xml:"cal:calendar-data,omitempty"`
	CalendarDescription  string        `xml:"cal:calendar-description,omitempty"`
	CalendarColor        string        `xml:"ical:calendar-color,omitempty"`
	SyncToken            string        `xml:"d:sync-token,omitempty"`
	CTag                 string        `xml:"cs:getctag,omitempty"`
	CurrentUserPrincipal *hrefProp     `xml:"d:current-user-principal,omitempty"`
	CalendarHomeSet      *hrefListProp `xml:"cal:calendar-home-set,omitempty"`
}

// cdataString wraps string content in CDATA for raw XML output.
type cdataString string

func (c cdataString) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if c == "" {
		return nil
	}
	return e.EncodeElement(struct {
		S string `xml:",cdata"`
	}{S: string(c)}, start)
}

type resourceType struct {
	Collection *struct{} `xml:"d:collection,omitempty"`
	Calendar   *struct{} `xml:"cal:calendar,omitempty"`
	Principal  *struct{} `xml:"d:principal,omitempty"`
}

type hrefProp struct {
	Href string `xml:"d:href"`
}

type hrefListProp struct {
	Href []string `xml:"d:href"`
}

// Request models. These are namespace-qualified so any client prefix
// convention decodes.

type reportRequest struct {
	XMLName   xml.Name
	Hrefs     []string   `xml:"DAV: href"`
	SyncToken string     `xml:"DAV: sync-token"`
	Filter    *calFilter `xml:"urn:ietf:params:xml:ns:caldav filter"`
}

type calFilter struct {
	CompFilter compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter"`
}

type compFilter struct {
	Name       string       `xml:"name,attr"`
	TimeRange  *timeRange   `xml:"urn:ietf:params:xml:ns:caldav time-range"`
	CompFilter []compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter"`
}

type timeRange struct {
	Start string `xml:"start,attr"`
	End   string `xml:"end,attr"`
}

type propertyUpdate struct {
	XMLName xml.Name
	Set     *propertySet `xml:"DAV: set"`
	Remove  *propertySet `xml:"DAV: remove"`
}

type propertySet struct {
	Prop settableProps `xml:"DAV: prop"`
}

type settableProps struct {
	DisplayName         *string `xml:"DAV: displayname"`
	CalendarDescription *string `xml:"urn:ietf:params:xml:ns:caldav calendar-description"`
	CalendarColor       *string `xml:"http://apple.com/ns/ical/ calendar-color"`
}
