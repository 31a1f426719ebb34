// Package ical extracts the few iCalendar fields the backends need from an
// otherwise opaque item body.
package ical

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	goical "github.com/emersion/go-ical"

	"github.com/pimalaya/calendula/internal/calendar"
)

// Fields are the values read from an iCalendar document.
type Fields struct {
	UID     string
	Summary string
	// Components lists component names depth-first without duplicates,
	// starting with VCALENDAR.
	Components []string
	// LastModified is zero when the document has no LAST-MODIFIED.
	LastModified time.Time
}

// HasComponent reports whether name appears in Components.
func (f Fields) HasComponent(name string) bool {
	for _, c := range f.Components {
		if c == name {
			return true
		}
	}
	return false
}

// Extractor parses item bodies.
type Extractor interface {
	Extract(body []byte) (Fields, error)
}

// Decoder is the default Extractor, built on go-ical.
type Decoder struct{}

// Extract parses body. Errors wrap calendar.ErrMalformedItem.
func (Decoder) Extract(body []byte) (Fields, error) {
	cal, err := goical.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return Fields{}, fmt.Errorf("%w: %w", calendar.ErrMalformedItem, err)
	}

	var f Fields
	seen := make(map[string]bool)
	var walk func(c *goical.Component)
	walk = func(c *goical.Component) {
		if !seen[c.Name] {
			seen[c.Name] = true
			f.Components = append(f.Components, c.Name)
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(cal.Component)

	// The first non-timezone component carries the identity of the item.
	for _, comp := range cal.Children {
		if comp.Name == goical.CompTimezone {
			continue
		}
		if prop := comp.Props.Get(goical.PropUID); prop != nil {
			f.UID = prop.Value
		}
		if prop := comp.Props.Get(goical.PropSummary); prop != nil {
			if text, err := prop.Text(); err == nil {
				f.Summary = text
			} else {
				f.Summary = prop.Value
			}
		}
		if prop := comp.Props.Get(goical.PropLastModified); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				f.LastModified = t
			}
		}
		break
	}

	if f.UID == "" {
		return f, fmt.Errorf("%w: %w", calendar.ErrMalformedItem, errMissingUID)
	}
	return f, nil
}

var errMissingUID = errors.New("no UID property")
