// Package vdir implements calendar.Backend on a vdir tree: one directory
// per calendar, one <uid>.ics file per item, and optional plain-text
// sidecars named displayname, description and color.
package vdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/ical"
)

const itemExt = ".ics"

const (
	sidecarDisplayName = "displayname"
	sidecarDescription = "description"
	sidecarColor       = "color"
)

// Backend stores calendars under a root directory.
type Backend struct {
	root      string
	extractor ical.Extractor
}

// New returns a backend rooted at root. A nil extractor uses go-ical.
func New(root string, extractor ical.Extractor) *Backend {
	if extractor == nil {
		extractor = ical.Decoder{}
	}
	return &Backend{root: root, extractor: extractor}
}

var (
	_ calendar.Backend           = (*Backend)(nil)
	_ calendar.CollectionManager = (*Backend)(nil)
	_ calendar.EventLister       = (*Backend)(nil)
)

// Root returns the root directory.
func (b *Backend) Root() string { return b.root }

// validName rejects identifiers that would escape their directory.
func validName(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("vdir: invalid identifier %q", id)
	}
	return nil
}

func (b *Backend) calendarDir(calendarID string) (string, error) {
	if err := validName(calendarID); err != nil {
		return "", err
	}
	return filepath.Join(b.root, calendarID), nil
}

func (b *Backend) itemPath(calendarID, itemID string) (string, error) {
	dir, err := b.calendarDir(calendarID)
	if err != nil {
		return "", err
	}
	if err := validName(itemID); err != nil {
		return "", err
	}
	return filepath.Join(dir, itemID+itemExt), nil
}

// ListCalendars lists the subdirectories of the root. Hidden entries are
// skipped.
func (b *Backend) ListCalendars(ctx context.Context) ([]calendar.Calendar, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("vdir: list calendars: %w", err)
	}

	var cals []calendar.Calendar
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(b.root, e.Name())
		cals = append(cals, calendar.Calendar{
			ID:          e.Name(),
			DisplayName: readSidecar(dir, sidecarDisplayName),
			Description: readSidecar(dir, sidecarDescription),
			Color:       readSidecar(dir, sidecarColor),
		})
	}
	return cals, nil
}

func readSidecar(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ListItems returns every item of a calendar. A vdir has no change
// tracking, so prior is ignored and the state is always nil.
func (b *Backend) ListItems(ctx context.Context, calendarID string, prior *calendar.SyncState) (*calendar.ItemsDelta, error) {
	dir, err := b.calendarDir(calendarID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, calendar.NotFound(calendarID, "", nil)
		}
		return nil, fmt.Errorf("vdir: list items of %q: %w", calendarID, err)
	}

	delta := &calendar.ItemsDelta{Full: true}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, itemExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, err := b.readItem(calendarID, strings.TrimSuffix(name, itemExt), filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, calendar.ErrMalformedItem) {
				log.Printf("[WARN] vdir: %v", err)
				delta.Added = append(delta.Added, *item)
				continue
			}
			return nil, err
		}
		delta.Added = append(delta.Added, *item)
	}
	sort.Slice(delta.Added, func(i, j int) bool { return delta.Added[i].ID < delta.Added[j].ID })
	return delta, nil
}

// readItem loads one file. On a malformed body it returns the item with
// empty fields along with the error.
func (b *Backend) readItem(calendarID, itemID, path string) (*calendar.Item, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, calendar.NotFound(calendarID, itemID, nil)
		}
		return nil, fmt.Errorf("vdir: read %q: %w", path, err)
	}
	item := &calendar.Item{ID: itemID, CalendarID: calendarID, Body: body}
	if info, err := os.Stat(path); err == nil {
		item.LastModified = info.ModTime().UTC()
	}

	fields, err := b.extractor.Extract(body)
	if err != nil {
		return item, calendar.MalformedItem(calendarID, itemID, err)
	}
	item.Summary = fields.Summary
	item.Components = fields.Components
	if !fields.LastModified.IsZero() {
		item.LastModified = fields.LastModified
	}
	return item, nil
}

// GetItem reads <uid>.ics.
func (b *Backend) GetItem(ctx context.Context, calendarID, itemID string) (*calendar.Item, error) {
	path, err := b.itemPath(calendarID, itemID)
	if err != nil {
		return nil, err
	}
	item, err := b.readItem(calendarID, itemID, path)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// PutItem writes an item through a temporary file and a rename, creating
// the calendar directory if needed. expectedETag is ignored.
func (b *Backend) PutItem(ctx context.Context, calendarID string, item *calendar.Item, expectedETag string) (*calendar.Item, error) {
	fields, err := b.extractor.Extract(item.Body)
	if err != nil {
		return nil, calendar.MalformedItem(calendarID, item.ID, err)
	}
	id := item.ID
	if id == "" {
		id = fields.UID
	}
	path, err := b.itemPath(calendarID, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("vdir: create calendar %q: %w", calendarID, err)
	}
	if err := writeFileAtomic(path, item.Body); err != nil {
		return nil, err
	}

	out := &calendar.Item{
		ID:           id,
		CalendarID:   calendarID,
		Body:         item.Body,
		Summary:      fields.Summary,
		Components:   fields.Components,
		LastModified: fields.LastModified,
	}
	if out.LastModified.IsZero() {
		if info, err := os.Stat(path); err == nil {
			out.LastModified = info.ModTime().UTC()
		}
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".calendula-*.tmp")
	if err != nil {
		return fmt.Errorf("vdir: create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("vdir: write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("vdir: write %q: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("vdir: rename %q: %w", path, err)
	}
	return nil
}

// DeleteItem removes one file. expectedETag is ignored.
func (b *Backend) DeleteItem(ctx context.Context, calendarID, itemID, expectedETag string) error {
	path, err := b.itemPath(calendarID, itemID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return calendar.NotFound(calendarID, itemID, nil)
		}
		return fmt.Errorf("vdir: delete %q: %w", path, err)
	}
	return nil
}

// CreateCalendar makes the calendar directory and its sidecars. An empty ID
// is replaced by a random one.
func (b *Backend) CreateCalendar(ctx context.Context, cal calendar.Calendar) (*calendar.Calendar, error) {
	if cal.ID == "" {
		cal.ID = uuid.NewString()
	}
	dir, err := b.calendarDir(cal.ID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.root, 0o700); err != nil {
		return nil, fmt.Errorf("vdir: create root: %w", err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, calendar.Conflict(cal.ID, "", errors.New("calendar already exists"))
		}
		return nil, fmt.Errorf("vdir: create calendar %q: %w", cal.ID, err)
	}
	if err := writeSidecars(dir, cal); err != nil {
		return nil, err
	}
	return &cal, nil
}

// UpdateCalendar rewrites the sidecars of the non-empty fields of cal.
func (b *Backend) UpdateCalendar(ctx context.Context, cal calendar.Calendar) error {
	dir, err := b.calendarDir(cal.ID)
	if err != nil {
		return err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return calendar.NotFound(cal.ID, "", err)
	}
	return writeSidecars(dir, cal)
}

func writeSidecars(dir string, cal calendar.Calendar) error {
	for name, value := range map[string]string{
		sidecarDisplayName: cal.DisplayName,
		sidecarDescription: cal.Description,
		sidecarColor:       cal.Color,
	} {
		if value == "" {
			continue
		}
		if err := writeFileAtomic(filepath.Join(dir, name), []byte(value+"\n")); err != nil {
			return err
		}
	}
	return nil
}

// DeleteCalendar removes the calendar directory with everything in it.
func (b *Backend) DeleteCalendar(ctx context.Context, calendarID string) error {
	dir, err := b.calendarDir(calendarID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return calendar.NotFound(calendarID, "", nil)
		}
		return fmt.Errorf("vdir: delete calendar %q: %w", calendarID, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("vdir: delete calendar %q: %w", calendarID, err)
	}
	return nil
}

// ListEvents returns the items holding a VEVENT. The range is not applied:
// filtering needs recurrence expansion, which vdir does not do.
func (b *Backend) ListEvents(ctx context.Context, calendarID string, tr calendar.TimeRange) ([]calendar.Item, error) {
	log.Printf("[WARN] vdir: time ranges are ignored, listing every event of %q", calendarID)
	delta, err := b.ListItems(ctx, calendarID, nil)
	if err != nil {
		return nil, err
	}
	var events []calendar.Item
	for _, item := range delta.Added {
		for _, c := range item.Components {
			if c == "VEVENT" {
				events = append(events, item)
				break
			}
		}
	}
	return events, nil
}
