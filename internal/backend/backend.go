// Package backend picks the CalDAV or Vdir backend of an account and
// exposes both through one interface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/emersion/go-webdav"

	"github.com/pimalaya/calendula/internal/auth"
	"github.com/pimalaya/calendula/internal/caldav"
	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/config"
	"github.com/pimalaya/calendula/internal/dav"
	"github.com/pimalaya/calendula/internal/ical"
	"github.com/pimalaya/calendula/internal/secret"
	"github.com/pimalaya/calendula/internal/transport"
	"github.com/pimalaya/calendula/internal/vdir"
)

// Kind names the backend an account uses.
type Kind string

const (
	KindCalDAV Kind = "caldav"
	KindVdir   Kind = "vdir"
)

// Backend is everything a calendar store offers.
type Backend interface {
	calendar.Backend
	calendar.CollectionManager
	calendar.EventLister
}

// Deps are the collaborators handed to the backends. Zero fields get
// defaults.
type Deps struct {
	Resolver  secret.Resolver
	Extractor ical.Extractor
	// HTTPClient replaces the client built from the account TLS and timeout
	// settings.
	HTTPClient webdav.HTTPClient
	SRVLookup  caldav.SRVLookup
}

// Client is the backend of one account. The choice is made once in New.
type Client struct {
	Backend
	Account   string
	Kind      Kind
	extractor ical.Extractor
}

// New builds the backend of an account: CalDAV when configured, else Vdir.
func New(name string, acct config.Account, deps Deps) (*Client, error) {
	if deps.Resolver == nil {
		deps.Resolver = secret.NewResolver("calendula")
	}
	if deps.Extractor == nil {
		deps.Extractor = ical.Decoder{}
	}

	c := &Client{Account: name, extractor: deps.Extractor}
	switch {
	case acct.CalDAV != nil:
		b, err := newCalDAV(acct.CalDAV, deps)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", name, err)
		}
		c.Backend, c.Kind = b, KindCalDAV
	case acct.Vdir != nil:
		c.Backend, c.Kind = vdir.New(acct.Vdir.Path, deps.Extractor), KindVdir
	default:
		return nil, fmt.Errorf("account %q: neither caldav nor vdir is configured", name)
	}
	return c, nil
}

func newCalDAV(cfg *config.CalDAV, deps Deps) (*caldav.Backend, error) {
	hc := deps.HTTPClient
	if hc == nil {
		client, err := transport.NewClient(transport.Options{
			Timeout:   cfg.Timeout,
			Insecure:  cfg.TLS.Insecure,
			CAFile:    cfg.TLS.CAFile,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.RateBurst,
		})
		if err != nil {
			return nil, err
		}
		hc = client
	}

	strategy, err := newStrategy(cfg.Auth, deps.Resolver, hc)
	if err != nil {
		return nil, err
	}

	opts := caldav.Options{
		Location: caldav.Location{
			ServerURI:    cfg.ServerURI,
			PrincipalURI: cfg.PrincipalURI,
			HomeURI:      cfg.HomeURI,
		},
		Extractor: deps.Extractor,
		SRVLookup: deps.SRVLookup,
	}
	if d := cfg.Discover; d != nil {
		opts.Hint = caldav.Hint{Host: d.Host, Port: d.Port, Scheme: d.Scheme, Method: d.Method, SRV: d.SRV}
	}
	return caldav.New(dav.NewClient(hc, strategy, cfg.MaxRedirects), opts), nil
}

// newStrategy returns nil when the account sends no credentials.
func newStrategy(cfg config.Auth, resolver secret.Resolver, hc webdav.HTTPClient) (auth.Strategy, error) {
	switch {
	case cfg.Basic != nil:
		return auth.NewBasic(cfg.Basic.Username, cfg.Basic.Password, resolver), nil
	case cfg.Bearer != nil && cfg.Bearer.OIDC != nil:
		o := cfg.Bearer.OIDC
		oc := auth.OIDCConfig{
			Issuer:       o.Issuer,
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			RefreshToken: o.RefreshToken,
			Scopes:       o.Scopes,
		}
		// Issuer discovery may redirect, so only the transport is shared.
		if c, ok := hc.(*http.Client); ok {
			oc.HTTPClient = &http.Client{Transport: c.Transport, Timeout: c.Timeout}
		}
		source, err := auth.NewOIDCRefresh(oc, resolver)
		if err != nil {
			return nil, err
		}
		return auth.NewBearer(source), nil
	case cfg.Bearer != nil:
		return auth.NewBearer(auth.SecretToken{Source: cfg.Bearer.Token(), Resolver: resolver}), nil
	}
	return nil, nil
}

// UpdateItem replaces an existing item. Without a known ETag the current
// one is fetched first, so an update is never an unconditional overwrite.
func (c *Client) UpdateItem(ctx context.Context, calendarID string, item *calendar.Item) (*calendar.Item, error) {
	id, err := c.itemID(calendarID, item)
	if err != nil {
		return nil, err
	}
	update := *item
	update.ID = id

	etag := item.ETag
	if etag == "" {
		exists, current, err := c.lookup(ctx, calendarID, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, calendar.NotFound(calendarID, id, nil)
		}
		if current != nil {
			etag = current.ETag
		}
	}
	if etag == "" && c.Kind == KindCalDAV {
		return nil, calendar.Conflict(calendarID, id, errors.New("server sent no etag to update against"))
	}
	return c.PutItem(ctx, calendarID, &update, etag)
}

// CreateItem stores a new item, failing with a conflict if it exists.
// CalDAV enforces this with If-None-Match, Vdir with a lookup.
func (c *Client) CreateItem(ctx context.Context, calendarID string, item *calendar.Item) (*calendar.Item, error) {
	if c.Kind == KindVdir {
		id, err := c.itemID(calendarID, item)
		if err != nil {
			return nil, err
		}
		exists, _, err := c.lookup(ctx, calendarID, id)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, calendar.Conflict(calendarID, id, errors.New("item already exists"))
		}
	}
	return c.PutItem(ctx, calendarID, item, "")
}

func (c *Client) itemID(calendarID string, item *calendar.Item) (string, error) {
	if item.ID != "" {
		return item.ID, nil
	}
	fields, err := c.extractor.Extract(item.Body)
	if err != nil {
		return "", calendar.MalformedItem(calendarID, "", err)
	}
	return fields.UID, nil
}

// lookup fetches an item. A stored item whose body no longer parses still
// exists; the backend returns it with its ETag so it can be replaced.
func (c *Client) lookup(ctx context.Context, calendarID, itemID string) (bool, *calendar.Item, error) {
	item, err := c.GetItem(ctx, calendarID, itemID)
	switch {
	case err == nil:
		return true, item, nil
	case errors.Is(err, calendar.ErrNotFound):
		return false, nil, nil
	case errors.Is(err, calendar.ErrMalformedItem):
		return true, item, nil
	}
	return false, nil, err
}
