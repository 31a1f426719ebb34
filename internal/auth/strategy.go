// Package auth provides the credential strategies the DAV client applies to
// outgoing requests.
package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/secret"
)

// Strategy authorizes requests. Unauthorized is called with a 401 response
// and reports whether the request should be sent once more.
type Strategy interface {
	Apply(ctx context.Context, req *http.Request) error
	Unauthorized(ctx context.Context, resp *http.Response) bool
}

// Basic sends HTTP Basic credentials. The password is resolved on first use
// and the header reused for the rest of the session.
type Basic struct {
	username string
	password secret.Source
	resolver secret.Resolver

	mu     sync.Mutex
	header string
}

func NewBasic(username string, password secret.Source, resolver secret.Resolver) *Basic {
	return &Basic{username: username, password: password, resolver: resolver}
}

func (b *Basic) Apply(ctx context.Context, req *http.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.header == "" {
		password, err := b.resolver.Resolve(ctx, b.password)
		if err != nil {
			return &calendar.AuthError{Kind: calendar.ErrSecretUnavailable, URI: req.URL.Redacted(), Err: err}
		}
		b.header = "Basic " + base64.StdEncoding.EncodeToString([]byte(b.username+":"+password))
	}
	req.Header.Set("Authorization", b.header)
	return nil
}

// Unauthorized never asks for a retry: the same credentials would be sent.
func (b *Basic) Unauthorized(context.Context, *http.Response) bool { return false }

// TokenSource yields bearer tokens. Unlike oauth2.TokenSource it is given
// the request context.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// Bearer sends an OAuth2 bearer token, caching it until it expires or the
// server rejects it.
type Bearer struct {
	source TokenSource

	mu    sync.Mutex
	token *oauth2.Token
}

func NewBearer(source TokenSource) *Bearer {
	return &Bearer{source: source}
}

func (b *Bearer) Apply(ctx context.Context, req *http.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.token.Valid() {
		tok, err := b.source.Token(ctx)
		if err != nil {
			return &calendar.AuthError{Kind: calendar.ErrSecretUnavailable, URI: req.URL.Redacted(), Err: err}
		}
		b.token = tok
	}
	b.token.SetAuthHeader(req)
	return nil
}

// Unauthorized drops the cached token so the retry resolves a fresh one.
func (b *Bearer) Unauthorized(context.Context, *http.Response) bool {
	b.mu.Lock()
	b.token = nil
	b.mu.Unlock()
	return true
}

// SecretToken reads a static access token from a secret source each time
// it is asked.
type SecretToken struct {
	Source   secret.Source
	Resolver secret.Resolver
}

func (s SecretToken) Token(ctx context.Context) (*oauth2.Token, error) {
	v, err := s.Resolver.Resolve(ctx, s.Source)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: v, TokenType: "Bearer"}, nil
}
