package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/pimalaya/calendula/internal/secret"
)

// OIDCConfig describes a refresh-token grant against an OpenID Connect
// issuer.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret secret.Source
	RefreshToken secret.Source
	Scopes       []string
	// HTTPClient is used for discovery and token requests when set.
	HTTPClient *http.Client
}

// OIDCRefresh exchanges a refresh token for access tokens. The issuer is
// discovered on the first call. A rotated refresh token replaces the
// configured one for the rest of the session.
type OIDCRefresh struct {
	cfg      OIDCConfig
	resolver secret.Resolver

	mu       sync.Mutex
	endpoint *oauth2.Endpoint
	refresh  string
}

func NewOIDCRefresh(cfg OIDCConfig, resolver secret.Resolver) (*OIDCRefresh, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidc issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("oidc client id is required")
	}
	if cfg.RefreshToken.IsZero() {
		return nil, errors.New("oidc refresh token is required")
	}
	return &OIDCRefresh{cfg: cfg, resolver: resolver}, nil
}

func (o *OIDCRefresh) Token(ctx context.Context) (*oauth2.Token, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, o.cfg.HTTPClient)
	}

	if o.endpoint == nil {
		provider, err := oidc.NewProvider(ctx, o.cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover oidc issuer %s: %w", o.cfg.Issuer, err)
		}
		ep := provider.Endpoint()
		o.endpoint = &ep
	}

	if o.refresh == "" {
		rt, err := o.resolver.Resolve(ctx, o.cfg.RefreshToken)
		if err != nil {
			return nil, err
		}
		o.refresh = rt
	}

	var clientSecret string
	if !o.cfg.ClientSecret.IsZero() {
		s, err := o.resolver.Resolve(ctx, o.cfg.ClientSecret)
		if err != nil {
			return nil, err
		}
		clientSecret = s
	}

	scopes := o.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}
	}
	conf := &oauth2.Config{
		ClientID:     o.cfg.ClientID,
		ClientSecret: clientSecret,
		Endpoint:     *o.endpoint,
		Scopes:       scopes,
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: o.refresh}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh oidc token: %w", err)
	}
	if tok.RefreshToken != "" {
		o.refresh = tok.RefreshToken
	}
	return tok, nil
}
