package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of token validation
// (scopes, algorithms, leeway, typ enforcement).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAccessTokenTyp requires the RFC 9068 "at+jwt" typ header.
func WithAccessTokenTyp() AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenTyp = true }
}

func newConfig(issuer, audience string, opts []AccessTokenAuthOption) (*jwtauth.Config, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	if audience != "" {
		cfg.Audiences = []string{audience}
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("audience is required")
	}
	return cfg, nil
}

// NewFromDiscovery returns an Authenticator whose signing keys are found via
// OpenID Connect discovery on issuer.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg, err := newConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	a, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a}, nil
}

// NewStatic returns an Authenticator that fetches signing keys from jwksURL
// without discovery.
func NewStatic(ctx context.Context, issuer, audience, jwksURL string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg, err := newConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	a, err := jwtauth.NewStatic(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a}, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a *jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}
