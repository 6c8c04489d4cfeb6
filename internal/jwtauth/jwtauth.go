// Package jwtauth validates bearer JWTs presented to the bridge's HTTP
// surface. Keys come from a JWKS endpoint, either configured directly or
// learned through OIDC discovery, and are refreshed in the background.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation policy.
type Config struct {
	Issuer string
	// Audiences accepted in the "aud" claim; a token must carry at least one.
	Audiences      []string
	RequiredScopes []string
	ScopeModeAny   bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs    []string
	Leeway         time.Duration
	// RequireAccessTokenTyp enforces the RFC 9068 "at+jwt" header.
	RequireAccessTokenTyp bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("at least one audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	return nil
}

// UserInfo describes the authenticated caller.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy; callers should respond with HTTP 403.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Authenticator validates a raw bearer token.
type Authenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery resolves jwks_uri through OIDC discovery on cfg.Issuer.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewStatic(ctx, cfg, meta.JwksURI)
}

// NewStatic validates against the keys published at jwksURI.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return NewWithKeyfunc(cfg, kf.Keyfunc)
}

// NewWithKeyfunc validates with a caller-supplied key lookup.
func NewWithKeyfunc(cfg *Config, kf jwt.Keyfunc) (*Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	allowed := slices.Clone(cfg.AllowedAlgs)
	return &Authenticator{
		cfg: *cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(allowed, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
	}, nil
}

// CheckAuthentication verifies tok and returns the caller's identity.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if a.cfg.RequireAccessTokenTyp {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if !audIntersects(claims["aud"], a.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		if time.Unix(int64(iatf), 0).After(time.Now().Add(a.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}
	if err := a.checkScopes(claims); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *Authenticator) checkScopes(claims jwt.MapClaims) error {
	if len(a.cfg.RequiredScopes) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if a.cfg.ScopeModeAny {
		for _, want := range a.cfg.RequiredScopes {
			if slices.Contains(have, want) {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range a.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return ErrInsufficientScope
		}
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
