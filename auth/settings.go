package auth

import (
	"context"
	"strings"
)

// Settings selects and configures an Authenticator from flat configuration.
type Settings struct {
	Issuer   string
	Audience string
	// JWKSURL skips discovery when set.
	JWKSURL string
	// Scopes, when set, must all be present on every token.
	Scopes []string
}

// Enabled reports whether authentication was configured.
func (s Settings) Enabled() bool {
	return strings.TrimSpace(s.Issuer) != ""
}

// New builds the Authenticator described by s. It returns nil, nil when
// authentication is disabled.
func New(ctx context.Context, s Settings) (Authenticator, error) {
	if !s.Enabled() {
		return nil, nil
	}
	var opts []AccessTokenAuthOption
	if len(s.Scopes) > 0 {
		opts = append(opts, WithRequiredScopes(s.Scopes...))
	}
	if s.JWKSURL != "" {
		return NewStatic(ctx, s.Issuer, s.Audience, s.JWKSURL, opts...)
	}
	return NewFromDiscovery(ctx, s.Issuer, s.Audience, opts...)
}
