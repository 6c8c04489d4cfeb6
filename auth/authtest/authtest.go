// Package authtest provides Authenticators for tests.
package authtest

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-sse-bridge/auth"
)

// StaticTokens accepts exactly the tokens in its map, each naming a user.
// The sentinel token "no-scope" authenticates but fails the scope check.
type StaticTokens map[string]string

// CheckAuthentication implements auth.Authenticator.
func (s StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "no-scope" {
		return nil, auth.ErrInsufficientScope
	}
	user, ok := s[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return userInfo(user), nil
}

type userInfo string

func (u userInfo) UserID() string { return string(u) }

func (u userInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = StaticTokens(nil)
