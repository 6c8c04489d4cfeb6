// Package auth guards the bridge's HTTP surface with optional bearer token
// (JWT) verification. The bridge never authorizes callers itself; it trusts
// an external OAuth 2.0 / OIDC authorization server to mint tokens.
//
// An Authenticator validates an incoming bearer token string and returns a
// UserInfo (or an error). The HTTP layer extracts the token from the request
// and maps the sentinel errors into WWW-Authenticate challenges.
//
// Example:
//
//	authn, err := auth.New(ctx, auth.Settings{
//	    Issuer:   "https://issuer.example",
//	    Audience: "https://bridge.example",
//	})
//	if err != nil { log.Fatal(err) }
//	if authn == nil { /* auth disabled */ }
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
