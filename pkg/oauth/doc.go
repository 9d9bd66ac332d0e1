// Package oauth implements the OAuth2/OIDC protocol operations consumed by
// the MaxLab token lifecycle: discovery, token exchange and refresh, userinfo,
// revocation, and introspection.
//
// The identity provider is treated as an opaque external service with a fixed
// contract. Discovery prefers the OpenID Connect well-known document and falls
// back to RFC 8414 authorization server metadata; results are cached with a
// TTL and concurrent discoveries are deduplicated via singleflight.
//
// Every failure that crosses this package's boundary carries an ErrorKind
// classification (network, invalid_refresh_token, permission_denied,
// server_error, cancelled). Downstream retry policy, the circuit breaker, and
// the loop guard key off this classification rather than inspecting error
// strings.
//
// Token values passed into this package travel as RedactedToken so that
// formatting a request or error can never leak a credential into logs.
package oauth
