package oauth

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiryMargin is the default margin when checking token expiry.
// This accounts for clock skew and network latency.
const DefaultExpiryMargin = 30 * time.Second

// TokenRefreshThreshold is the duration before token expiry when tokens should
// be proactively refreshed. Tokens expiring within this threshold will be
// refreshed automatically if a refresh avenue is available. This is shared
// across the refresh orchestrator and the session facade to ensure consistent
// behavior.
const TokenRefreshThreshold = 5 * time.Minute

// DefaultAuthStorageDir is the default directory for storing credentials and
// auth sync state, relative to the user's home directory. This follows XDG
// conventions.
const DefaultAuthStorageDir = ".config/maxlab/auth"

// Token represents an OAuth access token with associated metadata.
type Token struct {
	// AccessToken is the bearer token used for authorization.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the access token lifetime in seconds (from token response).
	ExpiresIn int `json:"expires_in,omitempty"`

	// ExpiresAt is the calculated access token expiration timestamp.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// RefreshExpiresIn is the refresh token lifetime in seconds, if the
	// provider reports one (Keycloak-style refresh_expires_in).
	RefreshExpiresIn int `json:"refresh_expires_in,omitempty"`

	// RefreshExpiresAt is the calculated refresh token expiration timestamp.
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// Issuer is the token issuer (Identity Provider URL).
	Issuer string `json:"issuer,omitempty"`

	// IDToken is the OIDC ID token (if available).
	IDToken string `json:"id_token,omitempty"`
}

// IsExpired checks if the token has expired.
// Returns true if the token is expired or will expire within the default margin.
func (t *Token) IsExpired() bool {
	return t.IsExpiredWithMargin(DefaultExpiryMargin)
}

// IsExpiredWithMargin checks if the token has expired or will expire within the margin.
func (t *Token) IsExpiredWithMargin(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false // Tokens without expiration don't expire
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// TimeToExpiry returns the remaining access token lifetime.
// Returns zero when the token is already expired, and a very large duration
// when no expiry is known.
func (t *Token) TimeToExpiry() time.Duration {
	if t.ExpiresAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	remaining := time.Until(t.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RefreshTokenUsable reports whether a refresh token is present and, if its
// expiry is known, not yet expired.
func (t *Token) RefreshTokenUsable() bool {
	if t.RefreshToken == "" {
		return false
	}
	if t.RefreshExpiresAt.IsZero() {
		return true
	}
	return time.Now().Before(t.RefreshExpiresAt)
}

// SetExpiriesFromResponse calculates ExpiresAt and RefreshExpiresAt from the
// relative lifetimes in a token endpoint response.
func (t *Token) SetExpiriesFromResponse() {
	now := time.Now()
	if t.ExpiresIn > 0 && t.ExpiresAt.IsZero() {
		t.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	if t.RefreshExpiresIn > 0 && t.RefreshExpiresAt.IsZero() {
		t.RefreshExpiresAt = now.Add(time.Duration(t.RefreshExpiresIn) * time.Second)
	}
}

// Scopes returns the scope as a slice of individual scopes.
func (t *Token) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// ToOAuth2Token converts the Token to an oauth2.Token for compatibility with golang.org/x/oauth2.
func (t *Token) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}

	// Add ID token to extra data if available
	if t.IDToken != "" {
		token = token.WithExtra(map[string]interface{}{
			"id_token": t.IDToken,
		})
	}

	return token
}

// Metadata represents the identity provider's discovery document: OpenID
// Connect discovery with the RFC 8414 authorization server metadata fields
// that overlap it.
type Metadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// UserinfoEndpoint is the URL of the userinfo endpoint (OIDC).
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// JwksURI is the URL of the JSON Web Key Set.
	JwksURI string `json:"jwks_uri,omitempty"`

	// EndSessionEndpoint is the RP-initiated logout endpoint (OIDC).
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`

	// RevocationEndpoint is the RFC 7009 token revocation endpoint.
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the RFC 7662 token introspection endpoint.
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// ScopesSupported lists the OAuth 2.0 scope values supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the response_type values supported.
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// GrantTypesSupported lists the grant types supported.
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE returns true if the server supports S256 PKCE.
func (m *Metadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	// If not specified, assume S256 is supported (OAuth 2.1 requirement)
	return len(m.CodeChallengeMethodsSupported) == 0
}

// UserInfo holds the identity claims returned by the userinfo endpoint.
type UserInfo struct {
	// Subject is the unique user identifier (sub claim).
	Subject string `json:"sub"`
	// Email is the user's email address (email claim).
	Email string `json:"email,omitempty"`
	// Name is the user's display name (name claim).
	Name string `json:"name,omitempty"`
	// PreferredUsername is the preferred_username claim.
	PreferredUsername string `json:"preferred_username,omitempty"`
	// Groups lists group memberships, when the provider exposes them.
	Groups []string `json:"groups,omitempty"`
}

// Introspection is the RFC 7662 token introspection response.
type Introspection struct {
	// Active reports whether the token is currently valid at the provider.
	Active bool `json:"active"`
	// Exp is the token expiry as a Unix timestamp (optional).
	Exp int64 `json:"exp,omitempty"`
	// Sub is the subject of the token (optional).
	Sub string `json:"sub,omitempty"`
	// Scope is the space-separated scope list (optional).
	Scope string `json:"scope,omitempty"`
}

// PKCEChallenge represents a PKCE (Proof Key for Code Exchange) challenge.
// PKCE is required for OAuth 2.1 public clients to prevent authorization code interception.
type PKCEChallenge struct {
	// CodeVerifier is the cryptographically random string (base64url-encoded).
	// This is kept secret and never transmitted to the authorization server.
	CodeVerifier string

	// CodeChallenge is the SHA256 hash of the verifier (base64url-encoded).
	// This is sent in the authorization request.
	CodeChallenge string

	// CodeChallengeMethod is always "S256" (plain is not allowed in OAuth 2.1).
	CodeChallengeMethod string
}

// SilentOptions adds OIDC prompt=none parameters to an authorization request,
// requesting re-authentication without user interaction. The provider will
// return an error instead of a login page when no session exists.
type SilentOptions struct {
	// LoginHint is the user identifier from a previous session (email or sub).
	LoginHint string

	// IDTokenHint is the ID token from a previous session, proving prior
	// authentication to providers that require it for prompt=none.
	IDTokenHint string
}
