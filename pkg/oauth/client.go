package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMetadataCacheTTL is the default TTL for cached discovery metadata.
	DefaultMetadataCacheTTL = 30 * time.Minute
)

// metadataCacheEntry holds cached discovery metadata with its timestamp.
type metadataCacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// Client handles the identity provider's OAuth2/OIDC protocol operations:
// metadata discovery, token exchange and refresh, userinfo, revocation, and
// introspection. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	// Metadata cache with mutex for thread safety
	metadataMu    sync.RWMutex
	metadataCache map[string]*metadataCacheEntry
	metadataTTL   time.Duration

	// singleflight group to deduplicate concurrent metadata fetches
	metadataGroup singleflight.Group
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetadataCacheTTL sets the metadata cache TTL.
func WithMetadataCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.metadataTTL = ttl
	}
}

// NewClient creates a new OAuth client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		logger:        slog.Default(),
		metadataCache: make(map[string]*metadataCacheEntry),
		metadataTTL:   DefaultMetadataCacheTTL,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// DiscoverMetadata fetches the provider's discovery document.
// It tries OpenID Connect (/.well-known/openid-configuration) first, then
// falls back to RFC 8414 (/.well-known/oauth-authorization-server).
//
// Results are cached with a TTL to reduce network requests; concurrent
// discoveries for the same issuer are deduplicated.
func (c *Client) DiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	// Check cache first with read lock
	c.metadataMu.RLock()
	if entry, ok := c.metadataCache[issuer]; ok {
		if time.Since(entry.fetchedAt) < c.metadataTTL {
			c.metadataMu.RUnlock()
			return entry.metadata, nil
		}
	}
	c.metadataMu.RUnlock()

	// Use singleflight to deduplicate concurrent fetches
	result, err, _ := c.metadataGroup.Do(issuer, func() (interface{}, error) {
		// Double-check cache after acquiring singleflight lock
		c.metadataMu.RLock()
		if entry, ok := c.metadataCache[issuer]; ok {
			if time.Since(entry.fetchedAt) < c.metadataTTL {
				c.metadataMu.RUnlock()
				return entry.metadata, nil
			}
		}
		c.metadataMu.RUnlock()

		return c.doDiscoverMetadata(ctx, issuer)
	})

	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

// doDiscoverMetadata performs the actual HTTP fetch for discovery metadata.
func (c *Client) doDiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	// Try OpenID Connect discovery first
	wellKnownURL := issuer + "/.well-known/openid-configuration"
	metadata, err := c.fetchMetadata(ctx, wellKnownURL)
	if err == nil {
		c.cacheMetadata(issuer, metadata)
		return metadata, nil
	}

	c.logger.Debug("OIDC discovery failed, trying RFC 8414",
		"issuer", issuer,
		"error", err)

	// Fall back to RFC 8414 authorization server metadata
	wellKnownURL = issuer + "/.well-known/oauth-authorization-server"
	metadata, err = c.fetchMetadata(ctx, wellKnownURL)
	if err == nil {
		c.cacheMetadata(issuer, metadata)
		return metadata, nil
	}

	return nil, fmt.Errorf("failed to discover OAuth metadata for %s: %w", issuer, err)
}

// fetchMetadata fetches metadata from a specific URL.
func (c *Client) fetchMetadata(ctx context.Context, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewFlowError(KindNetwork, "metadata request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFlowError(KindNetwork, "failed to read metadata response", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &metadata, nil
}

// cacheMetadata stores metadata in the cache.
func (c *Client) cacheMetadata(issuer string, metadata *Metadata) {
	c.metadataMu.Lock()
	c.metadataCache[issuer] = &metadataCacheEntry{
		metadata:  metadata,
		fetchedAt: time.Now(),
	}
	c.metadataMu.Unlock()

	c.logger.Debug("Cached OAuth metadata",
		"issuer", issuer,
		"authorization_endpoint", metadata.AuthorizationEndpoint,
		"token_endpoint", metadata.TokenEndpoint)
}

// ClearMetadataCache clears the metadata cache.
// Useful for testing or when metadata needs to be refreshed immediately.
func (c *Client) ClearMetadataCache() {
	c.metadataMu.Lock()
	c.metadataCache = make(map[string]*metadataCacheEntry)
	c.metadataMu.Unlock()
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, tokenEndpoint, code, redirectURI, clientID, codeVerifier string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {codeVerifier},
	}

	return c.doTokenRequest(ctx, tokenEndpoint, data)
}

// RefreshGrant obtains a new access token using a refresh token.
// A provider rejection of the refresh token itself (invalid_grant) is
// classified KindInvalidRefreshToken so callers stop retrying this grant.
func (c *Client) RefreshGrant(ctx context.Context, tokenEndpoint, refreshToken, clientID string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}

	return c.doTokenRequest(ctx, tokenEndpoint, data)
}

// oauthErrorBody is the RFC 6749 error response from the token endpoint.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// doTokenRequest performs a token endpoint request.
func (c *Client) doTokenRequest(ctx context.Context, tokenEndpoint string, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewFlowError(KindCancelled, "token request cancelled", ctx.Err())
		}
		return nil, NewFlowError(KindNetwork, "token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFlowError(KindNetwork, "failed to read token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr oauthErrorBody
		_ = json.Unmarshal(body, &oauthErr)

		kind := classifyTokenResponse(resp.StatusCode, oauthErr.Error)
		msg := fmt.Sprintf("token request failed with status %d", resp.StatusCode)
		if oauthErr.Error != "" {
			msg = fmt.Sprintf("%s (%s)", msg, oauthErr.Error)
		}

		c.logger.Debug("Token request failed",
			"status", resp.StatusCode,
			"oauth_error", oauthErr.Error,
			"kind", string(kind))
		return nil, NewFlowError(kind, msg, nil)
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	// Calculate expirations if not set
	token.SetExpiriesFromResponse()

	return &token, nil
}

// UserInfo fetches the identity claims for an access token.
func (c *Client) UserInfo(ctx context.Context, userinfoEndpoint string, accessToken RedactedToken) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken.Value())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewFlowError(KindNetwork, "userinfo request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFlowError(KindNetwork, "failed to read userinfo response", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := KindPermissionDenied
		if resp.StatusCode >= 500 {
			kind = KindServerError
		}
		return nil, NewFlowError(kind, fmt.Sprintf("userinfo request failed with status %d", resp.StatusCode), nil)
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	return &info, nil
}

// Revoke revokes a token at the provider's revocation endpoint (RFC 7009).
// A 404 response is tolerated: the provider does not implement revocation and
// the caller should continue as if it succeeded.
func (c *Client) Revoke(ctx context.Context, revocationEndpoint string, token RedactedToken, tokenTypeHint, clientID string) error {
	data := url.Values{
		"token":     {token.Value()},
		"client_id": {clientID},
	}
	if tokenTypeHint != "" {
		data.Set("token_type_hint", tokenTypeHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revocationEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewFlowError(KindNetwork, "revocation request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		// Not implemented by the provider, continue
		c.logger.Debug("Revocation endpoint not implemented", "endpoint", revocationEndpoint)
		return nil
	default:
		kind := KindPermissionDenied
		if resp.StatusCode >= 500 {
			kind = KindServerError
		}
		return NewFlowError(kind, fmt.Sprintf("revocation failed with status %d", resp.StatusCode), nil)
	}
}

// Introspect queries the provider's introspection endpoint (RFC 7662).
func (c *Client) Introspect(ctx context.Context, introspectionEndpoint string, token RedactedToken, clientID string) (*Introspection, error) {
	data := url.Values{
		"token":     {token.Value()},
		"client_id": {clientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, introspectionEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewFlowError(KindNetwork, "introspection request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFlowError(KindNetwork, "failed to read introspection response", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := KindPermissionDenied
		if resp.StatusCode >= 500 {
			kind = KindServerError
		}
		return nil, NewFlowError(kind, fmt.Sprintf("introspection failed with status %d", resp.StatusCode), nil)
	}

	var result Introspection
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse introspection response: %w", err)
	}

	return &result, nil
}

// BuildAuthorizationURL constructs an OAuth authorization URL. When silent is
// non-nil the request carries prompt=none and the session hints, asking the
// provider to re-authenticate without user interaction.
func (c *Client) BuildAuthorizationURL(authEndpoint, clientID, redirectURI, state, scope string, pkce *PKCEChallenge, silent *SilentOptions) (string, error) {
	authURL, err := url.Parse(authEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)

	if scope != "" {
		query.Set("scope", scope)
	}

	if pkce != nil {
		query.Set("code_challenge", pkce.CodeChallenge)
		query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	}

	if silent != nil {
		query.Set("prompt", "none")
		if silent.LoginHint != "" {
			query.Set("login_hint", silent.LoginHint)
		}
		if silent.IDTokenHint != "" {
			query.Set("id_token_hint", silent.IDTokenHint)
		}
	}

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}
