// Package blacklist tracks revoked tokens so that an ex-token is rejected
// before it is used, even when its expiry has not yet passed.
//
// The check is advisory: the primary security boundary is the identity
// provider itself. Remote check failures therefore fail open (the token is
// treated as not blacklisted) and are logged, never propagated as hard
// failures that would block legitimate use.
package blacklist

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// Entry is a locally cached blacklist record for one token.
type Entry struct {
	// Key is the token's jti claim, or a SHA-256 hash for opaque tokens.
	Key string `json:"key"`

	Reason        string    `json:"reason,omitempty"`
	BlacklistedAt time.Time `json:"blacklisted_at"`

	// ExpiresAt is when the underlying token expires; the cache entry is
	// pruned after this since an expired token is rejected anyway.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Client checks tokens against a remote blacklist service with a local cache.
type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu    sync.RWMutex
	cache map[string]*Entry
}

// ClientConfig configures the blacklist client.
type ClientConfig struct {
	// Endpoint is the remote blacklist check URL. Empty disables remote
	// checks; only the local cache is consulted.
	Endpoint string

	// Timeout bounds each remote call. Defaults to 5s.
	Timeout time.Duration

	// HTTPClient overrides the default HTTP client (the timeout above is
	// not applied to a custom client).
	HTTPClient *http.Client
}

// NewClient creates a blacklist client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint:   cfg.Endpoint,
		httpClient: httpClient,
		// Remote checks are advisory; one sustained check per second with a
		// small burst keeps token-validation hot paths from hammering the
		// blacklist service.
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		cache:   make(map[string]*Entry),
	}
}

// IsBlacklisted reports whether the token has been revoked. The local cache
// is authoritative for positives; for negatives the remote service is asked
// (when configured), failing open on any remote error.
func (c *Client) IsBlacklisted(ctx context.Context, token oauth.RedactedToken) bool {
	key, exp := TokenKey(token.Value())

	c.mu.RLock()
	_, hit := c.cache[key]
	c.mu.RUnlock()

	if hit {
		return true
	}

	if c.endpoint == "" {
		return false
	}

	if !c.limiter.Allow() {
		// Over the rate budget; the advisory check is skipped.
		logging.Debug("Blacklist", "Remote check skipped by rate limiter")
		return false
	}

	blacklisted, reason, err := c.remoteCheck(ctx, key)
	if err != nil {
		logging.Warn("Blacklist", "Remote check failed, failing open: %v", err)
		return false
	}

	if blacklisted {
		c.put(&Entry{Key: key, Reason: reason, BlacklistedAt: time.Now(), ExpiresAt: exp})
	}
	return blacklisted
}

// Blacklist marks a token as revoked. The local cache is updated
// optimistically; the remote call runs fire-and-forget and its errors are
// swallowed (logged only).
func (c *Client) Blacklist(ctx context.Context, token oauth.RedactedToken, reason string) {
	key, exp := TokenKey(token.Value())

	c.put(&Entry{Key: key, Reason: reason, BlacklistedAt: time.Now(), ExpiresAt: exp})

	if c.endpoint == "" {
		return
	}

	go func() {
		// Detached from the caller's context so a quick caller exit doesn't
		// abort the report; bounded by its own timeout.
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if err := c.remoteReport(reportCtx, key, reason); err != nil {
			logging.Warn("Blacklist", "Failed to report revocation: %v", err)
		}
	}()
}

// Prune drops cache entries for tokens that have expired on their own.
func (c *Client) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	count := 0
	for key, entry := range c.cache {
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			delete(c.cache, key)
			count++
		}
	}
	return count
}

// CacheSize returns the number of locally cached entries.
func (c *Client) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *Client) put(entry *Entry) {
	c.mu.Lock()
	c.cache[entry.Key] = entry
	c.mu.Unlock()
}

// checkRequest/checkResponse are the remote check wire format.
type checkRequest struct {
	TokenHash string `json:"token_hash"`
}

type checkResponse struct {
	Blacklisted bool   `json:"blacklisted"`
	Reason      string `json:"reason,omitempty"`
}

func (c *Client) remoteCheck(ctx context.Context, key string) (bool, string, error) {
	body, err := json.Marshal(checkRequest{TokenHash: key})
	if err != nil {
		return false, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/check", bytes.NewReader(body))
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("blacklist check returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", err
	}

	var result checkResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return false, "", fmt.Errorf("failed to parse blacklist response: %w", err)
	}

	return result.Blacklisted, result.Reason, nil
}

type reportRequest struct {
	TokenHash string `json:"token_hash"`
	Reason    string `json:"reason,omitempty"`
}

func (c *Client) remoteReport(ctx context.Context, key, reason string) error {
	body, err := json.Marshal(reportRequest{TokenHash: key, Reason: reason})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/report", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("blacklist report returned status %d", resp.StatusCode)
	}
	return nil
}

// TokenKey derives the blacklist key for a token: the jti claim for JWTs,
// or a SHA-256 hash for opaque tokens. The second return is the token's own
// expiry when it can be read from the claims.
func TokenKey(token string) (string, time.Time) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		var exp time.Time
		if expClaim, err := claims.GetExpirationTime(); err == nil && expClaim != nil {
			exp = expClaim.Time
		}
		if jti, ok := claims["jti"].(string); ok && jti != "" {
			return jti, exp
		}
	}

	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:]), time.Time{}
}

// Subject returns the sub claim of a JWT, or "" for opaque tokens. Claims are
// read without signature verification; the value is used only as a local
// storage key, never as an authorization decision.
func Subject(token string) string {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}
