package blacklist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}

func TestTokenKey(t *testing.T) {
	t.Run("jwt with jti", func(t *testing.T) {
		exp := time.Now().Add(time.Hour).Truncate(time.Second)
		raw := signedToken(t, jwt.MapClaims{
			"jti": "token-id-123",
			"exp": exp.Unix(),
		})

		key, gotExp := TokenKey(raw)
		assert.Equal(t, "token-id-123", key)
		assert.True(t, gotExp.Equal(exp), "expected exp %v, got %v", exp, gotExp)
	})

	t.Run("jwt without jti falls back to hash", func(t *testing.T) {
		raw := signedToken(t, jwt.MapClaims{"sub": "user-1"})

		key, _ := TokenKey(raw)
		assert.NotEmpty(t, key)
		assert.Len(t, key, 64, "expected hex-encoded SHA-256")
	})

	t.Run("opaque token hashed deterministically", func(t *testing.T) {
		key1, exp := TokenKey("opaque-token-value")
		key2, _ := TokenKey("opaque-token-value")
		key3, _ := TokenKey("different-token")

		assert.Equal(t, key1, key2)
		assert.NotEqual(t, key1, key3)
		assert.True(t, exp.IsZero())
	})
}

func TestSubject(t *testing.T) {
	raw := signedToken(t, jwt.MapClaims{"sub": "user-42"})
	assert.Equal(t, "user-42", Subject(raw))
	assert.Empty(t, Subject("opaque-token"))
}

func TestIsBlacklistedLocalCache(t *testing.T) {
	client := NewClient(ClientConfig{})
	token := oauth.NewRedactedToken("opaque-token")

	ctx := context.Background()
	assert.False(t, client.IsBlacklisted(ctx, token))

	client.Blacklist(ctx, token, "logout")
	assert.True(t, client.IsBlacklisted(ctx, token))
	assert.Equal(t, 1, client.CacheSize())
}

func TestIsBlacklistedRemote(t *testing.T) {
	var checks atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/check", r.URL.Path)
		checks.Add(1)

		var req checkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := checkResponse{Blacklisted: req.TokenHash == "revoked-jti", Reason: "admin"}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL})
	ctx := context.Background()

	revoked := oauth.NewRedactedToken(signedToken(t, jwt.MapClaims{
		"jti": "revoked-jti",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	valid := oauth.NewRedactedToken(signedToken(t, jwt.MapClaims{
		"jti": "valid-jti",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))

	assert.True(t, client.IsBlacklisted(ctx, revoked))
	assert.False(t, client.IsBlacklisted(ctx, valid))

	// Positive result is cached; a second check must not hit the server.
	before := checks.Load()
	assert.True(t, client.IsBlacklisted(ctx, revoked))
	assert.Equal(t, before, checks.Load())
}

func TestIsBlacklistedFailsOpen(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := NewClient(ClientConfig{Endpoint: server.URL})
		assert.False(t, client.IsBlacklisted(context.Background(), oauth.NewRedactedToken("some-token")))
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		client := NewClient(ClientConfig{
			Endpoint: "http://127.0.0.1:1",
			Timeout:  200 * time.Millisecond,
		})
		assert.False(t, client.IsBlacklisted(context.Background(), oauth.NewRedactedToken("some-token")))
	})

	t.Run("malformed response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer server.Close()

		client := NewClient(ClientConfig{Endpoint: server.URL})
		assert.False(t, client.IsBlacklisted(context.Background(), oauth.NewRedactedToken("some-token")))
	})
}

func TestBlacklistReportsRemote(t *testing.T) {
	reported := make(chan reportRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/report", r.URL.Path)

		var req reportRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reported <- req
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL})
	ctx := context.Background()

	token := oauth.NewRedactedToken(signedToken(t, jwt.MapClaims{"jti": "report-me"}))
	client.Blacklist(ctx, token, "logout")

	// Local cache is updated immediately, before the remote report lands.
	assert.True(t, client.IsBlacklisted(ctx, token))

	select {
	case req := <-reported:
		assert.Equal(t, "report-me", req.TokenHash)
		assert.Equal(t, "logout", req.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("remote report never arrived")
	}
}

func TestBlacklistSurvivesRemoteFailure(t *testing.T) {
	client := NewClient(ClientConfig{
		Endpoint: "http://127.0.0.1:1",
		Timeout:  200 * time.Millisecond,
	})
	ctx := context.Background()

	token := oauth.NewRedactedToken("opaque-token")
	client.Blacklist(ctx, token, "compromised")

	// Remote report fails in the background; local revocation still holds.
	assert.True(t, client.IsBlacklisted(ctx, token))
}

func TestPrune(t *testing.T) {
	client := NewClient(ClientConfig{})

	client.put(&Entry{Key: "expired", ExpiresAt: time.Now().Add(-time.Minute)})
	client.put(&Entry{Key: "live", ExpiresAt: time.Now().Add(time.Hour)})
	client.put(&Entry{Key: "no-expiry"})

	assert.Equal(t, 1, client.Prune())
	assert.Equal(t, 2, client.CacheSize())
}

func TestRateLimiterSkipsRemoteCheck(t *testing.T) {
	var checks atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks.Add(1)
		json.NewEncoder(w).Encode(checkResponse{Blacklisted: false})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL})
	ctx := context.Background()

	// Burst is 5; well past that the limiter must start skipping.
	for i := 0; i < 20; i++ {
		client.IsBlacklisted(ctx, oauth.NewRedactedToken("opaque-token"))
	}
	assert.Less(t, checks.Load(), int64(20))
}
