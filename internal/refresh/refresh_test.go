package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HK-LEEE/maxlab-sub001/internal/authsync"
	"github.com/HK-LEEE/maxlab-sub001/internal/breaker"
	"github.com/HK-LEEE/maxlab-sub001/internal/credstore"
	"github.com/HK-LEEE/maxlab-sub001/internal/loopguard"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"
)

// newProvider builds a fake identity provider whose discovery document points
// back at itself, delegating /token to the given handler.
func newProvider(t *testing.T, tokenHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":         server.URL,
			"token_endpoint": server.URL + "/token",
		})
	})
	mux.HandleFunc("/token", tokenHandler)

	return server
}

func tokenResponse(w http.ResponseWriter, accessToken string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	})
}

func oauthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func seedStore(t *testing.T, rec *credstore.Record) *credstore.Store {
	t.Helper()
	store, err := credstore.NewStore(credstore.StoreConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	if rec != nil {
		require.NoError(t, store.Save(rec))
	}
	return store
}

func nearExpiryRecord() *credstore.Record {
	return &credstore.Record{
		AccessToken:       "old-access-token",
		AccessTokenExpiry: time.Now().Add(2 * time.Minute),
		RefreshToken:      "refresh-token-1",
		TokenType:         "Bearer",
	}
}

func newOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = "maxlab-client"
	}
	if cfg.Client == nil {
		cfg.Client = oauth.NewClient()
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	return o
}

func TestNeedsRefresh(t *testing.T) {
	t.Run("fresh token", func(t *testing.T) {
		store := seedStore(t, &credstore.Record{
			AccessToken:       "token",
			AccessTokenExpiry: time.Now().Add(time.Hour),
			RefreshToken:      "rt",
		})
		o := newOrchestrator(t, Config{Issuer: "https://idp.example", Store: store})
		assert.False(t, o.NeedsRefresh())
	})

	t.Run("near expiry with refresh token", func(t *testing.T) {
		store := seedStore(t, nearExpiryRecord())
		o := newOrchestrator(t, Config{Issuer: "https://idp.example", Store: store})
		assert.True(t, o.NeedsRefresh())
	})

	t.Run("near expiry without any avenue", func(t *testing.T) {
		store := seedStore(t, &credstore.Record{
			AccessToken:       "token",
			AccessTokenExpiry: time.Now().Add(time.Minute),
		})
		o := newOrchestrator(t, Config{Issuer: "https://idp.example", Store: store})
		assert.False(t, o.NeedsRefresh())
	})

	t.Run("no credentials", func(t *testing.T) {
		store := seedStore(t, nil)
		o := newOrchestrator(t, Config{Issuer: "https://idp.example", Store: store})
		assert.False(t, o.NeedsRefresh())
	})
}

func TestRefreshHappyPath(t *testing.T) {
	server := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-token-1", r.Form.Get("refresh_token"))
		tokenResponse(w, "new-access-token", 3600)
	})

	store := seedStore(t, nearExpiryRecord())
	channel := authsync.NewMemoryChannel()
	var refreshed atomic.Bool
	channel.Subscribe(authsync.Handlers{
		OnTokenRefresh: func(authsync.Event) { refreshed.Store(true) },
	})

	o := newOrchestrator(t, Config{Issuer: server.URL, Store: store, Channel: channel})

	ok, err := o.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateFresh, o.State())
	assert.True(t, refreshed.Load(), "token_refresh must be broadcast")

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "new-access-token", rec.AccessToken)
	assert.Equal(t, "refresh-token-1", rec.RefreshToken, "unrotated refresh token is kept")
	assert.Greater(t, rec.TimeToExpiry(), 30*time.Minute)
}

func TestRefreshNoopWhenNotNeeded(t *testing.T) {
	var calls atomic.Int64
	server := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		tokenResponse(w, "new-access-token", 3600)
	})

	store := seedStore(t, &credstore.Record{
		AccessToken:       "token",
		AccessTokenExpiry: time.Now().Add(time.Hour),
		RefreshToken:      "rt",
	})
	o := newOrchestrator(t, Config{Issuer: server.URL, Store: store})

	ok, err := o.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), calls.Load(), "no provider call when no refresh is due")
}

func TestRefreshSingleFlight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	server := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		tokenResponse(w, "new-access-token", 3600)
	})

	store := seedStore(t, nearExpiryRecord())
	o := newOrchestrator(t, Config{Issuer: server.URL, Store: store})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	oks := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			oks[i], errs[i] = o.Refresh(context.Background(), true)
		}(i)
	}

	// Let every caller reach the singleflight barrier before the provider
	// answers.
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent callers must share one provider call")
	for i := 0; i < callers; i++ {
		assert.NoError(t, errs[i])
		assert.True(t, oks[i])
	}
}

func TestRefreshInvalidGrantForcesLogout(t *testing.T) {
	var calls atomic.Int64
	server := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		oauthError(w, http.StatusBadRequest, "invalid_grant")
	})

	store := seedStore(t, nearExpiryRecord())
	channel := authsync.NewMemoryChannel()
	var sessionExpired atomic.Bool
	channel.Subscribe(authsync.Handlers{
		OnSessionExpired: func(authsync.Event) { sessionExpired.Store(true) },
	})

	var signals []Signal
	o := newOrchestrator(t, Config{
		Issuer:  server.URL,
		Store:   store,
		Channel: channel,
		Notifier: NotifierFunc(func(s Signal, _ map[string]string) {
			signals = append(signals, s)
		}),
	})

	ok, err := o.Refresh(context.Background(), true)
	assert.False(t, ok)
	assert.Equal(t, oauth.KindInvalidRefreshToken, oauth.KindOf(err))
	assert.Equal(t, int64(1), calls.Load(), "invalid_grant is never retried")
	assert.Equal(t, StateFailed, o.State())
	assert.True(t, sessionExpired.Load())
	assert.Contains(t, signals, SignalRefreshTokenInvalid)
	assert.Contains(t, signals, SignalSessionExpired)

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, rec.RefreshToken, "rejected refresh token must be dropped")
}

func TestRefreshServerErrorRetriesWithinBudget(t *testing.T) {
	var calls atomic.Int64
	server := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		oauthError(w, http.StatusBadGateway, "temporarily_unavailable")
	})

	store := seedStore(t, nearExpiryRecord())
	o := newOrchestrator(t, Config{Issuer: server.URL, Store: store})

	ok, err := o.Refresh(context.Background(), true)
	assert.False(t, ok)
	assert.Equal(t, oauth.KindServerError, oauth.KindOf(err))
	assert.Equal(t, int64(4), calls.Load(), "server errors get four attempts")
	assert.Equal(t, StateFailed, o.State())
}

func TestRefreshServerErrorRecovery(t *testing.T) {
	var calls atomic.Int64
	server := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			oauthError(w, http.StatusServiceUnavailable, "temporarily_unavailable")
			return
		}
		tokenResponse(w, "new-access-token", 3600)
	})

	store := seedStore(t, nearExpiryRecord())
	o := newOrchestrator(t, Config{Issuer: server.URL, Store: store})

	ok, err := o.Refresh(context.Background(), true)
	require.NoError(t, err, "a flaky provider inside the budget must not end the session")
	assert.True(t, ok)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, StateFresh, o.State())
}

func TestRefreshNetworkFailuresWithinBudget(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 4 {
			// Drop the connection before writing anything so the client
			// sees a transport failure, not an HTTP error.
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		tokenResponse(w, "new-access-token", 3600)
	})

	server := httptest.NewUnstartedServer(mux)
	// Keep-alives off so every request dials fresh and a dropped connection
	// surfaces as exactly one failed attempt.
	server.Config.SetKeepAlivesEnabled(false)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":         server.URL,
			"token_endpoint": server.URL + "/token",
		})
	})
	server.Start()
	t.Cleanup(server.Close)

	store := seedStore(t, nearExpiryRecord())
	var signals []Signal
	o := newOrchestrator(t, Config{
		Issuer: server.URL,
		Store:  store,
		Notifier: NotifierFunc(func(s Signal, _ map[string]string) {
			signals = append(signals, s)
		}),
	})

	ok, err := o.Refresh(context.Background(), true)
	require.NoError(t, err, "four network failures sit inside the tolerance of five")
	assert.True(t, ok)
	assert.Equal(t, int64(5), calls.Load())
	assert.Equal(t, StateFresh, o.State())
	assert.NotContains(t, signals, SignalSessionExpired)

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "new-access-token", rec.AccessToken)
}

func TestRefreshFallsBackToSilentStrategy(t *testing.T) {
	store := seedStore(t, &credstore.Record{
		AccessToken:       "old-access-token",
		AccessTokenExpiry: time.Now().Add(time.Minute),
		// No refresh token: the first strategy is not applicable.
	})

	var silentCalls atomic.Int64
	o := newOrchestrator(t, Config{
		Issuer: "https://idp.example",
		Store:  store,
		SilentLogin: func(ctx context.Context) (*oauth.Token, error) {
			silentCalls.Add(1)
			return &oauth.Token{
				AccessToken: "silent-access-token",
				TokenType:   "Bearer",
				ExpiresAt:   time.Now().Add(time.Hour),
			}, nil
		},
	})

	ok, err := o.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), silentCalls.Load())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "silent-access-token", rec.AccessToken)
}

func TestRefreshSSOStrategyGatedByBreaker(t *testing.T) {
	store := seedStore(t, &credstore.Record{
		AccessToken:       "old-access-token",
		AccessTokenExpiry: time.Now().Add(time.Minute),
		SSOSession:        true,
	})

	b := breaker.New(breaker.Config{Threshold: 1})
	b.RecordFailure()

	var ssoCalls atomic.Int64
	o := newOrchestrator(t, Config{
		Issuer:  "https://idp.example",
		Store:   store,
		Breaker: b,
		InteractiveLogin: func(ctx context.Context) (*oauth.Token, error) {
			ssoCalls.Add(1)
			return nil, fmt.Errorf("should not run")
		},
	})

	ok, err := o.Refresh(context.Background(), true)
	assert.False(t, ok)
	assert.Equal(t, oauth.KindCircuitOpen, oauth.KindOf(err))
	assert.Equal(t, int64(0), ssoCalls.Load(), "open circuit must block the browser flow")
}

func TestRefreshSSOStrategySuccess(t *testing.T) {
	store := seedStore(t, &credstore.Record{
		AccessToken:       "old-access-token",
		AccessTokenExpiry: time.Now().Add(time.Minute),
		SSOSession:        true,
	})

	b := breaker.New(breaker.Config{})
	o := newOrchestrator(t, Config{
		Issuer:  "https://idp.example",
		Store:   store,
		Breaker: b,
		InteractiveLogin: func(ctx context.Context) (*oauth.Token, error) {
			return &oauth.Token{
				AccessToken: "sso-access-token",
				TokenType:   "Bearer",
				ExpiresAt:   time.Now().Add(time.Hour),
			}, nil
		},
	})

	ok, err := o.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, breaker.StateClosed, b.State())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "sso-access-token", rec.AccessToken)
}

func TestRefreshBlockedByLoopGuard(t *testing.T) {
	store := seedStore(t, nearExpiryRecord())

	guard := loopguard.New(loopguard.Config{MaxFailures: 1})
	guard.RecordAttempt(loopguard.KindAuto, false)

	var calls atomic.Int64
	server := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		tokenResponse(w, "new-access-token", 3600)
	})

	o := newOrchestrator(t, Config{Issuer: server.URL, Store: store, Guard: guard})

	ok, err := o.Refresh(context.Background(), true)
	assert.False(t, ok)
	assert.Equal(t, oauth.KindLoopDetected, oauth.KindOf(err))
	assert.Equal(t, int64(0), calls.Load(), "loop guard must block before any network call")
}

func TestRefreshCancellation(t *testing.T) {
	started := make(chan struct{})
	server := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and can
		// observe the client disconnecting; otherwise r.Context() is never
		// cancelled and server shutdown hangs.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	})

	store := seedStore(t, nearExpiryRecord())
	guard := loopguard.New(loopguard.Config{MaxFailures: 1})
	o := newOrchestrator(t, Config{Issuer: server.URL, Store: store, Guard: guard})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Refresh(ctx, true)
		done <- err
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, oauth.KindCancelled, oauth.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled refresh never returned")
	}

	// A cancelled attempt must not count toward the loop guard.
	assert.False(t, guard.DetectLoop())
	assert.True(t, guard.CanAttempt(loopguard.KindAuto))
}

func TestStartAutoRefreshStopIdempotent(t *testing.T) {
	store := seedStore(t, nil)
	o := newOrchestrator(t, Config{Issuer: "https://idp.example", Store: store})

	stop := o.StartAutoRefresh()
	stop()
	stop()
}

func TestCheckInterval(t *testing.T) {
	cases := []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{"near expiry", 3 * time.Minute, intervalNear},
		{"mid range", 20 * time.Minute, intervalMid},
		{"far out", 2 * time.Hour, intervalFar},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := seedStore(t, &credstore.Record{
				AccessToken:       "token",
				AccessTokenExpiry: time.Now().Add(tc.ttl),
			})
			o := newOrchestrator(t, Config{Issuer: "https://idp.example", Store: store})
			assert.Equal(t, tc.want, o.checkInterval())
		})
	}

	t.Run("no credentials", func(t *testing.T) {
		store := seedStore(t, nil)
		o := newOrchestrator(t, Config{Issuer: "https://idp.example", Store: store})
		assert.Equal(t, intervalFar, o.checkInterval())
	})
}
