// Package session is the facade over the auth core: it owns login and logout,
// answers "am I authenticated", and wires the credential store, refresh
// orchestrator, blacklist, and cross-process sync channel together.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/HK-LEEE/maxlab-sub001/internal/authsync"
	"github.com/HK-LEEE/maxlab-sub001/internal/blacklist"
	"github.com/HK-LEEE/maxlab-sub001/internal/breaker"
	"github.com/HK-LEEE/maxlab-sub001/internal/config"
	"github.com/HK-LEEE/maxlab-sub001/internal/coordinator"
	"github.com/HK-LEEE/maxlab-sub001/internal/credstore"
	"github.com/HK-LEEE/maxlab-sub001/internal/loopguard"
	"github.com/HK-LEEE/maxlab-sub001/internal/refresh"
	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"
)

// ErrNotAuthenticated is returned when an operation requires a session and
// none exists.
var ErrNotAuthenticated = errors.New("not authenticated")

// profileMaxAge is how old a cached user profile may be before CurrentUser
// refreshes it from the userinfo endpoint.
const profileMaxAge = time.Hour

// User is the authenticated user's identity as the rest of the application
// sees it.
type User struct {
	Subject string
	Email   string
	Name    string
}

// Manager is the session facade.
type Manager struct {
	cfg *config.Config

	client       *oauth.Client
	store        *credstore.Store
	blacklist    *blacklist.Client
	coordinator  *coordinator.Coordinator
	guard        *loopguard.Guard
	breaker      *breaker.Breaker
	orchestrator *refresh.Orchestrator
	channel      authsync.Channel

	openBrowser func(url string) error
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithOAuthClient overrides the identity provider client.
func WithOAuthClient(client *oauth.Client) ManagerOption {
	return func(m *Manager) {
		m.client = client
	}
}

// WithChannel overrides the cross-process sync channel.
func WithChannel(channel authsync.Channel) ManagerOption {
	return func(m *Manager) {
		m.channel = channel
	}
}

// WithBrowserOpener overrides how authorization URLs are opened.
func WithBrowserOpener(open func(url string) error) ManagerOption {
	return func(m *Manager) {
		m.openBrowser = open
	}
}

// NewManager builds the session facade and all its collaborators from the
// configuration.
func NewManager(cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		openBrowser: OpenBrowser,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		m.client = oauth.NewClient()
	}

	cipher, err := storeCipher(cfg)
	if err != nil {
		return nil, err
	}
	m.store, err = credstore.NewStore(credstore.StoreConfig{
		Dir:    cfg.StorageDir,
		Cipher: cipher,
	})
	if err != nil {
		return nil, err
	}

	m.blacklist = blacklist.NewClient(blacklist.ClientConfig{
		Endpoint: cfg.Blacklist.Endpoint,
		Timeout:  cfg.Blacklist.Timeout,
	})
	m.coordinator = coordinator.New()
	m.guard = loopguard.New(loopguard.Config{
		Window:      cfg.LoopGuard.Window,
		MaxFailures: cfg.LoopGuard.MaxFailures,
	})
	m.breaker = breaker.New(breaker.Config{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown,
	})

	if m.channel == nil {
		fileChannel, err := authsync.NewFileChannel(authsync.FileChannelConfig{
			Dir:      filepath.Join(m.store.Dir(), "events"),
			Handlers: m.syncHandlers(),
		})
		if err != nil {
			return nil, err
		}
		if err := fileChannel.Start(); err != nil {
			return nil, err
		}
		m.channel = fileChannel
	}

	m.orchestrator, err = refresh.NewOrchestrator(refresh.Config{
		Issuer:           cfg.Issuer,
		ClientID:         cfg.ClientID,
		Store:            m.store,
		Client:           m.client,
		Breaker:          m.breaker,
		Guard:            m.guard,
		Coordinator:      m.coordinator,
		Channel:          m.channel,
		Notifier:         refresh.NotifierFunc(m.handleRefreshSignal),
		Threshold:        cfg.Refresh.Threshold,
		InteractiveLogin: m.browserFlowForRefresh,
		SilentLogin:      m.silentFlow,
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// storeCipher builds the at-rest encryption cipher when enabled.
func storeCipher(cfg *config.Config) (*credstore.Cipher, error) {
	if !cfg.Encryption.Enabled {
		return nil, nil
	}

	keyMaterial := []byte(cfg.Encryption.Passphrase)
	if cfg.Encryption.KeyFile != "" {
		data, err := os.ReadFile(cfg.Encryption.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read encryption key file: %w", err)
		}
		keyMaterial = data
	}
	return credstore.NewCipher(keyMaterial)
}

// syncHandlers reacts to auth events from sibling processes.
func (m *Manager) syncHandlers() authsync.Handlers {
	return authsync.Handlers{
		OnLogout: func(e authsync.Event) {
			logging.Info("Session", "Peer process logged out (%s), clearing local state", e.Payload["reason"])
			m.localCleanup()
		},
		OnSessionExpired: func(e authsync.Event) {
			logging.Info("Session", "Peer process reported session expired, clearing local state")
			m.localCleanup()
		},
		OnTokenRefresh: func(e authsync.Event) {
			// The store is shared; nothing to do beyond noting it.
			logging.Debug("Session", "Peer process refreshed the token")
		},
	}
}

// handleRefreshSignal reacts to orchestrator lifecycle signals. Session
// expiry is the one with a local side effect: once every refresh avenue is
// spent the user is signed out locally, so no process keeps treating the
// dead credentials as a session. Peers learn of it through the channel
// broadcast the orchestrator sends alongside the signal.
func (m *Manager) handleRefreshSignal(signal refresh.Signal, detail map[string]string) {
	if signal != refresh.SignalSessionExpired {
		return
	}
	logging.Warn("Session", "Refresh avenues exhausted (%s), signing out locally", detail["reason"])
	m.localCleanup()
}

// Login runs the interactive authorization-code flow. It preempts any
// background silent or SSO re-authentication in progress: the user asked.
func (m *Manager) Login(ctx context.Context) (*User, error) {
	result, err := m.coordinator.Queue(ctx, coordinator.Request{
		Kind:     coordinator.KindInteractiveLogin,
		Priority: coordinator.PriorityUser,
		Execute: func(ctx context.Context) (any, error) {
			return m.browserFlow(ctx, nil)
		},
	})
	if err != nil {
		// A preempted or cancelled flow is not a failed attempt.
		if oauth.KindOf(err) != oauth.KindCancelled {
			m.guard.RecordAttempt(loopguard.KindManual, false)
		}
		return nil, err
	}

	token := result.(*oauth.Token)
	user, err := m.establishSession(ctx, token)
	if err != nil {
		m.guard.RecordAttempt(loopguard.KindManual, false)
		return nil, err
	}

	m.guard.RecordAttempt(loopguard.KindManual, true)
	m.broadcast(authsync.EventLogin, map[string]string{"user_id": user.Subject})
	logging.Info("Session", "Logged in as %s", user.Subject)
	return user, nil
}

// LoginSilent tries to establish a session without user interaction through
// a prompt=none flow against a still-live provider session. It fails fast
// when the provider wants interaction; callers then fall back to Login.
func (m *Manager) LoginSilent(ctx context.Context) (*User, error) {
	result, err := m.coordinator.Queue(ctx, coordinator.Request{
		Kind:     coordinator.KindSilentLogin,
		Priority: coordinator.PriorityNormal,
		Execute: func(ctx context.Context) (any, error) {
			return m.silentFlow(ctx)
		},
	})
	if err != nil {
		return nil, err
	}

	token := result.(*oauth.Token)
	user, err := m.establishSession(ctx, token)
	if err != nil {
		return nil, err
	}

	m.broadcast(authsync.EventLogin, map[string]string{"user_id": user.Subject})
	logging.Info("Session", "Silently renewed session for %s", user.Subject)
	return user, nil
}

// establishSession persists a freshly obtained token as the session record,
// enriched with the user profile when the provider exposes one.
func (m *Manager) establishSession(ctx context.Context, token *oauth.Token) (*User, error) {
	rec := &credstore.Record{SSOSession: true}
	rec.ApplyToken(token)

	subject := blacklist.Subject(token.IDToken)
	if subject == "" {
		subject = blacklist.Subject(token.AccessToken)
	}
	rec.UserID = subject

	user := &User{Subject: subject}
	if info := m.fetchUserInfo(ctx, token.AccessToken); info != nil {
		now := time.Now()
		rec.UserID = info.Subject
		rec.Profile = &credstore.Profile{
			Subject:   info.Subject,
			Email:     info.Email,
			Name:      info.Name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		user = &User{Subject: info.Subject, Email: info.Email, Name: info.Name}
	}

	if err := m.store.Save(rec); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return user, nil
}

// fetchUserInfo loads the user profile, best-effort.
func (m *Manager) fetchUserInfo(ctx context.Context, accessToken string) *oauth.UserInfo {
	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.Issuer)
	if err != nil || metadata.UserinfoEndpoint == "" {
		return nil
	}
	info, err := m.client.UserInfo(ctx, metadata.UserinfoEndpoint, oauth.NewRedactedToken(accessToken))
	if err != nil {
		logging.Warn("Session", "Failed to fetch user profile: %v", err)
		return nil
	}
	return info
}

// browserFlow runs one authorization-code round trip through the system
// browser and the local callback server.
func (m *Manager) browserFlow(ctx context.Context, silent *oauth.SilentOptions) (*oauth.Token, error) {
	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.Issuer)
	if err != nil {
		return nil, err
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}

	timeout := CallbackTimeout
	if silent != nil {
		timeout = SilentCallbackTimeout
	}
	flowCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	server := NewCallbackServer(m.cfg.CallbackPort)
	redirectURI, err := server.Start(flowCtx)
	if err != nil {
		return nil, err
	}
	defer server.Stop()

	authURL, err := m.client.BuildAuthorizationURL(
		metadata.AuthorizationEndpoint, m.cfg.ClientID, redirectURI, state, m.cfg.Scopes, pkce, silent)
	if err != nil {
		return nil, err
	}

	if err := m.openBrowser(authURL); err != nil {
		if silent != nil {
			return nil, oauth.NewFlowError(oauth.KindNetwork, "failed to open browser for silent auth", err)
		}
		// Interactive flows can fall back to the user opening the URL.
		logging.Warn("Session", "Could not open browser automatically: %v", err)
		fmt.Printf("Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
	}

	result, err := server.WaitForCallback(flowCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, oauth.NewFlowError(oauth.KindCancelled, "authorization flow cancelled", ctx.Err())
		}
		return nil, oauth.NewFlowError(oauth.KindNetwork, "authorization callback failed", err)
	}

	if result.IsError() {
		return nil, classifyCallbackError(result)
	}
	if result.State != state {
		return nil, oauth.NewFlowError(oauth.KindPermissionDenied, "state parameter mismatch", nil)
	}
	if result.Code == "" {
		return nil, oauth.NewFlowError(oauth.KindPermissionDenied, "callback carried no authorization code", nil)
	}

	token, err := m.client.ExchangeCode(flowCtx, metadata.TokenEndpoint, result.Code, redirectURI, m.cfg.ClientID, pkce.CodeVerifier)
	if err != nil {
		return nil, err
	}
	token.Issuer = m.cfg.Issuer
	return token, nil
}

// classifyCallbackError maps authorization endpoint error codes to flow
// error kinds.
func classifyCallbackError(result *CallbackResult) error {
	message := result.Error
	if result.ErrorDescription != "" {
		message = fmt.Sprintf("%s: %s", result.Error, result.ErrorDescription)
	}

	switch result.Error {
	case "login_required", "interaction_required", "consent_required", "account_selection_required":
		// The provider session is gone; silent auth cannot succeed.
		return oauth.NewFlowError(oauth.KindInvalidRefreshToken, message, nil)
	case "server_error", "temporarily_unavailable":
		return oauth.NewFlowError(oauth.KindServerError, message, nil)
	default:
		return oauth.NewFlowError(oauth.KindPermissionDenied, message, nil)
	}
}

// browserFlowForRefresh is the SSO-redirect refresh hook: a full interactive
// flow whose result also re-establishes the stored session metadata.
func (m *Manager) browserFlowForRefresh(ctx context.Context) (*oauth.Token, error) {
	return m.browserFlow(ctx, nil)
}

// silentFlow is the prompt=none refresh hook. Hints come from the stored
// session so the provider can match its existing SSO session.
func (m *Manager) silentFlow(ctx context.Context) (*oauth.Token, error) {
	rec, err := m.store.Load()
	if err != nil || rec.Empty() {
		return nil, oauth.NewFlowError(oauth.KindInvalidRefreshToken, "no session to renew silently", err)
	}

	silent := &oauth.SilentOptions{IDTokenHint: rec.IDToken}
	if rec.Profile != nil {
		silent.LoginHint = rec.Profile.Email
	}
	return m.browserFlow(ctx, silent)
}

// Logout ends the session. The local state is always erased and the logout
// broadcast even when remote revocation fails; a dead provider must never
// trap a user in a session. Idempotent.
func (m *Manager) Logout(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "manual"
	}

	m.coordinator.CancelAll()

	rec, err := m.store.Load()
	if err == nil && !rec.Empty() {
		m.blacklist.Blacklist(ctx, oauth.NewRedactedToken(rec.AccessToken), reason)
		m.revokeTokens(ctx, rec)
	}

	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear local session: %w", err)
	}

	m.broadcast(authsync.EventLogout, map[string]string{"reason": reason})
	logging.Info("Session", "Logged out (%s)", reason)
	return nil
}

// revokeTokens revokes both tokens at the provider, best-effort.
func (m *Manager) revokeTokens(ctx context.Context, rec *credstore.Record) {
	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.Issuer)
	if err != nil || metadata.RevocationEndpoint == "" {
		return
	}

	if rec.RefreshToken != "" {
		if err := m.client.Revoke(ctx, metadata.RevocationEndpoint,
			oauth.NewRedactedToken(rec.RefreshToken), "refresh_token", m.cfg.ClientID); err != nil {
			logging.Warn("Session", "Refresh token revocation failed: %v", err)
		}
	}
	if err := m.client.Revoke(ctx, metadata.RevocationEndpoint,
		oauth.NewRedactedToken(rec.AccessToken), "access_token", m.cfg.ClientID); err != nil {
		logging.Warn("Session", "Access token revocation failed: %v", err)
	}
}

// localCleanup erases local session state without broadcasting; used when
// reacting to another process's logout.
func (m *Manager) localCleanup() {
	if err := m.store.Clear(); err != nil {
		logging.Warn("Session", "Failed to clear local session state: %v", err)
	}
}

// IsAuthenticated reports whether a usable session exists. Checks run
// cheapest first; the remote blacklist check fails open. A session that
// fails a definitive check is cleaned up as a side effect.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	rec, err := m.store.Load()
	if err != nil || rec.Empty() {
		return false
	}

	if m.blacklist.IsBlacklisted(ctx, oauth.NewRedactedToken(rec.AccessToken)) {
		logging.Warn("Session", "Stored token is blacklisted, clearing session")
		m.localCleanup()
		return false
	}

	// Expired but refreshable survives; expired with no avenue does not.
	if rec.AccessTokenExpired(oauth.DefaultExpiryMargin) && !rec.RefreshTokenUsable() {
		logging.Debug("Session", "Session expired with no refresh avenue, clearing")
		m.localCleanup()
		return false
	}

	if rec.UserID == "" && rec.Profile == nil {
		logging.Warn("Session", "Stored session carries no user identity, clearing")
		m.localCleanup()
		return false
	}

	return true
}

// CurrentUser returns the authenticated user, refreshing the cached profile
// from the userinfo endpoint when it has gone stale.
func (m *Manager) CurrentUser(ctx context.Context) (*User, error) {
	rec, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if rec.Empty() {
		return nil, ErrNotAuthenticated
	}

	if rec.Profile != nil && time.Since(rec.Profile.UpdatedAt) < profileMaxAge {
		return &User{Subject: rec.Profile.Subject, Email: rec.Profile.Email, Name: rec.Profile.Name}, nil
	}

	if info := m.fetchUserInfo(ctx, rec.AccessToken); info != nil {
		now := time.Now()
		created := now
		if rec.Profile != nil {
			created = rec.Profile.CreatedAt
		}
		rec.Profile = &credstore.Profile{
			Subject:   info.Subject,
			Email:     info.Email,
			Name:      info.Name,
			CreatedAt: created,
			UpdatedAt: now,
		}
		rec.UserID = info.Subject
		if err := m.store.Save(rec); err != nil {
			logging.Warn("Session", "Failed to persist refreshed profile: %v", err)
		}
		return &User{Subject: info.Subject, Email: info.Email, Name: info.Name}, nil
	}

	if rec.Profile != nil {
		return &User{Subject: rec.Profile.Subject, Email: rec.Profile.Email, Name: rec.Profile.Name}, nil
	}
	if rec.UserID != "" {
		return &User{Subject: rec.UserID}, nil
	}
	return nil, ErrNotAuthenticated
}

// ValidateToken checks the access token against the provider's introspection
// endpoint. An explicit "inactive" answer is authoritative; network failures
// are advisory and fail open.
func (m *Manager) ValidateToken(ctx context.Context) bool {
	rec, err := m.store.Load()
	if err != nil || rec.Empty() {
		return false
	}

	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.Issuer)
	if err != nil || metadata.IntrospectionEndpoint == "" {
		return true
	}

	introspection, err := m.client.Introspect(ctx, metadata.IntrospectionEndpoint,
		oauth.NewRedactedToken(rec.AccessToken), m.cfg.ClientID)
	if err != nil {
		logging.Warn("Session", "Token introspection failed, assuming valid: %v", err)
		return true
	}
	return introspection.Active
}

// Refresh delegates to the orchestrator.
func (m *Manager) Refresh(ctx context.Context, force bool) (bool, error) {
	return m.orchestrator.Refresh(ctx, force)
}

// StartAutoRefresh starts the background refresh loop, returning its stop
// function.
func (m *Manager) StartAutoRefresh() func() {
	return m.orchestrator.StartAutoRefresh()
}

// Credentials exposes the stored record for status displays. Callers must
// not log token values.
func (m *Manager) Credentials() (*credstore.Record, error) {
	return m.store.Load()
}

// Close releases the manager's resources.
func (m *Manager) Close() error {
	m.coordinator.CancelAll()
	if m.channel != nil {
		return m.channel.Close()
	}
	return nil
}

func (m *Manager) broadcast(eventType authsync.EventType, payload map[string]string) {
	if m.channel == nil {
		return
	}
	if err := m.channel.Broadcast(eventType, payload); err != nil {
		logging.Warn("Session", "Failed to broadcast %s event: %v", eventType, err)
	}
}
