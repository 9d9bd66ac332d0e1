// Package refresh keeps the stored access token fresh. It decides when a
// refresh is due, runs the strategy chain (refresh token, SSO redirect,
// silent re-authentication) under a shared retry budget, collapses concurrent
// refresh demands into one provider call, and drives the background
// auto-refresh loop.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HK-LEEE/maxlab-sub001/internal/authsync"
	"github.com/HK-LEEE/maxlab-sub001/internal/breaker"
	"github.com/HK-LEEE/maxlab-sub001/internal/coordinator"
	"github.com/HK-LEEE/maxlab-sub001/internal/credstore"
	"github.com/HK-LEEE/maxlab-sub001/internal/loopguard"
	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"
)

// State describes where the orchestrator is in the token lifecycle.
type State string

const (
	StateFresh        State = "fresh"
	StateNeedsRefresh State = "needs_refresh"
	StateRefreshing   State = "refreshing"
	StateFailed       State = "failed"
)

const (
	// DefaultThreshold is the remaining access-token lifetime below which a
	// refresh is due.
	DefaultThreshold = oauth.TokenRefreshThreshold

	// DefaultRetryDelay is the pause between retries of the same strategy.
	DefaultRetryDelay = 500 * time.Millisecond

	// Auto-refresh check intervals by remaining token lifetime.
	intervalNear = 30 * time.Second
	intervalMid  = time.Minute
	intervalFar  = 5 * time.Minute
)

// retryBudgets is how many failures of each kind a single refresh run
// tolerates before giving up on the session. Cancellation never counts.
var retryBudgets = map[oauth.ErrorKind]int{
	oauth.KindNetwork:             5,
	oauth.KindServerError:         4,
	oauth.KindInvalidRefreshToken: 1,
	oauth.KindPermissionDenied:    1,
}

// Config wires the orchestrator's collaborators.
type Config struct {
	// Issuer is the identity provider base URL.
	Issuer string

	// ClientID is the OAuth client identifier.
	ClientID string

	// Store holds the credentials being refreshed.
	Store *credstore.Store

	// Client talks to the identity provider.
	Client *oauth.Client

	// Breaker gates the SSO-redirect strategy. Created with defaults when nil.
	Breaker *breaker.Breaker

	// Guard detects refresh loops. Created with defaults when nil.
	Guard *loopguard.Guard

	// Coordinator serializes auth flows. Created when nil.
	Coordinator *coordinator.Coordinator

	// Channel broadcasts refresh and session-expired events to sibling
	// processes. Optional.
	Channel authsync.Channel

	// Notifier receives lifecycle signals. Optional.
	Notifier Notifier

	// Threshold overrides DefaultThreshold.
	Threshold time.Duration

	// RetryDelay overrides DefaultRetryDelay.
	RetryDelay time.Duration

	// InteractiveLogin re-runs the browser flow for the SSO-redirect
	// strategy. The strategy is skipped when nil.
	InteractiveLogin func(ctx context.Context) (*oauth.Token, error)

	// SilentLogin runs a prompt=none flow for the silent strategy. The
	// strategy is skipped when nil.
	SilentLogin func(ctx context.Context) (*oauth.Token, error)
}

// Orchestrator owns the token refresh lifecycle for one credential store.
type Orchestrator struct {
	issuer   string
	clientID string

	store       *credstore.Store
	client      *oauth.Client
	breaker     *breaker.Breaker
	guard       *loopguard.Guard
	coordinator *coordinator.Coordinator
	channel     authsync.Channel
	notifier    Notifier

	threshold  time.Duration
	retryDelay time.Duration

	interactiveLogin func(ctx context.Context) (*oauth.Token, error)
	silentLogin      func(ctx context.Context) (*oauth.Token, error)

	group singleflight.Group

	mu    sync.Mutex
	state State
}

// NewOrchestrator creates an orchestrator. Issuer, ClientID, Store, and
// Client are required.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("oauth client is required")
	}

	if cfg.Breaker == nil {
		cfg.Breaker = breaker.New(breaker.Config{})
	}
	if cfg.Guard == nil {
		cfg.Guard = loopguard.New(loopguard.Config{})
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = coordinator.New()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	return &Orchestrator{
		issuer:           cfg.Issuer,
		clientID:         cfg.ClientID,
		store:            cfg.Store,
		client:           cfg.Client,
		breaker:          cfg.Breaker,
		guard:            cfg.Guard,
		coordinator:      cfg.Coordinator,
		channel:          cfg.Channel,
		notifier:         cfg.Notifier,
		threshold:        cfg.Threshold,
		retryDelay:       cfg.RetryDelay,
		interactiveLogin: cfg.InteractiveLogin,
		silentLogin:      cfg.SilentLogin,
		state:            StateFresh,
	}, nil
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

// strategies returns the ordered strategy chain.
func (o *Orchestrator) strategies() []Strategy {
	return []Strategy{
		&refreshTokenStrategy{o: o},
		&ssoRedirectStrategy{o: o},
		&silentStrategy{o: o},
	}
}

// NeedsRefresh reports whether the access token is inside the refresh window
// and at least one refresh avenue exists. A token that cannot be refreshed by
// any means is not "needing" a refresh; it is simply going to expire.
func (o *Orchestrator) NeedsRefresh() bool {
	rec, err := o.store.Load()
	if err != nil || rec.Empty() {
		return false
	}
	if rec.TimeToExpiry() > o.threshold {
		return false
	}

	for _, strategy := range o.strategies() {
		if strategy.Applicable(rec) {
			return true
		}
	}
	return false
}

// Refresh brings the access token up to date. With force false it is a no-op
// when no refresh is due. Concurrent callers share a single refresh run and
// its outcome. The bool reports whether a new token was actually obtained.
func (o *Orchestrator) Refresh(ctx context.Context, force bool) (bool, error) {
	if !force && !o.NeedsRefresh() {
		return false, nil
	}

	result, err, shared := o.group.Do("refresh", func() (interface{}, error) {
		return o.doRefresh(ctx, force)
	})
	if shared {
		logging.Debug("Refresh", "Joined in-flight refresh")
	}
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (o *Orchestrator) doRefresh(ctx context.Context, force bool) (bool, error) {
	rec, err := o.store.Load()
	if err != nil {
		return false, fmt.Errorf("failed to load credentials: %w", err)
	}
	if rec.Empty() {
		return false, oauth.NewFlowError(oauth.KindPermissionDenied, "no stored credentials to refresh", nil)
	}

	// A caller that queued behind an in-flight refresh may find the work
	// already done.
	if !force && rec.TimeToExpiry() > o.threshold {
		return false, nil
	}

	if !o.guard.CanAttempt(loopguard.KindAuto) {
		o.setState(StateFailed)
		return false, oauth.NewFlowError(oauth.KindLoopDetected,
			"automatic refresh suspended after repeated failures", nil)
	}

	o.setState(StateRefreshing)

	counts := make(map[oauth.ErrorKind]int)
	var lastErr error

	for _, strategy := range o.strategies() {
		if !strategy.Applicable(rec) {
			continue
		}
		logging.Debug("Refresh", "Trying %s strategy", strategy.Name())

	attempts:
		for {
			token, err := strategy.Attempt(ctx, rec)
			if err == nil {
				return true, o.applySuccess(rec, token, strategy.Name())
			}

			kind := oauth.KindOf(err)
			if kind == oauth.KindCancelled {
				o.setState(StateNeedsRefresh)
				return false, err
			}

			lastErr = err
			o.guard.RecordAttempt(loopguard.KindAuto, false)
			logging.Warn("Refresh", "%s strategy failed (%s): %v", strategy.Name(), kind, err)

			if kind == oauth.KindInvalidRefreshToken {
				o.dropRefreshToken(rec)
			}

			counts[kind]++
			budget := retryBudgets[kind]
			if budget <= 0 {
				budget = 1
			}
			if counts[kind] >= budget {
				break attempts
			}
			if err := sleepCtx(ctx, o.retryDelay); err != nil {
				o.setState(StateNeedsRefresh)
				return false, oauth.NewFlowError(oauth.KindCancelled, "refresh cancelled during backoff", err)
			}
		}
	}

	return false, o.exhausted(lastErr)
}

// applySuccess persists the new token and announces it.
func (o *Orchestrator) applySuccess(rec *credstore.Record, token *oauth.Token, strategyName string) error {
	rec.ApplyToken(token)
	if err := o.store.Save(rec); err != nil {
		return fmt.Errorf("refreshed token could not be persisted: %w", err)
	}

	o.guard.RecordAttempt(loopguard.KindAuto, true)
	o.setState(StateFresh)
	o.broadcast(authsync.EventTokenRefresh, map[string]string{"strategy": strategyName})
	logging.Info("Refresh", "Token refreshed via %s strategy, valid for %s",
		strategyName, rec.TimeToExpiry().Round(time.Second))
	return nil
}

// dropRefreshToken removes a refresh token the provider has rejected so no
// later strategy or process wastes attempts on it.
func (o *Orchestrator) dropRefreshToken(rec *credstore.Record) {
	rec.RefreshToken = ""
	rec.RefreshTokenExpiry = time.Time{}
	if err := o.store.Save(rec); err != nil {
		logging.Warn("Refresh", "Failed to persist refresh token removal: %v", err)
	}
	o.notify(SignalRefreshTokenInvalid, nil)
}

// exhausted marks the session over after every strategy failed.
func (o *Orchestrator) exhausted(lastErr error) error {
	o.setState(StateFailed)
	o.notify(SignalSessionExpired, map[string]string{"reason": "token_refresh_failed"})
	o.broadcast(authsync.EventSessionExpired, map[string]string{"reason": "token_refresh_failed"})

	if lastErr == nil {
		lastErr = oauth.NewFlowError(oauth.KindInvalidRefreshToken, "no refresh avenue available", nil)
	}
	logging.Error("Refresh", lastErr, "All refresh strategies exhausted")
	return lastErr
}

// StartAutoRefresh runs the background refresh loop and returns its stop
// function. The interval tightens as the token approaches expiry. Stop is
// idempotent.
func (o *Orchestrator) StartAutoRefresh() func() {
	stopCh := make(chan struct{})
	go o.autoRefreshLoop(stopCh)

	var once sync.Once
	return func() {
		once.Do(func() { close(stopCh) })
	}
}

func (o *Orchestrator) autoRefreshLoop(stopCh <-chan struct{}) {
	for {
		timer := time.NewTimer(o.checkInterval())
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			o.tick(stopCh)
		}
	}
}

// checkInterval picks the next wakeup based on remaining token lifetime.
func (o *Orchestrator) checkInterval() time.Duration {
	rec, err := o.store.Load()
	if err != nil || rec.Empty() {
		return intervalFar
	}

	ttl := rec.TimeToExpiry()
	switch {
	case ttl <= 5*time.Minute:
		return intervalNear
	case ttl <= 30*time.Minute:
		return intervalMid
	default:
		return intervalFar
	}
}

func (o *Orchestrator) tick(stopCh <-chan struct{}) {
	rec, err := o.store.Load()
	if err != nil || rec.Empty() {
		return
	}

	if ttl := rec.TimeToExpiry(); ttl <= o.threshold {
		o.notify(SignalTokenExpiring, map[string]string{
			"seconds_remaining": strconv.Itoa(int(ttl.Seconds())),
		})
	}
	if rec.RefreshToken != "" && !rec.RefreshTokenExpiry.IsZero() {
		if remaining := time.Until(rec.RefreshTokenExpiry); remaining > 0 && remaining <= o.threshold {
			o.notify(SignalRefreshTokenExpiring, map[string]string{
				"seconds_remaining": strconv.Itoa(int(remaining.Seconds())),
			})
		}
	}

	if !o.NeedsRefresh() {
		o.setState(StateFresh)
		return
	}
	o.setState(StateNeedsRefresh)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := o.Refresh(ctx, false); err != nil {
		logging.Warn("Refresh", "Background refresh failed: %v", err)
	}
}

func (o *Orchestrator) broadcast(eventType authsync.EventType, payload map[string]string) {
	if o.channel == nil {
		return
	}
	if err := o.channel.Broadcast(eventType, payload); err != nil {
		logging.Warn("Refresh", "Failed to broadcast %s event: %v", eventType, err)
	}
}

func (o *Orchestrator) notify(signal Signal, detail map[string]string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(signal, detail)
}

// sleepCtx waits for the duration unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
