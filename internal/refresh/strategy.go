package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/HK-LEEE/maxlab-sub001/internal/coordinator"
	"github.com/HK-LEEE/maxlab-sub001/internal/credstore"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"
)

// Strategy is one avenue for obtaining a fresh access token. The orchestrator
// tries strategies in a fixed order until one succeeds or all are exhausted.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Applicable reports whether the strategy can run against the current
	// credentials at all.
	Applicable(rec *credstore.Record) bool

	// Attempt tries to obtain a fresh token. Errors should carry an
	// oauth.ErrorKind so the retry policy can classify them.
	Attempt(ctx context.Context, rec *credstore.Record) (*oauth.Token, error)
}

// refreshTokenStrategy redeems the stored refresh token at the provider's
// token endpoint. The cheapest avenue, always tried first.
type refreshTokenStrategy struct {
	o *Orchestrator
}

func (s *refreshTokenStrategy) Name() string { return "refresh_token" }

func (s *refreshTokenStrategy) Applicable(rec *credstore.Record) bool {
	return rec.RefreshTokenUsable()
}

func (s *refreshTokenStrategy) Attempt(ctx context.Context, rec *credstore.Record) (*oauth.Token, error) {
	metadata, err := s.o.client.DiscoverMetadata(ctx, s.o.issuer)
	if err != nil {
		return nil, err
	}
	return s.o.client.RefreshGrant(ctx, metadata.TokenEndpoint, rec.RefreshToken, s.o.clientID)
}

// ssoRedirectStrategy re-runs the interactive browser flow. Only applicable
// when the session was established through SSO, and gated by the circuit
// breaker since each run opens a browser.
type ssoRedirectStrategy struct {
	o *Orchestrator
}

func (s *ssoRedirectStrategy) Name() string { return "sso_redirect" }

func (s *ssoRedirectStrategy) Applicable(rec *credstore.Record) bool {
	return rec.SSOSession && s.o.interactiveLogin != nil
}

func (s *ssoRedirectStrategy) Attempt(ctx context.Context, rec *credstore.Record) (*oauth.Token, error) {
	decision := s.o.breaker.CanAttempt()
	if !decision.Allowed {
		return nil, oauth.NewFlowError(oauth.KindCircuitOpen,
			fmt.Sprintf("%s (retry in %s)", decision.Reason, decision.RetryIn.Round(time.Second)), nil)
	}

	result, err := s.o.coordinator.Queue(ctx, coordinator.Request{
		Kind:     coordinator.KindSSORefresh,
		Priority: coordinator.PriorityBackground,
		Execute: func(ctx context.Context) (any, error) {
			return s.o.interactiveLogin(ctx)
		},
	})
	if err != nil {
		if oauth.KindOf(err) != oauth.KindCancelled {
			s.o.breaker.RecordFailure()
		}
		return nil, err
	}

	s.o.breaker.RecordSuccess()
	token, ok := result.(*oauth.Token)
	if !ok || token == nil {
		return nil, oauth.NewFlowError(oauth.KindServerError, "sso flow returned no token", nil)
	}
	return token, nil
}

// silentStrategy runs a prompt=none authorization request, trading on an
// identity-provider session that may still be alive even though our tokens
// are not.
type silentStrategy struct {
	o *Orchestrator
}

func (s *silentStrategy) Name() string { return "silent" }

func (s *silentStrategy) Applicable(rec *credstore.Record) bool {
	return s.o.silentLogin != nil
}

func (s *silentStrategy) Attempt(ctx context.Context, rec *credstore.Record) (*oauth.Token, error) {
	result, err := s.o.coordinator.Queue(ctx, coordinator.Request{
		Kind:     coordinator.KindSilentLogin,
		Priority: coordinator.PriorityBackground,
		Execute: func(ctx context.Context) (any, error) {
			return s.o.silentLogin(ctx)
		},
	})
	if err != nil {
		return nil, err
	}

	token, ok := result.(*oauth.Token)
	if !ok || token == nil {
		return nil, oauth.NewFlowError(oauth.KindServerError, "silent flow returned no token", nil)
	}
	return token, nil
}
