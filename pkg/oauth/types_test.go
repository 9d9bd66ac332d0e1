package oauth

import (
	"testing"
	"time"
)

func TestTokenExpiry(t *testing.T) {
	t.Run("no expiry never expires", func(t *testing.T) {
		token := &Token{AccessToken: "x"}
		if token.IsExpired() {
			t.Error("token without expiry should not be expired")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token := &Token{AccessToken: "x", ExpiresAt: time.Now().Add(-time.Minute)}
		if !token.IsExpired() {
			t.Error("expired token should be expired")
		}
	})

	t.Run("margin counts as expired", func(t *testing.T) {
		token := &Token{AccessToken: "x", ExpiresAt: time.Now().Add(10 * time.Second)}
		if !token.IsExpiredWithMargin(30 * time.Second) {
			t.Error("token within margin should count as expired")
		}
		if token.IsExpiredWithMargin(0) {
			t.Error("token with 10s left and no margin should not be expired")
		}
	})
}

func TestTimeToExpiry(t *testing.T) {
	token := &Token{AccessToken: "x", ExpiresAt: time.Now().Add(200 * time.Second)}
	ttl := token.TimeToExpiry()
	if ttl < 195*time.Second || ttl > 200*time.Second {
		t.Errorf("expected ttl near 200s, got %v", ttl)
	}

	expired := &Token{AccessToken: "x", ExpiresAt: time.Now().Add(-time.Minute)}
	if expired.TimeToExpiry() != 0 {
		t.Error("expired token should report zero ttl")
	}
}

func TestRefreshTokenUsable(t *testing.T) {
	cases := []struct {
		name  string
		token Token
		want  bool
	}{
		{"no refresh token", Token{}, false},
		{"refresh token without expiry", Token{RefreshToken: "rt"}, true},
		{"valid refresh token", Token{RefreshToken: "rt", RefreshExpiresAt: time.Now().Add(time.Hour)}, true},
		{"expired refresh token", Token{RefreshToken: "rt", RefreshExpiresAt: time.Now().Add(-time.Hour)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.token.RefreshTokenUsable(); got != tc.want {
				t.Errorf("RefreshTokenUsable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSetExpiriesFromResponse(t *testing.T) {
	token := &Token{AccessToken: "x", ExpiresIn: 3600, RefreshExpiresIn: 86400}
	token.SetExpiriesFromResponse()

	if token.ExpiresAt.IsZero() {
		t.Error("expected ExpiresAt to be set")
	}
	if token.RefreshExpiresAt.IsZero() {
		t.Error("expected RefreshExpiresAt to be set")
	}
	if !token.RefreshExpiresAt.After(token.ExpiresAt) {
		t.Error("refresh expiry should outlive access expiry")
	}
}

func TestScopes(t *testing.T) {
	token := &Token{Scope: "openid profile email"}
	scopes := token.Scopes()
	if len(scopes) != 3 || scopes[1] != "profile" {
		t.Errorf("unexpected scopes: %v", scopes)
	}

	empty := &Token{}
	if empty.Scopes() != nil {
		t.Error("empty scope should return nil")
	}
}

func TestToOAuth2Token(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	token := &Token{
		AccessToken:  "at",
		TokenType:    "Bearer",
		RefreshToken: "rt",
		ExpiresAt:    expiry,
		IDToken:      "idt",
	}

	o2 := token.ToOAuth2Token()
	if o2.AccessToken != "at" || o2.RefreshToken != "rt" {
		t.Error("token fields not carried over")
	}
	if !o2.Expiry.Equal(expiry) {
		t.Error("expiry not carried over")
	}
	if got := o2.Extra("id_token"); got != "idt" {
		t.Errorf("expected id_token extra, got %v", got)
	}
}

func TestSupportsPKCE(t *testing.T) {
	m := &Metadata{CodeChallengeMethodsSupported: []string{"plain"}}
	if m.SupportsPKCE() {
		t.Error("plain-only provider should not support S256 PKCE")
	}

	m = &Metadata{CodeChallengeMethodsSupported: []string{"plain", "S256"}}
	if !m.SupportsPKCE() {
		t.Error("provider listing S256 should support PKCE")
	}

	m = &Metadata{}
	if !m.SupportsPKCE() {
		t.Error("unspecified methods should assume S256 support")
	}
}
