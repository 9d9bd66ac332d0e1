package config

import "time"

// Config is the top-level configuration for the auth core.
type Config struct {
	// Issuer is the identity provider base URL.
	Issuer string `yaml:"issuer"`

	// ClientID is the OAuth client identifier registered at the provider.
	ClientID string `yaml:"clientID"`

	// Scopes requested on login, space-separated.
	Scopes string `yaml:"scopes,omitempty"`

	// CallbackPort is the port for the local OAuth callback server (0 picks
	// a random free port).
	CallbackPort int `yaml:"callbackPort,omitempty"`

	// StorageDir is the directory for credentials and sync state.
	// Defaults to ~/.config/maxlab/auth.
	StorageDir string `yaml:"storageDir,omitempty"`

	Encryption EncryptionConfig `yaml:"encryption,omitempty"`
	Refresh    RefreshConfig    `yaml:"refresh,omitempty"`
	Breaker    BreakerConfig    `yaml:"breaker,omitempty"`
	LoopGuard  LoopGuardConfig  `yaml:"loopGuard,omitempty"`
	Blacklist  BlacklistConfig  `yaml:"blacklist,omitempty"`
}

// EncryptionConfig controls at-rest encryption of the credential store.
type EncryptionConfig struct {
	// Enabled turns on the AES-GCM envelope around stored credentials.
	Enabled bool `yaml:"enabled,omitempty"`

	// Passphrase is the key material for scrypt derivation. KeyFile takes
	// precedence when both are set.
	Passphrase string `yaml:"passphrase,omitempty"`

	// KeyFile is a path to a file whose contents are used as key material.
	KeyFile string `yaml:"keyFile,omitempty"`
}

// RefreshConfig tunes the token refresh orchestrator.
type RefreshConfig struct {
	// Threshold is how close to expiry a token must be before a refresh is
	// considered necessary (default 5m).
	Threshold time.Duration `yaml:"threshold,omitempty"`

	// Timeout bounds each network call to the provider (default 30s).
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// BreakerConfig tunes the SSO-refresh circuit breaker.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens the breaker (default 3).
	Threshold int `yaml:"threshold,omitempty"`

	// Cooldown is how long the breaker stays open (default 5m).
	Cooldown time.Duration `yaml:"cooldown,omitempty"`
}

// LoopGuardConfig tunes the loop-prevention guard.
type LoopGuardConfig struct {
	// Window is the sliding window over which attempts are counted (default 5m).
	Window time.Duration `yaml:"window,omitempty"`

	// MaxFailures is the failed-attempt count within the window that blocks
	// further automatic attempts (default 5).
	MaxFailures int `yaml:"maxFailures,omitempty"`
}

// BlacklistConfig configures the remote token blacklist check.
type BlacklistConfig struct {
	// Endpoint is the remote blacklist check URL. Empty disables remote
	// checks; the client then runs on its local cache only.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Timeout bounds each remote check (default 5s).
	Timeout time.Duration `yaml:"timeout,omitempty"`
}
