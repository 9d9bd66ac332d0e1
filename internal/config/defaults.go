package config

import "time"

const (
	// DefaultScopes is the scope set requested when the config does not
	// override it. offline_access asks the provider for a refresh token.
	DefaultScopes = "openid profile email offline_access"

	// DefaultCallbackPort is the default local callback server port.
	DefaultCallbackPort = 3000
)

// Default returns the built-in configuration. Loaded files are merged on top.
func Default() Config {
	return Config{
		Scopes:       DefaultScopes,
		CallbackPort: DefaultCallbackPort,
		Refresh: RefreshConfig{
			Threshold: 5 * time.Minute,
			Timeout:   30 * time.Second,
		},
		Breaker: BreakerConfig{
			Threshold: 3,
			Cooldown:  5 * time.Minute,
		},
		LoopGuard: LoopGuardConfig{
			Window:      5 * time.Minute,
			MaxFailures: 5,
		},
		Blacklist: BlacklistConfig{
			Timeout: 5 * time.Second,
		},
	}
}
