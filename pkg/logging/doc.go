// Package logging provides a subsystem-tagged logging facade over log/slog.
//
// Components log through package-level functions with a subsystem label so
// that output from the token lifecycle (store, refresh, sync, blacklist) can
// be filtered without each component carrying its own logger:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Debug("Refresh", "token expires in %s, scheduling refresh", ttl)
//	logging.Error("Blacklist", err, "remote check failed, failing open")
//
// Token values must never be passed to these functions. Use
// oauth.RedactedToken when a token needs to appear in a formatted message.
package logging
