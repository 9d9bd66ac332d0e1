package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"

	"golang.org/x/oauth2"
)

const (
	// credentialFileName is the single durable record under the storage dir.
	credentialFileName = "credentials.json"

	// logoutMarkerFileName flags that the last state transition was a logout,
	// so starting processes do not resurrect stale credentials.
	logoutMarkerFileName = "logged_out"
)

// Profile is the locally stored user profile derived from identity claims.
type Profile struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is the durable unit of truth for the session's credentials.
// AccessToken and AccessTokenExpiry are always written together; the store
// never persists one without the other.
type Record struct {
	AccessToken        string    `json:"access_token"`
	AccessTokenExpiry  time.Time `json:"access_token_expiry"`
	RefreshToken       string    `json:"refresh_token,omitempty"`
	RefreshTokenExpiry time.Time `json:"refresh_token_expiry,omitempty"`
	IDToken            string    `json:"id_token,omitempty"`
	TokenType          string    `json:"token_type,omitempty"`
	Scope              string    `json:"scope,omitempty"`
	Issuer             string    `json:"issuer,omitempty"`

	// UserID is the subject claim, used as the blacklist/session key.
	UserID string `json:"user_id,omitempty"`

	// SSOSession marks a session established through the SSO flow, which
	// makes the SSO-redirect refresh strategy applicable.
	SSOSession bool `json:"sso_session,omitempty"`

	Profile *Profile `json:"profile,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Empty reports whether the record holds no credentials.
func (r *Record) Empty() bool {
	return r == nil || r.AccessToken == ""
}

// TimeToExpiry returns the remaining access token lifetime, zero when expired.
func (r *Record) TimeToExpiry() time.Duration {
	if r.AccessTokenExpiry.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	remaining := time.Until(r.AccessTokenExpiry)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AccessTokenExpired reports whether the access token is past its expiry,
// with a margin for clock skew.
func (r *Record) AccessTokenExpired(margin time.Duration) bool {
	if r.AccessTokenExpiry.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(r.AccessTokenExpiry)
}

// RefreshTokenUsable reports whether a refresh token is present and not expired.
func (r *Record) RefreshTokenUsable() bool {
	if r.RefreshToken == "" {
		return false
	}
	if r.RefreshTokenExpiry.IsZero() {
		return true
	}
	return time.Now().Before(r.RefreshTokenExpiry)
}

// ApplyToken folds a token response into the record, keeping the refresh
// token from the previous record when the provider did not rotate it.
func (r *Record) ApplyToken(token *oauth.Token) {
	now := time.Now()
	r.AccessToken = token.AccessToken
	r.AccessTokenExpiry = token.ExpiresAt
	r.TokenType = token.TokenType
	if token.Scope != "" {
		r.Scope = token.Scope
	}
	if token.RefreshToken != "" {
		r.RefreshToken = token.RefreshToken
		r.RefreshTokenExpiry = token.RefreshExpiresAt
	}
	if token.IDToken != "" {
		r.IDToken = token.IDToken
	}
	if token.Issuer != "" {
		r.Issuer = token.Issuer
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

// ToOAuth2Token converts the record to an oauth2.Token for compatibility with
// golang.org/x/oauth2 consumers.
func (r *Record) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       r.AccessTokenExpiry,
	}
	if r.IDToken != "" {
		token = token.WithExtra(map[string]interface{}{
			"id_token": r.IDToken,
		})
	}
	return token
}

// Store persists the credential record to disk.
//
// SECURITY: This store handles sensitive OAuth credentials. Files are created
// with 0600 permissions and the directory with 0700; token values are never
// logged; writes are atomic (temp file + rename) so a crash can never leave
// an access token persisted without its expiry.
type Store struct {
	mu     sync.RWMutex
	dir    string
	cipher *Cipher // nil means plaintext storage
}

// StoreConfig configures the credential store.
type StoreConfig struct {
	// Dir is the storage directory. Created if missing.
	Dir string

	// Cipher optionally wraps records in an encryption envelope.
	Cipher *Cipher
}

// NewStore creates a credential store rooted at the configured directory.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("credential store directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential storage directory: %w", err)
	}

	return &Store{dir: cfg.Dir, cipher: cfg.Cipher}, nil
}

// Dir returns the storage directory. The sync channel watches this directory
// for cross-process change events.
func (s *Store) Dir() string {
	return s.dir
}

// Save overwrites the stored record atomically. It also clears any logout
// marker, since a save means a live session exists again.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential record: %w", err)
	}

	if s.cipher != nil {
		data, err = s.cipher.Seal(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt credential record: %w", err)
		}
	}

	if err := s.writeAtomic(credentialFileName, data); err != nil {
		return fmt.Errorf("failed to persist credential record: %w", err)
	}

	_ = os.Remove(filepath.Join(s.dir, logoutMarkerFileName))

	logging.Debug("Credstore", "Stored credential record (expires: %v, has_refresh_token: %v)",
		rec.AccessTokenExpiry, rec.RefreshToken != "")
	return nil
}

// Load returns the last saved record. Missing or corrupt data yields an empty
// record, never an error: corrupt files are deleted and logged so the caller
// can treat the credential as absent.
func (s *Store) Load() (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.dir, credentialFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Record{}, nil
		}
		return nil, err
	}

	if s.cipher != nil {
		plaintext, err := s.cipher.Open(data)
		if err != nil {
			logging.Warn("Credstore", "Failed to decrypt credential record, treating as absent: %v", err)
			_ = os.Remove(path)
			return &Record{}, nil
		}
		data = plaintext
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logging.Warn("Credstore", "Corrupt credential record, treating as absent: %v", err)
		_ = os.Remove(path)
		return &Record{}, nil
	}

	return &rec, nil
}

// Clear erases the stored record and writes the logout marker. Idempotent.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, credentialFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential record: %w", err)
	}

	if err := s.writeAtomic(logoutMarkerFileName, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		logging.Warn("Credstore", "Failed to write logout marker: %v", err)
	}

	logging.Debug("Credstore", "Cleared credential record")
	return nil
}

// LoggedOut reports whether the last transition recorded was a logout.
func (s *Store) LoggedOut() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.dir, logoutMarkerFileName))
	return err == nil
}

// writeAtomic writes data to name via a temp file in the same directory,
// then renames it into place. Requires s.mu held.
func (s *Store) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, filepath.Join(s.dir, name))
}
