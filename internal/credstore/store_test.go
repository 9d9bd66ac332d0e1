package credstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"
)

func testRecord() *Record {
	return &Record{
		AccessToken:       "at-1",
		AccessTokenExpiry: time.Now().Add(time.Hour).Truncate(time.Second),
		RefreshToken:      "rt-1",
		TokenType:         "Bearer",
		Scope:             "openid profile",
		UserID:            "user-1",
		CreatedAt:         time.Now().Truncate(time.Second),
		UpdatedAt:         time.Now().Truncate(time.Second),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	store, err := NewStore(StoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	rec := testRecord()
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.AccessToken != rec.AccessToken {
		t.Errorf("expected access token %q, got %q", rec.AccessToken, loaded.AccessToken)
	}
	if loaded.RefreshToken != rec.RefreshToken {
		t.Errorf("expected refresh token %q, got %q", rec.RefreshToken, loaded.RefreshToken)
	}
	if !loaded.AccessTokenExpiry.Equal(rec.AccessTokenExpiry) {
		t.Errorf("expected expiry %v, got %v", rec.AccessTokenExpiry, loaded.AccessTokenExpiry)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	store, err := NewStore(StoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	rec, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !rec.Empty() {
		t.Error("expected empty record for missing file")
	}
}

func TestStore_CorruptFileTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	path := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	rec, err := store.Load()
	if err != nil {
		t.Fatalf("Load should not fail on corrupt data: %v", err)
	}
	if !rec.Empty() {
		t.Error("corrupt record should load as empty")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt file should be deleted")
	}
}

func TestStore_ClearIdempotent(t *testing.T) {
	store, err := NewStore(StoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Save(testRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("second Clear should be idempotent: %v", err)
	}

	rec, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !rec.Empty() {
		t.Error("expected empty record after clear")
	}
	if !store.LoggedOut() {
		t.Error("expected logout marker after clear")
	}

	// A fresh save removes the logout marker
	if err := store.Save(testRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if store.LoggedOut() {
		t.Error("logout marker should be cleared by a save")
	}
}

func TestStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := store.Save(testRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "credentials.json"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}
}

func TestStore_EncryptedRoundTrip(t *testing.T) {
	ciph, err := NewCipher([]byte("plant-floor-passphrase"))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	dir := t.TempDir()
	store, err := NewStore(StoreConfig{Dir: dir, Cipher: ciph})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	rec := testRecord()
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// On-disk bytes must not contain the raw token
	raw, err := os.ReadFile(filepath.Join(dir, "credentials.json"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(raw) == 0 || bytes.Contains(raw, []byte(rec.AccessToken)) {
		t.Error("encrypted file must not contain the plaintext access token")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.AccessToken != rec.AccessToken {
		t.Errorf("expected decrypted token %q, got %q", rec.AccessToken, loaded.AccessToken)
	}
}

func TestStore_WrongKeyTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()

	ciph1, _ := NewCipher([]byte("key-one"))
	store1, err := NewStore(StoreConfig{Dir: dir, Cipher: ciph1})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := store1.Save(testRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	ciph2, _ := NewCipher([]byte("key-two"))
	store2, err := NewStore(StoreConfig{Dir: dir, Cipher: ciph2})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	rec, err := store2.Load()
	if err != nil {
		t.Fatalf("Load should not fail on undecryptable data: %v", err)
	}
	if !rec.Empty() {
		t.Error("undecryptable record should load as empty")
	}
	if _, err := os.Stat(filepath.Join(dir, "credentials.json")); !os.IsNotExist(err) {
		t.Error("undecryptable file should be deleted")
	}
}

func TestRecord_ApplyToken(t *testing.T) {
	rec := &Record{
		AccessToken:  "old",
		RefreshToken: "rt-old",
		CreatedAt:    time.Now().Add(-time.Hour),
	}

	rec.ApplyToken(&oauth.Token{
		AccessToken: "new",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	})

	if rec.AccessToken != "new" {
		t.Errorf("expected new access token, got %q", rec.AccessToken)
	}
	if rec.RefreshToken != "rt-old" {
		t.Error("refresh token should survive a response without rotation")
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}

	rec.ApplyToken(&oauth.Token{
		AccessToken:  "newer",
		RefreshToken: "rt-new",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if rec.RefreshToken != "rt-new" {
		t.Error("rotated refresh token should replace the old one")
	}
}
