package credstore

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCipher_SealOpen(t *testing.T) {
	ciph, err := NewCipher([]byte("passphrase"))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	plaintext := []byte(`{"access_token":"secret"}`)
	sealed, err := ciph.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if bytes.Contains(sealed, []byte("secret")) {
		t.Error("sealed data must not contain plaintext")
	}

	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		t.Fatalf("sealed data should be an envelope: %v", err)
	}
	if env.Ciphertext == "" || env.IV == "" || env.Salt == "" || env.TS == 0 {
		t.Error("envelope missing fields")
	}

	opened, err := ciph.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Error("round trip mismatch")
	}
}

func TestCipher_SealIsRandomized(t *testing.T) {
	ciph, _ := NewCipher([]byte("passphrase"))
	a, err := ciph.Seal([]byte("same input"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	b, err := ciph.Seal([]byte("same input"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestCipher_OpenRejectsTampering(t *testing.T) {
	ciph, _ := NewCipher([]byte("passphrase"))
	sealed, err := ciph.Seal([]byte("data"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	// Flip a character in the ciphertext
	c := []byte(env.Ciphertext)
	if c[0] == 'A' {
		c[0] = 'B'
	} else {
		c[0] = 'A'
	}
	env.Ciphertext = string(c)
	tampered, _ := json.Marshal(env)

	if _, err := ciph.Open(tampered); err == nil {
		t.Error("tampered envelope should fail to open")
	}
}

func TestCipher_EmptyKeyMaterial(t *testing.T) {
	if _, err := NewCipher(nil); err == nil {
		t.Error("expected error for empty key material")
	}
}
