package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

const (
	// saltBytes is the scrypt salt length.
	saltBytes = 16

	// scrypt cost parameters. Interactive-level cost: derivation happens once
	// per store open, not per request.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	keyBytes = 32 // AES-256
)

// envelope is the on-disk format of an encrypted credential record.
type envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
	TS         int64  `json:"ts"`
}

// Cipher seals and opens credential records with AES-256-GCM. The key is
// derived from the configured key material with scrypt; each Seal uses a
// fresh salt and nonce, so the same record never encrypts to the same bytes.
type Cipher struct {
	keyMaterial []byte
}

// NewCipher creates a cipher from key material (a passphrase or key file
// contents).
func NewCipher(keyMaterial []byte) (*Cipher, error) {
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("encryption key material is empty")
	}
	material := make([]byte, len(keyMaterial))
	copy(material, keyMaterial)
	return &Cipher{keyMaterial: material}, nil
}

// Seal encrypts plaintext into an envelope JSON document.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	env := envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		TS:         time.Now().UnixMilli(),
	}

	return json.Marshal(env)
}

// Open decrypts an envelope JSON document back into plaintext. Any failure
// (bad format, wrong key, tampered data) is a single error the store treats
// as "credential absent".
func (c *Cipher) Open(data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("not an encryption envelope: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid iv: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// aead derives the AES-256-GCM AEAD for a given salt.
func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(c.keyMaterial, salt, scryptN, scryptR, scryptP, keyBytes)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}
