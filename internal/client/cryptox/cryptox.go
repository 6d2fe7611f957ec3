// Package cryptox implements the optional end-to-end encryption of drops.
// The retrieval code doubles as the passphrase, so the server never holds
// anything that can open the file.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Method names the only scheme in use; the descriptor carries it so
	// future schemes can coexist.
	Method = "AES-GCM"

	saltLen    = 16
	nonceLen   = 12
	keyLen     = 32
	iterations = 250000
)

// ErrWrongCode indicates decryption failed authentication, which almost
// always means the wrong retrieval code was supplied.
var ErrWrongCode = errors.New("decryption failed: wrong code or corrupt data")

// Meta is the encryption descriptor stored with the file record. The server
// treats it as opaque; only clients produce and consume it.
type Meta struct {
	Method     string `json:"method"`
	SaltB64    string `json:"saltB64"`
	IVB64      string `json:"ivB64"`
	Iterations int    `json:"iterations"`
}

// Encrypt seals plaintext under a key derived from the retrieval code and
// returns the ciphertext plus the descriptor needed to reverse it.
func Encrypt(plaintext []byte, code string) ([]byte, *Meta, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(code, salt, iterations)
	if err != nil {
		return nil, nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	meta := &Meta{
		Method:     Method,
		SaltB64:    base64.StdEncoding.EncodeToString(salt),
		IVB64:      base64.StdEncoding.EncodeToString(nonce),
		Iterations: iterations,
	}
	return ciphertext, meta, nil
}

// Decrypt opens ciphertext using the retrieval code and the stored
// descriptor. A wrong code surfaces as ErrWrongCode via the GCM tag.
func Decrypt(ciphertext []byte, code string, meta *Meta) ([]byte, error) {
	if meta == nil {
		return nil, errors.New("missing encryption descriptor")
	}
	if meta.Method != Method {
		return nil, fmt.Errorf("unsupported encryption method %q", meta.Method)
	}

	salt, err := base64.StdEncoding.DecodeString(meta.SaltB64)
	if err != nil {
		return nil, fmt.Errorf("malformed salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(meta.IVB64)
	if err != nil {
		return nil, fmt.Errorf("malformed nonce: %w", err)
	}
	if len(nonce) != nonceLen {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", nonceLen, len(nonce))
	}
	iters := meta.Iterations
	if iters <= 0 {
		iters = iterations
	}

	gcm, err := newGCM(code, salt, iters)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongCode
	}
	return plaintext, nil
}

func newGCM(code string, salt []byte, iters int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(code), salt, iters, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
