package cryptox

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	code := "BAKU-TEZA-42"

	ciphertext, meta, err := Encrypt(plaintext, code)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext leaks the plaintext")
	}
	if meta.Method != "AES-GCM" || meta.Iterations != 250000 {
		t.Errorf("unexpected descriptor: %+v", meta)
	}

	got, err := Decrypt(ciphertext, code, meta)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestWrongCodeFails(t *testing.T) {
	ciphertext, meta, err := Encrypt([]byte("secret"), "BAKU-TEZA-42")
	if err != nil {
		t.Fatal(err)
	}

	_, err = Decrypt(ciphertext, "MENU-WEZA-17", meta)
	if !errors.Is(err, ErrWrongCode) {
		t.Errorf("expected ErrWrongCode, got %v", err)
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	ciphertext, meta, err := Encrypt([]byte("secret"), "BAKU-TEZA-42")
	if err != nil {
		t.Fatal(err)
	}
	ciphertext[0] ^= 0xff

	_, err = Decrypt(ciphertext, "BAKU-TEZA-42", meta)
	if !errors.Is(err, ErrWrongCode) {
		t.Errorf("expected ErrWrongCode, got %v", err)
	}
}

func TestFreshSaltAndNonce(t *testing.T) {
	_, m1, err := Encrypt([]byte("x"), "BAKU-TEZA-42")
	if err != nil {
		t.Fatal(err)
	}
	_, m2, err := Encrypt([]byte("x"), "BAKU-TEZA-42")
	if err != nil {
		t.Fatal(err)
	}
	if m1.SaltB64 == m2.SaltB64 {
		t.Error("salt must be fresh per encryption")
	}
	if m1.IVB64 == m2.IVB64 {
		t.Error("nonce must be fresh per encryption")
	}
}

func TestDecryptRejectsBadDescriptor(t *testing.T) {
	ciphertext, meta, err := Encrypt([]byte("secret"), "BAKU-TEZA-42")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("nil descriptor", func(t *testing.T) {
		if _, err := Decrypt(ciphertext, "BAKU-TEZA-42", nil); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		bad := *meta
		bad.Method = "ROT13"
		if _, err := Decrypt(ciphertext, "BAKU-TEZA-42", &bad); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("garbage salt", func(t *testing.T) {
		bad := *meta
		bad.SaltB64 = "!!!"
		if _, err := Decrypt(ciphertext, "BAKU-TEZA-42", &bad); err == nil {
			t.Error("expected an error")
		}
	})
}
