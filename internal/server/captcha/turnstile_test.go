package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestVerifier(t *testing.T, handler http.HandlerFunc) *Turnstile {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ts := New("site-key", "secret-key")
	ts.verifyURL = srv.URL
	return ts
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		ts := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				t.Fatalf("failed to parse form: %v", err)
			}
			if r.PostForm.Get("secret") != "secret-key" {
				t.Errorf("expected secret to be forwarded, got %q", r.PostForm.Get("secret"))
			}
			if r.PostForm.Get("response") != "tok" {
				t.Errorf("expected token to be forwarded, got %q", r.PostForm.Get("response"))
			}
			if r.PostForm.Get("remoteip") != "203.0.113.9" {
				t.Errorf("expected remote IP to be forwarded, got %q", r.PostForm.Get("remoteip"))
			}
			w.Write([]byte(`{"success":true}`))
		})

		ok, err := ts.Verify(ctx, "tok", "203.0.113.9")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected verification to succeed")
		}
	})

	t.Run("failure", func(t *testing.T) {
		ts := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
		})

		ok, err := ts.Verify(ctx, "bad", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected verification to fail")
		}
	})

	t.Run("empty token is not a proof", func(t *testing.T) {
		called := false
		ts := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
			called = true
		})

		ok, err := ts.Verify(ctx, "", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("empty token must not verify")
		}
		if called {
			t.Error("siteverify must not be called for an empty token")
		}
	})
}
