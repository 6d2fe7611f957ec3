package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"daydrop/internal/server/captcha"
)

// authTTL is how long an issued authorization token stays valid. It matches
// the resume window so a token outlives exactly one upload session.
const authTTL = 30 * time.Minute

// newAuthToken mints an opaque 32-character URL-safe token.
func newAuthToken() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// authorizer resolves the "token or fresh captcha proof" rule shared by every
// post-init operation: possession of a live (scope, subject) token is
// sufficient, and a valid captcha proof is always an acceptable substitute.
type authorizer struct {
	kv       KV
	verifier captcha.Verifier
}

// allow reports whether the caller may act on (scope, subject). The token is
// checked first to avoid a verification round-trip on the happy path.
func (a *authorizer) allow(ctx context.Context, scope, subject, token, captchaToken, remoteIP string) (bool, error) {
	if token != "" {
		ok, err := a.kv.HasAuth(ctx, scope, subject, token)
		if err != nil {
			return false, fmt.Errorf("failed to check auth token: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	if captchaToken == "" {
		return false, nil
	}
	ok, err := a.verifier.Verify(ctx, captchaToken, remoteIP)
	if err != nil {
		return false, fmt.Errorf("captcha verification failed: %w", err)
	}
	return ok, nil
}
