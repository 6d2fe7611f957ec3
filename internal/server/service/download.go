package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"daydrop/internal/server/captcha"
	"daydrop/internal/server/codes"
	"daydrop/internal/server/config"
	"daydrop/internal/server/kv"
)

// DownloadService validates retrieval codes and brokers presigned GET URLs,
// managing a renewable download session per code.
type DownloadService struct {
	store ObjectStore
	kv    KV
	authz authorizer

	now func() time.Time
}

// NewDownloadService creates the download broker.
func NewDownloadService(store ObjectStore, kvs KV, verifier captcha.Verifier, cfg *config.Config) *DownloadService {
	return &DownloadService{
		store: store,
		kv:    kvs,
		authz: authorizer{kv: kvs, verifier: verifier},
		now:   time.Now,
	}
}

// DownloadRequest asks for a presigned GET for a retrieval code.
type DownloadRequest struct {
	Code             string
	EstimatedSeconds int64
	Auth             string
	CaptchaToken     string
	RemoteIP         string
}

// FileMeta describes the drop a client is about to download.
type FileMeta struct {
	Filename      string
	ContentType   string
	Size          int64
	Enc           json.RawMessage
	SupportsRange bool
}

// DownloadResult carries the time-boxed URL and, after a first successful
// captcha verification, a freshly minted download session token.
type DownloadResult struct {
	URL       string
	Meta      FileMeta
	ExpiresAt time.Time
	NewAuth   string
}

// CheckAndPresign authorizes the caller, confirms the backing object still
// physically exists (self-healing the KV entries when it does not), checks
// record expiry, and returns a range-capable presigned GET URL.
func (s *DownloadService) CheckAndPresign(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	if !codes.Valid(req.Code) {
		return nil, fmt.Errorf("%w: malformed code", ErrValidation)
	}

	authorized := false
	newAuth := ""
	if req.Auth != "" {
		ok, err := s.kv.HasAuth(ctx, kv.ScopeDownload, req.Code, req.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to check auth token: %w", err)
		}
		authorized = ok
	}
	if !authorized && req.CaptchaToken != "" {
		ok, err := s.authz.verifier.Verify(ctx, req.CaptchaToken, req.RemoteIP)
		if err != nil {
			return nil, err
		}
		if ok {
			authorized = true
			token, err := newAuthToken()
			if err != nil {
				return nil, err
			}
			if err := s.kv.PutAuth(ctx, kv.ScopeDownload, req.Code, token, authTTL); err != nil {
				return nil, fmt.Errorf("failed to persist download auth: %w", err)
			}
			newAuth = token
		}
	}
	if !authorized {
		return nil, ErrUnauthorized
	}

	var record FileRecord
	if err := s.kv.GetJSON(ctx, kv.CodeKey(req.Code), &record); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid code", ErrNotFound)
		}
		return nil, err
	}

	exists, err := s.store.Exists(ctx, record.ObjectKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		// The bucket's lifecycle raced ahead of the KV TTL; drop both
		// entries so later lookups fail fast.
		if err := s.kv.Delete(ctx, kv.CodeKey(req.Code), kv.ObjectKey(record.ObjectKey)); err != nil {
			slog.Error("failed to clean up stale record", "code", req.Code, "error", err)
		}
		slog.Info("self-healed stale file record", "code", req.Code, "object_key", record.ObjectKey)
		return nil, fmt.Errorf("%w: file missing", ErrNotFound)
	}

	now := s.now()
	// Expiry is exclusive: a record is still valid at the exact instant it
	// expires, only strictly after.
	if record.ExpiresAt < now.UnixMilli() {
		return nil, ErrExpired
	}

	ttl := clampPresignTTL(req.EstimatedSeconds)
	url, err := s.store.PresignGet(ctx, record.ObjectKey, record.Filename, ttl)
	if err != nil {
		return nil, err
	}

	// Best effort; the counter is informational.
	record.Downloads++
	remaining := time.UnixMilli(record.ExpiresAt).Sub(now)
	if remaining < time.Second {
		remaining = time.Second
	}
	if err := s.kv.PutJSON(ctx, kv.CodeKey(req.Code), record, remaining); err != nil {
		slog.Error("failed to bump download count", "code", req.Code, "error", err)
	}

	return &DownloadResult{
		URL: url,
		Meta: FileMeta{
			Filename:      record.Filename,
			ContentType:   record.ContentType,
			Size:          record.Size,
			Enc:           record.Enc,
			SupportsRange: true,
		},
		ExpiresAt: now.Add(ttl),
		NewAuth:   newAuth,
	}, nil
}
