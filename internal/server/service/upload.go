// Package service contains the business logic for drops: the upload
// orchestrator driving the multipart protocol, the download broker, and the
// quota ledger.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"daydrop/internal/server/captcha"
	"daydrop/internal/server/codes"
	"daydrop/internal/server/config"
	"daydrop/internal/server/kv"
	"daydrop/internal/server/objectstore"
)

// maxPartNumber is the S3 protocol ceiling for part numbers.
const maxPartNumber = 10000

// unsafeKeyChars matches everything that may not appear in an object key
// filename segment.
var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._~-]`)

// UploadService drives the four-phase multipart upload protocol:
// init, presign, complete, abort.
type UploadService struct {
	store  ObjectStore
	kv     KV
	codes  *codes.Registry
	ledger *Ledger
	authz  authorizer

	partSize     int64
	resumeWindow time.Duration
	defaultTTL   time.Duration

	now func() time.Time
}

// NewUploadService creates the upload orchestrator.
func NewUploadService(store ObjectStore, kvs KV, verifier captcha.Verifier, ledger *Ledger, cfg *config.Config) *UploadService {
	return &UploadService{
		store:        store,
		kv:           kvs,
		codes:        codes.NewRegistry(func(ctx context.Context, code string) (bool, error) { return kvs.Has(ctx, kv.CodeKey(code)) }),
		ledger:       ledger,
		authz:        authorizer{kv: kvs, verifier: verifier},
		partSize:     cfg.PartSize,
		resumeWindow: cfg.ResumeWindow,
		defaultTTL:   cfg.DefaultTTL,
		now:          time.Now,
	}
}

// InitRequest starts a new upload session.
type InitRequest struct {
	Filename     string
	ContentType  string
	Size         int64
	CaptchaToken string
	RemoteIP     string
}

// InitResult is everything a client needs to drive the rest of the protocol.
type InitResult struct {
	Code        string
	ObjectKey   string
	UploadID    string
	PartSize    int64
	ResumeUntil time.Time
	Auth        string
}

// Init verifies the captcha proof, gates the declared size against the quota,
// opens a multipart upload, and issues a retrieval code plus an upload-scoped
// authorization token.
func (s *UploadService) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	if req.Filename == "" || req.ContentType == "" || req.Size <= 0 || req.CaptchaToken == "" {
		return nil, ErrValidation
	}

	ok, err := s.authz.verifier.Verify(ctx, req.CaptchaToken, req.RemoteIP)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: captcha failed", ErrUnauthorized)
	}

	if err := s.ledger.Admit(ctx, req.Size); err != nil {
		return nil, err
	}

	objectKey := s.newObjectKey(req.Filename)
	uploadID, err := s.store.CreateMultipart(ctx, objectKey, req.ContentType)
	if err != nil {
		return nil, err
	}

	code, err := s.codes.Unique(ctx)
	if err != nil {
		s.cleanupMultipart(ctx, objectKey, uploadID)
		return nil, err
	}

	resumeUntil := s.now().Add(s.resumeWindow)
	session := UploadSession{
		Code:        code,
		ObjectKey:   objectKey,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
		ResumeUntil: resumeUntil.UnixMilli(),
	}
	if err := s.kv.PutJSON(ctx, kv.SessionKey(uploadID), session, s.resumeWindow); err != nil {
		s.cleanupMultipart(ctx, objectKey, uploadID)
		return nil, fmt.Errorf("failed to persist upload session: %w", err)
	}

	auth, err := newAuthToken()
	if err != nil {
		s.cleanupMultipart(ctx, objectKey, uploadID)
		return nil, err
	}
	if err := s.kv.PutAuth(ctx, kv.ScopeUpload, uploadID, auth, authTTL); err != nil {
		s.cleanupMultipart(ctx, objectKey, uploadID)
		return nil, fmt.Errorf("failed to persist auth token: %w", err)
	}

	slog.Info("upload session initiated",
		"upload_id", uploadID,
		"object_key", objectKey,
		"size", req.Size,
	)

	return &InitResult{
		Code:        code,
		ObjectKey:   objectKey,
		UploadID:    uploadID,
		PartSize:    s.partSize,
		ResumeUntil: resumeUntil,
		Auth:        auth,
	}, nil
}

// PresignRequest asks for part upload URLs within an open session.
type PresignRequest struct {
	ObjectKey        string
	UploadID         string
	PartNumbers      []int32
	EstimatedSeconds int64
	Auth             string
	CaptchaToken     string
	RemoteIP         string
}

// PartURL pairs a part number with its presigned PUT URL.
type PartURL struct {
	PartNumber int32
	URL        string
}

// PresignResult carries the URLs and their shared expiry.
type PresignResult struct {
	URLs      []PartURL
	ExpiresAt time.Time
}

// Presign issues time-boxed PUT URLs for the requested parts. A request
// arriving at or past the resume deadline aborts the multipart upload so
// nothing dangles on the storage side.
func (s *UploadService) Presign(ctx context.Context, req PresignRequest) (*PresignResult, error) {
	if req.ObjectKey == "" || req.UploadID == "" || len(req.PartNumbers) == 0 {
		return nil, ErrValidation
	}
	for _, n := range req.PartNumbers {
		if n < 1 || n > maxPartNumber {
			return nil, fmt.Errorf("%w: part number %d out of range", ErrValidation, n)
		}
	}

	ok, err := s.authz.allow(ctx, kv.ScopeUpload, req.UploadID, req.Auth, req.CaptchaToken, req.RemoteIP)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorized
	}

	var session UploadSession
	if err := s.kv.GetJSON(ctx, kv.SessionKey(req.UploadID), &session); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: session not found", ErrSessionExpired)
		}
		return nil, err
	}

	now := s.now()
	if now.UnixMilli() >= session.ResumeUntil {
		s.cleanupMultipart(ctx, req.ObjectKey, req.UploadID)
		return nil, fmt.Errorf("%w: resume window passed", ErrSessionExpired)
	}

	ttl := clampPresignTTL(req.EstimatedSeconds)
	urls := make([]PartURL, 0, len(req.PartNumbers))
	for _, n := range req.PartNumbers {
		url, err := s.store.PresignPart(ctx, req.ObjectKey, req.UploadID, n, ttl)
		if err != nil {
			return nil, err
		}
		urls = append(urls, PartURL{PartNumber: n, URL: url})
	}

	// Keep the session record alive for the remainder of the resume window;
	// the deadline itself is absolute and never moves.
	if err := s.kv.Expire(ctx, kv.SessionKey(req.UploadID), s.resumeWindow); err != nil {
		slog.Error("failed to refresh session ttl", "upload_id", req.UploadID, "error", err)
	}

	return &PresignResult{URLs: urls, ExpiresAt: now.Add(ttl)}, nil
}

// PartETag is one client-reported {partNumber, etag} pair.
type PartETag struct {
	PartNumber int32
	ETag       string
}

// CompleteRequest finalizes an upload, publishing the code→record mapping.
type CompleteRequest struct {
	ObjectKey    string
	UploadID     string
	Parts        []PartETag
	Code         string
	Filename     string
	ContentType  string
	Size         int64
	Enc          json.RawMessage
	Auth         string
	CaptchaToken string
	RemoteIP     string
}

// Complete filters and orders the submitted parts, invokes the store's
// completion exactly once, and on success writes the FileRecord plus reverse
// index and revokes the session. A store-reported parts mismatch aborts the
// multipart upload so an inconsistent one never lingers.
func (s *UploadService) Complete(ctx context.Context, req CompleteRequest) error {
	if req.ObjectKey == "" || req.UploadID == "" || len(req.Parts) == 0 ||
		req.Filename == "" || req.ContentType == "" || req.Size <= 0 {
		return ErrValidation
	}
	if !codes.Valid(req.Code) {
		return fmt.Errorf("%w: malformed code", ErrValidation)
	}

	ok, err := s.authz.allow(ctx, kv.ScopeUpload, req.UploadID, req.Auth, req.CaptchaToken, req.RemoteIP)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}

	parts := make([]objectstore.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.PartNumber < 1 || strings.TrimSpace(p.ETag) == "" {
			continue
		}
		parts = append(parts, objectstore.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: no valid parts", ErrValidation)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	if err := s.store.CompleteMultipart(ctx, req.ObjectKey, req.UploadID, parts); err != nil {
		if errors.Is(err, objectstore.ErrPartsMismatch) {
			s.cleanupMultipart(ctx, req.ObjectKey, req.UploadID)
			return fmt.Errorf("%w: %v", ErrPartsMismatch, err)
		}
		return err
	}

	now := s.now()
	record := FileRecord{
		Code:        req.Code,
		ObjectKey:   req.ObjectKey,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
		CreatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(s.defaultTTL).UnixMilli(),
		Enc:         req.Enc,
	}
	if err := s.kv.PutJSON(ctx, kv.CodeKey(req.Code), record, s.defaultTTL); err != nil {
		return fmt.Errorf("failed to publish file record: %w", err)
	}
	if err := s.kv.PutJSON(ctx, kv.ObjectKey(req.ObjectKey), req.Code, s.defaultTTL); err != nil {
		return fmt.Errorf("failed to publish reverse index: %w", err)
	}

	if err := s.ledger.Record(ctx, req.Size); err != nil {
		slog.Error("failed to record usage", "upload_id", req.UploadID, "error", err)
	}
	if err := s.kv.Delete(ctx, kv.SessionKey(req.UploadID)); err != nil {
		slog.Error("failed to delete upload session", "upload_id", req.UploadID, "error", err)
	}
	if err := s.kv.DeleteAuth(ctx, kv.ScopeUpload, req.UploadID, req.Auth); err != nil {
		slog.Error("failed to revoke upload auth", "upload_id", req.UploadID, "error", err)
	}

	slog.Info("upload completed",
		"upload_id", req.UploadID,
		"object_key", req.ObjectKey,
		"parts", len(parts),
		"size", req.Size,
	)
	return nil
}

// AbortRequest cancels an upload session.
type AbortRequest struct {
	ObjectKey    string
	UploadID     string
	Auth         string
	CaptchaToken string
	RemoteIP     string
}

// Abort cancels the multipart upload and releases its session and token.
// Idempotent: aborting an upload that is already gone succeeds.
func (s *UploadService) Abort(ctx context.Context, req AbortRequest) error {
	if req.ObjectKey == "" || req.UploadID == "" {
		return ErrValidation
	}

	ok, err := s.authz.allow(ctx, kv.ScopeUpload, req.UploadID, req.Auth, req.CaptchaToken, req.RemoteIP)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}

	s.cleanupMultipart(ctx, req.ObjectKey, req.UploadID)
	if err := s.kv.DeleteAuth(ctx, kv.ScopeUpload, req.UploadID, req.Auth); err != nil {
		slog.Error("failed to revoke upload auth", "upload_id", req.UploadID, "error", err)
	}

	slog.Info("upload aborted", "upload_id", req.UploadID, "object_key", req.ObjectKey)
	return nil
}

// cleanupMultipart aborts a multipart upload and drops its session record.
// Cleanup failures are logged, never propagated.
func (s *UploadService) cleanupMultipart(ctx context.Context, objectKey, uploadID string) {
	if err := s.store.AbortMultipart(ctx, objectKey, uploadID); err != nil {
		slog.Error("failed to abort multipart upload",
			"upload_id", uploadID,
			"object_key", objectKey,
			"error", err,
		)
	}
	if err := s.kv.Delete(ctx, kv.SessionKey(uploadID)); err != nil {
		slog.Error("failed to delete upload session", "upload_id", uploadID, "error", err)
	}
}

// newObjectKey allocates a date-partitioned storage key:
// YYYY/MM/DD/<random-id>__<sanitized-filename>.
func (s *UploadService) newObjectKey(filename string) string {
	now := s.now().UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s__%s",
		now.Year(), now.Month(), now.Day(), uuid.NewString(), sanitizeFilename(filename))
}

// sanitizeFilename keeps only key-safe characters and bounds the length,
// keeping the tail so the extension survives.
func sanitizeFilename(name string) string {
	safe := unsafeKeyChars.ReplaceAllString(name, "_")
	if len(safe) > 120 {
		safe = safe[len(safe)-120:]
	}
	if safe == "" {
		safe = "file"
	}
	return safe
}

// clampPresignTTL turns the caller's estimated seconds-to-complete into a
// presign lifetime. The estimate gets 30 minutes of slack so an honest guess
// never produces a URL that expires the moment the transfer finishes; the
// result is bounded to [30 minutes, 24 hours].
func clampPresignTTL(estimatedSeconds int64) time.Duration {
	secs := estimatedSeconds + 1800
	if secs < 1800 {
		secs = 1800
	}
	if secs > 86400 {
		secs = 86400
	}
	return time.Duration(secs) * time.Second
}
