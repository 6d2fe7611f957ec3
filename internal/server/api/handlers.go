// Package api exposes the drop protocol over HTTP: JSON endpoints for the
// multipart upload phases, download URL brokering, and operational probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"daydrop/internal/server/service"
)

// Pinger reports backend connectivity for the health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the HTTP handlers for the drop API.
type Handler struct {
	uploads   *service.UploadService
	downloads *service.DownloadService
	ledger    *service.Ledger
	siteKey   string
	kv        Pinger
	store     Pinger
}

// NewHandler creates a handler over the upload and download services.
func NewHandler(uploads *service.UploadService, downloads *service.DownloadService, ledger *service.Ledger, siteKey string, kv, store Pinger) *Handler {
	return &Handler{
		uploads:   uploads,
		downloads: downloads,
		ledger:    ledger,
		siteKey:   siteKey,
		kv:        kv,
		store:     store,
	}
}

type initRequest struct {
	Filename       string `json:"filename"`
	ContentType    string `json:"contentType"`
	Size           int64  `json:"size"`
	TurnstileToken string `json:"turnstileToken"`
}

type initResponse struct {
	Code        string `json:"code"`
	ObjectKey   string `json:"objectKey"`
	UploadID    string `json:"uploadId"`
	PartSize    int64  `json:"partSize"`
	ResumeUntil int64  `json:"resumeUntil"`
	Auth        string `json:"auth"`
}

// HandleInit handles POST /api/upload-mpu-init.
func (h *Handler) HandleInit(c echo.Context) error {
	var req initRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}

	result, err := h.uploads.Init(c.Request().Context(), service.InitRequest{
		Filename:     req.Filename,
		ContentType:  req.ContentType,
		Size:         req.Size,
		CaptchaToken: req.TurnstileToken,
		RemoteIP:     c.RealIP(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, initResponse{
		Code:        result.Code,
		ObjectKey:   result.ObjectKey,
		UploadID:    result.UploadID,
		PartSize:    result.PartSize,
		ResumeUntil: result.ResumeUntil.UnixMilli(),
		Auth:        result.Auth,
	})
}

type presignRequest struct {
	ObjectKey        string  `json:"objectKey"`
	UploadID         string  `json:"uploadId"`
	PartNumbers      []int32 `json:"partNumbers"`
	EstimatedSeconds int64   `json:"estimatedSeconds"`
	Auth             string  `json:"auth"`
	TurnstileToken   string  `json:"turnstileToken"`
}

type partURL struct {
	PartNumber int32  `json:"partNumber"`
	URL        string `json:"url"`
}

type presignResponse struct {
	URLs      []partURL `json:"urls"`
	ExpiresAt int64     `json:"expiresAt"`
}

// HandlePresign handles POST /api/upload-mpu-presign.
func (h *Handler) HandlePresign(c echo.Context) error {
	var req presignRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}

	result, err := h.uploads.Presign(c.Request().Context(), service.PresignRequest{
		ObjectKey:        req.ObjectKey,
		UploadID:         req.UploadID,
		PartNumbers:      req.PartNumbers,
		EstimatedSeconds: req.EstimatedSeconds,
		Auth:             req.Auth,
		CaptchaToken:     req.TurnstileToken,
		RemoteIP:         c.RealIP(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	urls := make([]partURL, 0, len(result.URLs))
	for _, u := range result.URLs {
		urls = append(urls, partURL{PartNumber: u.PartNumber, URL: u.URL})
	}
	return c.JSON(http.StatusOK, presignResponse{
		URLs:      urls,
		ExpiresAt: result.ExpiresAt.UnixMilli(),
	})
}

type completePart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

type completeRequest struct {
	ObjectKey      string          `json:"objectKey"`
	UploadID       string          `json:"uploadId"`
	Parts          []completePart  `json:"parts"`
	Code           string          `json:"code"`
	Filename       string          `json:"filename"`
	ContentType    string          `json:"contentType"`
	Size           int64           `json:"size"`
	Enc            json.RawMessage `json:"enc,omitempty"`
	Auth           string          `json:"auth"`
	TurnstileToken string          `json:"turnstileToken"`
}

// HandleComplete handles POST /api/upload-mpu-complete.
func (h *Handler) HandleComplete(c echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}

	parts := make([]service.PartETag, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, service.PartETag{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	err := h.uploads.Complete(c.Request().Context(), service.CompleteRequest{
		ObjectKey:    req.ObjectKey,
		UploadID:     req.UploadID,
		Parts:        parts,
		Code:         req.Code,
		Filename:     req.Filename,
		ContentType:  req.ContentType,
		Size:         req.Size,
		Enc:          req.Enc,
		Auth:         req.Auth,
		CaptchaToken: req.TurnstileToken,
		RemoteIP:     c.RealIP(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"ok": true})
}

type abortRequest struct {
	ObjectKey      string `json:"objectKey"`
	UploadID       string `json:"uploadId"`
	Auth           string `json:"auth"`
	TurnstileToken string `json:"turnstileToken"`
}

// HandleAbort handles POST /api/upload-mpu-abort.
func (h *Handler) HandleAbort(c echo.Context) error {
	var req abortRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}

	err := h.uploads.Abort(c.Request().Context(), service.AbortRequest{
		ObjectKey:    req.ObjectKey,
		UploadID:     req.UploadID,
		Auth:         req.Auth,
		CaptchaToken: req.TurnstileToken,
		RemoteIP:     c.RealIP(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"ok": true})
}

type downloadRequest struct {
	Code             string `json:"code"`
	EstimatedSeconds int64  `json:"estimatedSeconds"`
	Auth             string `json:"auth"`
	TurnstileToken   string `json:"turnstileToken"`
}

type downloadMeta struct {
	Filename      string          `json:"filename"`
	ContentType   string          `json:"contentType"`
	Size          int64           `json:"size"`
	Enc           json.RawMessage `json:"enc,omitempty"`
	SupportsRange bool            `json:"supportsRange"`
}

type downloadResponse struct {
	DownloadURL string       `json:"downloadUrl"`
	Meta        downloadMeta `json:"meta"`
	ExpiresAt   int64        `json:"expiresAt"`
	Auth        string       `json:"auth,omitempty"`
}

// HandleDownloadURL handles POST /api/download-url.
func (h *Handler) HandleDownloadURL(c echo.Context) error {
	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}

	result, err := h.downloads.CheckAndPresign(c.Request().Context(), service.DownloadRequest{
		Code:             req.Code,
		EstimatedSeconds: req.EstimatedSeconds,
		Auth:             req.Auth,
		CaptchaToken:     req.TurnstileToken,
		RemoteIP:         c.RealIP(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, downloadResponse{
		DownloadURL: result.URL,
		Meta: downloadMeta{
			Filename:      result.Meta.Filename,
			ContentType:   result.Meta.ContentType,
			Size:          result.Meta.Size,
			Enc:           result.Meta.Enc,
			SupportsRange: result.Meta.SupportsRange,
		},
		ExpiresAt: result.ExpiresAt.UnixMilli(),
		Auth:      result.NewAuth,
	})
}

// HandleSiteKey handles GET /api/sitekey.
func (h *Handler) HandleSiteKey(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"siteKey": h.siteKey})
}

// HandleHealth handles GET /health. Degrades instead of failing so load
// balancers see the detail.
func (h *Handler) HandleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	status := "healthy"
	kvStatus := "connected"
	storeStatus := "connected"

	if err := h.kv.Ping(ctx); err != nil {
		status = "degraded"
		kvStatus = fmt.Sprintf("error: %v", err)
	}
	if err := h.store.Ping(ctx); err != nil {
		status = "degraded"
		storeStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":  status,
		"kv":      kvStatus,
		"storage": storeStatus,
	})
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	used, err := h.ledger.Usage(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve stats"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"used_bytes":  used,
		"quota_bytes": h.ledger.Quota(),
		"used_human":  humanizeBytes(used),
	})
}

// mapServiceError translates service-layer errors into HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrPartsMismatch):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "uploaded parts do not match"})
	case errors.Is(err, service.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authorization required"})
	case errors.Is(err, service.ErrQuotaExceeded):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "storage quota exceeded"})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "invalid or unknown code"})
	case errors.Is(err, service.ErrSessionExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "upload session expired"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "file has expired"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
