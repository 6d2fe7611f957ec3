// Package transfer implements the client side of the drop protocol: talking
// to the API, moving parts to and from the bucket, and resuming interrupted
// downloads.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIClient is a thin JSON client for the drop API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

// NewAPIClient creates a client against the given server base URL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// InitRequest starts an upload session.
type InitRequest struct {
	Filename       string `json:"filename"`
	ContentType    string `json:"contentType"`
	Size           int64  `json:"size"`
	TurnstileToken string `json:"turnstileToken"`
}

// InitResponse is the server's session grant.
type InitResponse struct {
	Code        string `json:"code"`
	ObjectKey   string `json:"objectKey"`
	UploadID    string `json:"uploadId"`
	PartSize    int64  `json:"partSize"`
	ResumeUntil int64  `json:"resumeUntil"`
	Auth        string `json:"auth"`
}

// Init calls POST /api/upload-mpu-init.
func (c *APIClient) Init(ctx context.Context, req InitRequest) (*InitResponse, error) {
	var res InitResponse
	if err := c.post(ctx, "/api/upload-mpu-init", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PresignRequest asks for part upload URLs.
type PresignRequest struct {
	ObjectKey        string  `json:"objectKey"`
	UploadID         string  `json:"uploadId"`
	PartNumbers      []int32 `json:"partNumbers"`
	EstimatedSeconds int64   `json:"estimatedSeconds"`
	Auth             string  `json:"auth"`
	TurnstileToken   string  `json:"turnstileToken,omitempty"`
}

// PartURL pairs a part number with its presigned PUT URL.
type PartURL struct {
	PartNumber int32  `json:"partNumber"`
	URL        string `json:"url"`
}

// PresignResponse carries the URLs and their shared expiry.
type PresignResponse struct {
	URLs      []PartURL `json:"urls"`
	ExpiresAt int64     `json:"expiresAt"`
}

// Presign calls POST /api/upload-mpu-presign.
func (c *APIClient) Presign(ctx context.Context, req PresignRequest) (*PresignResponse, error) {
	var res PresignResponse
	if err := c.post(ctx, "/api/upload-mpu-presign", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CompletedPart is one uploaded part's receipt.
type CompletedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// CompleteRequest finalizes the upload.
type CompleteRequest struct {
	ObjectKey      string          `json:"objectKey"`
	UploadID       string          `json:"uploadId"`
	Parts          []CompletedPart `json:"parts"`
	Code           string          `json:"code"`
	Filename       string          `json:"filename"`
	ContentType    string          `json:"contentType"`
	Size           int64           `json:"size"`
	Enc            json.RawMessage `json:"enc,omitempty"`
	Auth           string          `json:"auth"`
	TurnstileToken string          `json:"turnstileToken,omitempty"`
}

// Complete calls POST /api/upload-mpu-complete.
func (c *APIClient) Complete(ctx context.Context, req CompleteRequest) error {
	return c.post(ctx, "/api/upload-mpu-complete", req, nil)
}

// AbortRequest cancels the upload.
type AbortRequest struct {
	ObjectKey      string `json:"objectKey"`
	UploadID       string `json:"uploadId"`
	Auth           string `json:"auth"`
	TurnstileToken string `json:"turnstileToken,omitempty"`
}

// Abort calls POST /api/upload-mpu-abort.
func (c *APIClient) Abort(ctx context.Context, req AbortRequest) error {
	return c.post(ctx, "/api/upload-mpu-abort", req, nil)
}

// DownloadURLRequest asks for a presigned GET URL.
type DownloadURLRequest struct {
	Code             string `json:"code"`
	EstimatedSeconds int64  `json:"estimatedSeconds,omitempty"`
	Auth             string `json:"auth,omitempty"`
	TurnstileToken   string `json:"turnstileToken,omitempty"`
}

// FileMeta describes the file behind a code.
type FileMeta struct {
	Filename      string          `json:"filename"`
	ContentType   string          `json:"contentType"`
	Size          int64           `json:"size"`
	Enc           json.RawMessage `json:"enc"`
	SupportsRange bool            `json:"supportsRange"`
}

// DownloadURLResponse is the brokered download grant.
type DownloadURLResponse struct {
	DownloadURL string   `json:"downloadUrl"`
	Meta        FileMeta `json:"meta"`
	ExpiresAt   int64    `json:"expiresAt"`
	Auth        string   `json:"auth,omitempty"`
}

// DownloadURL calls POST /api/download-url.
func (c *APIClient) DownloadURL(ctx context.Context, req DownloadURLRequest) (*DownloadURLResponse, error) {
	var res DownloadURLResponse
	if err := c.post(ctx, "/api/download-url", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SiteKey calls GET /api/sitekey.
func (c *APIClient) SiteKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sitekey", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}
	var body struct {
		SiteKey string `json:"siteKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("malformed sitekey response: %w", err)
	}
	return body.SiteKey, nil
}

func (c *APIClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		body.Error = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
