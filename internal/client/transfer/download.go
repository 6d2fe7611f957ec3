package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"daydrop/internal/client/cryptox"
)

// maxResumes bounds how many times a broken stream is picked back up before
// the download is declared failed.
const maxResumes = 5

// Downloader fetches a drop by its retrieval code, resuming broken streams
// with ranged requests.
type Downloader struct {
	api          *APIClient
	http         *http.Client
	captchaToken string

	// auth caches the download token minted on the first captcha-backed
	// request so resumes skip re-verification.
	auth string
}

// NewDownloader creates a downloader. captchaToken is the solved challenge
// proof for the first authorization.
func NewDownloader(api *APIClient, captchaToken string) *Downloader {
	return &Downloader{
		api:          api,
		http:         &http.Client{Timeout: 10 * time.Minute},
		captchaToken: captchaToken,
	}
}

// DownloadResult describes the fetched file.
type DownloadResult struct {
	Path     string
	Filename string
	Size     int64
	Duration time.Duration
}

// Fetch retrieves the file behind code into dir (or outPath if non-empty),
// decrypting it when the record carries an encryption descriptor.
func (d *Downloader) Fetch(ctx context.Context, code, dir, outPath string) (*DownloadResult, error) {
	start := time.Now()

	res, err := d.presignFor(ctx, code)
	if err != nil {
		return nil, err
	}

	path := outPath
	if path == "" {
		path = filepath.Join(dir, filepath.Base(res.Meta.Filename))
	}

	received, err := d.stream(ctx, res.DownloadURL, path, 0)
	for resumes := 0; err != nil && received > 0 && res.Meta.SupportsRange && resumes < maxResumes; resumes++ {
		slog.Warn("download interrupted, resuming",
			"code", code,
			"received", received,
			"error", err,
		)
		res, err = d.presignFor(ctx, code)
		if err != nil {
			return nil, err
		}
		var n int64
		n, err = d.stream(ctx, res.DownloadURL, path, received)
		received += n
	}
	if err != nil {
		return nil, err
	}

	if len(res.Meta.Enc) > 0 && string(res.Meta.Enc) != "null" {
		if err := d.decryptFile(path, code, res.Meta.Enc); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &DownloadResult{
		Path:     path,
		Filename: res.Meta.Filename,
		Size:     info.Size(),
		Duration: time.Since(start),
	}, nil
}

// presignFor requests a download grant, riding the cached token when one was
// already minted.
func (d *Downloader) presignFor(ctx context.Context, code string) (*DownloadURLResponse, error) {
	req := DownloadURLRequest{Code: code}
	if d.auth != "" {
		req.Auth = d.auth
	} else {
		req.TurnstileToken = d.captchaToken
	}

	res, err := d.api.DownloadURL(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Auth != "" {
		d.auth = res.Auth
	}
	return res, nil
}

// stream GETs url into path starting at offset, returning how many bytes it
// managed to append.
func (d *Downloader) stream(ctx context.Context, url, path string, offset int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case offset == 0 && resp.StatusCode == http.StatusOK:
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
	default:
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("bucket returned %s", resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return n, err
	}
	return n, f.Close()
}

// decryptFile replaces the ciphertext at path with its plaintext.
func (d *Downloader) decryptFile(path, code string, enc json.RawMessage) error {
	var meta cryptox.Meta
	if err := json.Unmarshal(enc, &meta); err != nil {
		return fmt.Errorf("malformed encryption descriptor: %w", err)
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	plaintext, err := cryptox.Decrypt(ciphertext, code, &meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, plaintext, 0o644)
}
