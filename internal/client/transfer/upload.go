package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"daydrop/internal/client/cryptox"
)

const (
	partAttempts = 3
	partBackoff  = 800 * time.Millisecond

	// gcmOverhead is the fixed ciphertext expansion of AES-GCM.
	gcmOverhead = 16
)

// uploadConcurrency bounds the part workers to something reasonable for both
// laptops and build boxes.
func uploadConcurrency() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	if n > 6 {
		n = 6
	}
	return n
}

// Uploader drives the multipart upload protocol against the drop API.
type Uploader struct {
	api          *APIClient
	http         *http.Client
	captchaToken string
}

// NewUploader creates an uploader. captchaToken is the solved challenge
// proof presented at session init.
func NewUploader(api *APIClient, captchaToken string) *Uploader {
	return &Uploader{
		api:          api,
		http:         &http.Client{Timeout: 10 * time.Minute},
		captchaToken: captchaToken,
	}
}

// UploadResult is what the sender hands to the recipient.
type UploadResult struct {
	Code     string
	Size     int64
	Parts    int
	Duration time.Duration
}

// Upload sends the file at path, optionally encrypting it under the issued
// retrieval code. Any failure after init aborts the server-side session.
func (u *Uploader) Upload(ctx context.Context, path string, encrypt bool) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	filename := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	declaredSize := info.Size()
	if encrypt {
		declaredSize += gcmOverhead
	}

	start := time.Now()
	session, err := u.api.Init(ctx, InitRequest{
		Filename:       filename,
		ContentType:    contentType,
		Size:           declaredSize,
		TurnstileToken: u.captchaToken,
	})
	if err != nil {
		return nil, err
	}

	// The key is derived from the retrieval code, so encryption can only
	// happen after the session grant.
	var src io.ReaderAt
	var enc json.RawMessage
	size := info.Size()
	if encrypt {
		plaintext, err := io.ReadAll(f)
		if err != nil {
			u.abort(session)
			return nil, err
		}
		ciphertext, meta, err := cryptox.Encrypt(plaintext, session.Code)
		if err != nil {
			u.abort(session)
			return nil, err
		}
		enc, err = json.Marshal(meta)
		if err != nil {
			u.abort(session)
			return nil, err
		}
		src = bytes.NewReader(ciphertext)
		size = int64(len(ciphertext))
	} else {
		src = f
	}

	parts, err := u.uploadParts(ctx, session, src, size)
	if err != nil {
		u.abort(session)
		return nil, err
	}

	err = u.api.Complete(ctx, CompleteRequest{
		ObjectKey:   session.ObjectKey,
		UploadID:    session.UploadID,
		Parts:       parts,
		Code:        session.Code,
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
		Enc:         enc,
		Auth:        session.Auth,
	})
	if err != nil {
		u.abort(session)
		return nil, err
	}

	return &UploadResult{
		Code:     session.Code,
		Size:     size,
		Parts:    len(parts),
		Duration: time.Since(start),
	}, nil
}

// uploadParts chunks src into partSize pieces and moves them concurrently.
func (u *Uploader) uploadParts(ctx context.Context, session *InitResponse, src io.ReaderAt, size int64) ([]CompletedPart, error) {
	partSize := session.PartSize
	numParts := int((size + partSize - 1) / partSize)

	speed := newSpeedometer(size)
	results := make([]CompletedPart, numParts)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency())

	for i := 0; i < numParts; i++ {
		partNumber := int32(i + 1)
		offset := int64(i) * partSize
		length := partSize
		if offset+length > size {
			length = size - offset
		}

		g.Go(func() error {
			etag, err := u.uploadPart(ctx, session, src, partNumber, offset, length, speed)
			if err != nil {
				return err
			}
			results[partNumber-1] = CompletedPart{PartNumber: partNumber, ETag: etag}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range results {
		if p.ETag == "" {
			return nil, fmt.Errorf("part %d finished without an etag", p.PartNumber)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].PartNumber < results[j].PartNumber })
	return results, nil
}

// uploadPart presigns and PUTs one part, retrying transient failures.
func (u *Uploader) uploadPart(ctx context.Context, session *InitResponse, src io.ReaderAt, partNumber int32, offset, length int64, speed *speedometer) (string, error) {
	presigned, err := u.api.Presign(ctx, PresignRequest{
		ObjectKey:        session.ObjectKey,
		UploadID:         session.UploadID,
		PartNumbers:      []int32{partNumber},
		EstimatedSeconds: speed.estimateSeconds(),
		Auth:             session.Auth,
	})
	if err != nil {
		return "", err
	}
	if len(presigned.URLs) != 1 {
		return "", fmt.Errorf("expected 1 presigned url, got %d", len(presigned.URLs))
	}
	url := presigned.URLs[0].URL

	var lastErr error
	for attempt := 1; attempt <= partAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(partBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		etag, err := u.putPart(ctx, url, src, offset, length)
		if err == nil {
			if etag == "" {
				return "", fmt.Errorf("bucket returned no etag for part %d", partNumber)
			}
			speed.add(length)
			return etag, nil
		}
		lastErr = err
		slog.Debug("part upload attempt failed",
			"part", partNumber,
			"attempt", attempt,
			"error", err,
		)
	}
	return "", fmt.Errorf("part %d failed after %d attempts: %w", partNumber, partAttempts, lastErr)
}

func (u *Uploader) putPart(ctx context.Context, url string, src io.ReaderAt, offset, length int64) (string, error) {
	body := io.NewSectionReader(src, offset, length)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = length

	resp, err := u.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("bucket returned %s", resp.Status)
	}
	return cleanETag(resp.Header.Get("ETag")), nil
}

// abort is best effort; a failed abort leaves the session for the reaper.
func (u *Uploader) abort(session *InitResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := u.api.Abort(ctx, AbortRequest{
		ObjectKey: session.ObjectKey,
		UploadID:  session.UploadID,
		Auth:      session.Auth,
	}); err != nil {
		slog.Warn("failed to abort upload session", "upload_id", session.UploadID, "error", err)
	}
}

// cleanETag strips the weak validator prefix and surrounding quotes.
func cleanETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// speedometer tracks transfer throughput so presign requests carry an honest
// time estimate.
type speedometer struct {
	mu    sync.Mutex
	start time.Time
	total int64
	done  int64
}

func newSpeedometer(total int64) *speedometer {
	return &speedometer{start: time.Now(), total: total}
}

func (s *speedometer) add(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done += n
}

// estimateSeconds projects the remaining transfer time from observed
// throughput. Before any throughput is observed it returns 0 and lets the
// server apply its floor.
func (s *speedometer) estimateSeconds() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.start).Seconds()
	if s.done == 0 || elapsed <= 0 {
		return 0
	}
	bytesPerSec := float64(s.done) / elapsed
	remaining := float64(s.total - s.done)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining / bytesPerSec)
}
