package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"daydrop/internal/client/cryptox"
)

// dropServer emulates the API plus the bucket behind the presigned URLs.
type dropServer struct {
	t  *testing.T
	mu sync.Mutex

	srv         *httptest.Server
	partSize    int64
	failPartPut bool

	received  map[int32][]byte // bucket state, per part
	completed *CompleteRequest
	aborted   bool
}

func newDropServer(t *testing.T, partSize int64) *dropServer {
	t.Helper()
	ds := &dropServer{t: t, partSize: partSize, received: make(map[int32][]byte)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload-mpu-init", func(w http.ResponseWriter, r *http.Request) {
		var req InitRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.TurnstileToken == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "captcha required"})
			return
		}
		json.NewEncoder(w).Encode(InitResponse{
			Code:      "BAKU-TEZA-42",
			ObjectKey: "2026/08/29/xyz__" + req.Filename,
			UploadID:  "upload-1",
			PartSize:  ds.partSize,
			Auth:      "tok-upload",
		})
	})
	mux.HandleFunc("POST /api/upload-mpu-presign", func(w http.ResponseWriter, r *http.Request) {
		var req PresignRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Auth != "tok-upload" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization required"})
			return
		}
		urls := make([]PartURL, 0, len(req.PartNumbers))
		for _, n := range req.PartNumbers {
			urls = append(urls, PartURL{PartNumber: n, URL: fmt.Sprintf("%s/bucket/part/%d", ds.srv.URL, n)})
		}
		json.NewEncoder(w).Encode(PresignResponse{URLs: urls})
	})
	mux.HandleFunc("PUT /bucket/part/{n}", func(w http.ResponseWriter, r *http.Request) {
		if ds.failPartPut {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var n int32
		fmt.Sscanf(r.PathValue("n"), "%d", &n)
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)
		ds.mu.Lock()
		ds.received[n] = body.Bytes()
		ds.mu.Unlock()
		w.Header().Set("ETag", fmt.Sprintf("W/\"etag-%d\"", n))
	})
	mux.HandleFunc("POST /api/upload-mpu-complete", func(w http.ResponseWriter, r *http.Request) {
		var req CompleteRequest
		json.NewDecoder(r.Body).Decode(&req)
		ds.mu.Lock()
		ds.completed = &req
		ds.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /api/upload-mpu-abort", func(w http.ResponseWriter, r *http.Request) {
		ds.mu.Lock()
		ds.aborted = true
		ds.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	ds.srv = httptest.NewServer(mux)
	t.Cleanup(ds.srv.Close)
	return ds
}

func (ds *dropServer) bucketBytes() []byte {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	var out []byte
	for n := int32(1); ; n++ {
		part, ok := ds.received[n]
		if !ok {
			return out
		}
		out = append(out, part...)
	}
}

func tempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, content
}

func TestUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("splits, uploads, and completes in order", func(t *testing.T) {
		ds := newDropServer(t, 1024)
		path, content := tempFile(t, 2560) // 3 parts: 1024+1024+512
		up := NewUploader(NewAPIClient(ds.srv.URL), "proof")

		res, err := up.Upload(ctx, path, false)
		if err != nil {
			t.Fatalf("upload failed: %v", err)
		}
		if res.Code != "BAKU-TEZA-42" {
			t.Errorf("code = %q", res.Code)
		}
		if res.Parts != 3 {
			t.Errorf("parts = %d, want 3", res.Parts)
		}
		if !bytes.Equal(ds.bucketBytes(), content) {
			t.Error("bucket content does not match the file")
		}

		if ds.completed == nil {
			t.Fatal("complete was never called")
		}
		for i, p := range ds.completed.Parts {
			if p.PartNumber != int32(i+1) {
				t.Errorf("parts out of order: %+v", ds.completed.Parts)
			}
			if want := fmt.Sprintf("etag-%d", p.PartNumber); p.ETag != want {
				t.Errorf("etag not cleaned: %q, want %q", p.ETag, want)
			}
		}
		if ds.completed.Size != 2560 {
			t.Errorf("completed size = %d", ds.completed.Size)
		}
		if ds.aborted {
			t.Error("a successful upload must not abort")
		}
	})

	t.Run("aborts when the bucket keeps failing", func(t *testing.T) {
		ds := newDropServer(t, 1024)
		ds.failPartPut = true
		path, _ := tempFile(t, 100)
		up := NewUploader(NewAPIClient(ds.srv.URL), "proof")

		if _, err := up.Upload(ctx, path, false); err == nil {
			t.Fatal("expected an error")
		}
		if !ds.aborted {
			t.Error("failed upload must abort the session")
		}
		if ds.completed != nil {
			t.Error("failed upload must not complete")
		}
	})

	t.Run("encrypts under the issued code", func(t *testing.T) {
		ds := newDropServer(t, 1024)
		path, content := tempFile(t, 600)
		up := NewUploader(NewAPIClient(ds.srv.URL), "proof")

		res, err := up.Upload(ctx, path, true)
		if err != nil {
			t.Fatalf("upload failed: %v", err)
		}

		stored := ds.bucketBytes()
		if bytes.Contains(stored, content) {
			t.Fatal("bucket received plaintext")
		}
		if len(ds.completed.Enc) == 0 {
			t.Fatal("complete carried no encryption descriptor")
		}

		var meta cryptox.Meta
		if err := json.Unmarshal(ds.completed.Enc, &meta); err != nil {
			t.Fatalf("malformed descriptor: %v", err)
		}
		plaintext, err := cryptox.Decrypt(stored, res.Code, &meta)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if !bytes.Equal(plaintext, content) {
			t.Error("decrypted content does not match the file")
		}
	})

	t.Run("rejects empty files", func(t *testing.T) {
		ds := newDropServer(t, 1024)
		path := filepath.Join(t.TempDir(), "empty.bin")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		up := NewUploader(NewAPIClient(ds.srv.URL), "proof")

		if _, err := up.Upload(ctx, path, false); err == nil {
			t.Error("expected an error for an empty file")
		}
	})
}

func TestCleanETag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"abc123"`, "abc123"},
		{`W/"abc123"`, "abc123"},
		{"abc123", "abc123"},
		{` "abc123" `, "abc123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := cleanETag(tt.in); got != tt.want {
			t.Errorf("cleanETag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSpeedometer(t *testing.T) {
	s := newSpeedometer(1000)
	if got := s.estimateSeconds(); got != 0 {
		t.Errorf("estimate before any throughput = %d, want 0", got)
	}

	s.add(1000)
	if got := s.estimateSeconds(); got != 0 {
		t.Errorf("estimate when done = %d, want 0", got)
	}
}

func TestUploadConcurrency(t *testing.T) {
	n := uploadConcurrency()
	if n < 2 || n > 6 {
		t.Errorf("concurrency %d outside [2, 6]", n)
	}
}
