package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"daydrop/internal/server/config"
	"daydrop/internal/server/kv"
	"daydrop/internal/server/objectstore"
)

// --- Shared fakes for the orchestrator and broker tests ---

// fakeUpload is one open multipart upload inside fakeStore.
type fakeUpload struct {
	key      string
	received map[int32]string // partNumber -> etag the "store" saw
	aborted  bool
}

// fakeStore is an in-memory stand-in for the bucket adapter. Completion is
// strict in the R2 manner: the submitted parts list must reconcile exactly
// with the parts the store received, otherwise it reports a mismatch.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int
	objects map[string]int64       // key -> size
	uploads map[string]*fakeUpload // uploadID -> state

	abortCalls     int
	completedOrder []int32
	listCalls      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string]int64),
		uploads: make(map[string]*fakeUpload),
	}
}

func (f *fakeStore) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{key: key, received: make(map[int32]string)}
	return id, nil
}

// receive records a part as if the client had PUT it directly.
func (f *fakeStore) receive(uploadID string, partNumber int32, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if up, ok := f.uploads[uploadID]; ok {
		up.received[partNumber] = etag
	}
}

func (f *fakeStore) PresignPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://bucket.test/%s?partNumber=%d", key, partNumber), nil
}

func (f *fakeStore) PresignGet(ctx context.Context, key, filename string, ttl time.Duration) (string, error) {
	return "https://bucket.test/" + key, nil
}

func (f *fakeStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []objectstore.CompletedPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	up, ok := f.uploads[uploadID]
	if !ok || up.aborted {
		return fmt.Errorf("%w: no such upload", objectstore.ErrPartsMismatch)
	}
	if len(parts) != len(up.received) {
		return fmt.Errorf("%w: submitted %d parts, received %d", objectstore.ErrPartsMismatch, len(parts), len(up.received))
	}
	var size int64
	f.completedOrder = nil
	for _, p := range parts {
		etag, ok := up.received[p.PartNumber]
		if !ok || etag != p.ETag {
			return fmt.Errorf("%w: part %d", objectstore.ErrPartsMismatch, p.PartNumber)
		}
		f.completedOrder = append(f.completedOrder, p.PartNumber)
		size += 1
	}
	delete(f.uploads, uploadID)
	f.objects[key] = size
	return nil
}

func (f *fakeStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	delete(f.uploads, uploadID)
	return nil
}

func (f *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) List(ctx context.Context, prefix string, fn func(key string, size int64, modified time.Time) error) error {
	f.mu.Lock()
	f.listCalls++
	snapshot := make(map[string]int64, len(f.objects))
	for k, v := range f.objects {
		snapshot[k] = v
	}
	f.mu.Unlock()

	for k, v := range snapshot {
		if err := fn(k, v, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

// fakeKV is an in-memory key-value store without real TTL handling; expiry is
// modeled by tests deleting keys explicitly.
type fakeKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	auth     map[string]bool
	usage    int64
	usageSet bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data: make(map[string][]byte),
		auth: make(map[string]bool),
	}
}

func tripleKey(scope, subject, token string) string {
	return scope + "|" + subject + "|" + token
}

func (f *fakeKV) PutAuth(ctx context.Context, scope, subject, token string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth[tripleKey(scope, subject, token)] = true
	return nil
}

func (f *fakeKV) HasAuth(ctx context.Context, scope, subject, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth[tripleKey(scope, subject, token)], nil
}

func (f *fakeKV) DeleteAuth(ctx context.Context, scope, subject, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.auth, tripleKey(scope, subject, token))
	return nil
}

func (f *fakeKV) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = data
	return nil
}

func (f *fakeKV) GetJSON(ctx context.Context, key string, v any) error {
	f.mu.Lock()
	data, ok := f.data[key]
	f.mu.Unlock()
	if !ok {
		return kv.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (f *fakeKV) Has(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeKV) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (f *fakeKV) UsageBytes(ctx context.Context) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, f.usageSet, nil
}

func (f *fakeKV) AddUsage(ctx context.Context, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage += delta
	if f.usage < 0 {
		f.usage = 0
	}
	f.usageSet = true
	return f.usage, nil
}

func (f *fakeKV) SetUsage(ctx context.Context, v int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = v
	f.usageSet = true
	return nil
}

// fakeVerifier accepts a fixed set of captcha tokens and counts calls.
type fakeVerifier struct {
	mu    sync.Mutex
	valid map[string]bool
	calls int
}

func newFakeVerifier(validTokens ...string) *fakeVerifier {
	v := &fakeVerifier{valid: make(map[string]bool)}
	for _, tok := range validTokens {
		v.valid[tok] = true
	}
	return v
}

func (f *fakeVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == "" {
		return false, nil
	}
	f.calls++
	return f.valid[token], nil
}

// testConfig returns a config with the production defaults used in tests.
func testConfig() *config.Config {
	return &config.Config{
		DefaultTTL:    7 * 24 * time.Hour,
		MaxTotalBytes: 5 * 1024 * 1024 * 1024,
		PartSize:      8 * 1024 * 1024,
		ResumeWindow:  30 * time.Minute,
	}
}
