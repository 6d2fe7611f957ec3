package service

import (
	"context"
	"encoding/json"
	"time"

	"daydrop/internal/server/objectstore"
)

// UploadSession is the ephemeral state of one open multipart upload, stored
// under mpu:<uploadId> for the duration of the resume window. Timestamps are
// Unix milliseconds, matching the wire format.
type UploadSession struct {
	Code        string          `json:"code"`
	ObjectKey   string          `json:"objectKey"`
	Filename    string          `json:"filename"`
	ContentType string          `json:"contentType"`
	Size        int64           `json:"size"`
	Enc         json.RawMessage `json:"enc"`
	ResumeUntil int64           `json:"resumeUntil"`
}

// FileRecord is the durable (until TTL) description of a finished drop,
// stored under code:<code> with a reverse index under obj:<objectKey>.
// The encryption descriptor is opaque to the server; it is produced and
// consumed only by clients.
type FileRecord struct {
	Code        string          `json:"code"`
	ObjectKey   string          `json:"objectKey"`
	Filename    string          `json:"filename"`
	ContentType string          `json:"contentType"`
	Size        int64           `json:"size"`
	CreatedAt   int64           `json:"createdAt"`
	ExpiresAt   int64           `json:"expiresAt"`
	Downloads   int64           `json:"downloads"`
	Enc         json.RawMessage `json:"enc"`
}

// ObjectStore is the slice of the bucket adapter the services consume.
type ObjectStore interface {
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	PresignPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []objectstore.CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, fn func(key string, size int64, modified time.Time) error) error
}

// KV is the slice of the key-value store the services consume.
type KV interface {
	PutAuth(ctx context.Context, scope, subject, token string, ttl time.Duration) error
	HasAuth(ctx context.Context, scope, subject, token string) (bool, error)
	DeleteAuth(ctx context.Context, scope, subject, token string) error
	PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, v any) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	UsageBytes(ctx context.Context) (int64, bool, error)
	AddUsage(ctx context.Context, delta int64) (int64, error)
	SetUsage(ctx context.Context, v int64) error
}
