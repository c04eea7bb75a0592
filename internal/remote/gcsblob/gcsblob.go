// Package gcsblob is a blob transport on Google Cloud Storage, using the
// same object layout as s3blob.
package gcsblob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/transfer"
)

func init() {
	backend.MustRegister(backend.Metadata{
		Key:         "gcs",
		Kind:        backend.KindBlob,
		Description: "blob transport on Google Cloud Storage",
		NewBlob: func(ctx context.Context, s backend.Settings) (transfer.Remote, error) {
			return New(ctx, s.Bucket, s.Prefix)
		},
	})
}

// Transport 实现 transfer.Remote。
type Transport struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// New 使用应用默认凭据创建 Transport。
func New(ctx context.Context, bucket, prefix string) (*Transport, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Transport{client: client, bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (t *Transport) object(hash cache.Hash) *storage.ObjectHandle {
	return t.bucket.Object(t.prefix + string(hash) + ".zst")
}

// Missing 实现 transfer.Remote。
func (t *Transport) Missing(ctx context.Context, hashes []cache.Hash) ([]cache.Hash, error) {
	var missing []cache.Hash
	for _, hash := range hashes {
		_, err := t.object(hash).Attrs(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, storage.ErrObjectNotExist) {
			missing = append(missing, hash)
			continue
		}
		return nil, fmt.Errorf("gcs attrs %s: %w", hash, err)
	}
	return missing, nil
}

// Upload 仅在对象不存在时写入，已有对象视为成功。
func (t *Transport) Upload(ctx context.Context, hash cache.Hash, body io.Reader, _ int64) error {
	w := t.object(hash).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/zstd"
	if _, err := cache.CopyWithContext(ctx, w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", hash, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("gcs close %s: %w", hash, err)
	}
	return nil
}

// Download 实现 transfer.Remote。
func (t *Transport) Download(ctx context.Context, hash cache.Hash) (io.ReadCloser, int64, error) {
	reader, err := t.object(hash).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("gcs object %s: %w", hash, failure.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("gcs get %s: %w", hash, err)
	}
	return reader, reader.Attrs.Size, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// Close 关闭客户端。
func (t *Transport) Close() error {
	return t.client.Close()
}
