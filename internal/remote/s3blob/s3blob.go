// Package s3blob is a blob transport on S3-compatible object storage. Each
// blob is one object keyed by its content hash and holding the zstd wire
// stream, so an existing object never needs to be rewritten.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/transfer"
)

func init() {
	backend.MustRegister(backend.Metadata{
		Key:         "s3",
		Kind:        backend.KindBlob,
		Description: "blob transport on S3-compatible object storage",
		NewBlob: func(ctx context.Context, s backend.Settings) (transfer.Remote, error) {
			return New(ctx, Config{Bucket: s.Bucket, Region: s.Region, Endpoint: s.Endpoint, Prefix: s.Prefix})
		},
	})
}

// Config 描述 bucket 位置。
type Config struct {
	Bucket string
	Region string
	// Endpoint 为空时使用 AWS 默认端点，MinIO 等兼容实现需要显式指定。
	Endpoint string
	Prefix   string
}

// API 是 Transport 用到的 S3 操作，*s3.Client 满足该接口。
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Transport 实现 transfer.Remote。
type Transport struct {
	client API
	bucket string
	prefix string
}

// New 使用默认凭据链创建 Transport。
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient 使用已有客户端。
func NewWithClient(client API, bucket, prefix string) *Transport {
	return &Transport{client: client, bucket: bucket, prefix: prefix}
}

func (t *Transport) key(hash cache.Hash) string {
	return t.prefix + string(hash) + ".zst"
}

// Missing 逐个 HeadObject，返回不存在的哈希。
func (t *Transport) Missing(ctx context.Context, hashes []cache.Hash) ([]cache.Hash, error) {
	var missing []cache.Hash
	for _, hash := range hashes {
		_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(t.key(hash)),
		})
		if err == nil {
			continue
		}
		if isNotFound(err) {
			missing = append(missing, hash)
			continue
		}
		return nil, fmt.Errorf("s3 head %s: %w", hash, err)
	}
	return missing, nil
}

// Upload 先把 zstd 流落到临时文件，PutObject 需要可寻址的 body 计算长度与校验和。
func (t *Transport) Upload(ctx context.Context, hash cache.Hash, body io.Reader, _ int64) error {
	spool, err := os.CreateTemp("", "s3-upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	written, err := cache.CopyWithContext(ctx, spool, body)
	if err != nil {
		return err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key(hash)),
		Body:          spool,
		ContentLength: aws.Int64(written),
		ContentType:   aws.String("application/zstd"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", hash, err)
	}
	return nil
}

// Download 实现 transfer.Remote。
func (t *Transport) Download(ctx context.Context, hash cache.Hash) (io.ReadCloser, int64, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("s3 object %s: %w", hash, failure.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("s3 get %s: %w", hash, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func isNotFound(err error) bool {
	var (
		notFound *types.NotFound
		noKey    *types.NoSuchKey
	)
	return errors.As(err, &notFound) || errors.As(err, &noKey)
}
