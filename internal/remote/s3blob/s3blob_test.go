package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != aws.ToInt64(in.ContentLength) {
		return nil, errors.New("content length mismatch")
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	fake := newFakeS3()
	transport := NewWithClient(fake, "bucket", "blobs/")
	hash := cache.HashBytes([]byte("payload"))
	wire := []byte("pretend zstd stream")

	missing, err := transport.Missing(context.Background(), []cache.Hash{hash})
	if err != nil || len(missing) != 1 {
		t.Fatalf("hash should be missing before upload: %v %v", missing, err)
	}
	if err := transport.Upload(context.Background(), hash, bytes.NewReader(wire), 7); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, ok := fake.objects["blobs/"+string(hash)+".zst"]; !ok {
		t.Fatalf("object key should carry the prefix and suffix: %v", fake.objects)
	}
	missing, _ = transport.Missing(context.Background(), []cache.Hash{hash})
	if len(missing) != 0 {
		t.Fatalf("uploaded hash should not be missing")
	}

	body, size, err := transport.Download(context.Background(), hash)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer body.Close()
	got, _ := io.ReadAll(body)
	if !bytes.Equal(got, wire) || size != int64(len(wire)) {
		t.Fatalf("unexpected body %q size %d", got, size)
	}
}

func TestDownloadMissingIsNotFound(t *testing.T) {
	transport := NewWithClient(newFakeS3(), "bucket", "")
	_, _, err := transport.Download(context.Background(), cache.HashBytes([]byte("absent")))
	if !errors.Is(err, failure.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMissingPropagatesTransportErrors(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = errors.New("connection reset")
	transport := NewWithClient(fake, "bucket", "")
	if _, err := transport.Missing(context.Background(), []cache.Hash{cache.HashBytes([]byte("x"))}); err == nil {
		t.Fatalf("non-404 errors must not be reported as missing")
	}
}
