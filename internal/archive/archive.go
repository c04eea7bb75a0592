// Package archive serializes a bundle together with the blobs it references
// into one portable file for out-of-band transfer. The file is a tar stream
// compressed with zstd: a bundle.json header entry followed by one
// files/<HASH> entry per blob holding its raw bytes.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
)

const (
	headerName    = "bundle.json"
	filesPrefix   = "files/"
	formatVersion = 1
)

// ErrFormat 表示文件不是合法的导出包。
var ErrFormat = errors.New("invalid share archive")

// Source 提供导出时的 blob 内容，cache.Store 满足该接口。
type Source interface {
	Open(hash cache.Hash) (io.ReadCloser, cache.Blob, error)
}

// Sink 接收导入的 blob 并校验哈希，cache.Store 满足该接口。
type Sink interface {
	Put(ctx context.Context, hash cache.Hash, body io.Reader, opts cache.PutOptions) (cache.Blob, error)
}

// Summary 描述一次导入或导出。
type Summary struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

type header struct {
	Version    int           `json:"version"`
	ExportedAt time.Time     `json:"exported_at"`
	Bundle     bundle.Bundle `json:"bundle"`
}

// Write 把 b 及其引用的全部 blob 写入 w。本地缺失任一 blob 时返回 ErrIncompleteBundle。
func Write(ctx context.Context, w io.Writer, b bundle.Bundle, src Source) (Summary, error) {
	var summary Summary

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return summary, err
	}
	tw := tar.NewWriter(encoder)
	now := time.Now().UTC()

	payload, err := json.MarshalIndent(header{Version: formatVersion, ExportedAt: now, Bundle: b}, "", "  ")
	if err != nil {
		encoder.Close()
		return summary, err
	}
	if err := writeEntry(ctx, tw, headerName, int64(len(payload)), now, bytes.NewReader(payload)); err != nil {
		encoder.Close()
		return summary, err
	}

	for _, hash := range b.Hashes() {
		if err := ctx.Err(); err != nil {
			encoder.Close()
			return summary, fmt.Errorf("export: %w", failure.ErrCancelled)
		}
		written, err := writeBlob(ctx, tw, src, hash, now)
		if err != nil {
			encoder.Close()
			return summary, err
		}
		summary.Files++
		summary.Bytes += written
	}

	if err := tw.Close(); err != nil {
		encoder.Close()
		return summary, err
	}
	return summary, encoder.Close()
}

func writeBlob(ctx context.Context, tw *tar.Writer, src Source, hash cache.Hash, now time.Time) (int64, error) {
	reader, blob, err := src.Open(hash)
	if err != nil {
		return 0, fmt.Errorf("export blob %s: %v: %w", hash, err, failure.ErrIncompleteBundle)
	}
	defer reader.Close()
	if err := writeEntry(ctx, tw, filesPrefix+string(hash), blob.Size, now, reader); err != nil {
		return 0, err
	}
	return blob.Size, nil
}

func writeEntry(ctx context.Context, tw *tar.Writer, name string, size int64, modTime time.Time, body io.Reader) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	written, err := cache.CopyWithContext(ctx, tw, body)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("export: %w", failure.ErrCancelled)
		}
		return err
	}
	if written != size {
		return fmt.Errorf("entry %s: wrote %d of %d bytes: %w", name, written, size, failure.ErrCorrupt)
	}
	return nil
}

// WriteFile 先写入临时文件再原子重命名到 target。
func WriteFile(ctx context.Context, target string, b bundle.Bundle, src Source) (Summary, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Summary{}, err
	}
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return Summary{}, err
	}
	tmpName := tmp.Name()

	summary, err := Write(ctx, tmp, b, src)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return Summary{}, err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return Summary{}, err
	}
	return summary, nil
}

// Read 解析导出包并把每个 blob 交给 sink 校验落盘，返回其中的 bundle。
// put 决定 blob 的落盘形式。包内缺少 bundle 引用的任一 blob 时返回 ErrIncompleteBundle。
func Read(ctx context.Context, r io.Reader, sink Sink, put cache.PutOptions) (bundle.Bundle, Summary, error) {
	var summary Summary

	decoder, err := zstd.NewReader(r)
	if err != nil {
		return bundle.Bundle{}, summary, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer decoder.Close()
	tr := tar.NewReader(decoder)

	first, err := tr.Next()
	if err != nil || first.Name != headerName {
		return bundle.Bundle{}, summary, fmt.Errorf("%w: missing %s", ErrFormat, headerName)
	}
	var head header
	if err := json.NewDecoder(tr).Decode(&head); err != nil {
		return bundle.Bundle{}, summary, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if head.Version != formatVersion {
		return bundle.Bundle{}, summary, fmt.Errorf("%w: unsupported version %d", ErrFormat, head.Version)
	}

	imported := make(map[cache.Hash]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return bundle.Bundle{}, summary, fmt.Errorf("import: %w", failure.ErrCancelled)
		}
		entry, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return bundle.Bundle{}, summary, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if entry.Typeflag != tar.TypeReg || !strings.HasPrefix(entry.Name, filesPrefix) {
			continue
		}
		hash, err := cache.ParseHash(path.Base(entry.Name))
		if err != nil {
			return bundle.Bundle{}, summary, fmt.Errorf("%w: entry %s", ErrFormat, entry.Name)
		}
		blob, err := sink.Put(ctx, hash, tr, put)
		if err != nil {
			return bundle.Bundle{}, summary, fmt.Errorf("import blob %s: %w", hash, err)
		}
		imported[hash] = struct{}{}
		summary.Files++
		summary.Bytes += blob.Size
	}

	for _, hash := range head.Bundle.Hashes() {
		if _, ok := imported[hash]; !ok {
			return bundle.Bundle{}, summary, fmt.Errorf("archive lacks %s: %w", hash, failure.ErrIncompleteBundle)
		}
	}
	return head.Bundle, summary, nil
}

// ReadFile 从文件导入。
func ReadFile(ctx context.Context, source string, sink Sink, put cache.PutOptions) (bundle.Bundle, Summary, error) {
	f, err := os.Open(source)
	if err != nil {
		return bundle.Bundle{}, Summary{}, err
	}
	defer f.Close()
	return Read(ctx, f, sink, put)
}
