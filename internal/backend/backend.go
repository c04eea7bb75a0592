// Package backend keeps the table of remote backends the client engine can
// talk to. Blob transports and metadata stores register a factory from their
// package init, and bootstrap resolves the configured name at startup.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/identity"
	"github.com/umbrasys/umbra-sync/internal/registry"
	"github.com/umbrasys/umbra-sync/internal/transfer"
)

// Kind 区分后端种类。
type Kind string

const (
	KindBlob Kind = "blob"
	KindMeta Kind = "meta"
)

// Settings 是后端工厂可见的配置，由 config 层填充。
type Settings struct {
	Endpoint string
	Bucket   string
	Region   string
	Prefix   string

	Path     string
	Addr     string
	Password string
	DB       int

	Identity identity.CanonicalID
	Timeout  time.Duration
	Logger   *logrus.Logger
}

// Meta 是元数据后端构造的结果。Graph 可以为 nil，此时关系查询视为无配对。
type Meta struct {
	Store registry.MetaStore
	Graph identity.Graph
	Close func() error
}

// BlobFactory 构造 blob 传输。
type BlobFactory func(ctx context.Context, settings Settings) (transfer.Remote, error)

// MetaFactory 构造元数据存储。
type MetaFactory func(ctx context.Context, settings Settings) (Meta, error)

// Metadata 记录一个后端的静态信息与工厂。
type Metadata struct {
	Key         string
	Kind        Kind
	Description string
	NewBlob     BlobFactory
	NewMeta     MetaFactory
}

var errFactoryMissing = errors.New("backend factory missing")

// OpenBlob 按名称构造 blob 传输。
func OpenBlob(ctx context.Context, key string, settings Settings) (transfer.Remote, error) {
	meta, ok := Resolve(KindBlob, key)
	if !ok {
		return nil, &UnknownError{Kind: KindBlob, Key: key}
	}
	if meta.NewBlob == nil {
		return nil, errFactoryMissing
	}
	return meta.NewBlob(ctx, settings)
}

// OpenMeta 按名称构造元数据存储。
func OpenMeta(ctx context.Context, key string, settings Settings) (Meta, error) {
	meta, ok := Resolve(KindMeta, key)
	if !ok {
		return Meta{}, &UnknownError{Kind: KindMeta, Key: key}
	}
	if meta.NewMeta == nil {
		return Meta{}, errFactoryMissing
	}
	return meta.NewMeta(ctx, settings)
}

// UnknownError 表示名称未注册。
type UnknownError struct {
	Kind Kind
	Key  string
}

func (e *UnknownError) Error() string {
	return "unknown " + string(e.Kind) + " backend " + e.Key
}
