package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/config"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/logging"
	"github.com/umbrasys/umbra-sync/internal/registry"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:                5000,
			StoragePath:               filepath.Join(t.TempDir(), "storage"),
			MaxCacheSize:              1 << 30,
			ManifestFlushInterval:     config.Duration(time.Minute),
			ParallelDownloads:         4,
			ParallelUploads:           2,
			EnablePairProcessingLimit: true,
			MaxConcurrentPairApplies:  2,
			MaxRetries:                1,
			InitialBackoff:            config.Duration(time.Millisecond),
			TransferTimeout:           config.Duration(10 * time.Second),
			MaxCreatableCharaData:     5,
		},
		Remote: config.RemoteConfig{Backend: "http"},
		Meta:   config.MetaConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "meta.db")},
	}
}

// startHub 在随机端口上运行 hub，返回其地址。
func startHub(t *testing.T) string {
	t.Helper()
	_, endpoint := serveHub(t, baseConfig(t))
	return endpoint
}

func serveHub(t *testing.T, cfg *config.Config) (*Hub, string) {
	t.Helper()
	hub, err := NewHub(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("hub error: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- hub.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-served; err != nil {
			t.Errorf("serve: %v", err)
		}
		hub.Close()
	})
	return hub, "http://" + ln.Addr().String()
}

type fixedSnapshot struct {
	snap registry.Snapshot
}

func (f fixedSnapshot) Snapshot(context.Context) (registry.Snapshot, error) {
	return f.snap, nil
}

type countingApplier struct {
	calls atomic.Int32
}

func (a *countingApplier) Apply(_ context.Context, _ string, b bundle.Bundle, blobs registry.BlobOpener) error {
	for _, hash := range b.Hashes() {
		reader, _, err := blobs.Open(hash)
		if err != nil {
			return err
		}
		reader.Close()
	}
	a.calls.Add(1)
	return nil
}

func newClientEngine(t *testing.T, endpoint, self string, opts EngineOptions) *Engine {
	t.Helper()
	cfg := baseConfig(t)
	cfg.Global.Identity = self
	cfg.Remote.Endpoint = endpoint
	cfg.Meta = config.MetaConfig{Backend: "http", Endpoint: endpoint}
	opts.Config = cfg
	engine, err := NewEngine(context.Background(), opts)
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestNewEngineRequiresIdentity(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{Config: baseConfig(t)})
	var fieldErr config.FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.Identity" {
		t.Fatalf("missing identity should be a field error, got %v", err)
	}
}

func TestNewHubRejectsRemoteMeta(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Meta = config.MetaConfig{Backend: "http", Endpoint: "http://127.0.0.1:1"}
	if _, err := NewHub(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatalf("hub must not proxy metadata to another hub")
	}
}

func TestPublishAndApplyThroughHub(t *testing.T) {
	endpoint := startHub(t)
	ctx := context.Background()

	payload := []byte("body texture")
	hash := cache.HashBytes(payload)
	owner := newClientEngine(t, endpoint, "OWNER", EngineOptions{
		Snapshots: fixedSnapshot{snap: registry.Snapshot{
			Mappings: []bundle.Mapping{{GamePath: "chara/body.tex", Hash: hash}},
		}},
	})
	if _, err := owner.Cache.Store.Put(ctx, hash, bytes.NewReader(payload), cache.PutOptions{}); err != nil {
		t.Fatalf("seed owner blob: %v", err)
	}

	created, result := owner.Service.CreateShareAsync(ctx).Wait(ctx)
	if !result.Success {
		t.Fatalf("create: %+v", result)
	}
	cs, err := owner.Registry.BeginEdit(ctx, created.ID)
	if err != nil {
		t.Fatalf("begin edit: %v", err)
	}
	if err := owner.Registry.Capture(ctx, cs); err != nil {
		t.Fatalf("capture: %v", err)
	}
	cs.AddAllowedUser("VIEWER")
	if _, result := owner.Service.PublishAsync(ctx, cs).Wait(ctx); !result.Success {
		t.Fatalf("publish: %+v", result)
	}

	applier := &countingApplier{}
	viewer := newClientEngine(t, endpoint, "VIEWER", EngineOptions{Applier: applier})
	report, result := viewer.Service.ApplyShareAsync(ctx, created.Code(), "target").Wait(ctx)
	if !result.Success {
		t.Fatalf("apply: %+v", result)
	}
	if report.Downloaded != 1 || !report.Counted || applier.calls.Load() != 1 {
		t.Fatalf("unexpected report %+v (calls %d)", report, applier.calls.Load())
	}
	if !viewer.Cache.Store.Has(hash) {
		t.Fatalf("viewer should hold the downloaded blob")
	}

	stranger := newClientEngine(t, endpoint, "STRANGER", EngineOptions{Applier: applier})
	_, result = stranger.Service.ApplyShareAsync(ctx, created.Code(), "target").Wait(ctx)
	if result.Success || result.Kind != failure.KindAccessDenied {
		t.Fatalf("stranger apply should be denied, got %+v", result)
	}
}

// publishOne 以 owner 身份创建并发布一个引用 payload 的 bundle，允许 VIEWER 访问。
func publishOne(t *testing.T, owner *Engine, payload []byte, edit func(*bundle.ChangeSet)) bundle.Bundle {
	t.Helper()
	ctx := context.Background()
	hash := cache.HashBytes(payload)
	if _, err := owner.Cache.Store.Put(ctx, hash, bytes.NewReader(payload), cache.PutOptions{}); err != nil {
		t.Fatalf("seed owner blob: %v", err)
	}
	created, result := owner.Service.CreateShareAsync(ctx).Wait(ctx)
	if !result.Success {
		t.Fatalf("create: %+v", result)
	}
	cs, err := owner.Registry.BeginEdit(ctx, created.ID)
	if err != nil {
		t.Fatalf("begin edit: %v", err)
	}
	cs.SetMappings([]bundle.Mapping{{GamePath: "chara/body.tex", Hash: hash}})
	cs.AddAllowedUser("VIEWER")
	if edit != nil {
		edit(cs)
	}
	published, result := owner.Service.PublishAsync(ctx, cs).Wait(ctx)
	if !result.Success {
		t.Fatalf("publish: %+v", result)
	}
	return published
}

func TestOwnerManagesExpiredBundleThroughHub(t *testing.T) {
	endpoint := startHub(t)
	ctx := context.Background()
	owner := newClientEngine(t, endpoint, "OWNER", EngineOptions{})
	past := time.Now().Add(-time.Hour)
	expire := func(cs *bundle.ChangeSet) { cs.SetExpiry(&past) }

	revived := publishOne(t, owner, []byte("expired outfit"), expire)
	viewer := newClientEngine(t, endpoint, "VIEWER", EngineOptions{Applier: &countingApplier{}})
	if _, result := viewer.Service.ApplyShareAsync(ctx, revived.Code(), "target").Wait(ctx); result.Kind != failure.KindExpired {
		t.Fatalf("viewer should see an expired bundle, got %+v", result)
	}

	cs, err := owner.Registry.BeginEdit(ctx, revived.ID)
	if err != nil {
		t.Fatalf("owner should edit an expired bundle: %v", err)
	}
	cs.SetExpiry(nil)
	if _, result := owner.Service.PublishAsync(ctx, cs).Wait(ctx); !result.Success {
		t.Fatalf("owner should republish an expired bundle: %+v", result)
	}
	if _, result := viewer.Service.ApplyShareAsync(ctx, revived.Code(), "target").Wait(ctx); !result.Success {
		t.Fatalf("republished bundle should apply again: %+v", result)
	}

	doomed := publishOne(t, owner, []byte("short lived outfit"), expire)
	if _, result := owner.Service.DeleteAsync(ctx, doomed.ID).Wait(ctx); !result.Success {
		t.Fatalf("owner should delete an expired bundle: %+v", result)
	}
	if _, err := owner.Registry.Get(ctx, doomed.ID); !errors.Is(err, failure.ErrNotFound) {
		t.Fatalf("deleted bundle should be gone, got %v", err)
	}
}

func TestHubEvictionKeepsReferencedBlobs(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Global.MaxCacheSize = 10
	hub, endpoint := serveHub(t, cfg)
	ctx := context.Background()

	payload := []byte("body texture larger than the hub limit")
	hash := cache.HashBytes(payload)
	owner := newClientEngine(t, endpoint, "OWNER", EngineOptions{})
	published := publishOne(t, owner, payload, nil)

	orphan := []byte("blob no bundle points at")
	orphanHash := cache.HashBytes(orphan)
	if _, err := hub.Cache.Store.Put(ctx, orphanHash, bytes.NewReader(orphan), cache.PutOptions{}); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	if _, err := hub.Cache.Governor.EnforceLimit(ctx); err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if !hub.Cache.Store.Has(hash) {
		t.Fatalf("hub must keep blobs referenced by published bundles")
	}
	if hub.Cache.Store.Has(orphanHash) {
		t.Fatalf("orphaned blob should be evicted")
	}

	applier := &countingApplier{}
	viewer := newClientEngine(t, endpoint, "VIEWER", EngineOptions{Applier: applier})
	if _, result := viewer.Service.ApplyShareAsync(ctx, published.Code(), "target").Wait(ctx); !result.Success {
		t.Fatalf("apply after eviction: %+v", result)
	}
	if applier.calls.Load() != 1 {
		t.Fatalf("applier should run once, got %d", applier.calls.Load())
	}
}
