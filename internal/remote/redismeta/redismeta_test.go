package redismeta

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/failure"
)

func TestKeySpace(t *testing.T) {
	id := uuid.MustParse("6f1c1a52-6d3e-4d55-9a33-0f7f0cf2b4a1")
	keys := keySpace("test:")
	if got := keys.bundle(id); got != "test:bundle:"+id.String() {
		t.Fatalf("unexpected bundle key %s", got)
	}
	if got := keys.owner("OWNER"); got != "test:owner:OWNER" {
		t.Fatalf("unexpected owner key %s", got)
	}
	if New(nil, "").keys != DefaultPrefix {
		t.Fatalf("empty prefix should fall back to the default")
	}
}

// 需要真实 redis：UMBRA_TEST_REDIS_ADDR=127.0.0.1:6379
func TestStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("UMBRA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("UMBRA_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	store := New(client, "umbra-test:"+uuid.NewString()+":")

	b := bundle.New("OWNER", time.Now())
	b.ShareType = bundle.ShareShared
	if err := store.Put(ctx, b); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.IncrementDownloads(ctx, b.ID); err != nil {
		t.Fatalf("increment: %v", err)
	}
	b.Description = "edited"
	b.ShareType = bundle.ShareCodeOnly
	store.Put(ctx, b)

	got, err := store.Get(ctx, b.Code())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "edited" || got.Downloads != 1 {
		t.Fatalf("unexpected bundle %+v", got)
	}
	if shared, _ := store.ListShared(ctx); len(shared) != 0 {
		t.Fatalf("code-only bundle should leave the shared index")
	}
	if own, _ := store.ListByOwner(ctx, "OWNER"); len(own) != 1 {
		t.Fatalf("owner index should hold one bundle")
	}
	if all, _ := store.ListAll(ctx); len(all) != 1 {
		t.Fatalf("global index should hold one bundle")
	}

	if err := store.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetByID(ctx, b.ID); !errors.Is(err, failure.ErrNotFound) {
		t.Fatalf("deleted bundle should be NotFound, got %v", err)
	}
	if all, _ := store.ListAll(ctx); len(all) != 0 {
		t.Fatalf("delete should leave the global index")
	}
}
