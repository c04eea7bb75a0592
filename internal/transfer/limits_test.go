package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
)

func TestPairLimiterSerializesSamePeer(t *testing.T) {
	limiter := NewPairLimiter(true, 4)
	release, err := limiter.Acquire(context.Background(), "peer-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := limiter.Acquire(ctx, "peer-a"); !errors.Is(err, failure.ErrCancelled) {
		t.Fatalf("second apply for the same peer should wait, got %v", err)
	}

	other, err := limiter.Acquire(context.Background(), "peer-b")
	if err != nil {
		t.Fatalf("different peer should not wait: %v", err)
	}
	other()
	release()

	again, err := limiter.Acquire(context.Background(), "peer-a")
	if err != nil {
		t.Fatalf("peer slot should be free after release: %v", err)
	}
	again()
}

func TestPairLimiterGlobalBound(t *testing.T) {
	limiter := NewPairLimiter(true, 2)
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			release, err := limiter.Acquire(context.Background(), peer)
			if err != nil {
				t.Errorf("acquire %s: %v", peer, err)
				return
			}
			current := active.Add(1)
			for {
				p := peak.Load()
				if current <= p || peak.CompareAndSwap(p, current) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			release()
		}(fmt.Sprintf("peer-%d", i))
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("at most 2 concurrent applies expected, peak=%d", peak.Load())
	}
}

func TestPairLimiterDisabled(t *testing.T) {
	limiter := NewPairLimiter(false, 1)
	first, _ := limiter.Acquire(context.Background(), "peer")
	second, err := limiter.Acquire(context.Background(), "peer")
	if err != nil {
		t.Fatalf("disabled limiter should never block: %v", err)
	}
	first()
	second()
}

func TestForbiddenListAppendOnly(t *testing.T) {
	hash := cache.HashBytes([]byte("x"))
	list := NewForbiddenList()
	if !list.Add(ForbiddenEntry{Hash: hash, Reason: "first"}) {
		t.Fatalf("first add should succeed")
	}
	if list.Add(ForbiddenEntry{Hash: hash, Reason: "second"}) {
		t.Fatalf("duplicate add should be rejected")
	}
	entry, ok := list.Lookup(hash)
	if !ok || entry.Reason != "first" {
		t.Fatalf("original entry should be kept: %+v", entry)
	}
	if entry.AddedAt.IsZero() {
		t.Fatalf("AddedAt should be stamped")
	}
}

func TestForbiddenListConcurrentReads(t *testing.T) {
	list := NewForbiddenList()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		hash := cache.HashBytes([]byte(fmt.Sprintf("blob-%d", i)))
		go func() {
			defer wg.Done()
			list.Add(ForbiddenEntry{Hash: hash, Reason: "bulk"})
		}()
		go func() {
			defer wg.Done()
			_ = list.Entries()
			list.Lookup(hash)
		}()
	}
	wg.Wait()
	if list.Len() != 50 {
		t.Fatalf("expected 50 entries, got %d", list.Len())
	}
}

func TestStateTerminal(t *testing.T) {
	cases := map[State]bool{
		StateQueued:         false,
		StateWaitingForSlot: false,
		StateServerAck:      false,
		StateInFlight:       false,
		StateDecompressing:  false,
		StateDone:           true,
		StateFailed:         true,
		StateCancelled:      true,
		StateForbidden:      true,
	}
	for state, want := range cases {
		if state.Terminal() != want {
			t.Fatalf("%s terminal=%v, want %v", state, state.Terminal(), want)
		}
	}
}
