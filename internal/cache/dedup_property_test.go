package cache

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: 相同内容两次 Put 后哈希一致，磁盘上只有一份副本。
func TestDedupProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("identical content is stored once", prop.ForAll(
		func(content []byte) bool {
			dir, err := os.MkdirTemp("", "dedup-*")
			if err != nil {
				return false
			}
			defer os.RemoveAll(dir)

			store, err := NewStore(dir, nil)
			if err != nil {
				return false
			}

			first := append([]byte(nil), content...)
			second := append([]byte(nil), content...)
			h1 := HashBytes(first)
			h2 := HashBytes(second)
			if h1 != h2 {
				return false
			}
			if _, err := store.Put(context.Background(), h1, bytes.NewReader(first), PutOptions{}); err != nil {
				return false
			}
			if _, err := store.Put(context.Background(), h2, bytes.NewReader(second), PutOptions{}); err != nil {
				return false
			}

			entries, err := os.ReadDir(dir)
			return err == nil && len(entries) == 1 && store.Stats().Count == 1
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
