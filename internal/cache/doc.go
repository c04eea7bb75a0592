// Package cache implements the content-addressed blob store. Every blob lives
// directly under StoragePath and is named by its SHA-1 content hash; blobs that
// were compacted carry a ".zst" suffix and are decompressed transparently on
// read. Writes always go to a temp file that is verified against the expected
// hash before being renamed into place, so readers never observe a partial
// blob. The store keeps an in-memory index for O(1) lookups and reports every
// access to an Observer, which the cache governor uses to maintain the manifest.
package cache
