// Package server hosts the sync hub: a Fiber HTTP service exposing the blob
// transport, the bundle metadata store and the relationship graph that client
// engines reach through internal/remote/httpapi. The middleware chain assigns
// request ids, recovers panics and logs every request; handlers translate
// failure kinds into status codes so the client can restore the original
// sentinel errors. Diagnostics live under /-/ and are registered by the
// routes subpackage.
package server
