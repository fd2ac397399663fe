// Package inmemory provides the fallback backend used when the durable store
// cannot be reached at startup. It honours the same sequencing, ordering and
// copy-on-read guarantees as the durable adapters but keeps everything in
// process memory.
//
// The main entry point is [New].
package inmemory
