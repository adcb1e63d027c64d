// Package cache defines the versioned, named response stores used by the
// offline agent. A Storage holds any number of named stores (one per store
// version); a Store maps a request identity (method + URL) to a full response
// snapshot. Writes replace whole entries atomically (temp file + rename on
// disk, a single upsert in SQLite) so concurrent readers never observe a
// partial entry. Strategies and the lifecycle controller depend on this
// package; they never touch the filesystem or database directly.
package cache
