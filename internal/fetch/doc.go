// Package fetch issues single-attempt requests against the origin. It owns the
// intercepted request model, the deadline wrapper used by the network-first
// strategy, and the HTTP fetcher that snapshots upstream responses into
// cache.Response values.
package fetch
