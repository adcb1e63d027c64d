// Package server hosts the Fiber HTTP service that fronts the offline agent:
// the request middleware chain (request IDs, client session cookies), the
// shared upstream http.Client, and the catch-all route that hands every
// non-diagnostic request to the proxy handler. Diagnostics and the control
// channel live under /-/ and are registered by the routes subpackage.
package server
