// Package strategy implements the two retrieval strategies of the offline
// agent (network-first and stale-while-revalidate), the cacheability rule that
// gates every store write, and the tracker for detached background tasks.
package strategy
