// Package lifecycle manages worker generations: each generation is one store
// version plus its precache manifest. A generation installs by precaching its
// assets, waits until it may take over, then activates by purging every other
// store version and claiming all known client sessions.
package lifecycle
