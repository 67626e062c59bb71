// Package dedupe provides update deduplication using a time-based cache
// so channel adapters never process the same inbound update twice.
package dedupe
