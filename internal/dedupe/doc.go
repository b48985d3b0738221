// Package dedupe provides a TTL-bounded seen-key cache used to suppress
// duplicate client send retries and replayed authentication nonces.
package dedupe
