// Package util provides small shared helpers that don't fit into a
// domain-specific package.
package util

import "hash/fnv"

// SafeTruncate truncates s to maxLen characters without panicking. Used
// when logging token material, where only a short prefix may appear in
// logs. A negative maxLen returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// StableShard maps a key to a shard index in [0, shards) using FNV-1a.
// FNV-1a is a fixed algorithm with no process-local seed, so the same key
// always lands on the same shard across restarts and across instances.
// Consume-once semantics for sharded key-spaces depend on this stability.
func StableShard(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}
