// Package coordinator implements the per-key single-writer actor that every
// consumable-artifact store in this module is built on.
//
// Each key names an independent key-space (for example one shard of the
// refresh-token space). All operations against one key are strictly
// serialized: no two operations for the same key ever interleave, which is
// the mechanism behind every exactly-once guarantee in the module. State
// for a key is held in memory as a versioned snapshot, lazily loaded from
// durable storage on first touch, and written back in full before any
// mutating operation acknowledges. A process restart therefore observes
// every acknowledged mutation and nothing that was not acknowledged.
//
// Serialization uses a per-key mutex rather than a goroutine-per-key inbox;
// keys are sharded for scale, so simplicity wins over raw throughput of a
// single key.
package coordinator
