// Package store defines the collaborator interfaces the coordination core
// writes through to: a durable snapshot store owned by each coordinator, an
// eventually-consistent cache used only as a secondary read view, and a
// relational store used for audit mirrors and secondary indexes.
//
// None of these backends is trusted for consume-once semantics. Exactly-once
// consumption is enforced by the single-writer coordinators; the backends
// only provide durability and cold-path lookup.
package store
