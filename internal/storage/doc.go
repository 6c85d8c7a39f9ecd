// Package storage is the durable key-value layer behind the connection registry,
// the scheduler's job store, and the credential/status records the poller reads.
//
// Every mutation is an atomic read-modify-write of a single key, so concurrent
// writers working on different subjects never interfere. No cross-key
// transactions are offered except the bounded batch add.
package storage
