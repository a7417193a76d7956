// Package store provides SQLite-backed durable storage for the bridge.
//
// Two concerns share one database:
//   - Journal: every dispatched request and every native event that reached
//     the delivery stage, with its disposition ("delivered" or the discard
//     reason). Used by `bridgectl trace` and for post-mortem inspection.
//   - Blobs: a content-addressed blob.Backend. Payloads are keyed by CID;
//     handles map to payloads, so identical bytes are stored once.
//
// # Ordering
//
// All journal ordering uses the seq column (the bridge's logical clock),
// never timestamps. Queries always ORDER BY seq ASC.
//
// Handles and request ids are uint64 on the Go side and stored as their
// int64 bit pattern, since SQLite integers are signed.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
