// Package intake implements the durable intake queue: every paid
// registration is recorded here before anything else is attempted, and stays
// here until its registration record is written.
//
// # Lifecycle
//
//	pending ──LeaseNext──▶ leased ──MarkCompleted──▶ completed ──PurgeCompleted──▶ (gone)
//	   ▲                     │
//	   └────MarkFailed───────┤ attempts left
//	                         ▼
//	                       failed ──Retry──▶ pending
//
// A leased item whose lease expires can be claimed again by any worker.
// Attempts is incremented exactly once per claim, in the same write.
//
// # Keyspace
//
//	intake/item/{id}                - item record (cbor)
//	intake/ref/{payment_ref}        - unique payment reference index
//	intake/state/{state}/{id}       - state index, oldest first
//	intake/done/{completed_ms}/{id} - retention index
package intake
