// Package codec is the on-disk encoding for intake items, registration
// records and gate entries: CBOR with core deterministic encoding, so equal
// values always produce equal bytes. Lease claims rely on that when they
// compare a stored record against the snapshot taken during a scan.
package codec
