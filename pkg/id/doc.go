// Package id generates the identifiers regflow assigns to intake items.
//
// An ID is 16 bytes: a big-endian millisecond timestamp followed by a
// big-endian per-millisecond counter. Byte order equals creation order, so
// pebble prefix scans over IDs visit the oldest work first.
//
//	g := id.NewGenerator()
//	itemID := g.Next().String() // 32 hex chars
//	parsed, err := id.Parse(itemID)
//	created := parsed.Time()
package id
