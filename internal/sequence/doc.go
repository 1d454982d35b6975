// Package sequence allocates registration numbers from a single durable
// counter cell.
//
// NextID increments the cell inside one pebblestore.DB.Atomic transaction,
// so concurrent callers in the process always receive distinct, increasing
// values. The cell is created lazily, seeded above the highest registration
// number already on disk (see SeedSource) plus a safety buffer.
//
// When the store cannot be reached NextID degrades to a time-derived value
// (unix milliseconds, forced strictly increasing in this process) instead of
// failing. Those values are far above any counter-issued number, which keeps
// them from colliding with the counter until it has issued trillions of IDs.
package sequence
