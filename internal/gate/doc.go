// Package gate holds the two request policies in front of the registration
// endpoint: a fixed-window rate limiter per client identity and a
// fingerprint-based deduplicator for overlapping client retries.
//
// Both keep their state in an injected TTLStore. That state is ephemeral and
// best-effort; losing it lets a duplicate through to the intake queue, which
// absorbs it by payment reference.
package gate
