// Package client provides the operator commands of the `regflow` binary.
//
// The commands talk to the regflow HTTP API. The base URL comes from the
// embedding application through a BaseURLFunc; the standalone binary reads
// REGFLOW_HTTP and falls back to http://127.0.0.1:8080.
//
// Usage
//
//	regflow queue stats
//	regflow queue list --state failed --page 1 --page-size 50
//	regflow queue get 01J9Z...
//	regflow queue get --payment-ref PAY-123
//	regflow queue retry 01J9Z...
//	regflow queue process
//
//	regflow registration get 1101
//	regflow registration get --payment-ref PAY-123
//	regflow registration list --after 1100 --limit 20
//	regflow registration sequence
//
// Notes
//
//   - retry only applies to failed items; the server answers 409 otherwise.
//   - process runs one processor batch on the server and prints its tally.
package client
