// Package orchestrator handles one confirmed-payment registration request.
//
// The intake queue write comes first and is what makes the payment durable.
// After it succeeds the orchestrator tries to write the registration right
// away; if that fails the item is left for the processor and the caller is
// told it is queued. When the queue itself cannot be written, a direct
// registration write with a large retry budget is the last resort before the
// request is handed to an operator.
package orchestrator
