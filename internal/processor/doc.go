// Package processor drains the intake queue: it leases items, writes their
// registrations, and settles each item as completed or failed.
//
// A batch runs when the periodic loop fires (jittered around Interval), when
// Trigger is called, or when an operator calls ProcessBatch directly. Any
// number of processors may run against one store; lease claims keep them
// from working the same item.
package processor
