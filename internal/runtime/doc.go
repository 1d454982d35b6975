// Package runtime owns the store session of a regflow process: it opens the
// Pebble store with bounded retries, builds the intake queue, registration
// store, sequence allocator and writer over it, health-checks it before each
// unit of work and closes it at shutdown.
//
//	rt, err := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	if err != nil { /* handle */ }
//	defer rt.Close()
//	if err := rt.CheckHealth(ctx); err != nil { /* store unavailable */ }
//	item, err := rt.Queue().Enqueue(ctx, req)
package runtime
