// Package httpserver is the JSON REST gateway of regflow: the public
// registration endpoint plus the operator endpoints for the intake queue.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	svc := pipeline.New(rt, pipeline.Options{})
//	s := httpserver.New(svc, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
