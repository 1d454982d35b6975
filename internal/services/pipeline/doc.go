// Package pipeline is the service layer shared by the HTTP and gRPC
// transports. It coordinates the request gate, the orchestrator, the queue
// processor and the admin operations over one runtime.
//
//	svc := pipeline.New(rt, pipeline.Options{Gate: g, Notifier: n})
//	svc.Start()
//	defer svc.Stop(ctx)
//	res, err := svc.Register(ctx, clientIP, req)
//	stats, err := svc.QueueStats(ctx)
package pipeline
