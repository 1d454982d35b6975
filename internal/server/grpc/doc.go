// Package grpcserver hosts the gRPC endpoint of regflow. It serves the
// standard grpc.health.v1.Health service, reporting SERVING while the store
// takes writes, so orchestrators can probe a node the same way they probe
// any other gRPC service.
//
// Example:
//
//	s := grpcserver.New(svc, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":9090")
package grpcserver
