// Package grpc exposes a cluster replica's liveness over the standard
// grpc.health.v1 service, using the precompiled health package so no
// generated stubs are required.
//
// Real Raft RPC traffic (RequestVote/AppendEntries/InstallSnapshot) is
// carried by pkg/transport/gobrpc instead of gRPC, since shipping those as
// gRPC methods would require generated protoc-gen-go stubs this repository
// doesn't carry. This package keeps grpc in the stack for the one
// sub-concern — health probing — that the ecosystem ships fully generated
// already.
package grpc

import (
	"context"
	"fmt"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-check service name this replica reports under.
const ServiceName = "raftcore.Replica"

// Server wraps a grpc.Server exposing only health checking, with a
// listener/Start/Stop lifecycle.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	logger     *log.Logger
}

// NewServer binds a listener on address and registers the health service,
// reporting NOT_SERVING until SetServing(true) is called.
func NewServer(address string, logger *log.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	return &Server{
		grpcServer: grpcServer,
		health:     healthSrv,
		listener:   listener,
		logger:     logger,
	}, nil
}

// Start serves until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Printf("grpc: health server listening on %s", s.listener.Addr().String())
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// CheckStatus reports the currently served health status directly through
// the underlying health.Server, without a network round trip.
func (s *Server) CheckStatus(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

// SetServing flips the reported health status. A replica's surrounding
// process calls this once its Replica.Run loop is up, and flips it back on
// a fatal collaborator-contract violation (raft.Replica.Err() becoming
// non-nil) or shutdown.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}
