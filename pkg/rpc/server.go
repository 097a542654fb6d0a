package rpc

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/whispem/minikv/pkg/log"
)

// Server hosts one or more hand-registered gRPC services over a single
// listener. mTLS is left to an external collaborator; certificate loading
// and rotation aren't this module's concern.
type Server struct {
	grpc *grpc.Server
}

// NewServer creates a gRPC server bound to the JSON codec registered in
// codec.go for every RPC, regardless of content-subtype negotiation.
func NewServer() *Server {
	return &Server{grpc: grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))}
}

// RegisterVolumeService exposes a VolumeServiceServer on this listener.
func (s *Server) RegisterVolumeService(impl VolumeServiceServer) {
	s.grpc.RegisterService(&VolumeServiceDesc, impl)
}

// RegisterCoordinatorService exposes a CoordinatorServiceServer on this
// listener.
func (s *Server) RegisterCoordinatorService(impl CoordinatorServiceServer) {
	s.grpc.RegisterService(&CoordinatorServiceDesc, impl)
}

// Serve listens on addr and blocks serving RPCs until Stop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.WithComponent("rpc").Info().Str("addr", addr).Msg("gRPC server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Dial opens a client connection to a peer using the same JSON codec.
// Credentials are insecure; mTLS between peers is left to an external
// collaborator.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
}
