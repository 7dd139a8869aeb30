package server

import (
	"context"
	"net"

	"github.com/openkcm/common-sdk/pkg/commongrpc"
	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/samber/oops"

	sessionv1 "github.com/openkcm/api-sdk/proto/kms/api/cmk/sessionmanager/session/v1"
	slogctx "github.com/veqryn/slog-context"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openkcm/session-authority/internal/config"
	"github.com/openkcm/session-authority/internal/grpc"
)

// StartGRPCServer serves session validation and health checks until ctx is done.
func StartGRPCServer(ctx context.Context, cfg *config.Config, sessionsrv *grpc.SessionServer) error {
	grpcServer := commongrpc.NewServer(ctx, &cfg.GRPC.GRPCServer)

	sessionv1.RegisterServiceServer(grpcServer, sessionsrv)
	healthpb.RegisterHealthServer(grpcServer, &health.GRPCServer{})

	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", cfg.GRPC.Address)
	if err != nil {
		return oops.In("gRPC Server").
			WithContext(ctx).
			Wrapf(err, "creating listener")
	}

	go func() {
		slogctx.Info(ctx, "Starting GRPC server", "address", cfg.GRPC.Address)

		if err := grpcServer.Serve(listener); err != nil {
			slogctx.Error(ctx, "Failed to serve gRPC endpoint", "error", err)
		}

		slogctx.Info(ctx, "Stopped gRPC server")
	}()

	<-ctx.Done()

	grpcServer.GracefulStop()
	slogctx.Info(ctx, "Completed graceful shutdown of gRPC server")

	return nil
}
