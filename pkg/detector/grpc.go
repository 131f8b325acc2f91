package detector

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
)

// GRPCProber probes bodies through the standard gRPC health service.
type GRPCProber struct {
	// Service is the health service name to check; empty checks the
	// server as a whole.
	Service string

	// DialOptions are appended to the defaults (insecure transport,
	// otelgrpc client instrumentation).
	DialOptions []grpc.DialOption
}

func (p GRPCProber) Probe(ctx context.Context, id model.BodyID, addr model.Address) error {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, p.DialOptions...)
	conn, err := grpc.NewClient(string(addr), opts...)
	if err != nil {
		return fterr.Unreachable.Wrap(err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		if status.Code(err) == codes.Unavailable {
			return fterr.Unreachable.Wrap(err)
		}
		return fterr.ProbeMissed.Wrap(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fterr.ProbeMissed.New("%s at %s is %s", id, addr, resp.GetStatus())
	}
	return nil
}
