package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/daviddao/ftcic/pkg/detector"
	"github.com/daviddao/ftcic/pkg/engine"
	"github.com/daviddao/ftcic/pkg/ftserver"
	"github.com/daviddao/ftcic/pkg/model"
)

func (a *app) cmdServe(args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := flags.String("listen", envOr("FTD_LISTEN", ":1100"), "gRPC listen address")
	hosts := flags.String("hosts", envOr("FTD_HOSTS", "localhost"), "comma-separated free hosts")
	keep := flags.Int("keep", envInt("FTD_KEEP", 2), "checkpoints retained per body")
	gcPeriod := flags.Duration("gc-period", envDuration("FTD_GC_PERIOD", 40*time.Second), "garbage collection period")
	probePeriod := flags.Duration("probe-period", envDuration("FTD_PROBE_PERIOD", 10*time.Second), "time between detector scans")
	probeTimeout := flags.Duration("probe-timeout", envDuration("FTD_PROBE_TIMEOUT", 2*time.Second), "timeout of one probe")
	misses := flags.Int("probe-misses", envInt("FTD_PROBE_MISSES", 3), "consecutive misses before a failure")
	queues := flags.Int("queues", envInt("FTD_QUEUES", 50), "recovery worker queues")
	probe := flags.String("probe", "local", "liveness probe: local (in-process engine) or grpc (health service)")
	restore := flags.Bool("restore", true, "recover every body found in the database at startup")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	eng := engine.NewLocal(engine.Config{Log: a.log.New("module", "engine")})
	deps := ftserver.Deps{Engine: eng, Notifier: eng}
	switch *probe {
	case "local":
		deps.Prober = eng
	case "grpc":
		deps.Prober = detector.GRPCProber{}
	default:
		fmt.Fprintf(os.Stderr, "ftd: serve: unknown probe %q\n", *probe)
		return 1
	}

	srv, err := ftserver.New(ftserver.Config{
		Backend:  a.backend,
		Keep:     *keep,
		GCPeriod: *gcPeriod,
		Queues:   *queues,
		Hosts:    parseHosts(*hosts),
		Detector: detector.Config{Period: *probePeriod, Timeout: *probeTimeout, Misses: *misses},
		Log:      a.log,
	}, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftd: serve: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if *restore {
		ids, err := a.backend.Bodies(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ftd: serve: %v\n", err)
			return 1
		}
		n := restoreBodies(ctx, srv, ids)
		a.log.Info("bodies restored", "restored", n, "stored", len(ids))
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftd: serve: %v\n", err)
		return 1
	}
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	srv.Start()
	go func() {
		if err := gs.Serve(lis); err != nil {
			a.log.Error("grpc server stopped", "err", err)
		}
	}()
	a.log.Info("listening", "addr", lis.Addr().String(), "probe", *probe)

	// Handle ctrl-c gracefully.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Fprintln(os.Stderr, "\nstopping")

	hs.Shutdown()
	gs.GracefulStop()
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		fmt.Fprintf(os.Stderr, "ftd: serve: shutdown: %v\n", err)
		return 1
	}
	return 0
}

// restoreBodies registers every stored body and brings it back from its
// last checkpoint. It returns the number of bodies running afterwards;
// failures are logged by the server and leave the body RECOVERING.
func restoreBodies(ctx context.Context, srv *ftserver.Server, ids []model.BodyID) int {
	n := 0
	for _, id := range ids {
		if err := srv.Register(ctx, id, ""); err != nil {
			continue
		}
		if err := srv.RecoverAndWait(ctx, id); err != nil {
			continue
		}
		n++
	}
	return n
}
