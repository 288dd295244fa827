package grpcapp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tokend/internal/lib/sl"
)

// ServiceName is the name reported to health clients for the token service.
const ServiceName = "tokend.Token"

type Pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	logger     *slog.Logger
	gRPCServer *grpc.Server
	health     *health.Server
	store      Pinger
	port       int
	timeout    time.Duration

	stop chan struct{}
}

func New(
	logger *slog.Logger,
	store Pinger,
	port int,
	timeout time.Duration,
) *App {
	gRPCServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(gRPCServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &App{
		logger:     logger,
		gRPCServer: gRPCServer,
		health:     healthServer,
		store:      store,
		port:       port,
		timeout:    timeout,
		stop:       make(chan struct{}),
	}
}

func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "grpcapp.Run"

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.port))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return a.Serve(listener)
}

// Serve reports health on l and polls the store until Stop is called.
func (a *App) Serve(l net.Listener) error {
	const op = "grpcapp.Serve"

	log := a.logger.With(
		slog.String("op", op),
		slog.Int("port", a.port),
	)

	a.Check(context.Background())
	go a.watch()

	log.Info("gRPC server is running", slog.String("address", l.Addr().String()))

	if err := a.gRPCServer.Serve(l); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Check pings the store once and updates the reported serving status.
func (a *App) Check(ctx context.Context) {
	const op = "grpcapp.Check"

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	status := healthpb.HealthCheckResponse_SERVING
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("store ping failed", slog.String("op", op), sl.Err(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	a.health.SetServingStatus("", status)
	a.health.SetServingStatus(ServiceName, status)
}

func (a *App) watch() {
	interval := a.timeout
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.Check(context.Background())
		}
	}
}

func (a *App) Stop() {
	const op = "grpcapp.Stop"

	log := a.logger.With(slog.String("op", op))
	log.Info("stopping gRPC server", slog.Int("port", a.port))

	a.health.Shutdown()
	a.gRPCServer.GracefulStop()

	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}
