// Package grpc holds gRPC client helpers shared by collaboration commands.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrNotServing reports a health response other than SERVING.
var ErrNotServing = errors.New("gRPC health is not serving")

// DefaultClientDialOptions returns the dial options for in-cluster clients.
// Trace context propagates through the otelgrpc stats handler.
func DefaultClientDialOptions() []gogrpc.DialOption {
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// CheckHealth performs one health check for service.
func CheckHealth(ctx context.Context, conn *gogrpc.ClientConn, service string) error {
	if conn == nil {
		return errors.New("gRPC connection is not configured")
	}
	response, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("check gRPC health: %w", err)
	}
	if status := response.GetStatus(); status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, status.String())
	}
	return nil
}

// WaitForHealth blocks until service reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := CheckHealth(callCtx, conn, service)
		cancel()
		if err == nil {
			return nil
		}
		if logger != nil {
			logger.Debug("waiting for gRPC health", "service", service, "err", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff = min(backoff*2, time.Second)
		}
	}
}

// Probe dials addr and performs a single health check. Commands use it as a
// container liveness probe.
func Probe(ctx context.Context, addr string, service string) error {
	conn, err := dialHealth(addr)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	return CheckHealth(ctx, conn, service)
}

// WaitForServing dials addr and blocks until service reports SERVING or ctx
// ends. Startup scripts use it to gate on readiness.
func WaitForServing(ctx context.Context, addr string, service string, logger *slog.Logger) error {
	conn, err := dialHealth(addr)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	return WaitForHealth(ctx, conn, service, logger)
}

func dialHealth(addr string) (*gogrpc.ClientConn, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("probe address is required")
	}
	conn, err := gogrpc.NewClient(addr, DefaultClientDialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
