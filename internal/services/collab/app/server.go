// Package server wires the collaboration HTTP, WebSocket, and health
// surfaces around the room manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/campaign-collab/internal/platform/timeouts"
	"github.com/louisbranch/campaign-collab/internal/services/collab/room"
	"github.com/louisbranch/campaign-collab/internal/services/collab/storage"
	collabsqlite "github.com/louisbranch/campaign-collab/internal/services/collab/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the gRPC health service reported while rooms accept
// connections.
const HealthServiceName = "collab.v1.CollaborationService"

// Config holds collaboration server configuration.
type Config struct {
	HTTPAddr string
	// GRPCAddr enables the gRPC health endpoint when set.
	GRPCAddr string
	// DBPath enables durable change history when set.
	DBPath string

	AuthPublicKey string
	AuthIssuer    string
	AuthAudience  string
	DevIdentity   bool

	GraceWindow   time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	RecentChanges int
	PersistQueue  int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *slog.Logger
}

// Server hosts the collaboration transport and room lifecycle.
type Server struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration

	manager *room.Manager
	store   storage.ChangeStore

	httpListener net.Listener
	httpServer   *http.Server

	grpcListener net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
}

// NewServer builds a configured collaboration server. Listeners are bound
// immediately so callers can read the resolved addresses.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var authenticator Authenticator
	if strings.TrimSpace(config.AuthPublicKey) != "" {
		publicKey, err := ParsePublicKey(config.AuthPublicKey)
		if err != nil {
			return nil, fmt.Errorf("parse auth public key: %w", err)
		}
		verifier, err := NewTokenVerifier(TokenConfig{
			PublicKey: publicKey,
			Issuer:    config.AuthIssuer,
			Audience:  config.AuthAudience,
		})
		if err != nil {
			return nil, fmt.Errorf("configure token verifier: %w", err)
		}
		authenticator = verifier
	} else if config.DevIdentity {
		logger.Warn("development identity enabled; websocket callers are trusted")
	} else {
		logger.Warn("websocket auth is not configured; connections will be rejected")
	}

	s := &Server{
		logger:          logger,
		shutdownTimeout: config.ShutdownTimeout,
	}

	managerCfg := room.Config{
		Logger:         logger,
		GraceWindow:    config.GraceWindow,
		IdleTimeout:    config.IdleTimeout,
		SweepInterval:  config.SweepInterval,
		RecentChanges:  config.RecentChanges,
		PersistQueue:   config.PersistQueue,
		MeterProvider:  otel.GetMeterProvider(),
		TracerProvider: otel.GetTracerProvider(),
	}
	if path := strings.TrimSpace(config.DBPath); path != "" {
		store, err := openChangeStore(ctx, path)
		if err != nil {
			return nil, err
		}
		s.store = store
		managerCfg.Store = store
	}
	s.manager = room.NewManager(managerCfg)

	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}
	s.httpListener = httpListener
	s.httpServer = &http.Server{
		Handler: NewHandler(HandlerConfig{
			Manager:       s.manager,
			Store:         s.store,
			Authenticator: authenticator,
			DevIdentity:   config.DevIdentity,
			Logger:        logger,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	if grpcAddr := strings.TrimSpace(config.GRPCAddr); grpcAddr != "" {
		grpcListener, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listen on %s: %w", grpcAddr, err)
		}
		s.grpcListener = grpcListener
		s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		s.health = health.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	return s, nil
}

// HTTPAddr returns the bound HTTP listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC listener address, or empty when disabled.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves a collaboration server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init collab server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve collab: %w", err)
	}
	return nil
}

// ListenAndServe runs HTTP, gRPC health, and the room sweeper until the
// context ends or one of them fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("collab server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	s.logger.Info("collab server listening", "http_addr", s.HTTPAddr(), "grpc_addr", s.GRPCAddr())

	group.Go(func() error {
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if s.grpcServer != nil {
		group.Go(func() error {
			if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve gRPC: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return s.manager.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		if s.health != nil {
			s.health.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.manager.Close(shutdownCtx); err != nil {
			s.logger.Warn("close rooms", "err", err)
		}
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	return group.Wait()
}

// Close releases server resources. It is safe to call after ListenAndServe
// returns.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		if err := s.manager.Close(ctx); err != nil {
			s.logger.Warn("close rooms", "err", err)
		}
		cancel()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("close change store", "err", err)
		}
	}
}

func openChangeStore(ctx context.Context, path string) (*collabsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := collabsqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open collab sqlite store: %w", err)
	}
	return store, nil
}
