// Package collab parses collaboration command flags and composes the server
// entrypoint.
package collab

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/campaign-collab/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/campaign-collab/internal/platform/grpc"
	server "github.com/louisbranch/campaign-collab/internal/services/collab/app"
)

const probeTimeout = 3 * time.Second

// Config holds collab command configuration.
type Config struct {
	HTTPAddr string `env:"COLLAB_HTTP_ADDR" envDefault:":8090"`
	GRPCAddr string `env:"COLLAB_GRPC_ADDR" envDefault:":8091"`
	DBPath   string `env:"COLLAB_DB_PATH"   envDefault:"data/collab.db"`
	LogLevel string `env:"COLLAB_LOG_LEVEL" envDefault:"info"`

	AuthPublicKey string `env:"COLLAB_AUTH_PUBLIC_KEY"`
	AuthIssuer    string `env:"COLLAB_AUTH_ISSUER"   envDefault:"campaign-auth"`
	AuthAudience  string `env:"COLLAB_AUTH_AUDIENCE" envDefault:"campaign-collab"`
	DevIdentity   bool   `env:"COLLAB_DEV_IDENTITY"`

	GraceWindow   time.Duration `env:"COLLAB_ROOM_GRACE_WINDOW"   envDefault:"1h"`
	IdleTimeout   time.Duration `env:"COLLAB_SESSION_IDLE_TIMEOUT" envDefault:"1h"`
	SweepInterval time.Duration `env:"COLLAB_SWEEP_INTERVAL"      envDefault:"1m"`
	RecentChanges int           `env:"COLLAB_RECENT_CHANGES"      envDefault:"10"`
	PersistQueue  int           `env:"COLLAB_PERSIST_QUEUE"       envDefault:"256"`

	// Probe runs a gRPC health check against GRPCAddr and exits.
	Probe bool
	// ProbeWait makes Probe retry until SERVING for up to this long. Zero
	// checks once.
	ProbeWait time.Duration
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "collab HTTP and WebSocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "change history sqlite path (empty keeps history in memory)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.AuthPublicKey, "auth-public-key", cfg.AuthPublicKey, "base64 ed25519 key verifying access tokens")
	fs.StringVar(&cfg.AuthIssuer, "auth-issuer", cfg.AuthIssuer, "expected access token issuer")
	fs.StringVar(&cfg.AuthAudience, "auth-audience", cfg.AuthAudience, "expected access token audience")
	fs.BoolVar(&cfg.DevIdentity, "dev-identity", cfg.DevIdentity, "trust actor_id query parameters when no auth key is set")
	fs.DurationVar(&cfg.GraceWindow, "room-grace-window", cfg.GraceWindow, "how long an empty room lives before reclamation")
	fs.DurationVar(&cfg.IdleTimeout, "session-idle-timeout", cfg.IdleTimeout, "inactivity before a session is expired")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "how often idle sessions and rooms are swept")
	fs.IntVar(&cfg.RecentChanges, "recent-changes", cfg.RecentChanges, "changes included in sync responses")
	fs.IntVar(&cfg.PersistQueue, "persist-queue", cfg.PersistQueue, "per-room pending persistence writes before drops")
	fs.BoolVar(&cfg.Probe, "probe", false, "check gRPC health at -grpc-addr and exit")
	fs.DurationVar(&cfg.ProbeWait, "probe-wait", 0, "with -probe, wait up to this long for SERVING")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the collab server and serves until ctx ends.
func Run(ctx context.Context, cfg Config, logOutput io.Writer) error {
	logger, err := entrypoint.NewLogger(logOutput, entrypoint.ServiceCollab, cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.Probe {
		return probe(ctx, cfg.GRPCAddr, cfg.ProbeWait, logger)
	}

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceCollab, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:      cfg.HTTPAddr,
			GRPCAddr:      cfg.GRPCAddr,
			DBPath:        cfg.DBPath,
			AuthPublicKey: cfg.AuthPublicKey,
			AuthIssuer:    cfg.AuthIssuer,
			AuthAudience:  cfg.AuthAudience,
			DevIdentity:   cfg.DevIdentity,
			GraceWindow:   cfg.GraceWindow,
			IdleTimeout:   cfg.IdleTimeout,
			SweepInterval: cfg.SweepInterval,
			RecentChanges: cfg.RecentChanges,
			PersistQueue:  cfg.PersistQueue,
			Logger:        logger,
		}); err != nil {
			return fmt.Errorf("serve collab: %w", err)
		}
		return nil
	})
}

func probe(ctx context.Context, grpcAddr string, wait time.Duration, logger *slog.Logger) error {
	addr := strings.TrimSpace(grpcAddr)
	if addr == "" {
		return fmt.Errorf("probe requires a gRPC address")
	}
	if strings.HasPrefix(addr, ":") {
		addr = net.JoinHostPort("localhost", strings.TrimPrefix(addr, ":"))
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if err := platformgrpc.WaitForServing(ctx, addr, server.HealthServiceName, logger); err != nil {
			return fmt.Errorf("probe collab: %w", err)
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := platformgrpc.Probe(ctx, addr, server.HealthServiceName); err != nil {
		return fmt.Errorf("probe collab: %w", err)
	}
	return nil
}
