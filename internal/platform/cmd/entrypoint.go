// Package cmd holds the startup plumbing shared by service commands: env and
// flag parsing, the process logger, and the telemetry lifecycle.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/louisbranch/campaign-collab/internal/platform/config"
	"github.com/louisbranch/campaign-collab/internal/platform/otel"
)

// ServiceCollab names the collaboration service in logs and traces.
const ServiceCollab = "collab"

const telemetryFlushTimeout = 5 * time.Second

// RunOptions tunes RunWithTelemetryAndOptions.
type RunOptions struct {
	// ShutdownTimeout bounds the telemetry flush after run returns.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// ParseConfig fills cfg from its env struct tags. Flags registered afterwards
// use the loaded values as defaults, so flags win over env.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses args into fs. A nil args slice parses as empty rather than
// falling back to os.Args.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag set is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// NewLogger returns a text logger tagged with service. Empty level means info.
func NewLogger(w io.Writer, service string, level string) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	if name := strings.TrimSpace(level); name != "" {
		if err := lvl.UnmarshalText([]byte(name)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With("service", strings.TrimSpace(service)), nil
}

// RunWithTelemetryAndOptions installs tracing for service, calls run, and
// flushes telemetry once run returns.
func RunWithTelemetryAndOptions(ctx context.Context, service string, options RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	switch {
	case service == "":
		return errors.New("service name is required")
	case run == nil:
		return errors.New("run function is required")
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer flushTelemetry(shutdown, service, options)
	return run(ctx)
}

func flushTelemetry(shutdown func(context.Context) error, service string, options RunOptions) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := options.ShutdownTimeout
	if timeout <= 0 {
		timeout = telemetryFlushTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("flush telemetry", "service", service, "err", err)
	}
}
