// Package main starts the campaign collaboration service and handles
// termination.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	collabcmd "github.com/louisbranch/campaign-collab/internal/cmd/collab"
	"github.com/louisbranch/campaign-collab/internal/platform/config"
)

func main() {
	cfg, err := collabcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := collabcmd.Run(ctx, cfg, os.Stderr); err != nil {
		config.Exitf("collab: %v", err)
	}
}
